package syncclient

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lanwatch/syncd/internal/config"
	"github.com/lanwatch/syncd/internal/playback"
	"github.com/lanwatch/syncd/internal/types"
)

func fastCorrectionConfig() config.SyncConfig {
	return config.SyncConfig{
		LeadMS:                    10,
		DriftIntervalMS:           10,
		SpeedCooldownMS:           10,
		SeekCooldownMS:            10,
		InitialPlaybackCooldownMS: 10,
	}
}

func newTestClient() (*Client, *playback.Simulated) {
	engine := playback.New(0)
	c := New(zerolog.Nop(), engine, fastCorrectionConfig(), "client-1", "http://host:8080")
	return c, engine
}

func Test_SpeedTrimFor_AheadOfScheduleSlowsDown(t *testing.T) {
	rate := speedTrimFor(1500 * time.Millisecond)
	require.Less(t, rate, 1.0)
}

func Test_SpeedTrimFor_BehindScheduleSpeedsUp(t *testing.T) {
	rate := speedTrimFor(-1500 * time.Millisecond)
	require.Greater(t, rate, 1.0)
}

func Test_SpeedTrimFor_ClampsAtMaxRateTrim(t *testing.T) {
	rate := speedTrimFor(10 * time.Second)
	require.InDelta(t, 1.0-maxRateTrim, rate, 0.0001)
}

func Test_OnLoad_TransitionsToReady(t *testing.T) {
	c, _ := newTestClient()
	c.onLoad(types.CommandEnvelope{Action: types.ActionLoad, MovieID: "movie-1"})
	require.Equal(t, StateReady, c.State())
}

func Test_OnPlay_SetsPlayingStateAndRecordsInitialPlaybackAt(t *testing.T) {
	c, engine := newTestClient()
	pos := int64(5000)
	c.onPlay(types.CommandEnvelope{Action: types.ActionPlay, VideoPosition: &pos})

	require.Equal(t, StatePlaying, c.State())
	require.True(t, engine.IsPlaying())
	c.mu.Lock()
	initial := c.initialPlaybackAt
	c.mu.Unlock()
	require.False(t, initial.IsZero())
}

func Test_OnPause_SetsPausedState(t *testing.T) {
	c, engine := newTestClient()
	engine.Play()
	pos := int64(3000)
	c.onPause(types.CommandEnvelope{Action: types.ActionPause, VideoPosition: &pos})

	require.Equal(t, StatePaused, c.State())
	require.False(t, engine.IsPlaying())
	require.Equal(t, int64(3000), engine.Position())
}

func Test_OnSeek_SeeksEngineAndResetsRate(t *testing.T) {
	c, engine := newTestClient()
	engine.SetRate(1.05)
	pos := int64(9000)
	c.onSeek(types.CommandEnvelope{Action: types.ActionSeek, SeekPosition: &pos})

	require.Equal(t, int64(9000), engine.Position())
	require.Equal(t, 1.0, engine.Rate())
	require.Equal(t, StatePaused, c.State())
}

func Test_CorrectDrift_WithinDeadbandTakesNoAction(t *testing.T) {
	c, engine := newTestClient()
	engine.Play()
	defer engine.Stop()

	start := time.Now().Add(-1 * time.Second)
	c.mu.Lock()
	c.initialPlaybackAt = start
	c.mu.Unlock()
	engine.Seek(1000) // matches elapsed time closely: drift inside deadband

	c.correctDrift()
	require.Equal(t, int64(1000), engine.Position())
}

func Test_CorrectDrift_ModerateDriftAppliesSpeedTrim(t *testing.T) {
	c, engine := newTestClient()
	engine.Play()
	defer engine.Stop()

	start := time.Now().Add(-1 * time.Second)
	c.mu.Lock()
	c.initialPlaybackAt = start
	c.mu.Unlock()
	engine.Seek(1300) // ~300ms ahead of the ~1000ms elapsed: inside the speed-trim band

	c.correctDrift()
	c.mu.Lock()
	adjustedAt := c.lastSpeedAdjustAt
	c.mu.Unlock()
	require.False(t, adjustedAt.IsZero())
	require.Less(t, engine.Rate(), 1.0)
}

func Test_CorrectDrift_HysteresisBandTakesNoAction(t *testing.T) {
	c, engine := newTestClient()
	engine.Play()
	defer engine.Stop()

	start := time.Now().Add(-1 * time.Second)
	c.mu.Lock()
	c.initialPlaybackAt = start
	c.mu.Unlock()
	engine.Seek(1700) // ~700ms ahead of the ~1000ms elapsed: between speedTrimThreshold and seekThreshold

	c.correctDrift()
	c.mu.Lock()
	adjustedAt := c.lastSpeedAdjustAt
	seekAt := c.lastSeekCorrectionAt
	c.mu.Unlock()
	require.True(t, adjustedAt.IsZero())
	require.True(t, seekAt.IsZero())
}

func Test_CorrectDrift_LargeDriftTriggersHardSeek(t *testing.T) {
	c, engine := newTestClient()
	engine.Play()
	defer engine.Stop()

	start := time.Now().Add(-1 * time.Second)
	c.mu.Lock()
	c.initialPlaybackAt = start
	c.mu.Unlock()
	engine.Seek(5000) // ~4000ms ahead of the ~1000ms elapsed: beyond seekThreshold

	c.correctDrift()

	pos := engine.Position()
	require.Less(t, pos, int64(2000), "hard seek should snap the playhead back near the expected elapsed time")

	c.mu.Lock()
	seekAt := c.lastSeekCorrectionAt
	c.mu.Unlock()
	require.False(t, seekAt.IsZero())
}
