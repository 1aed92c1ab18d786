package syncmaster

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lanwatch/syncd/internal/config"
	"github.com/lanwatch/syncd/internal/session"
	"github.com/lanwatch/syncd/internal/types"
)

type recordingSink struct {
	envelopes []types.CommandEnvelope
}

func (r *recordingSink) Broadcast(env types.CommandEnvelope) (int, error) {
	r.envelopes = append(r.envelopes, env)
	return 1, nil
}

type alwaysWifi struct{ ip string }

func (a alwaysWifi) LocalIPv4() (string, error) { return a.ip, nil }
func (a alwaysWifi) IsWifiConnected() bool       { return true }

func newHostedForTest(t *testing.T) *session.Hosted {
	t.Helper()
	var cfg config.Config
	cfg.HTTP.StreamPort = 0
	cfg.HTTP.StreamPortFallback = []int{0}
	cfg.HTTP.TransportPort = 0
	cfg.HTTP.TransportFallback = []int{0}
	cfg.Pin.SyncDigits = 6

	f, err := os.CreateTemp(t.TempDir(), "movie-*.mp4")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	registry := session.New(zerolog.Nop(), cfg, alwaysWifi{ip: "10.0.0.2"})
	hosted, err := registry.Host(context.Background(), session.HostRequest{MovieID: "m", Path: f.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { registry.End(context.Background()) })
	return hosted
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		LeadMS:                    500,
		DriftIntervalMS:           5000,
		SpeedCooldownMS:           2000,
		SeekCooldownMS:            10000,
		InitialPlaybackCooldownMS: 15000,
	}
}

func Test_Load_BroadcastsLoadEnvelope(t *testing.T) {
	sink := &recordingSink{}
	hosted := newHostedForTest(t)
	c := New(zerolog.Nop(), sink, hosted, testSyncConfig(), nil)

	require.NoError(t, c.Load("movie-1"))
	require.Len(t, sink.envelopes, 1)
	require.Equal(t, types.ActionLoad, sink.envelopes[0].Action)
	require.Equal(t, "movie-1", sink.envelopes[0].MovieID)
}

func Test_Start_SetsTargetStartTimeInFuture(t *testing.T) {
	sink := &recordingSink{}
	hosted := newHostedForTest(t)
	c := New(zerolog.Nop(), sink, hosted, testSyncConfig(), nil)

	before := time.Now().UnixMilli()
	require.NoError(t, c.Start())
	require.Len(t, sink.envelopes, 1)
	env := sink.envelopes[0]
	require.Equal(t, types.ActionStart, env.Action)
	require.NotNil(t, env.TargetStartTime)
	require.Greater(t, *env.TargetStartTime, before)
}

func Test_AllReady_FalseWithEmptyRoster(t *testing.T) {
	sink := &recordingSink{}
	hosted := newHostedForTest(t)
	c := New(zerolog.Nop(), sink, hosted, testSyncConfig(), nil)
	require.False(t, c.allReady())
}

func Test_AllReady_TrueOnceEveryClientReports(t *testing.T) {
	sink := &recordingSink{}
	hosted := newHostedForTest(t)
	c := New(zerolog.Nop(), sink, hosted, testSyncConfig(), nil)

	descriptor := hosted.Host()
	descriptor.DeviceID = "client-1"
	require.NoError(t, hosted.Authenticate(hosted.Snapshot().PIN, descriptor))

	require.False(t, c.allReady())

	c.HandleStatusReport(types.StatusReport{ClientID: "client-1", IsReady: true})
	require.True(t, c.allReady())
}

func Test_Tick_EmitsSyncCheckPeriodicallyWhilePlaying(t *testing.T) {
	sink := &recordingSink{}
	hosted := newHostedForTest(t)
	c := New(zerolog.Nop(), sink, hosted, testSyncConfig(), nil)

	require.NoError(t, c.Start())
	require.Len(t, sink.envelopes, 1)

	now := time.Now()
	c.tick(now)
	require.Len(t, sink.envelopes, 2, "first tick while playing should emit an immediate sync check")
	require.Equal(t, types.ActionSyncCheck, sink.envelopes[1].Action)

	c.tick(now.Add(1 * time.Second))
	require.Len(t, sink.envelopes, 2, "a tick before the drift interval elapses must not emit another sync check")

	c.tick(now.Add(c.cfg.DriftInterval() + time.Second))
	require.Len(t, sink.envelopes, 3, "a tick past the drift interval should emit another sync check")
	require.Equal(t, types.ActionSyncCheck, sink.envelopes[2].Action)
}

func Test_Tick_NoSyncCheckOutsidePlayingPhase(t *testing.T) {
	sink := &recordingSink{}
	hosted := newHostedForTest(t)
	c := New(zerolog.Nop(), sink, hosted, testSyncConfig(), nil)

	c.tick(time.Now())
	require.Empty(t, sink.envelopes, "idle phase should not emit any broadcast")
}

func Test_Seek_BroadcastsSeekPosition(t *testing.T) {
	sink := &recordingSink{}
	hosted := newHostedForTest(t)
	c := New(zerolog.Nop(), sink, hosted, testSyncConfig(), nil)

	require.NoError(t, c.Seek(42000))
	require.Len(t, sink.envelopes, 1)
	require.Equal(t, types.ActionSeek, sink.envelopes[0].Action)
	require.Equal(t, int64(42000), *sink.envelopes[0].SeekPosition)
}
