// Package syncclient implements the playback follower: the client
// side state machine that receives command envelopes from the sync
// coordinator, drives a host-supplied hostapi.PlaybackEngine, and applies
// a graded drift-correction policy (speed trim, then hard seek) so its
// playhead tracks the schedule the master established. The command
// dispatch-by-action idiom follows api/pkg/desktop/ws_input.go's
// message-type switch; the reconnect-tolerant transport underneath is
// internal/transport.Client.
package syncclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanwatch/syncd/internal/config"
	"github.com/lanwatch/syncd/internal/hostapi"
	"github.com/lanwatch/syncd/internal/transport"
	"github.com/lanwatch/syncd/internal/types"
)

// State is the follower's own playback lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateScheduledPlay State = "scheduled_play"
	StatePlaying       State = "playing"
	StatePaused        State = "paused"
	StateSeeking       State = "seeking"
	StateClosed        State = "closed"
)

const (
	driftTickInterval = 5 * time.Second
	statusInterval    = time.Second

	speedTrimThreshold = 500 * time.Millisecond
	seekThreshold      = 1000 * time.Millisecond
	deadband           = 100 * time.Millisecond

	maxRateTrim = 0.05
)

// Client is the follower's playback state machine.
type Client struct {
	log        zerolog.Logger
	engine     hostapi.PlaybackEngine
	trans      *transport.Client
	cfg        config.SyncConfig
	clientID   string
	streamBase string

	mu                   sync.Mutex
	state                State
	movieID              string
	scheduledStart       time.Time
	initialPlaybackAt    time.Time
	lastSpeedAdjustAt    time.Time
	lastSeekCorrectionAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a follower bound to engine. It talks to the master only once
// Start is called with the master's websocket URL.
func New(log zerolog.Logger, engine hostapi.PlaybackEngine, cfg config.SyncConfig, clientID, streamBase string) *Client {
	c := &Client{
		log:        log.With().Str("component", "syncclient").Logger(),
		engine:     engine,
		cfg:        cfg,
		clientID:   clientID,
		streamBase: streamBase,
		state:      StateIdle,
		stopCh:     make(chan struct{}),
	}
	return c
}

// Start connects to the master at url with pin, then runs the drift
// monitor and status-report loops until ctx is cancelled or Close is
// called.
func (c *Client) Start(ctx context.Context, url, pin string) error {
	c.trans = transport.NewClient(c.log, url, pin, c.clientID, c.clientID, c.handleCommand)
	if err := c.trans.Connect(ctx); err != nil {
		return fmt.Errorf("syncclient connect: %w", err)
	}

	c.wg.Add(2)
	go c.driftLoop(ctx)
	go c.statusLoop(ctx)
	return nil
}

// Close stops the background loops and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	close(c.stopCh)
	c.wg.Wait()
	if c.trans != nil {
		return c.trans.Close()
	}
	return nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) handleCommand(env types.CommandEnvelope) {
	switch env.Action {
	case types.ActionLoad:
		c.onLoad(env)
	case types.ActionStart:
		c.onStart(env)
	case types.ActionPlay:
		c.onPlay(env)
	case types.ActionPause:
		c.onPause(env)
	case types.ActionSeek:
		c.onSeek(env)
	case types.ActionSyncCheck:
		c.sendStatus()
	default:
		c.log.Warn().Str("action", string(env.Action)).Msg("unknown command action")
	}
}

func (c *Client) onLoad(env types.CommandEnvelope) {
	c.mu.Lock()
	c.movieID = env.MovieID
	c.state = StateLoading
	c.mu.Unlock()

	uri := fmt.Sprintf("%s/video/%s", c.streamBase, env.MovieID)
	c.engine.Prepare(uri, 0)

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	c.sendStatus()
}

func (c *Client) onStart(env types.CommandEnvelope) {
	if env.TargetStartTime == nil {
		return
	}
	target := time.UnixMilli(*env.TargetStartTime)

	c.mu.Lock()
	c.state = StateScheduledPlay
	c.scheduledStart = target
	c.mu.Unlock()

	delay := time.Until(target)
	timer := time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.state = StatePlaying
		c.initialPlaybackAt = time.Now()
		c.mu.Unlock()
		c.engine.Play()
		c.sendStatus()
	})
	_ = timer
}

func (c *Client) onPlay(env types.CommandEnvelope) {
	if env.VideoPosition != nil {
		c.engine.Seek(*env.VideoPosition)
	}
	c.engine.Play()
	c.mu.Lock()
	c.state = StatePlaying
	if c.initialPlaybackAt.IsZero() {
		c.initialPlaybackAt = time.Now()
	}
	c.mu.Unlock()
	c.sendStatus()
}

func (c *Client) onPause(env types.CommandEnvelope) {
	if env.VideoPosition != nil {
		c.engine.Seek(*env.VideoPosition)
	}
	c.engine.Pause()
	c.mu.Lock()
	c.state = StatePaused
	c.mu.Unlock()
	c.sendStatus()
}

func (c *Client) onSeek(env types.CommandEnvelope) {
	if env.SeekPosition == nil {
		return
	}
	c.mu.Lock()
	c.state = StateSeeking
	c.mu.Unlock()

	c.engine.Seek(*env.SeekPosition)
	c.engine.SetRate(1.0)

	c.mu.Lock()
	c.lastSeekCorrectionAt = time.Now()
	if c.engine.IsPlaying() {
		c.state = StatePlaying
	} else {
		c.state = StatePaused
	}
	c.mu.Unlock()
	c.sendStatus()
}

func (c *Client) sendStatus() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if c.trans == nil {
		return
	}
	c.trans.Send(types.StatusReport{
		ClientID:         c.clientID,
		VideoPosition:    c.engine.Position(),
		IsPlaying:        c.engine.IsPlaying(),
		Drift:            c.currentDrift().Milliseconds(),
		BufferPercentage: 100,
		IsReady:          state == StateReady || state == StateScheduledPlay || state == StatePlaying || state == StatePaused,
		Timestamp:        time.Now().UnixMilli(),
	})
}

// currentDrift is the gap between where the playhead should be (elapsed
// wall-clock time since the scheduled start) and where it actually is.
// Positive means the client is ahead of schedule.
func (c *Client) currentDrift() time.Duration {
	c.mu.Lock()
	started := c.initialPlaybackAt
	c.mu.Unlock()
	if started.IsZero() || !c.engine.IsPlaying() {
		return 0
	}
	expectedMS := time.Since(started).Milliseconds()
	actualMS := c.engine.Position()
	return time.Duration(actualMS-expectedMS) * time.Millisecond
}

func (c *Client) statusLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.engine.IsPlaying() {
				c.sendStatus()
			}
		}
	}
}

func (c *Client) driftLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(driftTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.correctDrift()
		}
	}
}

// correctDrift applies the graded correction policy: drift under
// speedTrimThreshold is absorbed with a clamped playback-rate trim; drift
// between speedTrimThreshold and seekThreshold sits in a hysteresis band
// where neither mechanism acts; drift at or beyond seekThreshold triggers
// a hard seek. Each mechanism has its own cooldown; seeks are additionally
// suppressed during an initial-playback window so early buffering jitter
// doesn't trigger a seek storm (speed trims are not suppressed there).
func (c *Client) correctDrift() {
	if !c.engine.IsPlaying() {
		return
	}
	drift := c.currentDrift()
	abs := drift
	if abs < 0 {
		abs = -abs
	}

	c.mu.Lock()
	sinceStart := time.Since(c.initialPlaybackAt)
	sinceSpeedAdjust := time.Since(c.lastSpeedAdjustAt)
	sinceSeek := time.Since(c.lastSeekCorrectionAt)
	c.mu.Unlock()

	switch {
	case abs < deadband:
		c.engine.SetRate(1.0)
		return

	case abs < speedTrimThreshold:
		if sinceSpeedAdjust < c.cfg.SpeedCooldown() {
			return
		}
		rate := speedTrimFor(drift)
		c.engine.SetRate(rate)
		c.mu.Lock()
		c.lastSpeedAdjustAt = time.Now()
		c.mu.Unlock()

	case abs < seekThreshold:
		// hysteresis band: too big to trust a speed trim to close in time,
		// too small to justify a jarring seek. Leave any existing rate
		// trim alone.
		return

	default:
		if sinceStart < c.cfg.InitialPlaybackCooldown() {
			return
		}
		if sinceSeek < c.cfg.SeekCooldown() {
			return
		}
		expectedMS := time.Since(c.initialPlaybackAt).Milliseconds()
		c.engine.Seek(expectedMS)
		c.engine.SetRate(1.0)
		c.mu.Lock()
		c.lastSeekCorrectionAt = time.Now()
		c.mu.Unlock()
	}
}

// speedTrimFor maps a drift magnitude to a playback rate of
// clamp(1.0 - drift/100ms*0.02, 1-maxRateTrim, 1+maxRateTrim):
// ahead-of-schedule (positive drift) is slowed down, behind-schedule
// (negative drift) is sped up. 200ms of drift yields a rate of 0.96.
func speedTrimFor(drift time.Duration) float64 {
	const perHundredMS = 0.02
	magnitudeMS := float64(drift / time.Millisecond)
	rate := 1.0 - (magnitudeMS/100.0)*perHundredMS
	if rate > 1.0+maxRateTrim {
		rate = 1.0 + maxRateTrim
	}
	if rate < 1.0-maxRateTrim {
		rate = 1.0 - maxRateTrim
	}
	return rate
}
