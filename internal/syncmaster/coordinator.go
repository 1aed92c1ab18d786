// Package syncmaster implements the sync coordinator: it drives the
// Load/Start/Play/Pause/Seek/SyncCheck command sequence, tracks client
// readiness and drift from incoming status reports, and declares a session
// degraded when not every client reports ready in time. The narrow CommandSink
// interface it depends on (rather than a concrete *transport.Server)
// follows the habit of depending on small interfaces at package
// boundaries seen in api/pkg/filestore.FileStore and
// api/pkg/pubsub.Publisher instead of concrete types.
package syncmaster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanwatch/syncd/internal/config"
	"github.com/lanwatch/syncd/internal/errreport"
	"github.com/lanwatch/syncd/internal/session"
	"github.com/lanwatch/syncd/internal/types"
)

// CommandSink is anything that can broadcast a command envelope to the
// client roster. *transport.Server satisfies it.
type CommandSink interface {
	Broadcast(env types.CommandEnvelope) (int, error)
}

const (
	samplingInterval = 250 * time.Millisecond
	readyTimeout     = 15 * time.Second
)

// phase is the coordinator's own view of playback lifecycle, independent
// of any individual client's state machine (that's internal/syncclient's
// job).
type phase int

const (
	phaseIdle phase = iota
	phaseLoading
	phasePlaying
	phasePaused
)

// Coordinator is the master side of session synchronization.
type Coordinator struct {
	log    zerolog.Logger
	sink   CommandSink
	hosted *session.Hosted
	cfg    config.SyncConfig
	errRep *errreport.Reporter

	mu              sync.Mutex
	phase           phase
	movieID         string
	loadDeadline    time.Time
	degraded        bool
	lastSyncCheckAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Coordinator driving hosted's roster over sink.
func New(log zerolog.Logger, sink CommandSink, hosted *session.Hosted, cfg config.SyncConfig, errRep *errreport.Reporter) *Coordinator {
	return &Coordinator{
		log:    log.With().Str("component", "syncmaster").Logger(),
		sink:   sink,
		hosted: hosted,
		cfg:    cfg,
		errRep: errRep,
		stopCh: make(chan struct{}),
	}
}

// Run starts the background sampling loop that watches for all-ready
// transitions and emits periodic sync checks while playing. It returns
// immediately; the loop stops once ctx is cancelled or Close is called.
func (c *Coordinator) Run(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(samplingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case now := <-ticker.C:
				c.tick(now)
			}
		}
	}()
}

// Close stops the background loop.
func (c *Coordinator) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Coordinator) tick(now time.Time) {
	c.mu.Lock()
	ph := c.phase
	deadline := c.loadDeadline
	degradedAlready := c.degraded
	lastCheck := c.lastSyncCheckAt
	c.mu.Unlock()

	if ph == phasePlaying {
		if now.Sub(lastCheck) >= c.cfg.DriftInterval() {
			if err := c.SyncCheck(); err != nil {
				c.log.Warn().Err(err).Msg("periodic sync check broadcast failed")
			}
			c.mu.Lock()
			c.lastSyncCheckAt = now
			c.mu.Unlock()
		}
		return
	}

	if ph != phaseLoading {
		return
	}

	if c.allReady() {
		if err := c.Start(); err != nil {
			c.log.Error().Err(err).Msg("auto-start after all-ready failed")
		}
		return
	}

	if !degradedAlready && !deadline.IsZero() && now.After(deadline) {
		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
		err := fmt.Errorf("not every client reported ready within %s of load", readyTimeout)
		c.log.Warn().Err(err).Msg("session degraded")
		if c.errRep != nil {
			c.errRep.ResourceExhaustion("syncmaster", err)
		}
	}
}

// Load broadcasts a load command for movieID and starts the readiness
// countdown. Once every roster member reports ready the coordinator
// auto-starts; if the countdown lapses first the session is marked
// degraded and the coordinator keeps waiting for all-ready.
func (c *Coordinator) Load(movieID string) error {
	c.mu.Lock()
	c.phase = phaseLoading
	c.movieID = movieID
	c.loadDeadline = time.Now().Add(readyTimeout)
	c.degraded = false
	c.mu.Unlock()

	_, err := c.sink.Broadcast(types.CommandEnvelope{
		Action:    types.ActionLoad,
		Timestamp: time.Now().UnixMilli(),
		MovieID:   movieID,
		SenderID:  "master",
	})
	return err
}

// Start broadcasts a start command with a target start time cfg.LeadMS in
// the future, giving every client time to buffer before the deadline.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	c.phase = phasePlaying
	c.mu.Unlock()

	target := time.Now().Add(c.cfg.LeadTime()).UnixMilli()
	_, err := c.sink.Broadcast(types.CommandEnvelope{
		Action:          types.ActionStart,
		Timestamp:       time.Now().UnixMilli(),
		TargetStartTime: &target,
		SenderID:        "master",
	})
	return err
}

// Play resumes playback at videoPosition.
func (c *Coordinator) Play(videoPosition int64) error {
	c.mu.Lock()
	c.phase = phasePlaying
	c.mu.Unlock()

	_, err := c.sink.Broadcast(types.CommandEnvelope{
		Action:        types.ActionPlay,
		Timestamp:     time.Now().UnixMilli(),
		VideoPosition: &videoPosition,
		SenderID:      "master",
	})
	return err
}

// Pause halts playback at videoPosition.
func (c *Coordinator) Pause(videoPosition int64) error {
	c.mu.Lock()
	c.phase = phasePaused
	c.mu.Unlock()

	_, err := c.sink.Broadcast(types.CommandEnvelope{
		Action:        types.ActionPause,
		Timestamp:     time.Now().UnixMilli(),
		VideoPosition: &videoPosition,
		SenderID:      "master",
	})
	return err
}

// Seek relocates every client's playhead to seekPosition.
func (c *Coordinator) Seek(seekPosition int64) error {
	_, err := c.sink.Broadcast(types.CommandEnvelope{
		Action:       types.ActionSeek,
		Timestamp:    time.Now().UnixMilli(),
		SeekPosition: &seekPosition,
		SenderID:     "master",
	})
	return err
}

// SyncCheck asks every client to report its current drift immediately.
func (c *Coordinator) SyncCheck() error {
	_, err := c.sink.Broadcast(types.CommandEnvelope{
		Action:    types.ActionSyncCheck,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  "master",
	})
	return err
}

// HandleStatusReport folds an incoming status report into the roster so
// allReady and the UI can see each client's readiness and drift.
func (c *Coordinator) HandleStatusReport(report types.StatusReport) {
	c.hosted.UpdateClient(report.ClientID, func(d *types.DeviceDescriptor) {
		d.Ready = report.IsReady
		d.Drift = report.Drift
		d.LastSeen = time.Now()
		d.Degraded = false
	})
}

// allReady reports whether every roster member is ready and at least one
// client has joined.
func (c *Coordinator) allReady() bool {
	roster := c.hosted.Roster()
	if len(roster) == 0 {
		return false
	}
	for _, d := range roster {
		if !d.Ready {
			return false
		}
	}
	return true
}

// Degraded reports whether the current load wait timed out without every
// client becoming ready.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}
