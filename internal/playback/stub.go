// Package playback provides a simulated hostapi.PlaybackEngine driven by a
// wall-clock ticker instead of a real decoder. It exists for the same
// reason internal/mediastore and internal/netprobe do: a real on-device
// build supplies its own engine (native player, ExoPlayer, AVPlayer), and
// this stands in for it in cmd/syncd's demo CLI and in internal/syncclient
// tests.
package playback

import (
	"sync"
	"time"

	"github.com/lanwatch/syncd/internal/hostapi"
)

var _ hostapi.PlaybackEngine = (*Simulated)(nil)

// Simulated advances a virtual playhead at wall-clock speed, scaled by the
// last rate SetRate was given, whenever it is playing.
type Simulated struct {
	mu         sync.Mutex
	uri        string
	positionMS int64
	durationMS int64
	playing    bool
	rate       float64
	lastTick   time.Time
	stopCh     chan struct{}
}

// New creates a Simulated engine with a fixed reported duration (for UI
// purposes only; it never ends the stream on its own).
func New(durationMS int64) *Simulated {
	return &Simulated{durationMS: durationMS, rate: 1.0}
}

func (s *Simulated) Prepare(uri string, startMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uri = uri
	s.positionMS = startMS
	s.playing = false
}

func (s *Simulated) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		return
	}
	s.playing = true
	s.lastTick = time.Now()
	s.stopCh = make(chan struct{})
	go s.run(s.stopCh)
}

func (s *Simulated) run(stop chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			elapsed := now.Sub(s.lastTick)
			s.positionMS += int64(float64(elapsed.Milliseconds()) * s.rate)
			s.lastTick = now
			s.mu.Unlock()
		}
	}
}

func (s *Simulated) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.playing = false
	close(s.stopCh)
}

func (s *Simulated) Seek(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionMS = ms
	s.lastTick = time.Now()
}

func (s *Simulated) SetRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
}

// Rate reports the last rate passed to SetRate, for tests asserting on
// speed-trim behavior.
func (s *Simulated) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *Simulated) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionMS
}

func (s *Simulated) Duration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationMS
}

func (s *Simulated) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Simulated) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		close(s.stopCh)
		s.playing = false
	}
	s.positionMS = 0
}

func (s *Simulated) BindSurface(any) {}
