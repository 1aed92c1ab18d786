// Package session implements the session registry: it owns the single
// hosted watch session a master process may run at a time, mints its PIN,
// and starts/stops the range streamer and command transport that
// back it. Unlike api/pkg/desktop.SessionRegistry — a
// package-level global (var globalRegistry = &SessionRegistry{}) — a
// session.Registry here is a constructed value owned by cmd/syncd and
// passed to collaborators explicitly; the map-of-roster idiom and
// RWMutex-guarded registration otherwise follow that file and
// api/pkg/connman.ConnectionManager.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanwatch/syncd/internal/config"
	"github.com/lanwatch/syncd/internal/hostapi"
	"github.com/lanwatch/syncd/internal/streamer"
	"github.com/lanwatch/syncd/internal/transport"
	"github.com/lanwatch/syncd/internal/types"
)

var (
	ErrAlreadyHosting = errors.New("session: already hosting")
	ErrNoWifi         = errors.New("session: no wifi connection")
	ErrPortsExhausted = errors.New("session: no available port")
	ErrFileMissing    = errors.New("session: movie file missing or unreadable")
	ErrUnknownPIN     = errors.New("session: unknown pin")
	ErrSessionClosed  = errors.New("session: no session is currently hosted")
	ErrWrongPIN       = errors.New("session: pin does not match the hosted session")
)

// HostRequest describes the movie to publish and the host's own identity.
type HostRequest struct {
	MovieID     string
	Path        string
	ContentType string
	DisplayName string
}

// Hosted is the live, mutable state of the currently hosted session. Its
// exported Snapshot method produces the immutable types.Session DTO that
// callers (UI, transport) should read instead of touching this directly.
type Hosted struct {
	id        string
	pin       string
	movie     types.RegisteredVideo
	createdAt time.Time
	host      types.DeviceDescriptor

	streamer      *streamer.Server
	streamPort    int
	transport     *transport.Server
	transportPort int

	mu      sync.RWMutex
	clients map[string]*types.DeviceDescriptor
}

// Snapshot returns a point-in-time copy of the session's public state.
func (h *Hosted) Snapshot() types.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]types.DeviceDescriptor, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, *c)
	}
	return types.Session{
		ID:         h.id,
		PIN:        h.pin,
		Master:     h.host,
		Clients:    clients,
		MovieID:    h.movie.MovieID,
		StreamURL:  fmt.Sprintf("http://%s:%d/video/%s", h.host.IPv4, h.streamPort, h.movie.MovieID),
		CommandURL: fmt.Sprintf("ws://%s:%d/sync", h.host.IPv4, h.transportPort),
		CreatedAt:  h.createdAt,
	}
}

// Transport exposes the underlying command transport so a coordinator can
// use it as its syncmaster.CommandSink.
func (h *Hosted) Transport() *transport.Server { return h.transport }

// Host returns the hosting device's own descriptor (its advertised IPv4
// and display name), used to build the join URL shown to the user.
func (h *Hosted) Host() types.DeviceDescriptor { return h.host }

func (h *Hosted) addClient(d types.DeviceDescriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := d
	h.clients[d.DeviceID] = &cp
}

func (h *Hosted) removeClient(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, deviceID)
}

// UpdateClient applies fn to the roster entry for deviceID, if present.
// Used by a sync coordinator to record readiness and drift without
// exposing the roster map itself.
func (h *Hosted) UpdateClient(deviceID string, fn func(*types.DeviceDescriptor)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.clients[deviceID]; ok {
		fn(d)
	}
}

// Roster returns a snapshot of every connected client descriptor.
func (h *Hosted) Roster() []types.DeviceDescriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.DeviceDescriptor, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, *c)
	}
	return out
}

// Registry owns at most one Hosted session at a time.
type Registry struct {
	log      zerolog.Logger
	cfg      config.Config
	netProbe hostapi.NetworkProbe

	mu         sync.Mutex
	current    *Hosted
	mintedPINs map[string]struct{}
}

// New creates a Registry. cfg supplies port ranges and PIN digit counts.
func New(log zerolog.Logger, cfg config.Config, netProbe hostapi.NetworkProbe) *Registry {
	return &Registry{
		log:        log.With().Str("component", "session").Logger(),
		cfg:        cfg,
		netProbe:   netProbe,
		mintedPINs: make(map[string]struct{}),
	}
}

// Host starts a new session, binding the Range Streamer and Command
// Transport servers and minting a join PIN. Partial failures are rolled
// back: a streamer that starts but whose transport fails to bind is torn
// back down before Host returns an error.
func (r *Registry) Host(ctx context.Context, req HostRequest) (*Hosted, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return nil, ErrAlreadyHosting
	}
	if !r.netProbe.IsWifiConnected() {
		return nil, ErrNoWifi
	}
	if _, err := os.Stat(req.Path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, req.Path)
	}

	pin, err := r.mintUniquePIN(r.cfg.Pin.SyncDigits)
	if err != nil {
		return nil, fmt.Errorf("minting session pin: %w", err)
	}

	localIP, err := r.netProbe.LocalIPv4()
	if err != nil {
		return nil, fmt.Errorf("resolving local address: %w", err)
	}

	strm := streamer.New(r.log)
	video, err := strm.Register(req.MovieID, req.Path, req.ContentType)
	if err != nil {
		return nil, err
	}
	_, streamPort, err := strm.Start(r.cfg.HTTP.StreamPort, r.cfg.HTTP.StreamPortFallback)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPortsExhausted, err)
	}

	hosted := &Hosted{
		id:        types.NewID(),
		pin:       pin,
		movie:     *video,
		createdAt: time.Now(),
		host: types.DeviceDescriptor{
			DeviceID:    types.NewID(),
			DisplayName: req.DisplayName,
			IPv4:        localIP,
			ConnectedAt: time.Now(),
			LastSeen:    time.Now(),
			Ready:       true,
		},
		streamer:   strm,
		streamPort: streamPort,
		clients:    make(map[string]*types.DeviceDescriptor),
	}

	trans := transport.New(r.log,
		hosted.Authenticate,
		nil, // wired to a syncmaster.Coordinator by cmd/syncd before it starts accepting status reports
		hosted.removeClient,
	)
	_, transportPort, err := trans.Start(r.cfg.HTTP.TransportPort, r.cfg.HTTP.TransportFallback)
	if err != nil {
		strm.Unregister(req.MovieID)
		_ = strm.Close()
		return nil, fmt.Errorf("%w: %v", ErrPortsExhausted, err)
	}
	hosted.transport = trans
	hosted.transportPort = transportPort

	r.current = hosted
	r.log.Info().Str("sessionId", hosted.id).Str("pin", pin).Str("movieId", req.MovieID).Msg("session hosted")
	return hosted, nil
}

// Authenticate backs the transport.AuthFunc for this session: it checks
// the presented PIN and, on success, adds the descriptor to the roster.
func (h *Hosted) Authenticate(pin string, descriptor types.DeviceDescriptor) error {
	if pin != h.pin {
		return ErrWrongPIN
	}
	h.addClient(descriptor)
	return nil
}

// Current returns the currently hosted session, or nil if none.
func (r *Registry) Current() *Hosted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// End tears down the hosted session's transport and streamer and clears
// the registry so a new session may be hosted.
func (r *Registry) End(ctx context.Context) error {
	r.mu.Lock()
	hosted := r.current
	r.current = nil
	r.mu.Unlock()

	if hosted == nil {
		return ErrSessionClosed
	}

	var errs []error
	if err := hosted.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing transport: %w", err))
	}
	hosted.streamer.Unregister(hosted.movie.MovieID)
	if err := hosted.streamer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing streamer: %w", err))
	}

	r.log.Info().Str("sessionId", hosted.id).Msg("session ended")
	return errors.Join(errs...)
}

// mintUniquePIN mints a PIN that has not already been handed out by this
// registry during the current process's lifetime. r.mu is already held by
// the caller (Host). A collision just means another past session reused the
// same random draw; re-mint rather than hand out a PIN a client might still
// have cached from an earlier session.
func (r *Registry) mintUniquePIN(digits int) (string, error) {
	const maxAttempts = 100
	for i := 0; i < maxAttempts; i++ {
		pin, err := mintPIN(digits)
		if err != nil {
			return "", err
		}
		if _, taken := r.mintedPINs[pin]; taken {
			continue
		}
		r.mintedPINs[pin] = struct{}{}
		return pin, nil
	}
	return "", fmt.Errorf("no unused pin found after %d attempts", maxAttempts)
}

// mintPIN generates a random decimal PIN with the given digit count and no
// leading zero, drawn uniformly (100000-999999 for six digits).
// crypto/rand is used directly: no available library generates numeric
// join codes, so this is a deliberate standard-library choice (see
// DESIGN.md).
func mintPIN(digits int) (string, error) {
	if digits <= 0 {
		digits = 6
	}
	low := int64(1)
	for i := 1; i < digits; i++ {
		low *= 10
	}
	n, err := rand.Int(rand.Reader, big.NewInt(9*low))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", low+n.Int64()), nil
}
