// Package transport implements the command transport server: a
// WebSocket hub at /sync that broadcasts command envelopes to connected
// clients and relays their status reports back. The read/write-pump split
// and reconnect-tolerant roster follow
// api/pkg/desktop/agent_client.go (sendChan + readLoop/writeLoop) and
// api/pkg/connman.ConnectionManager (grace-period-before-eviction on
// disconnect), generalized from a single upstream agent connection to a
// one-to-many roster of sync clients.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lanwatch/syncd/internal/types"
)

// GracePeriod is how long a client's slot is held open after an
// unexpected disconnect before onLeave fires, tolerating brief Wi-Fi
// blips the way connman.ConnectionManager tolerates dialer churn.
const GracePeriod = 30 * time.Second

const (
	sendBuffer      = 32
	writeWait       = 10 * time.Second
	pongWait        = 30 * time.Second
	pingInterval    = (pongWait * 9) / 10
	maxMessageBytes = 1 << 16
)

// AuthFunc validates a joining client's PIN and descriptor. Returning a
// non-nil error rejects the connection before it is added to the roster.
type AuthFunc func(pin string, descriptor types.DeviceDescriptor) error

// StatusHandler is invoked for every status report a client sends.
type StatusHandler func(report types.StatusReport)

// LeaveFunc is invoked once a disconnected client's grace period expires
// without a reconnect.
type LeaveFunc func(deviceID string)

type handshake struct {
	PIN         string `json:"pin"`
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
}

type clientConn struct {
	deviceID string
	ws       *websocket.Conn
	sendCh   chan types.CommandEnvelope
	closeCh  chan struct{}
	closeOne sync.Once
}

func (c *clientConn) close() {
	c.closeOne.Do(func() { close(c.closeCh) })
}

// Server is the WebSocket command transport hub.
type Server struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	authenticate AuthFunc
	onLeave      LeaveFunc

	statusMu sync.RWMutex
	onStatus StatusHandler

	mu             sync.RWMutex
	clients        map[string]*clientConn
	disconnectedAt map[string]time.Time

	httpSrv *http.Server
	ln      net.Listener
}

// New creates a Server. authenticate gates handshakes, onStatus receives
// every status report, onLeave fires once a grace period lapses.
func New(log zerolog.Logger, authenticate AuthFunc, onStatus StatusHandler, onLeave LeaveFunc) *Server {
	s := &Server{
		log:            log.With().Str("component", "transport").Logger(),
		upgrader:       websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		authenticate:   authenticate,
		onLeave:        onLeave,
		clients:        make(map[string]*clientConn),
		disconnectedAt: make(map[string]time.Time),
	}
	s.onStatus = onStatus
	return s
}

// Router returns the mux.Router serving /sync, following the
// gorilla/mux convention used elsewhere in this codebase.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sync", s.handleSync)
	return r
}

// Start binds to the first available port in [primary, fallback...] and
// returns the bound address and port.
func (s *Server) Start(primary int, fallback []int) (addr string, port int, err error) {
	ln, port, err := bindFirstAvailable(primary, fallback)
	if err != nil {
		return "", 0, fmt.Errorf("transport bind: %w", err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.Router()}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("transport serve exited")
		}
	}()

	s.log.Info().Int("port", port).Msg("command transport listening")
	return ln.Addr().String(), port, nil
}

func bindFirstAvailable(primary int, fallback []int) (net.Listener, int, error) {
	ports := append([]int{primary}, fallback...)
	var lastErr error
	for _, p := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			return ln, p, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("all ports exhausted, last error: %w", lastErr)
}

// Close sends a normal-closure frame to every connected client then shuts
// down the HTTP server.
func (s *Server) Close() error {
	s.mu.RLock()
	conns := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"), deadline)
		c.close()
	}

	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// Broadcast sends env to every currently-connected client, satisfying the
// syncmaster.CommandSink interface. It returns how many clients the
// envelope was enqueued for; a client whose send buffer is full is
// dropped from the count (and its heartbeat will lapse on its own).
func (s *Server) Broadcast(env types.CommandEnvelope) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sent := 0
	for id, c := range s.clients {
		select {
		case c.sendCh <- env:
			sent++
		default:
			s.log.Warn().Str("deviceId", id).Msg("client send buffer full, dropping envelope")
		}
	}
	return sent, nil
}

// SetStatusHandler (re)binds the callback invoked for every status report.
// A session hosts its transport before a syncmaster.Coordinator exists to
// consume its reports, so construction and wiring happen in two steps.
func (s *Server) SetStatusHandler(h StatusHandler) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.onStatus = h
}

func (s *Server) statusHandler() StatusHandler {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.onStatus
}

// RosterIDs returns the device IDs currently connected (excluding those in
// their grace period).
func (s *Server) RosterIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ws.SetReadLimit(maxMessageBytes)
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	var hs handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		s.rejectAndClose(ws, "malformed handshake")
		return
	}

	descriptor := types.DeviceDescriptor{
		DeviceID:    hs.DeviceID,
		DisplayName: hs.DisplayName,
		IPv4:        remoteIP(r),
		ConnectedAt: timeNow(),
		LastSeen:    timeNow(),
	}
	if s.authenticate != nil {
		if err := s.authenticate(hs.PIN, descriptor); err != nil {
			s.rejectAndClose(ws, err.Error())
			return
		}
	}

	c := &clientConn{
		deviceID: hs.DeviceID,
		ws:       ws,
		sendCh:   make(chan types.CommandEnvelope, sendBuffer),
		closeCh:  make(chan struct{}),
	}

	s.mu.Lock()
	delete(s.disconnectedAt, c.deviceID)
	s.clients[c.deviceID] = c
	s.mu.Unlock()

	s.log.Info().Str("deviceId", c.deviceID).Str("ip", descriptor.IPv4).Msg("client joined")

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) rejectAndClose(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	ws.Close()
}

func (s *Server) writePump(c *clientConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case env, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (s *Server) readPump(c *clientConn) {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			// connection-level failure (close frame, network error): stop
			// reading and tear the connection down.
			break
		}
		var report types.StatusReport
		if err := json.NewDecoder(r).Decode(&report); err != nil {
			// malformed frame: log and keep the connection alive.
			s.log.Warn().Err(err).Str("deviceId", c.deviceID).Msg("dropping malformed status report frame")
			continue
		}
		if handler := s.statusHandler(); handler != nil {
			handler(report)
		}
	}

	c.close()
	s.handleDisconnect(c)
}

func (s *Server) handleDisconnect(c *clientConn) {
	s.mu.Lock()
	if current, ok := s.clients[c.deviceID]; ok && current == c {
		delete(s.clients, c.deviceID)
		s.disconnectedAt[c.deviceID] = timeNow()
	}
	s.mu.Unlock()

	s.log.Warn().Str("deviceId", c.deviceID).Msg("client disconnected, grace period started")

	go func() {
		time.Sleep(GracePeriod)
		s.mu.Lock()
		since, stillGone := s.disconnectedAt[c.deviceID]
		_, reconnected := s.clients[c.deviceID]
		if stillGone && !reconnected && timeNow().Sub(since) >= GracePeriod {
			delete(s.disconnectedAt, c.deviceID)
			s.mu.Unlock()
			s.log.Warn().Str("deviceId", c.deviceID).Msg("grace period expired, evicting client")
			if s.onLeave != nil {
				s.onLeave(c.deviceID)
			}
			return
		}
		s.mu.Unlock()
	}()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// timeNow is a thin indirection so tests could substitute a fixed clock;
// production always uses wall-clock time.
func timeNow() time.Time { return time.Now() }
