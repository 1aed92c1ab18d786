package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lanwatch/syncd/internal/types"
)

// CommandHandler processes a command envelope received from the master.
type CommandHandler func(env types.CommandEnvelope)

// Client is the follower side of the command transport, following
// api/pkg/desktop/agent_client.go's shape: a buffered send channel
// drained by a dedicated writeLoop, a readLoop decoding inbound frames,
// and reconnect-with-backoff around both. Backoff here uses retry-go
// (github.com/avast/retry-go/v4), the same library api/pkg/gptscript/runner.go
// uses, in place of agent_client.go's hand-rolled sleep loop.
type Client struct {
	log zerolog.Logger

	url         string
	pin         string
	deviceID    string
	displayName string

	onCommand CommandHandler

	mu          sync.Mutex
	conn        *websocket.Conn
	sendCh      chan types.StatusReport
	closeCh     chan struct{}
	closed      bool
	pumpsActive bool
}

// NewClient creates a follower transport client. url is the master's
// ws://host:port/sync address.
func NewClient(log zerolog.Logger, url, pin, deviceID, displayName string, onCommand CommandHandler) *Client {
	return &Client{
		log:         log.With().Str("component", "syncclient-transport").Logger(),
		url:         url,
		pin:         pin,
		deviceID:    deviceID,
		displayName: displayName,
		onCommand:   onCommand,
		sendCh:      make(chan types.StatusReport, sendBuffer),
		closeCh:     make(chan struct{}),
	}
}

// Connect dials the master with exponential backoff (capped at 30 s)
// until ctx is cancelled or a connection succeeds, then starts the
// read/write pumps. It blocks until the initial connection is made.
func (c *Client) Connect(ctx context.Context) error {
	err := retry.Do(
		func() error { return c.dial(ctx) },
		retry.Context(ctx),
		retry.Attempts(0), // unlimited, bounded only by ctx
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn().Err(err).Uint("attempt", n).Msg("reconnect attempt failed")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to master: %w", err)
	}

	c.mu.Lock()
	alreadyRunning := c.pumpsActive
	c.pumpsActive = true
	c.mu.Unlock()

	if !alreadyRunning {
		go c.writeLoop()
	}
	go c.readLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	hs := handshake{PIN: c.pin, DeviceID: c.deviceID, DisplayName: c.displayName}
	payload, err := json.Marshal(hs)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Send enqueues a status report for delivery. Non-blocking: if the send
// buffer is full, the report is dropped (the next tick will supersede it).
func (c *Client) Send(report types.StatusReport) {
	select {
	case c.sendCh <- report:
	default:
		c.log.Warn().Msg("status send buffer full, dropping report")
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case report, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(report); err != nil {
				c.log.Warn().Err(err).Msg("status write failed")
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, r, err := conn.NextReader()
		if err != nil {
			// connection-level failure: reconnect. A malformed frame
			// never reaches this branch since NextReader only fails on
			// close frames and network errors, not bad JSON.
			select {
			case <-c.closeCh:
				return
			default:
			}
			c.log.Warn().Err(err).Msg("command read failed, reconnecting")
			if rerr := c.Connect(ctx); rerr != nil {
				c.log.Error().Err(rerr).Msg("reconnect failed permanently")
			}
			return
		}

		var env types.CommandEnvelope
		if err := json.NewDecoder(r).Decode(&env); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed command frame")
			continue
		}
		if c.onCommand != nil {
			c.onCommand(env)
		}
	}
}

// Close terminates the connection and stops the pumps.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	if c.conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"), deadline)
		return c.conn.Close()
	}
	return nil
}
