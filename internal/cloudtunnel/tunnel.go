// Package cloudtunnel keeps a persistent outbound WebSocket connection to
// the cloud so a new command can be acted on the moment it's created,
// instead of waiting for the dispatcher's next poll tick. The tunnel
// never carries a command's payload: the cloud pushes only the id, and
// the agent fetches the full row back through the Persistence Adapter,
// so a compromised or replayed tunnel message can at worst trigger a
// redundant poll.
package cloudtunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Notifier is satisfied by the command dispatcher: Notify triggers an
// immediate out-of-band poll rather than trusting any payload carried
// on the tunnel.
type Notifier interface {
	Notify(ctx context.Context)
}

// Config configures the outbound tunnel connection.
type Config struct {
	URL               string
	MachineID         string
	DeviceToken       string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

// message is the wire shape for both directions of the tunnel. Only
// "hello"/"hello_ack" and "ping"/"pong" carry no command reference;
// "command" carries nothing but the id of a row the agent must fetch
// itself.
type message struct {
	Type      string `json:"type"`
	MachineID string `json:"machine_id,omitempty"`
	Token     string `json:"token,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Tunnel maintains one reconnecting outbound connection and feeds a
// Notifier every time the cloud announces a new command.
type Tunnel struct {
	cfg      Config
	notifier Notifier
	log      *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	stopCh chan struct{}
	stopped sync.Once
}

// New builds a Tunnel. Run must be called to actually connect.
func New(cfg Config, notifier Notifier, log *zap.Logger) *Tunnel {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Tunnel{cfg: cfg, notifier: notifier, log: log, stopCh: make(chan struct{})}
}

// Run blocks, connecting and reconnecting with exponential backoff,
// until ctx is cancelled or Stop is called.
func (t *Tunnel) Run(ctx context.Context) {
	backoff := t.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}

		if err := t.connectAndServe(ctx); err != nil {
			t.log.Warn("cloud tunnel disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > t.cfg.MaxBackoff {
			backoff = t.cfg.MaxBackoff
		}
	}
}

// Stop closes the tunnel and prevents further reconnect attempts.
func (t *Tunnel) Stop() {
	t.stopped.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.conn.Close()
		t.conn = nil
	}
	t.connected = false
}

// Connected reports whether the tunnel currently holds a live socket.
func (t *Tunnel) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Tunnel) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing cloud tunnel: %w", err)
	}

	hello := message{Type: "hello", MachineID: t.cfg.MachineID, Token: t.cfg.DeviceToken}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return fmt.Errorf("sending hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	var ack message
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("reading hello ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if ack.Type != "hello_ack" {
		conn.Close()
		return fmt.Errorf("tunnel handshake rejected: %s", ack.Error)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()
	t.log.Info("cloud tunnel connected", zap.String("machine_id", t.cfg.MachineID))

	defer func() {
		t.mu.Lock()
		t.connected = false
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.Close()
	}()

	readErrCh := make(chan error, 1)
	go t.readLoop(conn, readErrCh)

	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stopCh:
			return nil
		case err := <-readErrCh:
			return err
		case <-ticker.C:
			if err := conn.WriteJSON(message{Type: "ping"}); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
		}
	}
}

func (t *Tunnel) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			errCh <- err
			return
		}
		switch msg.Type {
		case "pong":
		case "command":
			if msg.CommandID == "" {
				t.log.Warn("tunnel command push with no command_id, ignoring")
				continue
			}
			t.log.Debug("tunnel command push", zap.String("command_id", msg.CommandID))
			t.notifier.Notify(context.Background())
		default:
			t.log.Warn("unknown tunnel message type", zap.String("type", msg.Type))
		}
	}
}
