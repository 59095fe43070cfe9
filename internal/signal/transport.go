package signal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/metrics"
	"telehealth/rtc/internal/stream"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 256 * 1024
)

// Config controls one signaling connection.
type Config struct {
	URL               string
	Reconnect         bool
	ReconnectAttempts int
	ReconnectInterval time.Duration
	// PingInterval enables the application keepalive when positive.
	PingInterval time.Duration
}

// Frame is one well-formed inbound message. Data holds the full JSON
// object including its type field.
type Frame struct {
	Type string
	Data []byte
}

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens signaling sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

func (d wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// queued is an outbound message waiting for the connection.
type queued struct {
	seq  uint64
	kind string
	data []byte
}

// Transport is a single reconnecting duplex connection to the signaling
// endpoint. It owns the connection state and the outbound queue.
type Transport struct {
	dialer Dialer
	log    *slog.Logger

	mu         sync.Mutex
	state      domain.ConnectionState
	cfg        Config
	conn       Conn
	gen        uint64
	attempts   int
	queue      []queued
	seq        uint64
	retryTimer *time.Timer
	cancelDial context.CancelFunc
	pingStop   chan struct{}

	states *stream.Hub[domain.ConnectionState]
	frames *stream.Hub[Frame]
}

// Option customises a Transport.
type Option func(*Transport)

// WithDialer replaces the gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// NewTransport creates a disconnected transport.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		dialer: wsDialer{dialer: websocket.DefaultDialer},
		log:    slog.Default(),
		state:  domain.Disconnected,
		states: stream.NewHub[domain.ConnectionState](),
		frames: stream.NewHub[Frame](),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("component", "signal")
	return t
}

// Connect starts connecting with cfg. It is a no-op while connected or
// connecting.
func (t *Transport) Connect(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !canConnect(t.state) {
		return
	}
	t.cfg = cfg
	if t.state == domain.Disconnected || t.state == domain.Failed {
		t.attempts = 0
	}
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	t.connectLocked()
}

func (t *Transport) connectLocked() {
	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelDial = cancel
	t.setStateLocked(domain.Connecting)

	t.log.Info("connecting", "url", t.cfg.URL, "attempt", t.attempts)
	go t.dial(ctx, gen, t.cfg.URL)
}

func (t *Transport) dial(ctx context.Context, gen uint64, url string) {
	conn, err := t.dialer.Dial(ctx, url)

	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	t.cancelDial = nil

	if err != nil {
		t.log.Warn("dial failed", "url", url, "error", err)
		t.setStateLocked(domain.Failed)
		t.closedLocked(websocket.CloseAbnormalClosure)
		return
	}

	t.conn = conn
	t.attempts = 0
	t.setStateLocked(domain.Connected)
	t.flushLocked()
	if t.cfg.PingInterval > 0 {
		t.startPingLocked(t.cfg.PingInterval)
	}

	go t.readLoop(gen, conn)
}

// closedLocked applies the reconnect policy after the current socket went
// away with code.
func (t *Transport) closedLocked(code int) {
	t.conn = nil
	t.stopPingLocked()

	next, retry := nextOnClose(t.cfg, t.attempts, code)
	t.setStateLocked(next)
	if !retry {
		if next == domain.Failed && t.cfg.Reconnect {
			t.log.Error("reconnect attempts exhausted", "attempts", t.attempts)
		}
		return
	}

	t.attempts++
	metrics.ReconnectAttemptsTotal.Inc()
	gen := t.gen
	t.log.Info("scheduling reconnect", "attempt", t.attempts, "in", t.cfg.ReconnectInterval)
	t.retryTimer = time.AfterFunc(t.cfg.ReconnectInterval, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen || t.state != domain.Reconnecting {
			return
		}
		t.retryTimer = nil
		t.connectLocked()
	})
}

func (t *Transport) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}

			t.mu.Lock()
			if gen == t.gen {
				t.log.Info("connection closed", "code", code, "error", err)
				_ = conn.Close()
				t.closedLocked(code)
			}
			t.mu.Unlock()
			return
		}

		t.dispatch(data)
	}
}

func (t *Transport) dispatch(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		metrics.DroppedFramesTotal.Inc()
		t.log.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}

	metrics.SignalingMessagesTotal.WithLabelValues(env.Type, "in").Inc()
	t.log.Debug("<<<", "type", env.Type)
	t.frames.Publish(Frame{Type: env.Type, Data: data})
}

// Send transmits msg when connected and queues it otherwise. A message
// whose write fails is queued for the next connection.
func (t *Transport) Send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.log.Error("marshal error", "error", err)
		return
	}
	kind := messageKind(data)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == domain.Connected && t.conn != nil {
		err := t.writeLocked(data)
		if err == nil {
			metrics.SignalingMessagesTotal.WithLabelValues(kind, "out").Inc()
			t.log.Debug(">>>", "type", kind)
			return
		}
		t.log.Warn("write error, queueing", "type", kind, "error", err)
	}

	t.seq++
	t.queue = append(t.queue, queued{seq: t.seq, kind: kind, data: data})
	metrics.OutboundQueueDepth.Set(float64(len(t.queue)))
}

func (t *Transport) writeLocked(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// flushLocked sends the queue in order. A failed write keeps the failed
// entry and everything after it.
func (t *Transport) flushLocked() {
	if len(t.queue) > 0 {
		t.log.Info("flushing queued messages", "count", len(t.queue))
	}
	for len(t.queue) > 0 {
		entry := t.queue[0]
		if err := t.writeLocked(entry.data); err != nil {
			t.log.Warn("flush interrupted", "seq", entry.seq, "error", err)
			break
		}
		metrics.SignalingMessagesTotal.WithLabelValues(entry.kind, "out").Inc()
		t.queue = t.queue[1:]
	}
	if len(t.queue) == 0 {
		t.queue = nil
	}
	metrics.OutboundQueueDepth.Set(float64(len(t.queue)))
}

func (t *Transport) startPingLocked(interval time.Duration) {
	stop := make(chan struct{})
	t.pingStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				t.ping(now)
			}
		}
	}()
}

func (t *Transport) stopPingLocked() {
	if t.pingStop != nil {
		close(t.pingStop)
		t.pingStop = nil
	}
}

// ping writes a keepalive only while connected; pings are never queued.
func (t *Transport) ping(now time.Time) {
	data, _ := json.Marshal(NewPing(now))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != domain.Connected || t.conn == nil {
		return
	}
	if err := t.writeLocked(data); err != nil {
		t.log.Warn("ping error", "error", err)
		return
	}
	metrics.SignalingMessagesTotal.WithLabelValues(TypePing, "out").Inc()
}

// Disconnect resets the transport: timers are cancelled, the queue is
// discarded unsent and the socket is closed normally. No reconnect
// follows.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	t.stopPingLocked()

	if dropped := len(t.queue); dropped > 0 {
		t.log.Info("discarding queued messages", "count", dropped)
	}
	t.queue = nil
	metrics.OutboundQueueDepth.Set(0)
	t.attempts = 0

	if t.conn != nil {
		_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = t.conn.Close()
		t.conn = nil
	}
	t.setStateLocked(domain.Disconnected)
}

// Close disconnects and ends every subscription.
func (t *Transport) Close() {
	t.Disconnect()
	t.states.Close()
	t.frames.Close()
}

// State returns the current connection state.
func (t *Transport) State() domain.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts returns the reconnect attempts made since the last open.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Pending returns the number of queued outbound messages.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// States subscribes to connection state transitions.
func (t *Transport) States() *stream.Subscription[domain.ConnectionState] {
	return t.states.Subscribe()
}

// Subscribe subscribes to inbound frames.
func (t *Transport) Subscribe() *stream.Subscription[Frame] {
	return t.frames.Subscribe()
}

func (t *Transport) setStateLocked(s domain.ConnectionState) {
	if t.state == s {
		return
	}
	t.log.Debug("state", "from", t.state, "to", s)
	t.state = s
	metrics.TransportState.Set(float64(s))
	t.states.Publish(s)
}

func messageKind(data []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &env)
	if env.Type == "" {
		return "unknown"
	}
	return env.Type
}
