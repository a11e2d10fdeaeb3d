// Package channel owns the push-channel connection for one job. The adapter
// translates raw transport frames into typed protocol events and surfaces
// the connection lifecycle; it never interprets job semantics.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tickerwatch/tkw/internal/protocol"
	"github.com/tickerwatch/tkw/internal/session"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultSendTimeout = 5 * time.Second
)

// EventHandler consumes one decoded domain event.
type EventHandler func(protocol.Event)

// StateHandler consumes one connection lifecycle change.
type StateHandler func(session.ConnState)

// Conn is the minimal transport surface the adapter needs. Read returns a
// *CloseError when the peer closed cleanly so callers can distinguish
// closure from transport failure.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer establishes one transport connection. Injected for tests.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// CloseError reports a clean remote closure with its reason.
type CloseError struct {
	Reason string
}

func (e *CloseError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "connection closed"
	}
	return reason
}

// Option configures Adapter construction.
type Option func(*Adapter)

// WithDialer overrides the transport dialer.
func WithDialer(dial Dialer) Option {
	return func(adapter *Adapter) {
		if dial != nil {
			adapter.dial = dial
		}
	}
}

// WithLogger configures the structured logger used for protocol violations.
func WithLogger(logger *log.Logger) Option {
	return func(adapter *Adapter) {
		if logger != nil {
			adapter.logger = logger
		}
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(timeout time.Duration) Option {
	return func(adapter *Adapter) {
		if timeout > 0 {
			adapter.dialTimeout = timeout
		}
	}
}

// WithSendTimeout bounds each outbound write.
func WithSendTimeout(timeout time.Duration) Option {
	return func(adapter *Adapter) {
		if timeout > 0 {
			adapter.sendTimeout = timeout
		}
	}
}

// Adapter owns exactly one underlying connection per active job. It is not
// reusable: once closed, a new job requires a new adapter. Reconnection is
// never attempted; a dropped channel ends the job.
type Adapter struct {
	url         string
	token       string
	dial        Dialer
	logger      *log.Logger
	dialTimeout time.Duration
	sendTimeout time.Duration

	mu       sync.Mutex
	state    session.ConnState
	conn     Conn
	pending  [][]byte
	closing  bool
	onEvent  EventHandler
	onState  StateHandler
	cancel   context.CancelFunc
	finished sync.Once
}

// New creates an adapter for one push-channel URL. The bearer token is
// opaque to the adapter and attached at dial time.
func New(url, token string, options ...Option) *Adapter {
	adapter := &Adapter{
		url:         strings.TrimSpace(url),
		token:       strings.TrimSpace(token),
		dial:        Dial,
		logger:      log.Default(),
		dialTimeout: defaultDialTimeout,
		sendTimeout: defaultSendTimeout,
		state:       session.ConnDisconnected,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(adapter)
	}
	return adapter
}

// State returns the current connection lifecycle state.
func (a *Adapter) State() session.ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Open starts connecting and returns immediately; the dial happens in the
// background so callers can queue the job request during the connect/open
// race. Handlers are invoked from a single goroutine, in arrival order.
func (a *Adapter) Open(
	ctx context.Context,
	onEvent func(protocol.Event),
	onState func(session.ConnState),
) error {
	if a == nil {
		return errors.New("adapter is nil")
	}
	if a.url == "" {
		return errors.New("channel url must not be empty")
	}
	if onEvent == nil || onState == nil {
		return errors.New("event and state handlers are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	if a.state != session.ConnDisconnected {
		a.mu.Unlock()
		return fmt.Errorf("adapter already opened (state %s)", a.state)
	}
	a.onEvent = onEvent
	a.onState = onState
	a.state = session.ConnConnecting

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	onState(session.ConnConnecting)
	go a.connect(runCtx)
	return nil
}

// Send transmits one raw frame. Valid once the adapter reports open; before
// that at most one frame is queued and flushed on open. Sending on a closed
// adapter fails.
func (a *Adapter) Send(ctx context.Context, frame []byte) error {
	if a == nil {
		return errors.New("adapter is nil")
	}
	if len(frame) == 0 {
		return errors.New("frame must not be empty")
	}

	a.mu.Lock()
	switch a.state {
	case session.ConnClosing, session.ConnClosed:
		a.mu.Unlock()
		return errors.New("adapter is closed")
	case session.ConnOpen:
		conn := a.conn
		a.mu.Unlock()
		return a.write(ctx, conn, frame)
	default:
		if len(a.pending) > 0 {
			a.mu.Unlock()
			return errors.New("a frame is already queued for open")
		}
		a.pending = append(a.pending, frame)
		a.mu.Unlock()
		return nil
	}
}

// Close tears the connection down. Idempotent. Any in-flight read surfaces
// as the adapter's single synthetic closure event.
func (a *Adapter) Close() {
	if a == nil {
		return
	}

	a.mu.Lock()
	if a.state == session.ConnClosed || a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.state = session.ConnClosing
	conn := a.conn
	cancel := a.cancel
	onState := a.onState
	a.mu.Unlock()

	if onState != nil {
		onState(session.ConnClosing)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close("client cancelled"); err != nil {
			a.logger.Debug("transport close", "err", err)
		}
	}
	a.finish(protocol.ConnectionClosed{Reason: "client cancelled"})
}

func (a *Adapter) connect(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, a.dialTimeout)
	defer cancel()

	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}

	conn, err := a.dial(dialCtx, a.url, header)
	if err != nil {
		a.logger.Warn("channel dial failed", "url", a.url, "err", err)
		a.finish(protocol.ConnectionError{Message: "connection failed"})
		return
	}

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		_ = conn.Close("superseded")
		return
	}
	a.conn = conn
	a.state = session.ConnOpen
	pending := a.pending
	a.pending = nil
	onEvent := a.onEvent
	onState := a.onState
	a.mu.Unlock()

	onState(session.ConnOpen)
	onEvent(protocol.ConnectionOpened{})

	for _, frame := range pending {
		if err := a.write(ctx, conn, frame); err != nil {
			a.logger.Warn("flush queued frame", "err", err)
			a.finish(protocol.ConnectionError{Message: "connection failed"})
			_ = conn.Close("write failed")
			return
		}
	}

	a.readLoop(ctx, conn, onEvent)
}

func (a *Adapter) readLoop(ctx context.Context, conn Conn, onEvent EventHandler) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			a.finish(closureEvent(err))
			return
		}

		event, err := protocol.DecodeFrame(data)
		switch {
		case errors.Is(err, protocol.ErrUnknownEventType):
			// Forward compatible: unknown types are skipped.
			a.logger.Debug("skipping unknown frame type", "err", err)
		case err != nil:
			a.logger.Warn("dropping malformed frame", "err", err)
		default:
			onEvent(event)
		}
	}
}

// finish emits the synthetic closure event exactly once and settles the
// adapter in the closed state. No sends are accepted afterwards.
func (a *Adapter) finish(event protocol.Event) {
	a.finished.Do(func() {
		a.mu.Lock()
		a.state = session.ConnClosed
		a.closing = true
		a.conn = nil
		a.pending = nil
		onEvent := a.onEvent
		onState := a.onState
		a.mu.Unlock()

		if onEvent != nil {
			onEvent(event)
		}
		if onState != nil {
			onState(session.ConnClosed)
		}
	})
}

func (a *Adapter) write(ctx context.Context, conn Conn, frame []byte) error {
	if conn == nil {
		return errors.New("connection is not open")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	writeCtx, cancel := context.WithTimeout(ctx, a.sendTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func closureEvent(err error) protocol.Event {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return protocol.ConnectionClosed{Reason: closeErr.Reason}
	}
	if errors.Is(err, context.Canceled) {
		return protocol.ConnectionClosed{Reason: "client cancelled"}
	}
	return protocol.ConnectionError{Message: err.Error()}
}
