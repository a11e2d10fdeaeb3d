// Package monitor orchestrates one streaming job at a time: it binds a
// channel adapter to the session reducer, discards stale events from
// superseded sessions, and fans immutable snapshots out to subscribers.
package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tickerwatch/tkw/internal/protocol"
	"github.com/tickerwatch/tkw/internal/session"
	"github.com/tickerwatch/tkw/internal/telemetry/invariants"
)

// Adapter is the channel surface the monitor drives. Exactly one adapter is
// active per monitor; only the monitor may open or close it.
type Adapter interface {
	Open(ctx context.Context, onEvent func(protocol.Event), onState func(session.ConnState)) error
	Send(ctx context.Context, frame []byte) error
	Close()
}

// AdapterFactory builds a fresh adapter for one session. A new adapter per
// start call is what makes superseded connections inert.
type AdapterFactory func() Adapter

// Listener receives one immutable session snapshot per state mutation.
// Snapshots must be treated as read-only.
type Listener func(session.Session)

// Option configures Monitor construction.
type Option func(*Monitor)

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(monitor *Monitor) {
		if logger != nil {
			monitor.logger = logger
		}
	}
}

// WithTracer configures the tracer used for start/cancel spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(monitor *Monitor) {
		if tracer != nil {
			monitor.tracer = tracer
		}
	}
}

// Monitor owns reducer state over time for one job slot.
type Monitor struct {
	newAdapter AdapterFactory
	agents     []string
	logger     *log.Logger
	tracer     trace.Tracer

	mu             sync.Mutex
	adapter        Adapter
	sess           session.Session
	lastSessionID  int
	activeSession  int
	subscribers    map[uint64]Listener
	nextSubscriber uint64
}

// New builds an idle monitor. agentKeys is the analysis agent roster in
// declaration order; backtest jobs ignore it.
func New(newAdapter AdapterFactory, agentKeys []string, options ...Option) (*Monitor, error) {
	if newAdapter == nil {
		return nil, errors.New("adapter factory is required")
	}
	if len(agentKeys) == 0 {
		return nil, errors.New("at least one analysis agent key is required")
	}

	monitor := &Monitor{
		newAdapter:  newAdapter,
		agents:      append([]string(nil), agentKeys...),
		logger:      log.Default(),
		tracer:      otel.Tracer("tkw/monitor"),
		sess:        session.Idle(),
		subscribers: map[uint64]Listener{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(monitor)
	}
	return monitor, nil
}

// Start begins a new job session and returns its id synchronously so callers
// can correlate late-arriving state. Any in-flight job is implicitly
// cancelled first; transport failures surface through session state, never
// as a returned error.
func (m *Monitor) Start(ctx context.Context, request session.JobRequest) (int, error) {
	if m == nil {
		return 0, errors.New("monitor is nil")
	}
	if err := validateRequest(request); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := m.tracer.Start(ctx, "monitor.start")
	defer span.End()

	m.mu.Lock()
	superseded := m.adapter
	m.lastSessionID++
	id := m.lastSessionID
	m.activeSession = id
	m.sess = session.New(id, request, m.agents)
	adapter := m.newAdapter()
	m.adapter = adapter
	snapshot := m.sess.Clone()
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	span.SetAttributes(
		attribute.Int("session_id", id),
		attribute.String("kind", string(request.Kind)),
		attribute.String("ticker", request.Ticker),
	)

	if superseded != nil {
		superseded.Close()
	}
	m.logger.Info("job session started", "session_id", id, "kind", request.Kind)
	notify(listeners, snapshot)

	if err := adapter.Open(ctx,
		func(event protocol.Event) { m.apply(id, event) },
		func(state session.ConnState) { m.applyConn(id, state) },
	); err != nil {
		m.logger.Warn("channel open failed", "session_id", id, "err", err)
		m.apply(id, protocol.ConnectionError{Message: "connection failed"})
		return id, nil
	}

	frame, err := protocol.EncodeRequest(request)
	if err != nil {
		m.logger.Error("encode job request", "session_id", id, "err", err)
		m.apply(id, protocol.ConnectionError{Message: "connection failed"})
		return id, nil
	}
	if err := adapter.Send(ctx, frame); err != nil {
		m.logger.Warn("send job request", "session_id", id, "err", err)
		m.apply(id, protocol.ConnectionError{Message: "connection failed"})
	}

	return id, nil
}

// Cancel closes the active adapter and discards the session back to idle,
// regardless of whether an outcome was reached. Idempotent; events from the
// cancelled session arriving afterwards are inert.
func (m *Monitor) Cancel(ctx context.Context) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.activeSession == 0 && m.adapter == nil {
		m.mu.Unlock()
		return
	}
	_, span := m.tracer.Start(ctx, "monitor.cancel")
	span.SetAttributes(attribute.Int("session_id", m.activeSession))
	adapter := m.adapter
	m.adapter = nil
	m.activeSession = 0
	m.sess = session.Idle()
	snapshot := m.sess.Clone()
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	if adapter != nil {
		adapter.Close()
	}
	m.logger.Info("job session cancelled")
	notify(listeners, snapshot)
	span.End()
}

// CurrentState returns an independent snapshot of the session.
func (m *Monitor) CurrentState() session.Session {
	if m == nil {
		return session.Idle()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Clone()
}

// Subscribe registers a listener notified once per state mutation. The
// returned disposer removes the listener; disposing twice is harmless.
func (m *Monitor) Subscribe(listener Listener) func() {
	if m == nil || listener == nil {
		return func() {}
	}

	m.mu.Lock()
	m.nextSubscriber++
	id := m.nextSubscriber
	m.subscribers[id] = listener
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// apply folds one domain event into the session. Events from a session
// other than the active one are dropped: this is the mechanism that makes
// cancel and rapid restart race-free against late-closing sockets.
func (m *Monitor) apply(id int, event protocol.Event) {
	m.mu.Lock()
	if id != m.activeSession {
		active := m.activeSession
		m.mu.Unlock()
		m.logger.Debug("dropping stale event", "session_id", id, "type", event.EventType())
		invariants.CheckEventSessionCurrent(context.Background(), "monitor.apply", id, active)
		return
	}

	result := session.Reduce(m.sess, event)
	if !result.Changed {
		m.mu.Unlock()
		m.report(id, event, result.Violations)
		return
	}

	m.sess = result.Session
	snapshot := m.sess.Clone()
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	m.report(id, event, result.Violations)
	notify(listeners, snapshot)
}

// applyConn folds adapter lifecycle changes the reducer does not see as
// domain events (connecting, closing). Open/closed also arrive as synthetic
// domain events, so equal states are dropped here to keep one notification
// per mutation.
func (m *Monitor) applyConn(id int, state session.ConnState) {
	m.mu.Lock()
	if id != m.activeSession || m.sess.Connection == state {
		m.mu.Unlock()
		return
	}
	m.sess.Connection = state
	snapshot := m.sess.Clone()
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	notify(listeners, snapshot)
}

func (m *Monitor) report(id int, event protocol.Event, violations []session.Violation) {
	ctx := context.Background()
	for _, violation := range violations {
		m.logger.Warn(
			"protocol violation",
			"session_id", id,
			"type", event.EventType(),
			"invariant", violation.Invariant,
			"detail", violation.Detail,
		)
		switch violation.Invariant {
		case session.ViolationSubtaskKeyUnknown:
			invariants.CheckSubTaskKeyKnown(ctx, "monitor.apply", violation.Key, false)
		case session.ViolationSubtaskNonMonotonic:
			invariants.CheckSubTaskStatusMonotonic(
				ctx,
				"monitor.apply",
				violation.Key,
				string(violation.From),
				string(violation.To),
				false,
			)
		case session.ViolationOutcomeAlreadyPresent:
			invariants.CheckOutcomeWriteOnce(ctx, "monitor.apply", true, event.EventType())
		default:
			invariants.InvariantViolation(ctx, violation.Invariant, invariants.SeverityWarn, invariants.ViolationDetails{
				WhatInvariant: violation.Invariant,
				WhereDetected: "monitor.apply",
				WhyViolated:   violation.Detail,
				Additional: map[string]string{
					"event_type": event.EventType(),
				},
			})
		}
	}
}

func (m *Monitor) snapshotListeners() []Listener {
	listeners := make([]Listener, 0, len(m.subscribers))
	for _, listener := range m.subscribers {
		listeners = append(listeners, listener)
	}
	return listeners
}

func notify(listeners []Listener, snapshot session.Session) {
	for _, listener := range listeners {
		listener(snapshot)
	}
}

func validateRequest(request session.JobRequest) error {
	switch request.Kind {
	case session.KindAnalysis:
		if strings.TrimSpace(request.Ticker) == "" {
			return errors.New("analysis request ticker must not be empty")
		}
	case session.KindBacktest:
		if request.Backtest == nil || strings.TrimSpace(request.Backtest.Strategy) == "" {
			return errors.New("backtest request strategy must not be empty")
		}
	default:
		return errors.New("job kind must be analysis or backtest")
	}
	return nil
}
