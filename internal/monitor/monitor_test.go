package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tickerwatch/tkw/internal/protocol"
	"github.com/tickerwatch/tkw/internal/session"
	"github.com/tickerwatch/tkw/internal/telemetry/invariants"
)

var testAgents = []string{"fundamental", "technical", "sentiment", "risk"}

type fakeAdapter struct {
	mu      sync.Mutex
	onEvent func(protocol.Event)
	onState func(session.ConnState)
	opened  bool
	closed  bool
	sent    [][]byte
	openErr error
	sendErr error
}

func (a *fakeAdapter) Open(
	_ context.Context,
	onEvent func(protocol.Event),
	onState func(session.ConnState),
) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return a.openErr
	}
	a.opened = true
	a.onEvent = onEvent
	a.onState = onState
	return nil
}

func (a *fakeAdapter) Send(_ context.Context, frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, append([]byte(nil), frame...))
	return nil
}

func (a *fakeAdapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

func (a *fakeAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// emit delivers events the way a live channel would: from outside the
// monitor, after open.
func (a *fakeAdapter) emit(events ...protocol.Event) {
	a.mu.Lock()
	handler := a.onEvent
	a.mu.Unlock()
	for _, event := range events {
		handler(event)
	}
}

func newTestMonitor(t *testing.T) (*Monitor, func() *fakeAdapter) {
	t.Helper()

	var (
		mu      sync.Mutex
		current *fakeAdapter
	)
	factory := func() Adapter {
		mu.Lock()
		defer mu.Unlock()
		current = &fakeAdapter{}
		return current
	}

	monitor, err := New(factory, testAgents)
	require.NoError(t, err)

	return monitor, func() *fakeAdapter {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func analysisRequest() session.JobRequest {
	return session.JobRequest{Kind: session.KindAnalysis, Ticker: "ACME", Market: "NYSE"}
}

func TestStartReturnsMonotonicSessionIDs(t *testing.T) {
	t.Parallel()

	monitor, adapter := newTestMonitor(t)

	first, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	state := monitor.CurrentState()
	assert.Equal(t, first, state.ID)
	require.NotNil(t, state.Request)
	assert.Equal(t, "ACME", state.Request.Ticker)
	assert.Len(t, state.SubTasks, len(testAgents))
	require.Len(t, adapter().sent, 1, "request frame is sent exactly once")

	var frame protocol.Frame
	require.NoError(t, json.Unmarshal(adapter().sent[0], &frame))
	assert.Equal(t, protocol.TypeStartJob, frame.Type)

	second, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, second)
}

func TestStartValidatesRequest(t *testing.T) {
	t.Parallel()

	monitor, _ := newTestMonitor(t)

	tests := []struct {
		name    string
		request session.JobRequest
	}{
		{name: "unknown kind", request: session.JobRequest{Kind: "scalping"}},
		{name: "analysis without ticker", request: session.JobRequest{Kind: session.KindAnalysis}},
		{name: "backtest without strategy", request: session.JobRequest{Kind: session.KindBacktest}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := monitor.Start(context.Background(), tt.request)
			require.Error(t, err)
		})
	}

	assert.Equal(t, session.PhaseIdle, monitor.CurrentState().Phase())
}

func TestEventsFoldIntoStateAndNotifySubscribersPerMutation(t *testing.T) {
	t.Parallel()

	monitor, adapter := newTestMonitor(t)

	var (
		mu        sync.Mutex
		snapshots []session.Session
	)
	unsubscribe := monitor.Subscribe(func(snapshot session.Session) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, snapshot)
	})
	defer unsubscribe()

	_, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)

	adapter().emit(
		protocol.ConnectionOpened{},
		protocol.JobStarted{}, // ack only: no mutation, no notification
		protocol.SubTaskStarted{Key: "fundamental"},
		protocol.SubTaskStarted{Key: "fundamental"}, // duplicate: no mutation
		protocol.SubTaskCompleted{Key: "fundamental", Result: json.RawMessage(`{"pe":18.2}`)},
		protocol.Decision{Action: "BUY", Confidence: 0.82, Rationale: "strong fundamentals"},
	)

	mu.Lock()
	defer mu.Unlock()
	// start reset + opened + started + completed + decision
	require.Len(t, snapshots, 5)

	final := snapshots[len(snapshots)-1]
	task, ok := final.Task("fundamental")
	require.True(t, ok)
	assert.Equal(t, session.StatusCompleted, task.Status)
	require.NotNil(t, final.Outcome)
	assert.Equal(t, session.OutcomeDecision, final.Outcome.Kind)
	assert.Equal(t, "BUY", final.Outcome.Action)
	assert.Equal(t, session.PhaseCompleted, final.Phase())
}

func TestCancelDiscardsSessionAndLaterEventsAreInert(t *testing.T) {
	t.Parallel()

	monitor, adapter := newTestMonitor(t)

	_, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)
	first := adapter()
	first.emit(protocol.ConnectionOpened{}, protocol.SubTaskStarted{Key: "risk"})

	monitor.Cancel(context.Background())
	assert.True(t, first.isClosed())
	assert.Equal(t, session.PhaseIdle, monitor.CurrentState().Phase())

	// In-flight events from the cancelled session must not mutate anything.
	first.emit(
		protocol.SubTaskCompleted{Key: "risk"},
		protocol.Decision{Action: "BUY", Confidence: 0.9},
		protocol.ConnectionClosed{Reason: "late socket"},
	)

	state := monitor.CurrentState()
	assert.Equal(t, session.PhaseIdle, state.Phase())
	assert.Nil(t, state.Outcome)
	assert.Empty(t, state.SubTasks)
}

func TestCancelWithoutActiveJobIsNoop(t *testing.T) {
	t.Parallel()

	monitor, _ := newTestMonitor(t)

	notified := 0
	unsubscribe := monitor.Subscribe(func(session.Session) { notified++ })
	defer unsubscribe()

	monitor.Cancel(context.Background())
	monitor.Cancel(context.Background())

	assert.Zero(t, notified)
}

func TestRapidRestartSupersedesFirstSession(t *testing.T) {
	t.Parallel()

	monitor, adapter := newTestMonitor(t)

	firstID, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)
	first := adapter()

	secondID, err := monitor.Start(context.Background(), session.JobRequest{
		Kind:   session.KindAnalysis,
		Ticker: "GLOBO",
	})
	require.NoError(t, err)
	second := adapter()

	assert.True(t, first.isClosed(), "implicit cancel closes the superseded adapter")
	assert.False(t, second.isClosed())
	assert.NotEqual(t, firstID, secondID)

	// Late events from the superseded adapter stay inert even after the new
	// session makes progress.
	second.emit(protocol.ConnectionOpened{}, protocol.SubTaskStarted{Key: "fundamental"})
	first.emit(protocol.Veto{Reason: "stale"}, protocol.ConnectionClosed{})

	state := monitor.CurrentState()
	assert.Equal(t, secondID, state.ID)
	assert.Equal(t, "GLOBO", state.Request.Ticker)
	assert.Nil(t, state.Outcome)
	task, ok := state.Task("fundamental")
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, task.Status)
}

func TestConnectionClosedWithoutOutcomeBecomesError(t *testing.T) {
	t.Parallel()

	monitor, adapter := newTestMonitor(t)

	_, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)
	adapter().emit(protocol.ConnectionOpened{}, protocol.ConnectionClosed{})

	state := monitor.CurrentState()
	assert.Equal(t, session.ConnClosed, state.Connection)
	require.NotNil(t, state.Outcome)
	assert.Equal(t, session.OutcomeError, state.Outcome.Kind)
	assert.Equal(t, "connection closed", state.Outcome.Message)
	assert.Equal(t, session.PhaseErrored, state.Phase())
}

func TestVetoWinsAndLaterDecisionIsDropped(t *testing.T) {
	t.Parallel()

	monitor, adapter := newTestMonitor(t)

	_, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)
	adapter().emit(
		protocol.ConnectionOpened{},
		protocol.SubTaskStarted{Key: "risk"},
		protocol.Veto{Reason: "sector concentration exceeded"},
		protocol.Decision{Action: "BUY", Confidence: 0.82},
	)

	state := monitor.CurrentState()
	require.NotNil(t, state.Outcome)
	assert.Equal(t, session.OutcomeVeto, state.Outcome.Kind)
	assert.Equal(t, "sector concentration exceeded", state.Outcome.Reason)
	assert.Equal(t, session.PhaseVetoed, state.Phase())
}

func TestBacktestProgressScenario(t *testing.T) {
	t.Parallel()

	monitor, adapter := newTestMonitor(t)

	_, err := monitor.Start(context.Background(), session.JobRequest{
		Kind:     session.KindBacktest,
		Backtest: &session.BacktestParams{Strategy: "momentum"},
	})
	require.NoError(t, err)

	adapter().emit(
		protocol.ConnectionOpened{},
		protocol.Progress{Pct: 10, Message: "fetching data"},
		protocol.Progress{Pct: 55, Message: "running"},
		protocol.JobError{Message: "insufficient history"},
	)

	state := monitor.CurrentState()
	require.NotNil(t, state.Progress)
	assert.InDelta(t, 55, state.Progress.Pct, 1e-9)
	require.NotNil(t, state.Outcome)
	assert.Equal(t, "insufficient history", state.Outcome.Message)
	assert.Equal(t, session.PhaseErrored, state.Phase())
}

func TestOpenFailureSurfacesThroughStateNotError(t *testing.T) {
	t.Parallel()

	factory := func() Adapter {
		return &fakeAdapter{openErr: context.DeadlineExceeded}
	}
	monitor, err := New(factory, testAgents)
	require.NoError(t, err)

	id, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err, "transport failures must not cross the monitor boundary")
	assert.Equal(t, 1, id)

	state := monitor.CurrentState()
	require.NotNil(t, state.Outcome)
	assert.Equal(t, session.OutcomeError, state.Outcome.Kind)
	assert.Equal(t, "connection failed", state.Outcome.Message)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	t.Parallel()

	monitor, adapter := newTestMonitor(t)

	count := 0
	unsubscribe := monitor.Subscribe(func(session.Session) { count++ })

	_, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)
	adapter().emit(protocol.ConnectionOpened{})
	seen := count

	unsubscribe()
	unsubscribe() // second dispose is harmless
	adapter().emit(protocol.SubTaskStarted{Key: "fundamental"})

	assert.Equal(t, seen, count)
}

// Not parallel: swaps the global tracer provider.
func TestViolationsEmitInvariantTelemetryEvents(t *testing.T) {
	previous := invariants.Enabled()
	invariants.SetEnabled(true)
	t.Cleanup(func() { invariants.SetEnabled(previous) })

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previousProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			otel.Handle(err)
		}
		otel.SetTracerProvider(previousProvider)
	})

	monitor, adapter := newTestMonitor(t)
	_, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)

	first := adapter()
	first.emit(
		protocol.ConnectionOpened{},
		protocol.SubTaskStarted{Key: "astrology"},
		protocol.SubTaskCompleted{Key: "fundamental"},
		protocol.SubTaskStarted{Key: "fundamental"},
		protocol.Veto{Reason: "sector concentration exceeded"},
		protocol.Decision{Action: "BUY", Confidence: 0.9},
	)

	monitor.Cancel(context.Background())
	first.emit(protocol.SubTaskStarted{Key: "risk"})

	names := invariantEventNames(recorder)
	assert.Contains(t, names, invariants.InvariantSubTaskKeyKnown)
	assert.Contains(t, names, invariants.InvariantSubTaskStatusMonotonic)
	assert.Contains(t, names, invariants.InvariantOutcomeWriteOnce)
	assert.Contains(t, names, invariants.InvariantEventSessionCurrent)
}

func invariantEventNames(recorder *tracetest.SpanRecorder) []string {
	names := []string{}
	for _, finished := range recorder.Ended() {
		for _, event := range finished.Events() {
			if event.Name != "invariant.violation" {
				continue
			}
			for _, attr := range event.Attributes {
				if string(attr.Key) == "invariant_name" {
					names = append(names, attr.Value.AsString())
				}
			}
		}
	}
	return names
}

func TestSnapshotsAreIndependentOfInternalState(t *testing.T) {
	t.Parallel()

	monitor, adapter := newTestMonitor(t)

	_, err := monitor.Start(context.Background(), analysisRequest())
	require.NoError(t, err)
	adapter().emit(protocol.ConnectionOpened{}, protocol.SubTaskStarted{Key: "fundamental"})

	snapshot := monitor.CurrentState()
	snapshot.SubTasks[0].Status = session.StatusFailed
	snapshot.Request.Ticker = "MUTATED"

	state := monitor.CurrentState()
	task, _ := state.Task("fundamental")
	assert.Equal(t, session.StatusActive, task.Status)
	assert.Equal(t, "ACME", state.Request.Ticker)
}
