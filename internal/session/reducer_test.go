package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerwatch/tkw/internal/protocol"
)

var analysisAgents = []string{"fundamental", "technical", "sentiment", "risk"}

func analysisSession(t *testing.T) Session {
	t.Helper()
	return New(1, JobRequest{Kind: KindAnalysis, Ticker: "ACME", Market: "NYSE"}, analysisAgents)
}

func backtestSession(t *testing.T) Session {
	t.Helper()
	return New(1, JobRequest{
		Kind:     KindBacktest,
		Backtest: &BacktestParams{Strategy: "momentum"},
	}, analysisAgents)
}

func apply(t *testing.T, s Session, events ...protocol.Event) Session {
	t.Helper()
	for _, event := range events {
		s = Reduce(s, event).Session
	}
	return s
}

func TestNewSeedsDeclaredSubtasks(t *testing.T) {
	t.Parallel()

	s := analysisSession(t)
	require.Len(t, s.SubTasks, 4)
	for i, key := range analysisAgents {
		assert.Equal(t, key, s.SubTasks[i].Key, "declaration order must be preserved")
		assert.Equal(t, StatusPending, s.SubTasks[i].Status)
	}
	assert.Equal(t, ConnConnecting, s.Connection)
	assert.Equal(t, PhaseConnecting, s.Phase())

	b := backtestSession(t)
	require.Len(t, b.SubTasks, 1)
	assert.Equal(t, BacktestKey, b.SubTasks[0].Key)
}

func TestScenarioAnalysisDecision(t *testing.T) {
	t.Parallel()

	s := apply(t, analysisSession(t),
		protocol.ConnectionOpened{},
		protocol.JobStarted{},
		protocol.SubTaskStarted{Key: "fundamental"},
		protocol.SubTaskCompleted{Key: "fundamental", Result: json.RawMessage(`{"pe":18.2}`)},
		protocol.Decision{Action: "BUY", Confidence: 0.82, Rationale: "strong fundamentals"},
	)

	task, ok := s.Task("fundamental")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.JSONEq(t, `{"pe":18.2}`, string(task.Result))

	require.NotNil(t, s.Outcome)
	assert.Equal(t, OutcomeDecision, s.Outcome.Kind)
	assert.Equal(t, "BUY", s.Outcome.Action)
	assert.InDelta(t, 0.82, s.Outcome.Confidence, 1e-9)
	assert.Equal(t, PhaseCompleted, s.Phase())
}

func TestScenarioVetoWinsOverLaterDecision(t *testing.T) {
	t.Parallel()

	s := apply(t, analysisSession(t),
		protocol.ConnectionOpened{},
		protocol.SubTaskStarted{Key: "risk"},
		protocol.Veto{Reason: "sector concentration exceeded"},
	)

	require.NotNil(t, s.Outcome)
	assert.Equal(t, OutcomeVeto, s.Outcome.Kind)
	assert.Equal(t, "sector concentration exceeded", s.Outcome.Reason)

	result := Reduce(s, protocol.Decision{Action: "BUY", Confidence: 0.9})
	assert.False(t, result.Changed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ViolationOutcomeAlreadyPresent, result.Violations[0].Invariant)
	assert.Equal(t, OutcomeVeto, result.Session.Outcome.Kind)
	assert.Equal(t, PhaseVetoed, result.Session.Phase())
}

func TestScenarioConnectionClosedWithoutOutcome(t *testing.T) {
	t.Parallel()

	s := apply(t, analysisSession(t),
		protocol.ConnectionOpened{},
		protocol.ConnectionClosed{},
	)

	assert.Equal(t, ConnClosed, s.Connection)
	require.NotNil(t, s.Outcome)
	assert.Equal(t, OutcomeError, s.Outcome.Kind)
	assert.Equal(t, "connection closed", s.Outcome.Message)
	assert.Equal(t, PhaseErrored, s.Phase())
}

func TestScenarioBacktestProgressThenJobError(t *testing.T) {
	t.Parallel()

	s := apply(t, backtestSession(t),
		protocol.ConnectionOpened{},
		protocol.Progress{Pct: 10, Message: "fetching data"},
		protocol.Progress{Pct: 55, Message: "running"},
		protocol.JobError{Message: "insufficient history"},
	)

	require.NotNil(t, s.Progress)
	assert.InDelta(t, 55, s.Progress.Pct, 1e-9)
	assert.Equal(t, "running", s.Progress.Message)

	require.NotNil(t, s.Outcome)
	assert.Equal(t, OutcomeError, s.Outcome.Kind)
	assert.Equal(t, "insufficient history", s.Outcome.Message)
}

func TestImplicitStartOnCoalescedTerminal(t *testing.T) {
	t.Parallel()

	s := apply(t, analysisSession(t),
		protocol.ConnectionOpened{},
		protocol.SubTaskCompleted{Key: "technical", Result: json.RawMessage(`{"rsi":61}`)},
		protocol.SubTaskFailed{Key: "sentiment", Error: "feed unavailable"},
	)

	technical, ok := s.Task("technical")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, technical.Status)

	sentiment, ok := s.Task("sentiment")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, sentiment.Status)
	assert.Equal(t, "feed unavailable", sentiment.Error)

	// A per-subtask failure does not terminate the job.
	assert.Nil(t, s.Outcome)
	assert.Equal(t, PhaseRunning, s.Phase())
}

func TestSubtaskStatusIsMonotonic(t *testing.T) {
	t.Parallel()

	s := apply(t, analysisSession(t),
		protocol.ConnectionOpened{},
		protocol.SubTaskStarted{Key: "fundamental"},
		protocol.SubTaskCompleted{Key: "fundamental"},
	)

	// A late duplicate started must not regress the terminal status.
	result := Reduce(s, protocol.SubTaskStarted{Key: "fundamental"})
	assert.False(t, result.Changed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ViolationSubtaskNonMonotonic, result.Violations[0].Invariant)

	task, ok := result.Session.Task("fundamental")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, task.Status)

	// A conflicting terminal is dropped the same way.
	result = Reduce(s, protocol.SubTaskFailed{Key: "fundamental", Error: "late"})
	assert.False(t, result.Changed)
	require.Len(t, result.Violations, 1)
	task, _ = result.Session.Task("fundamental")
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Empty(t, task.Error)
}

func TestDuplicateTerminalIsIdempotent(t *testing.T) {
	t.Parallel()

	s := apply(t, analysisSession(t),
		protocol.ConnectionOpened{},
		protocol.SubTaskCompleted{Key: "risk", Result: json.RawMessage(`{"var":0.03}`)},
	)

	result := Reduce(s, protocol.SubTaskCompleted{Key: "risk", Result: json.RawMessage(`{"var":0.03}`)})
	assert.False(t, result.Changed)
	assert.Empty(t, result.Violations)
	assert.Equal(t, s, result.Session)
}

func TestUnknownSubtaskKeyIsRejectedNotFatal(t *testing.T) {
	t.Parallel()

	s := apply(t, analysisSession(t), protocol.ConnectionOpened{})

	result := Reduce(s, protocol.SubTaskStarted{Key: "astrology"})
	assert.False(t, result.Changed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ViolationSubtaskKeyUnknown, result.Violations[0].Invariant)
	assert.Equal(t, s, result.Session)

	// The job keeps running after the violation.
	next := Reduce(result.Session, protocol.SubTaskStarted{Key: "fundamental"})
	assert.True(t, next.Changed)
}

func TestOutcomeFreezesSubtasksAndProgress(t *testing.T) {
	t.Parallel()

	s := apply(t, backtestSession(t),
		protocol.ConnectionOpened{},
		protocol.Progress{Pct: 40, Message: "running"},
		protocol.Decision{Action: "hold", Confidence: 0.5},
	)

	require.NotNil(t, s.Outcome)
	assert.Equal(t, "HOLD", s.Outcome.Action, "action is normalized upper-case")

	frozen := apply(t, s,
		protocol.Progress{Pct: 99, Message: "late"},
		protocol.SubTaskStarted{Key: BacktestKey},
		protocol.SubTaskFailed{Key: BacktestKey, Error: "late"},
	)

	assert.InDelta(t, 40, frozen.Progress.Pct, 1e-9)
	task, _ := frozen.Task(BacktestKey)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, OutcomeDecision, frozen.Outcome.Kind)
}

func TestConnectionCloseAfterOutcomeIsOrdinaryTeardown(t *testing.T) {
	t.Parallel()

	s := apply(t, analysisSession(t),
		protocol.ConnectionOpened{},
		protocol.Decision{Action: "SELL", Confidence: 0.7},
		protocol.ConnectionClosed{Reason: "bye"},
	)

	assert.Equal(t, ConnClosed, s.Connection)
	assert.Equal(t, OutcomeDecision, s.Outcome.Kind, "teardown must not overwrite the outcome")
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	before := apply(t, analysisSession(t), protocol.ConnectionOpened{})
	snapshot := before.Clone()

	_ = Reduce(before, protocol.SubTaskStarted{Key: "fundamental"})
	_ = Reduce(before, protocol.Progress{Pct: 10})
	_ = Reduce(before, protocol.Veto{Reason: "nope"})

	assert.Equal(t, snapshot, before)
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	s := apply(t, analysisSession(t),
		protocol.ConnectionOpened{},
		protocol.SubTaskStarted{Key: "fundamental"},
		protocol.SubTaskCompleted{Key: "risk", Result: json.RawMessage(`{"var":0.03}`)},
		protocol.Progress{Pct: 10, Message: "warming up"},
	)

	clone := s.Clone()
	clone.SubTasks[0].Status = StatusFailed
	clone.Progress.Pct = 99
	clone.Request.Ticker = "OTHER"

	task, _ := s.Task("fundamental")
	assert.Equal(t, StatusActive, task.Status)
	assert.InDelta(t, 10, s.Progress.Pct, 1e-9)
	assert.Equal(t, "ACME", s.Request.Ticker)

	// Result payloads must not share backing arrays with the clone.
	risk, ok := clone.Task("risk")
	require.True(t, ok)
	for i := range risk.Result {
		risk.Result[i] = 'x'
	}
	original, _ := s.Task("risk")
	assert.JSONEq(t, `{"var":0.03}`, string(original.Result))
}

func TestIdlePhase(t *testing.T) {
	t.Parallel()

	idle := Idle()
	assert.Equal(t, PhaseIdle, idle.Phase())
	assert.Equal(t, ConnDisconnected, idle.Connection)
	assert.Nil(t, idle.Request)
}
