// Package session holds the job session model and the pure reducer that
// folds push-channel events into it. Nothing in this package performs I/O;
// all mutation flows through Reduce so the state is deterministic for any
// event sequence.
package session

import (
	"encoding/json"
	"strings"
)

// JobKind discriminates the two supported job request shapes.
type JobKind string

const (
	// KindAnalysis runs independent analysis agents against one ticker.
	KindAnalysis JobKind = "analysis"
	// KindBacktest runs a strategy backtest reporting periodic progress.
	KindBacktest JobKind = "backtest"
)

// BacktestKey is the synthetic subtask key used for backtest jobs.
const BacktestKey = "backtest"

// JobRequest describes what to run. Immutable once created.
type JobRequest struct {
	Kind     JobKind         `json:"kind"`
	Ticker   string          `json:"ticker,omitempty"`
	Market   string          `json:"market,omitempty"`
	Backtest *BacktestParams `json:"backtest,omitempty"`
}

// BacktestParams carries backtest configuration opaque to the monitor core.
type BacktestParams struct {
	Strategy       string  `json:"strategy"`
	Start          string  `json:"start,omitempty"`
	End            string  `json:"end,omitempty"`
	InitialCapital float64 `json:"initial_capital,omitempty"`
}

// Status is the lifecycle phase of one subtask.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedStatusTransitions enforces monotonic subtask lifecycles:
// pending -> active -> {completed | failed}, with direct pending -> terminal
// permitted to tolerate coalesced delivery.
var allowedStatusTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusActive:    {},
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusActive: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
}

func statusTransitionAllowed(from, to Status) bool {
	next, ok := allowedStatusTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// SubTask is one independently-progressing unit of work within a job.
type SubTask struct {
	Key    string          `json:"key"`
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ConnState mirrors the channel adapter's connection lifecycle.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnOpen         ConnState = "open"
	ConnClosing      ConnState = "closing"
	ConnClosed       ConnState = "closed"
)

// OutcomeKind discriminates the three mutually-exclusive terminal outcomes.
type OutcomeKind string

const (
	OutcomeDecision OutcomeKind = "decision"
	OutcomeVeto     OutcomeKind = "veto"
	OutcomeError    OutcomeKind = "error"
)

// Outcome is the terminal result of a job. Write-once: once present on a
// session no further subtask or progress mutation is accepted.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	Action     string      `json:"action,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Rationale  string      `json:"rationale,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// Progress is the latest progress report for backtest-style jobs.
type Progress struct {
	Pct     float64 `json:"pct"`
	Message string  `json:"message,omitempty"`
}

// Phase is the coarse monitor-level state derived from a session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseRunning    Phase = "running"
	PhaseCompleted  Phase = "completed"
	PhaseVetoed     Phase = "vetoed"
	PhaseErrored    Phase = "errored"
)

// Terminal reports whether the phase is a settled outcome.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseVetoed || p == PhaseErrored
}

// Session is the aggregate state owned by the reducer. Treat instances
// handed out by the monitor as read-only snapshots.
type Session struct {
	// ID is the monotonically increasing session identifier assigned on start.
	ID int `json:"id"`
	// Connection mirrors the adapter's connection lifecycle.
	Connection ConnState `json:"connection"`
	// Request is the active job request, or nil when idle.
	Request *JobRequest `json:"request,omitempty"`
	// SubTasks holds per-key state in declaration order.
	SubTasks []SubTask `json:"subtasks,omitempty"`
	// Progress is the latest progress report, if any.
	Progress *Progress `json:"progress,omitempty"`
	// Outcome is the terminal result, absent while the job runs.
	Outcome *Outcome `json:"outcome,omitempty"`
}

// Idle returns the zero session used before any start and after cancel.
func Idle() Session {
	return Session{Connection: ConnDisconnected}
}

// New seeds a fresh session for one start call. Analysis jobs declare one
// pending subtask per agent key in roster order; backtest jobs declare the
// single synthetic backtest subtask.
func New(id int, request JobRequest, agentKeys []string) Session {
	keys := agentKeys
	if request.Kind == KindBacktest {
		keys = []string{BacktestKey}
	}

	tasks := make([]SubTask, 0, len(keys))
	seen := map[string]struct{}{}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tasks = append(tasks, SubTask{Key: key, Status: StatusPending})
	}

	return Session{
		ID:         id,
		Connection: ConnConnecting,
		Request:    &request,
		SubTasks:   tasks,
	}
}

// Task returns the subtask for key, if declared.
func (s Session) Task(key string) (SubTask, bool) {
	for _, task := range s.SubTasks {
		if task.Key == key {
			return task, true
		}
	}
	return SubTask{}, false
}

// Phase derives the monitor-level state from the session.
func (s Session) Phase() Phase {
	if s.Request == nil {
		return PhaseIdle
	}
	if s.Outcome != nil {
		switch s.Outcome.Kind {
		case OutcomeDecision:
			return PhaseCompleted
		case OutcomeVeto:
			return PhaseVetoed
		default:
			return PhaseErrored
		}
	}
	if s.Connection == ConnConnecting || s.Connection == ConnDisconnected {
		return PhaseConnecting
	}
	return PhaseRunning
}

// Clone returns an independent copy safe to hand to observers.
func (s Session) Clone() Session {
	out := s
	if s.Request != nil {
		request := *s.Request
		if s.Request.Backtest != nil {
			backtest := *s.Request.Backtest
			request.Backtest = &backtest
		}
		out.Request = &request
	}
	if len(s.SubTasks) > 0 {
		out.SubTasks = append([]SubTask(nil), s.SubTasks...)
		for i, task := range out.SubTasks {
			if len(task.Result) > 0 {
				out.SubTasks[i].Result = append(json.RawMessage(nil), task.Result...)
			}
		}
	}
	if s.Progress != nil {
		progress := *s.Progress
		out.Progress = &progress
	}
	if s.Outcome != nil {
		outcome := *s.Outcome
		out.Outcome = &outcome
	}
	return out
}

func (s Session) withTask(index int, task SubTask) Session {
	out := s
	out.SubTasks = append([]SubTask(nil), s.SubTasks...)
	out.SubTasks[index] = task
	return out
}

func (s Session) taskIndex(key string) int {
	for i, task := range s.SubTasks {
		if task.Key == key {
			return i
		}
	}
	return -1
}
