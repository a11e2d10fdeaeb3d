package session

import (
	"fmt"
	"strings"

	"github.com/tickerwatch/tkw/internal/protocol"
)

// Violation invariant names reported by the reducer. The monitor maps these
// onto telemetry invariant events; the reducer itself never logs.
const (
	ViolationSubtaskKeyUnknown     = "subtask_key_known"
	ViolationSubtaskNonMonotonic   = "subtask_status_monotonic"
	ViolationOutcomeAlreadyPresent = "outcome_write_once"
)

// Violation records one tolerated protocol violation. Violations never fail
// the job; the offending event is dropped or reduced to a no-op.
type Violation struct {
	Invariant string
	Detail    string
	// Key is the subtask key for subtask-scoped violations.
	Key string
	// From and To are the endpoints of a rejected status transition.
	From Status
	To   Status
}

// Result carries the reduced session, whether any observable state changed,
// and the protocol violations encountered while applying the event.
type Result struct {
	Session    Session
	Changed    bool
	Violations []Violation
}

// Reduce folds one event into the session and returns the next state.
// Pure and deterministic: same (state, event) always yields the same result.
//
// Terminal outcomes are sticky. Once Outcome is set the only accepted
// mutation is the connection lifecycle; subtasks and progress are frozen and
// any later terminal event is dropped as an outcome_write_once violation.
func Reduce(current Session, event protocol.Event) Result {
	if current.Outcome != nil && protocol.IsTerminal(event) {
		return Result{
			Session: current,
			Violations: []Violation{{
				Invariant: ViolationOutcomeAlreadyPresent,
				Detail: fmt.Sprintf(
					"dropping %s event: %s outcome already recorded",
					event.EventType(), current.Outcome.Kind,
				),
			}},
		}
	}

	switch typed := event.(type) {
	case protocol.ConnectionOpened:
		return setConnection(current, ConnOpen)
	case protocol.ConnectionClosed:
		return reduceConnectionClosed(current, typed)
	case protocol.ConnectionError:
		return reduceConnectionError(current, typed)
	case protocol.JobStarted:
		// Acknowledgement only; the request is already part of the session.
		return Result{Session: current}
	case protocol.SubTaskStarted:
		return reduceSubTaskTransition(current, typed.Key, StatusActive, nil, "")
	case protocol.SubTaskCompleted:
		return reduceSubTaskTransition(current, typed.Key, StatusCompleted, typed.Result, "")
	case protocol.SubTaskFailed:
		return reduceSubTaskTransition(current, typed.Key, StatusFailed, nil, typed.Error)
	case protocol.Progress:
		return reduceProgress(current, typed)
	case protocol.Decision:
		return reduceOutcome(current, Outcome{
			Kind:       OutcomeDecision,
			Action:     strings.ToUpper(strings.TrimSpace(typed.Action)),
			Confidence: typed.Confidence,
			Rationale:  typed.Rationale,
		})
	case protocol.Veto:
		return reduceOutcome(current, Outcome{Kind: OutcomeVeto, Reason: typed.Reason})
	case protocol.JobError:
		return reduceOutcome(current, Outcome{Kind: OutcomeError, Message: typed.Message})
	default:
		return Result{Session: current}
	}
}

func setConnection(current Session, state ConnState) Result {
	if current.Connection == state {
		return Result{Session: current}
	}
	next := current
	next.Connection = state
	return Result{Session: next, Changed: true}
}

// reduceConnectionClosed records teardown. A close with no prior outcome
// means the job was dropped mid-flight and becomes a terminal error; after
// an outcome it is ordinary teardown.
func reduceConnectionClosed(current Session, event protocol.ConnectionClosed) Result {
	result := setConnection(current, ConnClosed)
	next := result.Session
	if next.Outcome != nil || next.Request == nil {
		return result
	}

	message := strings.TrimSpace(event.Reason)
	if message == "" {
		message = "connection closed"
	}
	next.Outcome = &Outcome{Kind: OutcomeError, Message: message}
	return Result{Session: next, Changed: true}
}

func reduceConnectionError(current Session, event protocol.ConnectionError) Result {
	result := setConnection(current, ConnClosed)
	next := result.Session
	if next.Outcome != nil || next.Request == nil {
		return result
	}

	message := strings.TrimSpace(event.Message)
	if message == "" {
		message = "connection failed"
	}
	next.Outcome = &Outcome{Kind: OutcomeError, Message: message}
	return Result{Session: next, Changed: true}
}

func reduceSubTaskTransition(
	current Session,
	key string,
	to Status,
	result []byte,
	taskErr string,
) Result {
	if current.Outcome != nil {
		// Frozen after a terminal outcome.
		return Result{Session: current}
	}

	key = strings.TrimSpace(key)
	index := current.taskIndex(key)
	if index < 0 {
		return Result{
			Session: current,
			Violations: []Violation{{
				Invariant: ViolationSubtaskKeyUnknown,
				Detail:    fmt.Sprintf("subtask key %q not declared for this job", key),
				Key:       key,
			}},
		}
	}

	task := current.SubTasks[index]
	if task.Status == to {
		// Duplicate delivery is idempotent.
		return Result{Session: current}
	}
	if !statusTransitionAllowed(task.Status, to) {
		return Result{
			Session: current,
			Violations: []Violation{{
				Invariant: ViolationSubtaskNonMonotonic,
				Detail: fmt.Sprintf(
					"subtask %q cannot move from %s to %s",
					task.Key, task.Status, to,
				),
				Key:  task.Key,
				From: task.Status,
				To:   to,
			}},
		}
	}

	task.Status = to
	switch to {
	case StatusCompleted:
		task.Result = result
	case StatusFailed:
		task.Error = taskErr
	}
	return Result{Session: current.withTask(index, task), Changed: true}
}

func reduceProgress(current Session, event protocol.Progress) Result {
	if current.Outcome != nil {
		return Result{Session: current}
	}
	next := current
	next.Progress = &Progress{Pct: event.Pct, Message: event.Message}
	return Result{Session: next, Changed: true}
}

func reduceOutcome(current Session, outcome Outcome) Result {
	next := current
	next.Outcome = &outcome
	return Result{Session: next, Changed: true}
}
