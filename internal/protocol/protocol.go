package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// SchemaVersion identifies the supported push-channel event schema version.
	SchemaVersion = "1.0"

	// TypeConnectionOpened represents successful channel establishment.
	TypeConnectionOpened = "connection_opened"
	// TypeConnectionClosed represents channel teardown with an optional reason.
	TypeConnectionClosed = "connection_closed"
	// TypeConnectionError represents a transport-level failure.
	TypeConnectionError = "connection_error"
	// TypeJobStarted represents server acknowledgement echoing the job request.
	TypeJobStarted = "job_started"
	// TypeSubTaskStarted represents one subtask entering its active phase.
	TypeSubTaskStarted = "subtask_started"
	// TypeSubTaskCompleted represents one subtask finishing with a result payload.
	TypeSubTaskCompleted = "subtask_completed"
	// TypeSubTaskFailed represents one subtask finishing with an error.
	TypeSubTaskFailed = "subtask_failed"
	// TypeProgress represents backtest-style percentage progress.
	TypeProgress = "progress"
	// TypeDecision represents the terminal analysis decision.
	TypeDecision = "decision"
	// TypeVeto represents a terminal veto of the job.
	TypeVeto = "veto"
	// TypeJobError represents a terminal job-level error.
	TypeJobError = "job_error"

	// TypeStartJob is the single outbound frame type carrying the job request.
	TypeStartJob = "start_job"
)

// ErrUnknownEventType indicates a frame type outside the known schema.
// Unknown types are skipped by callers for forward compatibility.
var ErrUnknownEventType = errors.New("unknown event type")

// Frame is the raw wire envelope exchanged on the push channel.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is one typed push-channel event.
type Event interface {
	// EventType returns the wire type discriminator for the event.
	EventType() string
}

// ConnectionOpened signals the channel is open and ready for the job request.
type ConnectionOpened struct{}

// ConnectionClosed signals the channel closed; Reason may be empty.
type ConnectionClosed struct {
	Reason string `json:"reason,omitempty"`
}

// ConnectionError signals a transport failure before or during the job.
type ConnectionError struct {
	Message string `json:"message,omitempty"`
}

// JobStarted echoes the accepted job request back to the client.
type JobStarted struct {
	Request json.RawMessage `json:"request,omitempty"`
}

// SubTaskStarted marks one subtask active.
type SubTaskStarted struct {
	Key string `json:"key"`
}

// SubTaskCompleted carries the opaque result payload for one subtask.
type SubTaskCompleted struct {
	Key    string          `json:"key"`
	Result json.RawMessage `json:"result,omitempty"`
}

// SubTaskFailed records a per-subtask failure. Non-fatal to the job.
type SubTaskFailed struct {
	Key   string `json:"key"`
	Error string `json:"error,omitempty"`
}

// Progress is a last-write-wins progress update for backtest-style jobs.
type Progress struct {
	Pct     float64 `json:"pct"`
	Message string  `json:"message,omitempty"`
}

// Decision is the terminal decision outcome.
type Decision struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Veto is the terminal veto outcome.
type Veto struct {
	Reason string `json:"reason"`
}

// JobError is the terminal job-level error outcome.
type JobError struct {
	Message string `json:"message"`
}

func (ConnectionOpened) EventType() string { return TypeConnectionOpened }
func (ConnectionClosed) EventType() string { return TypeConnectionClosed }
func (ConnectionError) EventType() string  { return TypeConnectionError }
func (JobStarted) EventType() string       { return TypeJobStarted }
func (SubTaskStarted) EventType() string   { return TypeSubTaskStarted }
func (SubTaskCompleted) EventType() string { return TypeSubTaskCompleted }
func (SubTaskFailed) EventType() string    { return TypeSubTaskFailed }
func (Progress) EventType() string         { return TypeProgress }
func (Decision) EventType() string         { return TypeDecision }
func (Veto) EventType() string             { return TypeVeto }
func (JobError) EventType() string         { return TypeJobError }

// IsTerminal reports whether the event carries a terminal job outcome.
func IsTerminal(event Event) bool {
	switch event.(type) {
	case Decision, Veto, JobError:
		return true
	default:
		return false
	}
}

// DecodeFrame parses one raw inbound frame into a typed event.
// A frame with an out-of-schema type returns ErrUnknownEventType so callers
// can skip it; malformed JSON and failed validation return descriptive errors.
func DecodeFrame(data []byte) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return DecodeEvent(frame)
}

// DecodeEvent converts an envelope into a typed, validated event.
func DecodeEvent(frame Frame) (Event, error) {
	frameType := strings.TrimSpace(frame.Type)
	if frameType == "" {
		return nil, errors.New("frame type must not be empty")
	}

	payload := frame.Data
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	event, err := decodePayload(frameType, payload)
	if err != nil {
		return nil, err
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}

// EncodeRequest builds the single outbound start_job frame for a request.
func EncodeRequest(request any) ([]byte, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal job request: %w", err)
	}
	data, err := json.Marshal(Frame{Type: TypeStartJob, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal start_job frame: %w", err)
	}
	return data, nil
}

func decodePayload(frameType string, payload json.RawMessage) (Event, error) {
	var (
		event Event
		err   error
	)
	switch frameType {
	case TypeConnectionOpened:
		event = ConnectionOpened{}
	case TypeConnectionClosed:
		var decoded ConnectionClosed
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	case TypeConnectionError:
		var decoded ConnectionError
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	case TypeJobStarted:
		var decoded JobStarted
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	case TypeSubTaskStarted:
		var decoded SubTaskStarted
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	case TypeSubTaskCompleted:
		var decoded SubTaskCompleted
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	case TypeSubTaskFailed:
		var decoded SubTaskFailed
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	case TypeProgress:
		var decoded Progress
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	case TypeDecision:
		var decoded Decision
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	case TypeVeto:
		var decoded Veto
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	case TypeJobError:
		var decoded JobError
		err = json.Unmarshal(payload, &decoded)
		event = decoded
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, frameType)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", frameType, err)
	}
	return event, nil
}

func validateEvent(event Event) error {
	switch typed := event.(type) {
	case SubTaskStarted:
		return requireKey(typed.Key, TypeSubTaskStarted)
	case SubTaskCompleted:
		return requireKey(typed.Key, TypeSubTaskCompleted)
	case SubTaskFailed:
		return requireKey(typed.Key, TypeSubTaskFailed)
	case Progress:
		if typed.Pct < 0 || typed.Pct > 100 {
			return fmt.Errorf("progress pct %v outside 0-100", typed.Pct)
		}
	case Decision:
		if strings.TrimSpace(typed.Action) == "" {
			return errors.New("decision action must not be empty")
		}
		if typed.Confidence < 0 || typed.Confidence > 1 {
			return fmt.Errorf("decision confidence %v outside 0-1", typed.Confidence)
		}
	case Veto:
		if strings.TrimSpace(typed.Reason) == "" {
			return errors.New("veto reason must not be empty")
		}
	case JobError:
		if strings.TrimSpace(typed.Message) == "" {
			return errors.New("job_error message must not be empty")
		}
	}
	return nil
}

func requireKey(key, frameType string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s key must not be empty", frameType)
	}
	return nil
}
