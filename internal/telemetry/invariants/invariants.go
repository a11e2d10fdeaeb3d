package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantSubTaskStatusMonotonic requires subtask statuses to only move forward.
	InvariantSubTaskStatusMonotonic = "subtask_status_monotonic"
	// InvariantOutcomeWriteOnce requires the first terminal outcome of a session to be final.
	InvariantOutcomeWriteOnce = "outcome_write_once"
	// InvariantSubTaskKeyKnown requires subtask events to reference a declared subtask.
	InvariantSubTaskKeyKnown = "subtask_key_known"
	// InvariantEventSessionCurrent requires folded events to belong to the active session.
	InvariantEventSessionCurrent = "event_session_current"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("tkw/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckSubTaskStatusMonotonic validates the subtask_status_monotonic invariant.
func CheckSubTaskStatusMonotonic(
	ctx context.Context,
	whereDetected string,
	key string,
	fromStatus string,
	toStatus string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantSubTaskStatusMonotonic, SeverityWarn, ViolationDetails{
		WhatInvariant: "subtask status transitions only move forward",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for subtask=%s from=%s to=%s", key, fromStatus, toStatus),
		Additional: map[string]string{
			"subtask_key": strings.TrimSpace(key),
			"from_status": strings.TrimSpace(fromStatus),
			"to_status":   strings.TrimSpace(toStatus),
		},
	})
	return false
}

// CheckOutcomeWriteOnce validates the outcome_write_once invariant.
func CheckOutcomeWriteOnce(ctx context.Context, whereDetected string, hasOutcome bool, eventType string) bool {
	if !hasOutcome {
		return true
	}
	InvariantViolation(ctx, InvariantOutcomeWriteOnce, SeverityWarn, ViolationDetails{
		WhatInvariant: "the first terminal outcome of a session is final",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("terminal event %s arrived after an outcome was recorded", eventType),
		Additional: map[string]string{
			"event_type": strings.TrimSpace(eventType),
		},
	})
	return false
}

// CheckSubTaskKeyKnown validates the subtask_key_known invariant.
func CheckSubTaskKeyKnown(ctx context.Context, whereDetected string, key string, known bool) bool {
	if known {
		return true
	}
	InvariantViolation(ctx, InvariantSubTaskKeyKnown, SeverityWarn, ViolationDetails{
		WhatInvariant: "subtask events reference a declared subtask",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("no declared subtask with key=%s", key),
		Additional: map[string]string{
			"subtask_key": strings.TrimSpace(key),
		},
	})
	return false
}

// CheckEventSessionCurrent validates the event_session_current invariant.
// Stale events are expected after cancel or restart, so this reports at warn
// severity purely for observability.
func CheckEventSessionCurrent(ctx context.Context, whereDetected string, eventSession, activeSession int) bool {
	if eventSession == activeSession {
		return true
	}
	InvariantViolation(ctx, InvariantEventSessionCurrent, SeverityWarn, ViolationDetails{
		WhatInvariant: "folded events belong to the active session",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("event_session=%d does not match active_session=%d", eventSession, activeSession),
		Additional: map[string]string{
			"event_session":  fmt.Sprintf("%d", eventSession),
			"active_session": fmt.Sprintf("%d", activeSession),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
