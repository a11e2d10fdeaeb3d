package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/tickerwatch/tkw/internal/session"
)

// renderer prints session changes as a line-oriented event feed. It diffs
// consecutive snapshots so each change is reported once.
type renderer struct {
	out        io.Writer
	connection session.ConnState
	statuses   map[string]session.Status
	progress   float64
	hasOutcome bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:      out,
		statuses: map[string]session.Status{},
	}
}

func (r *renderer) update(snapshot session.Session) {
	if r == nil || r.out == nil {
		return
	}

	if snapshot.Connection != r.connection {
		r.connection = snapshot.Connection
		fmt.Fprintf(r.out, "connection: %s\n", snapshot.Connection)
	}

	for _, task := range snapshot.SubTasks {
		if r.statuses[task.Key] == task.Status {
			continue
		}
		r.statuses[task.Key] = task.Status
		line := fmt.Sprintf("%-12s %s", task.Key, task.Status)
		if task.Error != "" {
			line += ": " + task.Error
		}
		fmt.Fprintln(r.out, line)
	}

	if snapshot.Progress != nil && snapshot.Progress.Pct != r.progress {
		r.progress = snapshot.Progress.Pct
		message := strings.TrimSpace(snapshot.Progress.Message)
		if message != "" {
			fmt.Fprintf(r.out, "progress: %.0f%% %s\n", snapshot.Progress.Pct, message)
		} else {
			fmt.Fprintf(r.out, "progress: %.0f%%\n", snapshot.Progress.Pct)
		}
	}
}

func (r *renderer) finish(snapshot session.Session) {
	if r == nil || r.out == nil || r.hasOutcome || snapshot.Outcome == nil {
		return
	}
	r.hasOutcome = true

	outcome := snapshot.Outcome
	switch outcome.Kind {
	case session.OutcomeDecision:
		fmt.Fprintf(r.out, "decision: %s (confidence %.2f)\n", outcome.Action, outcome.Confidence)
		if rationale := strings.TrimSpace(outcome.Rationale); rationale != "" {
			fmt.Fprintf(r.out, "rationale: %s\n", rationale)
		}
	case session.OutcomeVeto:
		fmt.Fprintf(r.out, "vetoed: %s\n", outcome.Reason)
	default:
		fmt.Fprintf(r.out, "error: %s\n", outcome.Message)
	}
}
