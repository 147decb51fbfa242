package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kebairia/driveback/internal/runlock"
)

// State is the headline of a status report.
type State string

const (
	StateRunning  State = "running"
	StateStale    State = "stale-lock"
	StateNeverRan State = "never-ran"
	StateIdle     State = "idle"
)

// StatusReport describes the job as seen by a status query.
type StatusReport struct {
	Job     string        `json:"job"                yaml:"job"`
	State   State         `json:"state"              yaml:"state"`
	PID     int           `json:"pid,omitempty"      yaml:"pid,omitempty"`
	Since   time.Time     `json:"since,omitzero"     yaml:"since,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"  yaml:"elapsed,omitempty"`
	Last    *Run          `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	Now     time.Time     `json:"-"                  yaml:"-"`
}

// Status builds the current report. It only reads: a stale lock is reported,
// never removed, so it cannot race a launcher that is about to replace it.
func (l *Ledger) Status() (StatusReport, error) {
	now := l.clock.Now()
	report := StatusReport{Job: l.job, Now: now}

	if l.lock != nil {
		st, err := l.lock.Inspect(runlock.Identity{Job: l.job})
		if err != nil {
			return report, fmt.Errorf("inspect lock: %w", err)
		}
		switch st.State {
		case runlock.Running:
			report.State = StateRunning
			report.PID = st.PID
			report.Since = st.Since
			report.Elapsed = now.Sub(st.Since)
			return report, nil
		case runlock.Stale:
			report.State = StateStale
			report.PID = st.PID
		}
	}

	last, ok, err := l.Latest()
	if err != nil {
		return report, err
	}
	if report.State == "" {
		report.State = StateIdle
		if !ok {
			report.State = StateNeverRan
		}
	}
	if ok {
		report.Last = &last
	}
	return report, nil
}

// String renders the report for a terminal.
func (r StatusReport) String() string {
	var b strings.Builder
	switch r.State {
	case StateRunning:
		fmt.Fprintf(&b, "Backup %q is running (pid %d)\n", r.Job, r.PID)
		fmt.Fprintf(&b, "  started: %s\n", r.Since.Format(time.DateTime))
		fmt.Fprintf(&b, "  elapsed: %s\n", formatDuration(r.Elapsed))
		return b.String()
	case StateStale:
		fmt.Fprintf(&b, "WARNING: stale lock for %q names pid %d, which is not a running backup\n", r.Job, r.PID)
	case StateNeverRan:
		fmt.Fprintf(&b, "Backup %q has never run\n", r.Job)
		return b.String()
	}
	if r.Last == nil {
		return b.String()
	}

	last := r.Last
	switch last.Outcome {
	case OutcomeSuccess, OutcomeFailure:
		verdict := "succeeded"
		if last.Outcome == OutcomeFailure {
			verdict = "FAILED"
		}
		fmt.Fprintf(&b, "Last backup of %q %s\n", r.Job, verdict)
		if !last.Start.IsZero() {
			fmt.Fprintf(&b, "  started:  %s\n", last.Start.Format(time.DateTime))
		}
		fmt.Fprintf(&b, "  finished: %s (%s)\n", last.End.Format(time.DateTime),
			humanize.RelTime(last.End, r.Now, "ago", "from now"))
		if last.Duration > 0 {
			fmt.Fprintf(&b, "  duration: %s\n", formatDuration(last.Duration))
		}
		if last.Error != "" {
			fmt.Fprintf(&b, "  error:    %s\n", last.Error)
		}
	case OutcomeIncomplete:
		fmt.Fprintf(&b, "Last backup of %q is incomplete (interrupted run)\n", r.Job)
		fmt.Fprintf(&b, "  started: %s (%s)\n", last.Start.Format(time.DateTime),
			humanize.RelTime(last.Start, r.Now, "ago", "from now"))
	default:
		fmt.Fprintf(&b, "Last backup of %q: unknown, incomplete log\n", r.Job)
	}
	fmt.Fprintf(&b, "  log:      %s\n", last.LogPath)
	return b.String()
}

// formatDuration prints whole seconds, e.g. 1h2m3s.
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
