package ledger

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Text markers written into run logs. Operators read them; Resolve parses
// them when a log has no sidecar.
const (
	markerStart   = "--- started: "
	markerEnd     = "--- finished: "
	markerResult  = "--- result: "
	markerError   = "--- error: "
	successMarker = markerResult + string(OutcomeSuccess)
)

// KeyLayout names run logs by start time in UTC; lexical order is start order.
const KeyLayout = "2006-01-02_15-04-05"

const (
	logExt     = ".log"
	sidecarExt = ".json"
)

// RunLog is the append-only log of one run. Methods are safe for concurrent
// use so the sync tool's output and the runner's markers can share it.
type RunLog struct {
	mu   sync.Mutex
	key  string
	dir  string
	job  string
	file *os.File
}

// Begin creates the log for a run starting at start. A run starting in the
// same second as an existing one gets a two-digit suffix.
func (l *Ledger) Begin(start time.Time) (*RunLog, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", l.dir, err)
	}
	base := start.UTC().Format(KeyLayout)
	for n := 0; n < 100; n++ {
		key := base
		if n > 0 {
			key = fmt.Sprintf("%s-%02d", base, n)
		}
		f, err := os.OpenFile(filepath.Join(l.dir, key+logExt), os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create run log: %w", err)
		}
		return &RunLog{key: key, dir: l.dir, job: l.job, file: f}, nil
	}
	return nil, fmt.Errorf("create run log: too many runs started at %s", base)
}

// Key identifies the run.
func (r *RunLog) Key() string { return r.key }

// Path is the log file location.
func (r *RunLog) Path() string { return r.file.Name() }

// Write appends raw output, typically from the sync tool.
func (r *RunLog) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Write(p)
}

// Writer exposes the log as an io.Writer.
func (r *RunLog) Writer() io.Writer { return r }

func (r *RunLog) line(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.file, s)
	return err
}

// Printf appends a free-form narrative line.
func (r *RunLog) Printf(format string, args ...any) error {
	return r.line(fmt.Sprintf(format, args...))
}

// MarkStart appends the start marker.
func (r *RunLog) MarkStart(t time.Time) error {
	return r.line(markerStart + t.Format(time.RFC3339))
}

// MarkEnd appends the end marker.
func (r *RunLog) MarkEnd(t time.Time) error {
	return r.line(markerEnd + t.Format(time.RFC3339))
}

// MarkResult appends the outcome line. Only OutcomeSuccess writes the
// success sentinel; detail is appended to any other outcome.
func (r *RunLog) MarkResult(outcome Outcome, detail string) error {
	if outcome == OutcomeSuccess {
		return r.line(successMarker)
	}
	s := markerResult + string(OutcomeFailure)
	if detail != "" {
		s += " (" + detail + ")"
	}
	return r.line(s)
}

// Errorf appends an error line.
func (r *RunLog) Errorf(format string, args ...any) error {
	return r.line(markerError + fmt.Sprintf(format, args...))
}

// Finalize writes the structured sidecar. The log is complete after this.
func (r *RunLog) Finalize(rec Record) error {
	rec.Key = r.key
	rec.Job = r.job
	return writeSidecar(r.dir, rec)
}

// Close syncs and closes the log file.
func (r *RunLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
