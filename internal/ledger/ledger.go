// Package ledger records backup runs and derives their history.
//
// Each run owns a human-readable, append-only log named after its start
// time. When a run finishes the worker also writes a small JSON sidecar;
// status queries prefer the sidecar and fall back to the markers in the
// log text, so logs from interrupted runs or older versions still resolve.
package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/kebairia/driveback/internal/runlock"
)

// LockInspector reports whether a run currently holds the job lock.
type LockInspector interface {
	Inspect(id runlock.Identity) (runlock.Status, error)
}

// Ledger reads and writes the run logs of one job.
type Ledger struct {
	dir   string
	job   string
	lock  LockInspector
	clock clock.Clock
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for "now" in reports.
func WithClock(clk clock.Clock) Option {
	return func(l *Ledger) {
		if clk != nil {
			l.clock = clk
		}
	}
}

// New returns a Ledger for job keeping logs in dir. lock may be nil when
// only run logs are needed.
func New(dir, job string, lock LockInspector, opts ...Option) *Ledger {
	l := &Ledger{dir: dir, job: job, lock: lock, clock: clock.WallClock}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir is the job's log directory.
func (l *Ledger) Dir() string { return l.dir }

// Run is one resolved run.
type Run struct {
	Key      string        `json:"key"                 yaml:"key"`
	LogPath  string        `json:"log_path"            yaml:"log_path"`
	Outcome  Outcome       `json:"outcome"             yaml:"outcome"`
	Start    time.Time     `json:"start,omitzero"      yaml:"start,omitempty"`
	End      time.Time     `json:"end,omitzero"        yaml:"end,omitempty"`
	Duration time.Duration `json:"duration,omitempty"  yaml:"duration,omitempty"`
	ExitCode *int          `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Error    string        `json:"error,omitempty"     yaml:"error,omitempty"`
}

// Keys lists the runs on disk, oldest first.
func (l *Ledger) Keys() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list run logs in %q: %w", l.dir, err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != logExt {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, logExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// Resolve determines the outcome of a run from its sidecar, or from the
// log text when there is no usable sidecar.
func (l *Ledger) Resolve(key string) Run {
	run := Run{Key: key, LogPath: filepath.Join(l.dir, key+logExt)}

	if rec, err := readSidecar(l.dir, key); err == nil && rec.Outcome != "" {
		code := rec.ExitCode
		run.Outcome = rec.Outcome
		run.Start = rec.Start
		run.End = rec.End
		run.Duration = rec.Duration()
		run.ExitCode = &code
		run.Error = rec.Error
		return run
	}

	f, err := os.Open(run.LogPath)
	if err != nil {
		run.Outcome = OutcomeUnknown
		return run
	}
	defer f.Close()

	p := parseMarkers(f)
	run.Outcome = p.outcome()
	run.Start = p.start
	if run.Outcome == OutcomeSuccess || run.Outcome == OutcomeFailure {
		run.End = p.end
		run.Duration = p.end.Sub(p.start)
	}
	return run
}

// Latest resolves the most recent run. ok is false when the job never ran.
func (l *Ledger) Latest() (run Run, ok bool, err error) {
	keys, err := l.Keys()
	if err != nil || len(keys) == 0 {
		return Run{}, false, err
	}
	return l.Resolve(keys[len(keys)-1]), true, nil
}

// RunSummary is one line of history.
type RunSummary struct {
	Key      string        `json:"key"                yaml:"key"`
	Start    time.Time     `json:"start,omitzero"     yaml:"start,omitempty"`
	Outcome  Outcome       `json:"outcome"            yaml:"outcome"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Incomplete reports whether the run could not be resolved to a result.
func (s RunSummary) Incomplete() bool {
	return s.Outcome == OutcomeIncomplete || s.Outcome == OutcomeUnknown
}

// History returns up to limit runs, newest first. limit <= 0 means all.
func (l *Ledger) History(limit int) ([]RunSummary, error) {
	keys, err := l.Keys()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]RunSummary, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		run := l.Resolve(keys[i])
		out = append(out, RunSummary{
			Key:      run.Key,
			Start:    run.Start,
			Outcome:  run.Outcome,
			Duration: run.Duration,
		})
	}
	return out, nil
}
