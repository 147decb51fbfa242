// Package runlock keeps a backup job to a single running worker.
//
// The lock is a file under the lock directory named after the job. It holds
// a JSON record with the owner's pid, its command line and a random token.
// A record whose process is dead, or alive but running a different command
// line, is stale and may be replaced. Exclusion is best-effort: it is a file
// convention checked by cooperating processes, not a kernel lock.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// ErrAlreadyRunning matches an *AlreadyRunningError.
var ErrAlreadyRunning = errors.New("backup already running")

// ErrNotOwner is returned by Adopt when the lock holds a different token.
var ErrNotOwner = errors.New("lock is not held by this run")

// AlreadyRunningError reports the live process holding the lock.
type AlreadyRunningError struct {
	Job string
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("backup %q already running (pid %d)", e.Job, e.PID)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// Identity names the job a lock belongs to.
type Identity struct {
	Job string
}

// Record is the content of a lock file.
type Record struct {
	PID       int       `json:"pid"`
	Job       string    `json:"job"`
	Token     string    `json:"token,omitempty"`
	Argv      []string  `json:"argv,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// State is the result of inspecting a lock.
type State int

const (
	Idle State = iota
	Running
	Stale
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Status is a read-only view of a job's lock.
type Status struct {
	State State
	PID   int
	Since time.Time
}

// Handle is proof of lock ownership, returned by Acquire and Adopt.
type Handle struct {
	path   string
	record Record
}

// Token is the random value identifying this run's ownership.
func (h *Handle) Token() string { return h.record.Token }

// PID is the process recorded as owner.
func (h *Handle) PID() int { return h.record.PID }

// Path is the lock file location.
func (h *Handle) Path() string { return h.path }

// Option configures a Locker.
type Option func(*Locker)

// WithProcessTable replaces the process table used for liveness checks.
func WithProcessTable(pt ProcessTable) Option {
	return func(l *Locker) {
		if pt != nil {
			l.procs = pt
		}
	}
}

// WithClock overrides the clock stamping new records.
func WithClock(clk clock.Clock) Option {
	return func(l *Locker) {
		if clk != nil {
			l.clock = clk
		}
	}
}

// WithSelf overrides the pid and command line recorded for the caller.
func WithSelf(pid int, argv []string) Option {
	return func(l *Locker) {
		l.self = func() (int, []string) { return pid, slices.Clone(argv) }
	}
}

// DefaultOwners are the executables accepted as holders of a legacy
// pid-only lock.
var DefaultOwners = []string{"driveback", "driveback-worker"}

// WithOwners replaces the executable names accepted for legacy pid-only locks.
func WithOwners(names ...string) Option {
	return func(l *Locker) {
		if len(names) > 0 {
			l.owners = slices.Clone(names)
		}
	}
}

// Locker manages lock files in one directory.
type Locker struct {
	dir    string
	procs  ProcessTable
	clock  clock.Clock
	self   func() (int, []string)
	owners []string
}

// New returns a Locker keeping its files in dir.
func New(dir string, opts ...Option) *Locker {
	l := &Locker{
		dir:    dir,
		procs:  SystemProcesses{},
		clock:  clock.WallClock,
		self:   self,
		owners: DefaultOwners,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file for a job.
func (l *Locker) Path(id Identity) string {
	return filepath.Join(l.dir, id.Job+".lock")
}

// Acquire takes the lock for id. If a live matching owner holds it the error
// is an *AlreadyRunningError; a stale lock is discarded and creation retried once.
func (l *Locker) Acquire(id Identity) (*Handle, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory %q: %w", l.dir, err)
	}
	path := l.Path(id)
	rec := l.newRecord(id, uuid.NewString())

	for attempt := 0; attempt < 2; attempt++ {
		err := l.create(path, rec)
		if err == nil {
			return &Handle{path: path, record: rec}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		existing, err := readRecord(path)
		if errors.Is(err, fs.ErrNotExist) {
			// released between our create and read
			continue
		}
		if err != nil {
			return nil, err
		}
		state, err := l.classify(id, existing)
		if err != nil {
			return nil, err
		}
		if state == Running {
			return nil, &AlreadyRunningError{Job: id.Job, PID: existing.PID}
		}
		if err := discard(path, existing); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("acquire lock %q: lost the race to another launcher", path)
}

// Adopt moves ownership of a lock taken by a launcher to the calling process.
// token must match the one the launcher received from Acquire.
func (l *Locker) Adopt(id Identity, token string) (*Handle, error) {
	path := l.Path(id)
	existing, err := readRecord(path)
	if err != nil {
		return nil, fmt.Errorf("read lock %q: %w", path, err)
	}
	if existing.Token == "" || existing.Token != token {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, path)
	}

	rec := l.newRecord(id, token)
	tmp, err := writeTemp(l.dir, rec)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("replace lock %q: %w", path, err)
	}
	return &Handle{path: path, record: rec}, nil
}

// Transfer rewrites the lock held through h so that it names another
// process, typically a child the caller has just started with argv. The
// token is kept, so the child can still Adopt it.
func (l *Locker) Transfer(h *Handle, pid int, argv []string) (*Handle, error) {
	current, err := readRecord(h.path)
	if err != nil {
		return nil, fmt.Errorf("read lock %q: %w", h.path, err)
	}
	if current.Token != h.record.Token {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, h.path)
	}

	rec := h.record
	rec.PID = pid
	rec.Argv = slices.Clone(argv)
	tmp, err := writeTemp(l.dir, rec)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("replace lock %q: %w", h.path, err)
	}
	return &Handle{path: h.path, record: rec}, nil
}

// Release removes the lock file. A missing file is not an error.
func (l *Locker) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock %q: %w", h.path, err)
	}
	return nil
}

// Inspect reports the lock state without changing anything on disk.
func (l *Locker) Inspect(id Identity) (Status, error) {
	path := l.Path(id)
	rec, err := readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Status{State: Idle}, nil
	}
	if err != nil {
		return Status{}, err
	}

	state, err := l.classify(id, rec)
	if err != nil {
		return Status{}, err
	}
	st := Status{State: state, PID: rec.PID}
	if state == Running {
		st.Since = rec.StartedAt
		if st.Since.IsZero() {
			if info, err := os.Stat(path); err == nil {
				st.Since = info.ModTime()
			}
		}
	}
	return st, nil
}

func (l *Locker) newRecord(id Identity, token string) Record {
	pid, argv := l.self()
	return Record{
		PID:       pid,
		Job:       id.Job,
		Token:     token,
		Argv:      argv,
		StartedAt: l.clock.Now().UTC(),
	}
}

// classify decides whether rec belongs to a live instance of job id.
func (l *Locker) classify(id Identity, rec Record) (State, error) {
	if rec.Job != "" && rec.Job != id.Job {
		return Stale, nil
	}
	alive, err := l.procs.Alive(rec.PID)
	if err != nil {
		return Stale, fmt.Errorf("check pid %d: %w", rec.PID, err)
	}
	if !alive {
		return Stale, nil
	}
	argv, err := l.procs.Cmdline(rec.PID)
	if errors.Is(err, ErrNoProcess) {
		return Stale, nil
	}
	if err != nil {
		// cannot tell, so do not steal it
		return Running, nil
	}
	if len(rec.Argv) == 0 {
		// legacy pid-only lock: only our own binaries may hold it
		if len(argv) == 0 || !slices.Contains(l.owners, filepath.Base(argv[0])) {
			return Stale, nil
		}
		return Running, nil
	}
	if !slices.Equal(argv, rec.Argv) {
		return Stale, nil
	}
	return Running, nil
}

// create publishes rec at path only if nothing is there yet. The record is
// written in full to a temp file first and then hard linked, so no reader
// ever sees a partial lock.
func (l *Locker) create(path string, rec Record) error {
	tmp, err := writeTemp(l.dir, rec)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, path); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("create lock %q: %w", path, err)
	}
	return nil
}

// discard removes a stale lock if it still holds the record we judged.
func discard(path string, stale Record) error {
	current, err := readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.PID != stale.PID || current.Token != stale.Token {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale lock %q: %w", path, err)
	}
	return nil
}

func writeTemp(dir string, rec Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode lock record: %w", err)
	}
	f, err := os.CreateTemp(dir, ".lock-*")
	if err != nil {
		return "", fmt.Errorf("create lock temp file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write lock temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close lock temp file: %w", err)
	}
	return f.Name(), nil
}

// readRecord parses a lock file. Plain-text files containing only a pid are
// accepted as records without argv; anything else reads as pid 0, which is
// never alive.
func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err == nil {
		return rec, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return Record{}, nil
	}
	return Record{PID: pid}, nil
}
