package operations

import (
	"errors"
	"io"
	"os"

	"github.com/juju/clock"

	"github.com/kebairia/driveback/internal/config"
	"github.com/kebairia/driveback/internal/ledger"
	"github.com/kebairia/driveback/internal/logger"
	"github.com/kebairia/driveback/internal/metrics"
	"github.com/kebairia/driveback/internal/mount"
	"github.com/kebairia/driveback/internal/notify"
	"github.com/kebairia/driveback/internal/runlock"
	"github.com/kebairia/driveback/internal/syncer"
)

var (
	// ErrPermission is returned when a command needs root and does not have it.
	ErrPermission = errors.New("permission denied: this command must run as root")
	// ErrMount means the backup volume could not be mounted, checked or unmounted.
	ErrMount = errors.New("mount failed")
	// ErrDestination means the destination directory is missing or not writable.
	ErrDestination = errors.New("destination not usable")
	// ErrBackupRunning is returned by Finish while a run holds the lock.
	ErrBackupRunning = errors.New("backup in progress")
	// ErrWorkerNotFound means the worker binary could not be located.
	ErrWorkerNotFound = errors.New("worker binary not found")
)

// MetricsWriter records the outcome of a finished run.
type MetricsWriter interface {
	Write(job string, rec ledger.Record) error
}

// OperationManager coordinates one backup job: launching the worker, running
// the backup, reporting status and unmounting.
type OperationManager struct {
	cfg        config.Config
	configPath string
	log        logger.Logger
	clock      clock.Clock

	locker   *runlock.Locker
	ledger   *ledger.Ledger
	mounter  mount.Service
	syncer   syncer.Tool
	notifier notify.Sink
	spawner  Spawner
	metrics  MetricsWriter

	privileged func() bool
}

// Option overrides a collaborator of the OperationManager.
type Option func(*OperationManager)

func WithClock(clk clock.Clock) Option {
	return func(om *OperationManager) { om.clock = clk }
}

func WithLocker(l *runlock.Locker) Option {
	return func(om *OperationManager) { om.locker = l }
}

func WithMounter(m mount.Service) Option {
	return func(om *OperationManager) { om.mounter = m }
}

func WithSyncer(s syncer.Tool) Option {
	return func(om *OperationManager) { om.syncer = s }
}

func WithNotifier(n notify.Sink) Option {
	return func(om *OperationManager) { om.notifier = n }
}

func WithSpawner(s Spawner) Option {
	return func(om *OperationManager) { om.spawner = s }
}

func WithMetrics(m MetricsWriter) Option {
	return func(om *OperationManager) { om.metrics = m }
}

// WithPrivilegeCheck replaces the root check used by Start and Finish.
func WithPrivilegeCheck(check func() bool) Option {
	return func(om *OperationManager) { om.privileged = check }
}

// WithConfigPath records the config file the worker should be started with.
func WithConfigPath(path string) Option {
	return func(om *OperationManager) { om.configPath = path }
}

// New validates cfg and wires the default collaborators. An invalid config
// is rejected here, before anything touches the lock, the mount or the logs.
func New(cfg config.Config, log logger.Logger, opts ...Option) (*OperationManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	om := &OperationManager{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(om)
	}

	if om.log == nil {
		om.log = logger.Nop()
	}
	if om.clock == nil {
		om.clock = clock.WallClock
	}
	if om.locker == nil {
		om.locker = runlock.New(cfg.LockDir, runlock.WithClock(om.clock))
	}
	if om.ledger == nil {
		om.ledger = ledger.New(cfg.RunLogDir(), cfg.DeviceName, om.locker, ledger.WithClock(om.clock))
	}
	if om.mounter == nil {
		om.mounter = mount.System{}
	}
	if om.syncer == nil {
		om.syncer = &syncer.Command{Path: cfg.SyncTool, Options: cfg.SyncArgs()}
	}
	if om.notifier == nil {
		if cfg.WebhookURL != "" {
			om.notifier = notify.NewWebhook(cfg.WebhookURL, cfg.DeviceName, om.log, notify.WithClock(om.clock))
		} else {
			om.notifier = notify.LogSink{Log: om.log}
		}
	}
	if om.metrics == nil && cfg.MetricsTextfile != "" {
		om.metrics = metrics.Textfile{Path: cfg.MetricsTextfile}
	}
	if om.spawner == nil {
		om.spawner = DetachedSpawner{}
	}
	if om.privileged == nil {
		om.privileged = func() bool { return os.Geteuid() == 0 }
	}
	return om, nil
}

// Config returns the job configuration.
func (om *OperationManager) Config() config.Config { return om.cfg }

func (om *OperationManager) identity() runlock.Identity {
	return runlock.Identity{Job: om.cfg.DeviceName}
}

// Status reports whether a run is active and how the last one ended.
func (om *OperationManager) Status() (ledger.StatusReport, error) {
	return om.ledger.Status()
}

// History lists the newest runs first.
func (om *OperationManager) History(limit int) ([]ledger.RunSummary, error) {
	return om.ledger.History(limit)
}

// Export writes an archive of the newest run logs to w.
func (om *OperationManager) Export(w io.Writer, limit int) (int, error) {
	return om.ledger.Export(w, limit)
}
