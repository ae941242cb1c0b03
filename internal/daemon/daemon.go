package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"transmute/internal/artifacts"
	"transmute/internal/bundle"
	"transmute/internal/codec"
	"transmute/internal/config"
	"transmute/internal/ingest"
	"transmute/internal/logging"
	"transmute/internal/notifications"
	"transmute/internal/scheduler"
	"transmute/internal/sweeper"
)

// Daemon wires the conversion pipeline and the storage lifecycle into one
// process and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *artifacts.Store
	sched    *scheduler.Scheduler
	sweep    *sweeper.Sweeper
	intake   *ingest.Service
	bundler  *bundle.Builder
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	sweepInterval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool
	Scheduler      scheduler.Stats
	SweepPhase     sweeper.Phase
	LastSweep      *sweeper.Report
	ArtifactCount  int
	InventoryPath  string
	LockFilePath   string
	PressureSample []sweeper.DiskPressureSample
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	store, err := artifacts.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open artifact inventory: %w", err)
	}

	registry := codec.NewRegistry(cfg)
	sched := scheduler.New(cfg, registry, store, logger)
	notifier := notifications.NewService(cfg)

	lockPath := filepath.Join(cfg.Paths.LogDir, "transmuted.lock")
	return &Daemon{
		cfg:           cfg,
		logger:        logging.NewComponentLogger(logger, "daemon"),
		store:         store,
		sched:         sched,
		sweep:         sweeper.New(cfg, store, logger),
		intake:        ingest.NewService(cfg, store, sched, logger),
		bundler:       bundle.NewBuilder(cfg, store, logger),
		notifier:      notifier,
		lockPath:      lockPath,
		lock:          flock.New(lockPath),
		sweepInterval: cfg.SweepInterval(),
	}, nil
}

// Scheduler exposes the conversion scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.sched }

// Intake exposes the ingest service.
func (d *Daemon) Intake() *ingest.Service { return d.intake }

// Bundler exposes the archive bundle builder.
func (d *Daemon) Bundler() *bundle.Builder { return d.bundler }

// Store exposes the artifact inventory.
func (d *Daemon) Store() *artifacts.Store { return d.store }

// Start acquires the daemon lock and launches the background loops: the
// sweep ticker and the progress drain.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another transmute daemon instance is already running")
	}

	logging.CleanupOldLogs(d.logger, d.cfg.Logging.RetentionDays, logging.RetentionTarget{
		Dir:     d.cfg.Paths.LogDir,
		Pattern: "*.log",
		Exclude: []string{filepath.Join(d.cfg.Paths.LogDir, "transmute.log")},
	})

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running.Store(true)

	d.wg.Add(2)
	go d.runSweepLoop(runCtx)
	go d.drainProgress(runCtx)

	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.String("root_dir", d.cfg.Paths.RootDir),
		logging.Int("slots", d.cfg.Scheduler.Slots),
	)
	return nil
}

// Stop halts the background loops, drains the scheduler, and releases the
// daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.sched.Close(shutdownCtx); err != nil {
		d.logger.Warn("scheduler did not drain before shutdown deadline", logging.Error(err))
	}

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases held resources.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Running reports whether the daemon's background loops are active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// runSweepLoop triggers a sweep every configured interval. A failed sweep
// is reported and retried on the next tick, never treated as fatal.
func (d *Daemon) runSweepLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.sweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runSweep(ctx)
		}
	}
}

// protectedPaths collects the source and output paths of every queued or
// running job so the sweeper never pulls files out from under a conversion.
func (d *Daemon) protectedPaths() map[string]struct{} {
	protected := make(map[string]struct{})
	for _, job := range d.sched.Jobs() {
		if job.Status.Terminal() {
			continue
		}
		for _, src := range job.SourcePaths {
			protected[src] = struct{}{}
		}
		protected[job.OutputPath] = struct{}{}
	}
	return protected
}

// runSweep executes one sweep cycle with current scheduler knowledge.
func (d *Daemon) runSweep(ctx context.Context) {
	start := time.Now()
	report, err := d.sweep.Sweep(ctx, sweeper.Options{
		ProtectedPaths: d.protectedPaths(),
	})
	if err != nil {
		if errors.Is(err, sweeper.ErrSweepInProgress) {
			return
		}
		logging.ErrorWithContext(d.logger, "sweep failed; retrying on next interval",
			"sweep_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check managed directory access"),
		)
		_ = d.notifier.NotifyError(ctx, err, "sweep")
		return
	}

	for _, sample := range report.Pressure {
		if sample.Under() {
			_ = d.notifier.NotifyDiskPressure(ctx, sample.Directory, sample.FreeBytes, sample.ThresholdBytes)
		}
	}
	if d.cfg.Notifications.SweepSummary && report.Removed() > 0 {
		_ = d.notifier.NotifySweepSummary(ctx, report.Removed(), len(report.Errors), time.Since(start))
	}
}

// SweepNow runs an on-demand sweep cycle outside the scheduled interval.
func (d *Daemon) SweepNow(ctx context.Context) (*sweeper.Report, error) {
	return d.sweep.Sweep(ctx, sweeper.Options{ProtectedPaths: d.protectedPaths()})
}

// drainProgress mirrors engine progress events into the daemon log.
func (d *Daemon) drainProgress(ctx context.Context) {
	defer d.wg.Done()

	events, cancel := d.sched.Progress().Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			d.logger.Debug("conversion progress",
				logging.String("job_id", event.JobID),
				logging.String("stage", event.Stage),
				logging.Int("percent", int(event.Percent)),
			)
		}
	}
}

// Convert submits a conversion through the intake service and arranges a
// failure notification for the job when configured.
func (d *Daemon) Convert(ctx context.Context, artifactIDs []string, targetFormat string, options codec.Options) (*scheduler.Handle, error) {
	handle, err := d.intake.Convert(ctx, artifactIDs, targetFormat, options)
	if err != nil {
		return nil, err
	}
	if d.cfg.Notifications.JobFailures {
		go func() {
			outcome, waitErr := handle.Wait(context.Background())
			if waitErr != nil || outcome.Err == nil {
				return
			}
			notifyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = d.notifier.NotifyJobFailed(notifyCtx, outcome.Job.ID, outcome.Job.TargetFormat, outcome.Err)
		}()
	}
	return handle, nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	count, err := d.store.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	samples, err := d.sweep.CheckPressure()
	if err != nil {
		d.logger.Warn("pressure check failed", logging.Error(err))
	}
	return Status{
		Running:        d.running.Load(),
		Scheduler:      d.sched.Stats(),
		SweepPhase:     d.sweep.Phase(),
		LastSweep:      d.sweep.LastReport(),
		ArtifactCount:  count,
		InventoryPath:  filepath.Join(d.cfg.Paths.RootDir, "artifacts.db"),
		LockFilePath:   d.lockPath,
		PressureSample: samples,
	}, nil
}

// TestNotification triggers a test notification using the current
// configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if d.cfg.Notifications.NtfyTopic == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
