package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"transmute/internal/artifacts"
	"transmute/internal/codec"
	"transmute/internal/config"
	"transmute/internal/fileutil"
	"transmute/internal/hashing"
	"transmute/internal/logging"
	"transmute/internal/services"
)

var (
	// ErrWithdrawn marks a job removed from the queue before it ran.
	ErrWithdrawn = errors.New("job withdrawn before execution")
	// ErrNotWithdrawable is returned when the job is running or terminal.
	ErrNotWithdrawable = errors.New("job is not queued")
	// ErrClosed is returned for submissions after Close.
	ErrClosed = errors.New("scheduler closed")
)

// Scheduler admits conversion requests into a bounded-concurrency pipeline.
// Admission order is FIFO; completion order is whatever finishes first. A
// slot release is the only admission trigger; there is no polling loop.
type Scheduler struct {
	cfg      *config.Config
	registry *codec.Registry
	store    *artifacts.Store
	logger   *slog.Logger
	progress *ProgressHub

	slots      int
	jobTimeout time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	pending []*jobState
	jobs    map[string]*jobState
	running int
	closed  bool
	wg      sync.WaitGroup

	now func() time.Time
}

// New constructs a scheduler. The artifact store may be nil, in which case
// successful outputs are not registered in the inventory.
func New(cfg *config.Config, registry *codec.Registry, store *artifacts.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	slots := cfg.Scheduler.Slots
	if slots < 1 {
		slots = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		logger:     logging.NewComponentLogger(logger, "scheduler"),
		progress:   NewProgressHub(),
		slots:      slots,
		jobTimeout: cfg.JobTimeout(),
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[string]*jobState),
		now:        time.Now,
	}
}

// Progress exposes the hub carrying engine progress events.
func (s *Scheduler) Progress() *ProgressHub {
	return s.progress
}

// Submit validates and admits one conversion request. Validation failures
// and unsupported conversions are reported immediately; no job is created
// and no engine is invoked.
func (s *Scheduler) Submit(req Request) (*Handle, error) {
	if len(req.SourcePaths) == 0 {
		return nil, services.Wrap(services.ErrValidation, "scheduler", "submit", "no source paths", nil)
	}
	for _, src := range req.SourcePaths {
		if strings.TrimSpace(src) == "" {
			return nil, services.Wrap(services.ErrValidation, "scheduler", "submit", "empty source path", nil)
		}
	}
	if strings.TrimSpace(req.TargetFormat) == "" {
		return nil, services.Wrap(services.ErrValidation, "scheduler", "submit", "empty target format", nil)
	}

	category := req.Category
	if category == "" {
		inferred, ok := codec.CategoryForExtension(filepath.Ext(req.SourcePaths[0]))
		if !ok {
			return nil, services.Wrap(services.ErrValidation, "scheduler", "submit",
				fmt.Sprintf("cannot infer category from %q", req.SourcePaths[0]), nil)
		}
		category = inferred
	}

	strategy, engine, err := s.registry.Resolve(category, req.TargetFormat)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	state := &jobState{
		job: Job{
			ID:           id,
			SourcePaths:  append([]string(nil), req.SourcePaths...),
			TargetFormat: strategy.TargetFormat,
			Category:     category,
			Options:      req.Options,
			SessionID:    req.SessionID,
			OutputPath:   filepath.Join(s.cfg.ConvertedDir(), id+"."+strategy.TargetFormat),
			Status:       StatusQueued,
			CreatedAt:    s.now().UTC(),
		},
		engine: engine,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.jobs[id] = state
	s.pending = append(s.pending, state)
	s.admitLocked()
	s.mu.Unlock()

	s.logger.Info("job admitted",
		logging.String("job_id", id),
		logging.String("category", string(category)),
		logging.String("target_format", strategy.TargetFormat),
		logging.Int("sources", len(req.SourcePaths)),
	)
	return &Handle{state: state}, nil
}

// BatchItem is the per-request outcome of a batch submission. Exactly one
// of Handle or Err is set.
type BatchItem struct {
	Handle *Handle
	Err    error
}

// SubmitBatch admits each request independently. A rejected request never
// prevents the rest from being admitted; the batch has no atomic failure.
func (s *Scheduler) SubmitBatch(reqs []Request) []BatchItem {
	items := make([]BatchItem, len(reqs))
	for i, req := range reqs {
		handle, err := s.Submit(req)
		items[i] = BatchItem{Handle: handle, Err: err}
	}
	return items
}

// WaitBatch blocks until every admitted job in the batch is terminal and
// returns per-item outcomes. Rejected items carry their submission error.
func WaitBatch(ctx context.Context, items []BatchItem) ([]Outcome, error) {
	outcomes := make([]Outcome, len(items))
	for i, item := range items {
		if item.Err != nil {
			outcomes[i] = Outcome{Err: item.Err}
			continue
		}
		outcome, err := item.Handle.Wait(ctx)
		if err != nil {
			return nil, err
		}
		outcomes[i] = outcome
	}
	return outcomes, nil
}

// Withdraw removes a queued job before it runs. The job resolves with
// ErrWithdrawn and no side effects. Running and terminal jobs cannot be
// withdrawn.
func (s *Scheduler) Withdraw(id string) error {
	s.mu.Lock()
	state, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job %q", id)
	}
	if state.job.Status != StatusQueued {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s", ErrNotWithdrawable, id, state.job.Status)
	}
	for i, pending := range s.pending {
		if pending == state {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	state.job.Status = StatusFailed
	snapshot := state.job
	s.mu.Unlock()

	state.finish(Outcome{Job: snapshot, Err: ErrWithdrawn})
	s.logger.Info("job withdrawn", logging.String("job_id", id))
	return nil
}

// Lookup returns a snapshot of the job, or ok=false when unknown.
func (s *Scheduler) Lookup(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return state.job, true
}

// Jobs returns snapshots of every known job, newest first.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshots := make([]Job, 0, len(s.jobs))
	for _, state := range s.jobs {
		snapshots = append(snapshots, state.job)
	}
	return snapshots
}

// ActiveSessionIDs returns the session ids of all queued and running jobs.
// The sweeper treats these sessions as live during orphan reconciliation.
func (s *Scheduler) ActiveSessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, state := range s.jobs {
		if state.job.Status.Terminal() || state.job.SessionID == "" {
			continue
		}
		if _, dup := seen[state.job.SessionID]; dup {
			continue
		}
		seen[state.job.SessionID] = struct{}{}
		ids = append(ids, state.job.SessionID)
	}
	return ids
}

// Stats summarizes scheduler occupancy.
type Stats struct {
	Queued    int
	Running   int
	Succeeded int
	Failed    int
	Slots     int
}

// Stats returns current queue and slot occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Slots: s.slots}
	for _, state := range s.jobs {
		switch state.job.Status {
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// Close stops admission, fails all queued jobs, cancels running engines,
// and waits for running slots to drain or the context to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	drained := s.pending
	s.pending = nil
	for _, state := range drained {
		state.job.Status = StatusFailed
	}
	s.mu.Unlock()

	for _, state := range drained {
		state.finish(Outcome{Job: state.job, Err: ErrClosed})
	}
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// admitLocked moves queued jobs into free slots. Callers hold s.mu.
func (s *Scheduler) admitLocked() {
	for s.running < s.slots && len(s.pending) > 0 {
		state := s.pending[0]
		s.pending = s.pending[1:]
		state.job.Status = StatusRunning
		s.running++
		s.wg.Add(1)
		go s.run(state)
	}
}

// releaseSlot finishes the job and immediately admits the next queued one.
func (s *Scheduler) releaseSlot(state *jobState, outcome Outcome) {
	s.mu.Lock()
	if outcome.Err != nil {
		state.job.Status = StatusFailed
	} else {
		state.job.Status = StatusSucceeded
	}
	outcome.Job = state.job
	s.running--
	s.admitLocked()
	s.mu.Unlock()

	state.finish(outcome)
	s.wg.Done()
}

func (s *Scheduler) run(state *jobState) {
	job := state.job

	ctx := s.baseCtx
	var cancel context.CancelFunc
	if s.jobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	result, err := s.execute(ctx, state, job)
	if err != nil {
		if removeErr := fileutil.RemoveIfExists(job.OutputPath); removeErr != nil {
			logging.WarnWithContext(s.logger, "failed to remove partial output",
				"partial_output_retained",
				logging.String("job_id", job.ID),
				logging.String("path", job.OutputPath),
				logging.String(logging.FieldErrorHint, "remove the file manually"),
				logging.String(logging.FieldImpact, "stale partial artifact occupies managed space"),
				logging.Error(removeErr),
			)
		}
		s.logger.Error("job failed",
			logging.String("job_id", job.ID),
			logging.String("classification", services.Classification(err)),
			logging.Error(err),
		)
		s.releaseSlot(state, Outcome{Err: err})
		return
	}

	s.logger.Info("job succeeded",
		logging.String("job_id", job.ID),
		logging.String("output", result.OutputPath),
		logging.Int64("size_bytes", result.SizeBytes),
	)
	s.releaseSlot(state, Outcome{Result: &result})
}

// execute runs the engine and registers the output. A panic in the engine
// client is contained here so one job can never take down its neighbors.
func (s *Scheduler) execute(ctx context.Context, state *jobState, job Job) (result codec.Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = services.Wrap(services.ErrCodecFailure, "scheduler", "execute",
				fmt.Sprintf("engine panic: %v", recovered), nil)
		}
	}()

	result, err = state.engine.Convert(ctx, job.SourcePaths, job.OutputPath, job.TargetFormat, job.Options,
		func(update codec.ProgressUpdate) {
			s.progress.Publish(ProgressEvent{
				JobID:   job.ID,
				Percent: update.Percent,
				Stage:   update.Stage,
				Message: update.Message,
			})
		})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return codec.Result{}, services.Wrap(services.ErrTimeout, "scheduler", "execute",
				fmt.Sprintf("job exceeded %s", s.jobTimeout), err)
		}
		return codec.Result{}, err
	}

	if s.store != nil {
		if registerErr := s.registerOutput(ctx, job, result); registerErr != nil {
			return codec.Result{}, registerErr
		}
	}
	return result, nil
}

// registerOutput digests the finished file and records it in the artifact
// inventory with an expiry derived from the configured max age.
func (s *Scheduler) registerOutput(ctx context.Context, job Job, result codec.Result) error {
	digest, err := hashing.Digest(result.OutputPath)
	if err != nil {
		return services.Wrap(services.ErrIntegrity, "scheduler", "register output", result.OutputPath, err)
	}
	expiresAt := job.CreatedAt.Add(s.cfg.MaxArtifactAge())
	artifact := &artifacts.Artifact{
		ID:           job.ID,
		Path:         result.OutputPath,
		Digest:       digest,
		SizeBytes:    result.SizeBytes,
		MimeCategory: string(job.Category),
		SessionID:    job.SessionID,
		CreatedAt:    s.now().UTC(),
		ExpiresAt:    &expiresAt,
	}
	if err := s.store.Register(ctx, artifact); err != nil {
		return fmt.Errorf("register output artifact: %w", err)
	}
	return nil
}
