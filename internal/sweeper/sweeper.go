package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"transmute/internal/artifacts"
	"transmute/internal/config"
	"transmute/internal/logging"
	"transmute/internal/services"
)

// Phase names the sweeper's position in its cycle state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseScanning   Phase = "scanning"
	PhaseEvaluating Phase = "evaluating"
	PhaseReclaiming Phase = "reclaiming"
)

// ErrSweepInProgress is returned when a sweep is requested while one runs.
var ErrSweepInProgress = errors.New("sweep already in progress")

// RemovalError pairs an artifact path with its deletion error.
type RemovalError struct {
	Path string
	Err  error
}

// Report summarizes one sweep cycle. Deletion failures are collected here
// per file; they never halt the sweep of remaining files.
type Report struct {
	StartedAt         time.Time
	FinishedAt        time.Time
	Scanned           int
	DanglingRecords   []string
	AgedOut           []string
	DuplicatesRemoved []string
	OrphansRemoved    []string
	PressureEvicted   []string
	Pressure          []DiskPressureSample
	Errors            []RemovalError
}

// Removed returns the total number of artifacts reclaimed this cycle.
func (r *Report) Removed() int {
	return len(r.AgedOut) + len(r.DuplicatesRemoved) + len(r.OrphansRemoved) + len(r.PressureEvicted)
}

// Options scopes one sweep cycle.
type Options struct {
	// LiveSessionIDs enables orphan reconciliation: session-scoped
	// artifacts whose session is absent from this list are deleted. A nil
	// slice disables the check entirely.
	LiveSessionIDs []string
	// ReconcileOrphans must be set for LiveSessionIDs to take effect, so
	// an empty live list (no sessions) is distinguishable from "skip".
	ReconcileOrphans bool
	// ProtectedPaths are exempt from every reclaim policy this cycle; the
	// daemon supplies the source and output paths of in-flight jobs.
	ProtectedPaths map[string]struct{}
}

// Sweeper reclaims managed storage by age, pressure, duplication, and
// orphaned sessions. It inspects only artifact metadata and filesystem
// state; it never blocks on job completion.
type Sweeper struct {
	cfg    *config.Config
	store  *artifacts.Store
	logger *slog.Logger
	statfs statfsFunc
	now    func() time.Time

	mu       sync.Mutex
	phase    Phase
	sweeping bool
	last     *Report
}

// New constructs a sweeper over the artifact inventory.
func New(cfg *config.Config, store *artifacts.Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:    cfg,
		store:  store,
		logger: logging.NewComponentLogger(logger, "sweeper"),
		statfs: realStatfs,
		now:    time.Now,
		phase:  PhaseIdle,
	}
}

// Phase returns the sweeper's current cycle phase.
func (s *Sweeper) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastReport returns the most recent completed sweep report, or nil.
func (s *Sweeper) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// CheckPressure samples free space for every managed directory.
func (s *Sweeper) CheckPressure() ([]DiskPressureSample, error) {
	threshold := s.cfg.FreeSpaceThresholdBytes()
	samples := make([]DiskPressureSample, 0, len(s.cfg.ManagedDirectories()))
	for _, dir := range s.cfg.ManagedDirectories() {
		total, free, err := s.statfs(dir)
		if err != nil {
			return nil, fmt.Errorf("statfs %s: %w", dir, err)
		}
		samples = append(samples, DiskPressureSample{
			Directory:      dir,
			TotalBytes:     total,
			FreeBytes:      free,
			ThresholdBytes: threshold,
		})
	}
	return samples, nil
}

func (s *Sweeper) setPhase(phase Phase) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

// Sweep runs one full cycle: Scanning, Evaluating, Reclaiming, back to
// Idle. An error return means the cycle could not run at all; the caller
// reports it and retries on the next trigger.
func (s *Sweeper) Sweep(ctx context.Context, opts Options) (*Report, error) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return nil, ErrSweepInProgress
	}
	s.sweeping = true
	s.mu.Unlock()

	report, err := s.sweep(ctx, opts)

	s.mu.Lock()
	s.sweeping = false
	s.phase = PhaseIdle
	if report != nil {
		s.last = report
	}
	s.mu.Unlock()
	return report, err
}

func (s *Sweeper) sweep(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{StartedAt: s.now().UTC()}

	s.setPhase(PhaseScanning)
	inventory, err := s.scan(ctx, report)
	if err != nil {
		return nil, err
	}

	s.setPhase(PhaseEvaluating)
	candidates, err := s.evaluate(ctx, inventory, opts, report)
	if err != nil {
		return nil, err
	}
	samples, err := s.CheckPressure()
	if err != nil {
		return nil, err
	}
	report.Pressure = samples

	s.setPhase(PhaseReclaiming)
	s.reclaim(ctx, candidates, report)
	s.relieve(ctx, opts, report)

	report.FinishedAt = s.now().UTC()
	s.logger.Info("sweep complete",
		logging.Int("scanned", report.Scanned),
		logging.Int("aged_out", len(report.AgedOut)),
		logging.Int("duplicates_removed", len(report.DuplicatesRemoved)),
		logging.Int("orphans_removed", len(report.OrphansRemoved)),
		logging.Int("pressure_evicted", len(report.PressureEvicted)),
		logging.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// scan loads the inventory and drops records whose file is gone. A record
// without a file carries no reclaimable space and only skews evaluation.
func (s *Sweeper) scan(ctx context.Context, report *Report) ([]*artifacts.Artifact, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	report.Scanned = len(all)

	inventory := make([]*artifacts.Artifact, 0, len(all))
	for _, artifact := range all {
		if _, statErr := os.Stat(artifact.Path); statErr != nil {
			if removeErr := s.store.Remove(ctx, artifact.ID); removeErr != nil {
				report.Errors = append(report.Errors, RemovalError{Path: artifact.Path, Err: removeErr})
				continue
			}
			report.DanglingRecords = append(report.DanglingRecords, artifact.Path)
			continue
		}
		inventory = append(inventory, artifact)
	}
	return inventory, nil
}

type candidate struct {
	artifact *artifacts.Artifact
	bucket   *[]string
}

// evaluate selects aged, orphaned, and duplicate artifacts. Paths named by
// opts.ProtectedPaths belong to in-flight jobs and are exempt from every
// policy. Dedup retains the oldest holder of each digest; a protected
// holder counts as the retained copy.
func (s *Sweeper) evaluate(ctx context.Context, inventory []*artifacts.Artifact, opts Options, report *Report) ([]candidate, error) {
	now := s.now().UTC()
	maxAge := s.cfg.MaxArtifactAge()

	live := make(map[string]struct{}, len(opts.LiveSessionIDs))
	for _, id := range opts.LiveSessionIDs {
		live[id] = struct{}{}
	}

	agedByCreation := make(map[string]struct{})
	if maxAge > 0 {
		stale, err := s.store.ListOlderThan(ctx, now.Add(-maxAge))
		if err != nil {
			return nil, fmt.Errorf("list stale artifacts: %w", err)
		}
		for _, artifact := range stale {
			agedByCreation[artifact.ID] = struct{}{}
		}
	}

	var candidates []candidate
	present := make(map[string]*artifacts.Artifact, len(inventory))
	marked := make(map[string]struct{})

	for _, artifact := range inventory {
		present[artifact.ID] = artifact
		if _, protected := opts.ProtectedPaths[artifact.Path]; protected {
			continue
		}

		aged := artifact.ExpiredAt(now)
		if !aged {
			_, aged = agedByCreation[artifact.ID]
		}
		if aged {
			candidates = append(candidates, candidate{artifact: artifact, bucket: &report.AgedOut})
			marked[artifact.ID] = struct{}{}
			continue
		}

		if opts.ReconcileOrphans && artifact.SessionID != "" {
			if _, ok := live[artifact.SessionID]; !ok {
				candidates = append(candidates, candidate{artifact: artifact, bucket: &report.OrphansRemoved})
				marked[artifact.ID] = struct{}{}
			}
		}
	}

	duplicated, err := s.store.DuplicateDigests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list duplicate digests: %w", err)
	}
	for _, digest := range duplicated {
		holders, err := s.store.ListByDigest(ctx, digest)
		if err != nil {
			return nil, fmt.Errorf("list holders of digest %s: %w", digest, err)
		}
		retained := false
		for _, holder := range holders {
			artifact, ok := present[holder.ID]
			if !ok {
				continue
			}
			if _, gone := marked[artifact.ID]; gone {
				continue
			}
			if _, protected := opts.ProtectedPaths[artifact.Path]; protected {
				retained = true
				continue
			}
			if !retained {
				retained = true
				continue
			}
			candidates = append(candidates, candidate{artifact: artifact, bucket: &report.DuplicatesRemoved})
			marked[artifact.ID] = struct{}{}
		}
	}
	return candidates, nil
}

// reclaim removes every candidate, collecting failures without stopping.
func (s *Sweeper) reclaim(ctx context.Context, candidates []candidate, report *Report) {
	for _, c := range candidates {
		if err := s.store.Remove(ctx, c.artifact.ID); err != nil {
			report.Errors = append(report.Errors, RemovalError{Path: c.artifact.Path, Err: err})
			logging.WarnWithContext(s.logger, "failed to reclaim artifact",
				"reclaim_failed",
				logging.String("path", c.artifact.Path),
				logging.String(logging.FieldErrorHint, "check managed directory permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
				logging.Error(err),
			)
			continue
		}
		*c.bucket = append(*c.bucket, c.artifact.Path)
	}
}

// relieve handles disk pressure per managed directory: the oldest half of
// the directory's artifacts are eviction candidates, deleted oldest first
// and stopping early once free space clears the threshold. Best effort; a
// pass may end without reaching the threshold.
func (s *Sweeper) relieve(ctx context.Context, opts Options, report *Report) {
	for _, dir := range s.cfg.ManagedDirectories() {
		_, free, err := s.statfs(dir)
		if err != nil {
			report.Errors = append(report.Errors, RemovalError{Path: dir, Err: err})
			continue
		}
		threshold := s.cfg.FreeSpaceThresholdBytes()
		if free >= threshold {
			continue
		}

		resident, err := s.store.ListByDirectory(ctx, dir)
		if err != nil {
			report.Errors = append(report.Errors, RemovalError{Path: dir, Err: err})
			continue
		}
		if len(resident) == 0 {
			continue
		}

		logging.WarnWithContext(s.logger, "disk pressure in managed directory",
			"disk_pressure",
			logging.String("directory", dir),
			logging.Uint64("free_bytes", free),
			logging.Uint64("threshold_bytes", threshold),
			logging.String(logging.FieldErrorHint, "free space or raise free_space_threshold_mib"),
			logging.String(logging.FieldImpact, "oldest artifacts are being evicted"),
		)

		evictable := (len(resident) + 1) / 2
		for _, artifact := range resident[:evictable] {
			if _, protected := opts.ProtectedPaths[artifact.Path]; protected {
				continue
			}
			if err := s.store.Remove(ctx, artifact.ID); err != nil {
				report.Errors = append(report.Errors, RemovalError{Path: artifact.Path, Err: err})
				continue
			}
			report.PressureEvicted = append(report.PressureEvicted, artifact.Path)

			_, free, err = s.statfs(dir)
			if err != nil {
				report.Errors = append(report.Errors, RemovalError{Path: dir, Err: err})
				break
			}
			if free >= threshold {
				break
			}
		}

		if free < threshold {
			err := services.Wrap(services.ErrStorageExhausted, "sweeper", "relieve",
				fmt.Sprintf("free space in %s still below threshold after eviction pass", dir), nil)
			report.Errors = append(report.Errors, RemovalError{Path: dir, Err: err})
			logging.WarnWithContext(s.logger, "disk pressure unresolved after eviction pass",
				"storage_exhausted",
				logging.String("directory", dir),
				logging.Uint64("free_bytes", free),
				logging.Uint64("threshold_bytes", threshold),
				logging.String(logging.FieldErrorHint, "expand storage or lower max_artifact_age_hours"),
				logging.String(logging.FieldImpact, "new conversions may fail to write output"),
			)
		}
	}
}
