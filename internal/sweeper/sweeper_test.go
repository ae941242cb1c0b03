package sweeper

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"transmute/internal/artifacts"
	"transmute/internal/config"
	"transmute/internal/services"
	"transmute/internal/testsupport"
)

func newTestSweeper(t *testing.T) (*Sweeper, *config.Config, *artifacts.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	s := New(cfg, store, nil)
	// Default stub reports ample free space so pressure eviction stays out
	// of tests that target other policies.
	s.statfs = func(string) (uint64, uint64, error) {
		return 1 << 40, 1 << 39, nil
	}
	return s, cfg, store
}

func registerWithSession(t *testing.T, store *artifacts.Store, cfg *config.Config, content []byte, createdAt time.Time, sessionID string) *artifacts.Artifact {
	t.Helper()
	artifact := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), content, createdAt)
	if sessionID != "" {
		// Re-register with the session attached.
		if err := store.Remove(context.Background(), artifact.ID); err != nil {
			t.Fatalf("remove for re-register: %v", err)
		}
		testsupport.WriteFileContent(t, artifact.Path, content)
		artifact.SessionID = sessionID
		if err := store.Register(context.Background(), artifact); err != nil {
			t.Fatalf("re-register: %v", err)
		}
	}
	return artifact
}

func TestAgeSweepRespectsBoundary(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	old := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("old"), time.Now().Add(-48*time.Hour))
	fresh := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("fresh"), time.Now().Add(-time.Hour))

	report, err := s.Sweep(ctx, Options{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.AgedOut) != 1 || report.AgedOut[0] != old.Path {
		t.Fatalf("expected only the old artifact aged out, got %v", report.AgedOut)
	}
	if _, err := os.Stat(old.Path); !os.IsNotExist(err) {
		t.Error("aged artifact file should be deleted")
	}
	if _, err := os.Stat(fresh.Path); err != nil {
		t.Errorf("fresh artifact must survive: %v", err)
	}
	if remaining, _ := store.Count(ctx); remaining != 1 {
		t.Errorf("store should hold 1 artifact, has %d", remaining)
	}
}

func TestExplicitExpiryOverridesCreationAge(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	artifact := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("short-lived"), time.Now())
	if err := store.Remove(ctx, artifact.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	testsupport.WriteFileContent(t, artifact.Path, []byte("short-lived"))
	expiry := time.Now().Add(-time.Minute).UTC()
	artifact.ExpiresAt = &expiry
	if err := store.Register(ctx, artifact); err != nil {
		t.Fatalf("register: %v", err)
	}

	report, err := s.Sweep(ctx, Options{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.AgedOut) != 1 {
		t.Fatalf("expired artifact should be reclaimed despite recent creation, got %v", report.AgedOut)
	}
}

func TestDeduplicationKeepsOldest(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	same := []byte("identical payload")
	oldest := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), same, time.Now().Add(-3*time.Hour))
	newer := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), same, time.Now().Add(-2*time.Hour))
	newest := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), same, time.Now().Add(-time.Hour))

	report, err := s.Sweep(ctx, Options{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.DuplicatesRemoved) != 2 {
		t.Fatalf("expected 2 duplicates removed, got %v", report.DuplicatesRemoved)
	}
	if _, err := os.Stat(oldest.Path); err != nil {
		t.Errorf("oldest duplicate must be retained: %v", err)
	}
	for _, removed := range []*artifacts.Artifact{newer, newest} {
		if _, err := os.Stat(removed.Path); !os.IsNotExist(err) {
			t.Errorf("duplicate %s should be deleted", removed.Path)
		}
	}
}

func TestReclaimPassesSkipProtectedPaths(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	inFlight := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("job input"), time.Now().Add(-48*time.Hour))
	same := []byte("shared payload")
	retained := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), same, time.Now().Add(-2*time.Hour))
	dupInFlight := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), same, time.Now().Add(-time.Hour))

	report, err := s.Sweep(ctx, Options{
		ProtectedPaths: map[string]struct{}{
			inFlight.Path:    {},
			dupInFlight.Path: {},
		},
	})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.AgedOut) != 0 {
		t.Fatalf("in-flight source must not be age-reclaimed, got %v", report.AgedOut)
	}
	if len(report.DuplicatesRemoved) != 0 {
		t.Fatalf("in-flight duplicate must not be reclaimed, got %v", report.DuplicatesRemoved)
	}
	for _, artifact := range []*artifacts.Artifact{inFlight, retained, dupInFlight} {
		if _, err := os.Stat(artifact.Path); err != nil {
			t.Errorf("artifact %s must survive: %v", artifact.Path, err)
		}
	}
}

func TestDeduplicationTreatsProtectedHolderAsRetained(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	same := []byte("shared payload")
	protected := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), same, time.Now().Add(-2*time.Hour))
	newer := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), same, time.Now().Add(-time.Hour))

	report, err := s.Sweep(ctx, Options{
		ProtectedPaths: map[string]struct{}{protected.Path: {}},
	})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.DuplicatesRemoved) != 1 || report.DuplicatesRemoved[0] != newer.Path {
		t.Fatalf("unprotected newer duplicate should be removed, got %v", report.DuplicatesRemoved)
	}
	if _, err := os.Stat(protected.Path); err != nil {
		t.Errorf("protected holder must survive: %v", err)
	}
}

func TestOrphanReconciliation(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	now := time.Now().Add(-time.Hour)
	live := registerWithSession(t, store, cfg, []byte("live"), now, "session-live")
	orphan := registerWithSession(t, store, cfg, []byte("orphan"), now, "session-gone")
	unscoped := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("unscoped"), now)

	report, err := s.Sweep(ctx, Options{
		ReconcileOrphans: true,
		LiveSessionIDs:   []string{"session-live"},
	})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.OrphansRemoved) != 1 || report.OrphansRemoved[0] != orphan.Path {
		t.Fatalf("expected only the orphan removed, got %v", report.OrphansRemoved)
	}
	if _, err := os.Stat(live.Path); err != nil {
		t.Errorf("live-session artifact must survive: %v", err)
	}
	if _, err := os.Stat(unscoped.Path); err != nil {
		t.Errorf("session-less artifact is exempt from reconciliation: %v", err)
	}
}

func TestOrphanReconciliationDisabledByDefault(t *testing.T) {
	s, cfg, store := newTestSweeper(t)

	orphan := registerWithSession(t, store, cfg, []byte("orphan"), time.Now().Add(-time.Hour), "session-gone")

	report, err := s.Sweep(context.Background(), Options{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.OrphansRemoved) != 0 {
		t.Fatalf("no orphans should be removed without reconciliation, got %v", report.OrphansRemoved)
	}
	if _, err := os.Stat(orphan.Path); err != nil {
		t.Errorf("artifact must survive: %v", err)
	}
}

func TestDanglingRecordsDropped(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	gone := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("gone"), time.Now())
	if err := os.Remove(gone.Path); err != nil {
		t.Fatalf("delete file behind the store: %v", err)
	}

	report, err := s.Sweep(ctx, Options{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.DanglingRecords) != 1 {
		t.Fatalf("expected 1 dangling record, got %v", report.DanglingRecords)
	}
	if count, _ := store.Count(ctx); count != 0 {
		t.Errorf("dangling record should be dropped, store holds %d", count)
	}
}

// pressureStatfs reports low free space for one directory until the given
// number of files has been evicted from it.
func pressureStatfs(t *testing.T, dir string, threshold uint64, evictionsToClear int) statfsFunc {
	t.Helper()
	initial, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	initialCount := len(initial)
	return func(path string) (uint64, uint64, error) {
		if path != dir {
			return 1 << 40, 1 << 39, nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, 0, err
		}
		if initialCount-len(entries) >= evictionsToClear {
			return 1 << 40, threshold, nil
		}
		return 1 << 40, 0, nil
	}
}

func TestEmergencyReclaimEvictsOldestFirstAndStopsEarly(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	now := time.Now()
	oldest := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("a"), now.Add(-4*time.Minute))
	second := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("b"), now.Add(-3*time.Minute))
	third := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("c"), now.Add(-2*time.Minute))
	newest := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("d"), now.Add(-time.Minute))

	// One eviction clears the pressure.
	s.statfs = pressureStatfs(t, cfg.ConvertedDir(), cfg.FreeSpaceThresholdBytes(), 1)

	report, sweepErr := s.Sweep(ctx, Options{})
	if sweepErr != nil {
		t.Fatalf("sweep: %v", sweepErr)
	}
	if len(report.PressureEvicted) != 1 || report.PressureEvicted[0] != oldest.Path {
		t.Fatalf("expected only the oldest artifact evicted, got %v", report.PressureEvicted)
	}
	for _, kept := range []*artifacts.Artifact{second, third, newest} {
		if _, err := os.Stat(kept.Path); err != nil {
			t.Errorf("artifact %s must survive early-stopped eviction: %v", kept.Path, err)
		}
	}
}

func TestEmergencyReclaimBoundedToOldestHalf(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	now := time.Now()
	oldest := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("a"), now.Add(-4*time.Minute))
	second := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("b"), now.Add(-3*time.Minute))
	third := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("c"), now.Add(-2*time.Minute))
	newest := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("d"), now.Add(-time.Minute))

	// Pressure never clears: eviction stops at the oldest half.
	s.statfs = func(path string) (uint64, uint64, error) {
		if path == cfg.ConvertedDir() {
			return 1 << 40, 0, nil
		}
		return 1 << 40, 1 << 39, nil
	}

	report, err := s.Sweep(ctx, Options{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	want := []string{oldest.Path, second.Path}
	if len(report.PressureEvicted) != len(want) {
		t.Fatalf("expected oldest half evicted %v, got %v", want, report.PressureEvicted)
	}
	for i := range want {
		if report.PressureEvicted[i] != want[i] {
			t.Fatalf("eviction order: got %v, want %v", report.PressureEvicted, want)
		}
	}
	for _, kept := range []*artifacts.Artifact{third, newest} {
		if _, err := os.Stat(kept.Path); err != nil {
			t.Errorf("newer artifact %s must survive: %v", kept.Path, err)
		}
	}

	exhausted := false
	for _, failure := range report.Errors {
		if errors.Is(failure.Err, services.ErrStorageExhausted) {
			exhausted = true
			break
		}
	}
	if !exhausted {
		t.Error("unresolved pressure after the pass should be reported as storage exhaustion")
	}
}

func TestEmergencyReclaimSkipsProtectedPaths(t *testing.T) {
	s, cfg, store := newTestSweeper(t)
	ctx := context.Background()

	now := time.Now()
	inFlight := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("a"), now.Add(-4*time.Minute))
	second := testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("b"), now.Add(-3*time.Minute))
	testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("c"), now.Add(-2*time.Minute))
	testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("d"), now.Add(-time.Minute))

	s.statfs = func(path string) (uint64, uint64, error) {
		if path == cfg.ConvertedDir() {
			return 1 << 40, 0, nil
		}
		return 1 << 40, 1 << 39, nil
	}

	report, err := s.Sweep(ctx, Options{
		ProtectedPaths: map[string]struct{}{inFlight.Path: {}},
	})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, evicted := range report.PressureEvicted {
		if evicted == inFlight.Path {
			t.Fatal("protected path must never be evicted")
		}
	}
	if _, err := os.Stat(inFlight.Path); err != nil {
		t.Errorf("protected artifact must survive: %v", err)
	}
	if _, err := os.Stat(second.Path); !os.IsNotExist(err) {
		t.Error("unprotected oldest-half artifact should be evicted")
	}
}

func TestCheckPressureSamplesEveryManagedDirectory(t *testing.T) {
	s, cfg, _ := newTestSweeper(t)

	samples, err := s.CheckPressure()
	if err != nil {
		t.Fatalf("check pressure: %v", err)
	}
	if len(samples) != len(cfg.ManagedDirectories()) {
		t.Fatalf("expected %d samples, got %d", len(cfg.ManagedDirectories()), len(samples))
	}
	for _, sample := range samples {
		if sample.Under() {
			t.Errorf("stubbed filesystem should not report pressure for %s", sample.Directory)
		}
	}
}

func TestSweepCycleReturnsToIdle(t *testing.T) {
	s, cfg, store := newTestSweeper(t)

	testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("x"), time.Now())

	if s.Phase() != PhaseIdle {
		t.Fatalf("sweeper should start idle, got %s", s.Phase())
	}
	report, err := s.Sweep(context.Background(), Options{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if s.Phase() != PhaseIdle {
		t.Fatalf("sweeper should return to idle, got %s", s.Phase())
	}
	if report.FinishedAt.Before(report.StartedAt) {
		t.Error("report finish time precedes start time")
	}
	if s.LastReport() != report {
		t.Error("last report should be retained")
	}
}
