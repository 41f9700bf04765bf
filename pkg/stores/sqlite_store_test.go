package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tfretry/tfretry/pkg/classify"
	"github.com/tfretry/tfretry/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestRun(id string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        id,
		ConfigDir: "/srv/terraform/a1-instance",
		State:     engine.RunStateAttempting,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestInitHonorsPoolConfig(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path:            filepath.Join(t.TempDir(), "history.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if got := store.db.Stats().MaxOpenConnections; got != 4 {
		t.Errorf("expected 4 max open connections, got %d", got)
	}
}

func TestInitDefaultsToSingleConnection(t *testing.T) {
	store := newTestStore(t)

	if got := store.db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("expected a single-connection pool by default, got %d", got)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("run-1")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ConfigDir != run.ConfigDir {
		t.Errorf("config dir mismatch: %s", got.ConfigDir)
	}
	if got.State != engine.RunStateAttempting {
		t.Errorf("unexpected state: %s", got.State)
	}
	if got.CompletedAt != nil {
		t.Error("completed_at must be unset for a live run")
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestUpdateRunStateSetsCompletion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, newTestRun("run-1")); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateRunState(ctx, "run-1", engine.RunStateSucceeded, 3); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != engine.RunStateSucceeded {
		t.Errorf("unexpected state: %s", got.State)
	}
	if got.TotalAttempts != 3 {
		t.Errorf("unexpected attempt count: %d", got.TotalAttempts)
	}
	if got.CompletedAt == nil {
		t.Error("terminal state must set completed_at")
	}
}

func TestUpdateRunStateUnknownRun(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateRunState(context.Background(), "missing", engine.RunStateSucceeded, 1); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := newTestRun("run-old")
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	newer := newTestRun("run-new")

	if err := store.CreateRun(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateRun(ctx, newer); err != nil {
		t.Fatal(err)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-new" || runs[1].ID != "run-old" {
		t.Errorf("unexpected order: %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestAppendAndListAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, newTestRun("run-1")); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		attempt := &Attempt{
			RunID:      "run-1",
			Number:     i,
			Timestamp:  time.Now().UTC(),
			Domain:     "tenancy:US-ASHBURN-AD-1",
			Outcome:    string(classify.KindRetryableCapacity),
			Action:     string(engine.ActionDestroyedAndRetrying),
			Output:     "Error: Out of host capacity",
			DurationMS: 42000,
		}
		if err := store.AppendAttempt(ctx, attempt); err != nil {
			t.Fatal(err)
		}
		if attempt.ID == 0 {
			t.Error("expected auto-generated attempt ID")
		}
	}

	attempts, err := store.ListAttemptsByRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d out of order: number %d", i, a.Number)
		}
	}
}

func TestAppendAttemptDuplicateNumber(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, newTestRun("run-1")); err != nil {
		t.Fatal(err)
	}

	attempt := &Attempt{RunID: "run-1", Number: 1, Timestamp: time.Now().UTC(), Domain: "AD-1", Outcome: "success", Action: "completed"}
	if err := store.AppendAttempt(ctx, attempt); err != nil {
		t.Fatal(err)
	}

	dup := &Attempt{RunID: "run-1", Number: 1, Timestamp: time.Now().UTC(), Domain: "AD-1", Outcome: "success", Action: "completed"}
	if err := store.AppendAttempt(ctx, dup); err == nil {
		t.Error("expected unique constraint violation for duplicate attempt number")
	}
}

func TestRecorderPersistsAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, newTestRun("run-1")); err != nil {
		t.Fatal(err)
	}

	rec := Recorder(store, "run-1")
	record := engine.AttemptRecord{
		RunID:     "run-1",
		Attempt:   1,
		Timestamp: time.Now().UTC(),
		Domain:    "tenancy:US-ASHBURN-AD-2",
		Outcome:   classify.KindRetryableCapacity,
		Action:    engine.ActionDestroyedAndRetrying,
		Output:    "Error: Out of host capacity",
		Duration:  30 * time.Second,
	}
	if err := rec.Record(ctx, record); err != nil {
		t.Fatal(err)
	}

	attempts, err := store.ListAttemptsByRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].Domain != "tenancy:US-ASHBURN-AD-2" {
		t.Errorf("domain not persisted: %s", attempts[0].Domain)
	}
	if attempts[0].DurationMS != 30000 {
		t.Errorf("duration not converted: %d", attempts[0].DurationMS)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.TotalAttempts != 1 {
		t.Errorf("attempt count not bumped: %d", run.TotalAttempts)
	}
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	uninit := &SQLiteStore{cfg: Config{Path: "x"}}
	if err := uninit.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for uninitialized store")
	}
}
