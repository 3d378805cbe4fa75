package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"han/internal/cache"
	"han/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "han.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOrchestrationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o := store.Orchestration{
		ID: "orch-1", SessionID: "sess-1", EventType: "Stop", ProjectRoot: "/work",
		Status: store.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.CreateOrchestration(ctx, o); err != nil {
		t.Fatalf("CreateOrchestration: %v", err)
	}

	got, err := s.GetOrchestration(ctx, "orch-1")
	if err != nil {
		t.Fatalf("GetOrchestration: %v", err)
	}
	if got == nil || got.Status != store.StatusRunning {
		t.Fatalf("expected running orchestration, got %+v", got)
	}

	o2 := o
	o2.ID = "orch-2"
	if err := s.CreateOrchestration(ctx, o2); err != nil {
		t.Fatalf("CreateOrchestration second: %v", err)
	}

	got, err = s.GetOrchestration(ctx, "orch-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCancelled {
		t.Fatalf("expected orch-1 cancelled when orch-2 started for the same session, got %s", got.Status)
	}

	if err := s.UpdateOrchestrationStatus(ctx, "orch-2", store.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOrchestrationDegraded(ctx, "orch-2", true); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetOrchestration(ctx, "orch-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted || !got.Degraded {
		t.Fatalf("expected completed+degraded orchestration, got %+v", got)
	}
}

func TestPendingHooksRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o := store.Orchestration{ID: "orch-1", EventType: "Stop", ProjectRoot: "/work", Status: store.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateOrchestration(ctx, o); err != nil {
		t.Fatal(err)
	}

	hooks := []store.PendingHook{
		{Plugin: "lint-core", Hook: "lint", Directory: "/work", Command: "eslint .", IfChanged: []string{"*.ts"}},
		{Plugin: "fmt-core", Hook: "format", Directory: "/work", Command: "prettier --write ."},
	}
	if err := s.QueuePendingHooks(ctx, "orch-1", hooks); err != nil {
		t.Fatalf("QueuePendingHooks: %v", err)
	}

	got, err := s.ListPendingHooks(ctx, "orch-1")
	if err != nil {
		t.Fatalf("ListPendingHooks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 pending hooks, got %d", len(got))
	}
	if len(got[0].IfChanged) != 1 || got[0].IfChanged[0] != "*.ts" {
		t.Errorf("expected if_changed round-tripped, got %+v", got[0].IfChanged)
	}
	if got[1].IfChanged != nil {
		t.Errorf("expected nil if_changed for non-cacheable hook, got %+v", got[1].IfChanged)
	}

	if err := s.ClearPendingHooks(ctx, "orch-1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListPendingHooks(ctx, "orch-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected pending hooks cleared, got %d", len(got))
	}
}

func TestAttemptCounterIncrementResetsOnSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.IncrementAttempt(ctx, "sess-1", "lint-core", "lint", "/work", 3); err != nil {
			t.Fatal(err)
		}
	}

	c, err := s.GetAttemptCounter(ctx, "sess-1", "lint-core", "lint", "/work")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.ConsecutiveFail != 2 {
		t.Fatalf("expected 2 consecutive failures, got %+v", c)
	}

	if err := s.ResetAttempt(ctx, "sess-1", "lint-core", "lint", "/work"); err != nil {
		t.Fatal(err)
	}
	c, err = s.GetAttemptCounter(ctx, "sess-1", "lint-core", "lint", "/work")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatalf("expected counter cleared after reset, got %+v", c)
	}
}

func TestSessionFileChangesAndActiveSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordSessionFileChange(ctx, "sess-1", "/work/a.ts"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSessionFileChange(ctx, "sess-1", "/work/b.ts"); err != nil {
		t.Fatal(err)
	}

	files, err := s.SessionChangedFiles(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || !files["/work/a.ts"] || !files["/work/b.ts"] {
		t.Fatalf("expected both files tracked, got %+v", files)
	}

	active, err := s.ActiveSessionID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != "sess-1" {
		t.Fatalf("expected active session sess-1, got %q", active)
	}
}

func TestCacheEntryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := cache.Entry{
		Plugin: "lint-core", Hook: "lint", Directory: "/work",
		Files:       map[string]string{"a.ts": "h1", "b.ts": "h2"},
		CommandHash: "cmdhash",
		SessionID:   "sess-1",
	}
	if err := s.PutCacheEntry(ctx, entry); err != nil {
		t.Fatalf("PutCacheEntry: %v", err)
	}

	got, err := s.GetCacheEntry(ctx, "lint-core", "lint", "/work")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if got == nil || got.CommandHash != "cmdhash" || len(got.Files) != 2 {
		t.Fatalf("expected round-tripped entry, got %+v", got)
	}

	entry.CommandHash = "cmdhash2"
	if err := s.PutCacheEntry(ctx, entry); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetCacheEntry(ctx, "lint-core", "lint", "/work")
	if err != nil {
		t.Fatal(err)
	}
	if got.CommandHash != "cmdhash2" {
		t.Fatalf("expected upsert to overwrite command hash, got %q", got.CommandHash)
	}
}

func TestCheckDedupSuppressesWithinWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.ShouldReport(ctx, "proj:Stop", "hashA")
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Fatal("first report must always report")
	}

	second, err := s.ShouldReport(ctx, "proj:Stop", "hashA")
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Fatal("identical report within dedup window must be suppressed")
	}

	third, err := s.ShouldReport(ctx, "proj:Stop", "hashB")
	if err != nil {
		t.Fatal(err)
	}
	if !third {
		t.Fatal("a changed output hash must always report")
	}
}

func TestMissingOrchestrationReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetOrchestration(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing orchestration, got %+v", got)
	}
}
