package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_memories_type_created", "idx_chat_history_created", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestMemoriesTableAllowsNullEmbedding verifies records can be stored before
// their embedding is available.
func TestMemoriesTableAllowsNullEmbedding(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO memories (key, text, record_type, metadata_json, embedding, created_at, updated_at)
		VALUES ('m1', 'hello world', 'memory', '{}', NULL, '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("INSERT into memories: %v", err)
	}

	var text string
	var blob []byte
	if err := s.db.QueryRow(`SELECT text, embedding FROM memories WHERE key = 'm1'`).Scan(&text, &blob); err != nil {
		t.Fatalf("SELECT from memories: %v", err)
	}
	if text != "hello world" || blob != nil {
		t.Errorf("got text=%q embedding=%v", text, blob)
	}
}

func sampleInteraction(id string, at time.Time) Interaction {
	return Interaction{
		ID:          id,
		CreatedAt:   at,
		Question:    "What is 2+2?",
		Answer:      "4",
		Images:      []string{"/data/uploads/" + id + "_img1.png"},
		Files:       []FileRef{{Name: "notes.txt", Ref: "local:notes.txt", Local: true}},
		Personality: "pirate",
		UsedMemory:  true,
	}
}

func TestSaveAndGetInteraction(t *testing.T) {
	s := openTestStore(t)

	at := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	in := sampleInteraction("20250301_103000", at)
	if err := s.SaveInteraction(in); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}

	got, err := s.GetInteraction(in.ID)
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}

	if got.Question != in.Question || got.Answer != in.Answer {
		t.Errorf("question/answer = %q/%q", got.Question, got.Answer)
	}
	if !got.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, at)
	}
	if got.DisplayTimestamp != at.Local().Format(DisplayLayout) {
		t.Errorf("DisplayTimestamp = %q", got.DisplayTimestamp)
	}
	if len(got.Images) != 1 || got.Images[0] != in.Images[0] {
		t.Errorf("Images = %v", got.Images)
	}
	if len(got.Files) != 1 || got.Files[0] != in.Files[0] {
		t.Errorf("Files = %v", got.Files)
	}
	if got.Personality != "pirate" || !got.UsedMemory || got.UsedSearch {
		t.Errorf("flags = %+v", got)
	}
	if got.MemoryStatus != MemoryStored {
		t.Errorf("MemoryStatus = %q, want default %q", got.MemoryStatus, MemoryStored)
	}
}

func TestSaveInteraction_EmptyAttachments(t *testing.T) {
	s := openTestStore(t)

	in := Interaction{ID: "plain", CreatedAt: time.Now(), Question: "q", Answer: "a"}
	if err := s.SaveInteraction(in); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}
	got, err := s.GetInteraction("plain")
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	if got.Images == nil || got.Files == nil {
		t.Errorf("Images/Files should be empty slices, got %v / %v", got.Images, got.Files)
	}
}

func TestSaveInteraction_DuplicateRejected(t *testing.T) {
	s := openTestStore(t)

	in := sampleInteraction("dup", time.Now())
	if err := s.SaveInteraction(in); err != nil {
		t.Fatalf("first SaveInteraction: %v", err)
	}
	in.Answer = "overwritten"
	if err := s.SaveInteraction(in); err == nil {
		t.Fatal("expected error saving duplicate id")
	}

	got, _ := s.GetInteraction("dup")
	if got.Answer != "4" {
		t.Errorf("Answer = %q, original must be kept", got.Answer)
	}
}

func TestGetInteractionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetInteraction("nonexistent")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInteractionExists(t *testing.T) {
	s := openTestStore(t)

	if ok, err := s.InteractionExists("x"); err != nil || ok {
		t.Fatalf("InteractionExists(x) = %v, %v", ok, err)
	}
	if err := s.SaveInteraction(sampleInteraction("x", time.Now())); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.InteractionExists("x"); err != nil || !ok {
		t.Errorf("InteractionExists(x) = %v, %v after save", ok, err)
	}
}

func TestListInteractions_NewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := s.SaveInteraction(sampleInteraction(fmt.Sprintf("i%d", i), at)); err != nil {
			t.Fatalf("SaveInteraction %d: %v", i, err)
		}
	}

	got, err := s.ListInteractions(3, 0)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d, want 3", len(got))
	}
	for i, want := range []string{"i4", "i3", "i2"} {
		if got[i].ID != want {
			t.Errorf("got[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}

	page, err := s.ListInteractions(10, 3)
	if err != nil {
		t.Fatalf("ListInteractions offset: %v", err)
	}
	if len(page) != 2 || page[0].ID != "i1" {
		t.Errorf("offset page = %v", page)
	}

	total, err := s.CountInteractions()
	if err != nil || total != 5 {
		t.Errorf("CountInteractions = %d, %v", total, err)
	}
}

func TestListInteractions_SameSecondNewestFirst(t *testing.T) {
	s := openTestStore(t)

	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{"20250101_120000"}
	for n := 1; n <= 11; n++ {
		ids = append(ids, fmt.Sprintf("20250101_120000_%d", n))
	}
	for _, id := range ids {
		if err := s.SaveInteraction(sampleInteraction(id, at)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListInteractions(3, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"20250101_120000_11", "20250101_120000_10", "20250101_120000_9"}
	for i, w := range want {
		if got[i].ID != w {
			t.Errorf("got[%d] = %q, want %q", i, got[i].ID, w)
		}
	}
}

func TestDeleteInteraction(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveInteraction(sampleInteraction("del", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteInteraction("del"); err != nil {
		t.Fatalf("DeleteInteraction: %v", err)
	}
	if err := s.DeleteInteraction("del"); err != ErrNotFound {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestSetMemoryStatus(t *testing.T) {
	s := openTestStore(t)

	in := sampleInteraction("pending", time.Now())
	in.MemoryStatus = MemoryPendingEmbedding
	if err := s.SaveInteraction(in); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMemoryStatus("pending", MemoryStored); err != nil {
		t.Fatalf("SetMemoryStatus: %v", err)
	}
	got, _ := s.GetInteraction("pending")
	if got.MemoryStatus != MemoryStored {
		t.Errorf("MemoryStatus = %q", got.MemoryStatus)
	}
	if err := s.SetMemoryStatus("missing", MemoryStored); err != ErrNotFound {
		t.Errorf("SetMemoryStatus(missing) = %v, want ErrNotFound", err)
	}
}

func TestPurge(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveInteraction(sampleInteraction("p1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueJob(Job{ID: "j1", Type: "embed_memory", PayloadJSON: `{}`}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`INSERT INTO memories (key, text, created_at, updated_at) VALUES ('m', 't', 'x', 'x')`); err != nil {
		t.Fatal(err)
	}

	if err := s.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	for _, table := range []string{"memories", "chat_history", "jobs"} {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after purge", table, n)
		}
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "embed_memory",
		PayloadJSON: `{"key":"20250101_120000"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"embed_memory"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != "embed_memory" {
		t.Errorf("Type = %q, want %q", got.Type, "embed_memory")
	}
	if got.PayloadJSON != `{"key":"20250101_120000"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"key":"20250101_120000"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"embed_memory"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "embed_memory",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"embed_memory"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}
