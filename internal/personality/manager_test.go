package personality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/pal/internal/memory"
)

// --- Mock source ---

type mockSource struct {
	mu    sync.Mutex
	recs  []memory.Record
	err   error
	calls int
}

func (m *mockSource) Recent(_ context.Context, t memory.RecordType, n int) ([]memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []memory.Record
	for _, r := range m.recs {
		if r.Metadata.Type == t && len(out) < n {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockSource) add(key, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// newest first
	m.recs = append([]memory.Record{{
		Key:      key,
		Text:     text,
		Metadata: memory.Metadata{Type: memory.TypePersonality},
	}}, m.recs...)
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Tests ---

func TestList_Empty(t *testing.T) {
	mgr := NewManager(&mockSource{})

	got, err := mgr.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no personalities, got %v", got)
	}
}

func TestList_DedupAndSort(t *testing.T) {
	src := &mockSource{}
	src.add("personality_a", "pirate")
	src.add("personality_b", "calm")
	src.add("personality_c", "  pirate ")
	src.add("personality_d", "   ")
	src.recs = append(src.recs, memory.Record{Key: "20250101_000000", Text: "not a personality", Metadata: memory.Metadata{Type: memory.TypeInteraction}})

	mgr := NewManager(src)
	got, err := mgr.List(context.Background())
	if err != nil {
		t.Fatalf("List error: %v", err)
	}

	want := []Personality{
		{ID: "personality_b", Text: "calm"},
		{ID: "personality_c", Text: "pirate"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestList_SourceError(t *testing.T) {
	mgr := NewManager(&mockSource{err: errors.New("disk on fire")})

	if _, err := mgr.List(context.Background()); err == nil {
		t.Fatal("expected error from failing source")
	}
}

func TestCacheTTL(t *testing.T) {
	src := &mockSource{}
	src.add("personality_a", "calm")
	clock := &mockClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	mgr := NewManagerWithClock(src, clock, time.Minute)

	mgr.List(context.Background())
	mgr.List(context.Background())
	if src.calls != 1 {
		t.Errorf("expected 1 source call within TTL, got %d", src.calls)
	}

	clock.Advance(61 * time.Second)
	mgr.List(context.Background())
	if src.calls != 2 {
		t.Errorf("expected refresh after TTL, got %d calls", src.calls)
	}
}

func TestCacheInvalidation(t *testing.T) {
	src := &mockSource{}
	src.add("personality_a", "calm")
	clock := &mockClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	mgr := NewManagerWithClock(src, clock, time.Hour)

	mgr.List(context.Background())
	src.add("personality_b", "goth")
	mgr.Invalidate()

	got, err := mgr.List(context.Background())
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected new personality after Invalidate, got %v", got)
	}
}

func TestList_ReturnsCopy(t *testing.T) {
	src := &mockSource{}
	src.add("personality_a", "calm")
	mgr := NewManager(src)

	first, _ := mgr.List(context.Background())
	first[0].Text = "mutated"

	second, _ := mgr.List(context.Background())
	if second[0].Text != "calm" {
		t.Errorf("cache was mutated through returned slice: %q", second[0].Text)
	}
}
