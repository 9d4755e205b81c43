package personality

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/pal/internal/memory"
)

// maxScan bounds how many personality records a single refresh reads.
const maxScan = 1000

// Personality is a previously used behavioural directive.
type Personality struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Source returns stored records of a given type, newest first.
// Implemented by memory.Store.
type Source interface {
	Recent(ctx context.Context, t memory.RecordType, n int) ([]memory.Record, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached access to the personalities stored as memory
// records.
type Manager struct {
	src   Source
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   []Personality
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(src Source) *Manager {
	return &Manager{
		src:   src,
		clock: realClock{},
		ttl:   60 * time.Second,
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(src Source, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		src:   src,
		clock: clock,
		ttl:   ttl,
	}
}

// List returns the distinct personalities sorted by text. Records whose
// trimmed text is equal collapse into one entry, keeping the newest id.
func (m *Manager) List(ctx context.Context) ([]Personality, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		out := clone(m.cached)
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return clone(m.cached), nil
	}

	recs, err := m.src.Recent(ctx, memory.TypePersonality, maxScan)
	if err != nil {
		return nil, fmt.Errorf("loading personalities: %w", err)
	}

	m.cached = dedup(recs)
	m.cachedAt = m.clock.Now()
	return clone(m.cached), nil
}

// Invalidate drops the cached list so the next List reads from storage.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func dedup(recs []memory.Record) []Personality {
	seen := make(map[string]bool, len(recs))
	out := make([]Personality, 0, len(recs))
	for _, r := range recs {
		text := strings.TrimSpace(r.Text)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		out = append(out, Personality{ID: r.Key, Text: text})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Text < out[j].Text })
	return out
}

func clone(ps []Personality) []Personality {
	out := make([]Personality, len(ps))
	copy(out, ps)
	return out
}
