package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/pal/internal/memory"
	"github.com/kalambet/pal/internal/storage"
)

// ErrPersistence is returned when an interaction could not be recorded.
// Nothing is left half-written when it is returned.
var ErrPersistence = errors.New("interaction not persisted")

// idLayout is the time-derived base of an interaction id.
const idLayout = "20060102_150405"

// History is the chat-history log. Implemented by storage.Store.
type History interface {
	SaveInteraction(i storage.Interaction) error
	InteractionExists(id string) (bool, error)
}

// Memories is the memory adapter. Implemented by memory.Store.
type Memories interface {
	Upsert(ctx context.Context, key, text string, md memory.Metadata) (memory.Record, error)
	UpsertText(ctx context.Context, key, text string, md memory.Metadata) (memory.Record, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// Invalidator is notified when a personality has been recorded.
type Invalidator interface {
	Invalidate()
}

// Entry is a completed exchange to record.
type Entry struct {
	ID          string // optional; taken from Reserve
	Question    string
	Answer      string
	Images      []string
	Files       []storage.FileRef
	Personality string
	UsedMemory  bool
	UsedSearch  bool
}

// Recorder persists completed interactions to the memory store and the
// chat-history log.
type Recorder struct {
	history       History
	memories      Memories
	personalities Invalidator
	now           func() time.Time
	logger        *slog.Logger

	mu     sync.Mutex
	base   string
	issued map[string]struct{}
}

// New creates a Recorder. personalities may be nil.
func New(history History, memories Memories, personalities Invalidator) *Recorder {
	return &Recorder{
		history:       history,
		memories:      memories,
		personalities: personalities,
		now:           time.Now,
		logger:        slog.Default(),
		issued:        make(map[string]struct{}),
	}
}

// SetClock replaces the time source.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// Reserve allocates a fresh interaction id. Ids are unique within the
// process and against rows already in the history log.
func (r *Recorder) Reserve() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.now().Format(idLayout)
	if base != r.base {
		r.base = base
		clear(r.issued)
	}

	for n := 0; ; n++ {
		id := base
		if n > 0 {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		if _, taken := r.issued[id]; taken {
			continue
		}
		exists, err := r.history.InteractionExists(id)
		if err != nil {
			return "", fmt.Errorf("checking interaction id: %w", err)
		}
		if exists {
			continue
		}
		r.issued[id] = struct{}{}
		return id, nil
	}
}

// Record writes the memory record first and the history row second. If the
// history write fails the memory record is removed again, so either both
// exist or neither does.
func (r *Recorder) Record(ctx context.Context, e Entry) (storage.Interaction, error) {
	id := e.ID
	if id == "" {
		var err error
		if id, err = r.Reserve(); err != nil {
			return storage.Interaction{}, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}

	created := r.now().UTC().Truncate(time.Second)
	images := nonNil(e.Images)
	files := nonNil(e.Files)

	md := memory.Metadata{
		Type: memory.TypeInteraction,
		Interaction: &memory.InteractionMeta{
			Timestamp:  created,
			ImageCount: len(images),
			Images:     images,
		},
	}
	rec, err := r.memories.Upsert(ctx, id, MemoryText(e.Question, e.Answer, files), md)
	if err != nil {
		return storage.Interaction{}, fmt.Errorf("%w: memory record: %w", ErrPersistence, err)
	}

	status := storage.MemoryStored
	if rec.Pending {
		status = storage.MemoryPendingEmbedding
	}
	in := storage.Interaction{
		ID:               id,
		CreatedAt:        created,
		DisplayTimestamp: created.Local().Format(storage.DisplayLayout),
		Question:         e.Question,
		Answer:           e.Answer,
		Images:           images,
		Files:            files,
		Personality:      strings.TrimSpace(e.Personality),
		UsedMemory:       e.UsedMemory,
		UsedSearch:       e.UsedSearch,
		MemoryStatus:     status,
	}
	if err := r.history.SaveInteraction(in); err != nil {
		if _, delErr := r.memories.Delete(ctx, id); delErr != nil {
			r.logger.Error("failed to roll back memory record", "id", id, "error", delErr)
		}
		return storage.Interaction{}, fmt.Errorf("%w: chat history: %w", ErrPersistence, err)
	}

	if in.Personality != "" {
		r.recordPersonality(ctx, in.Personality)
	}

	r.logger.Debug("interaction recorded", "id", id, "memory_status", status)
	return in, nil
}

func (r *Recorder) recordPersonality(ctx context.Context, text string) {
	_, err := r.memories.UpsertText(ctx, memory.PersonalityKey(text), text, memory.Metadata{Type: memory.TypePersonality})
	if err != nil {
		r.logger.Warn("failed to store personality", "error", err)
		return
	}
	if r.personalities != nil {
		r.personalities.Invalidate()
	}
}

// MemoryText is the text indexed for an interaction. Image references are
// never part of it.
func MemoryText(question, answer string, files []storage.FileRef) string {
	var sb strings.Builder
	sb.WriteString("User asked: ")
	sb.WriteString(question)
	sb.WriteString("\nAssistant answered: ")
	sb.WriteString(answer)
	if len(files) > 0 {
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = f.Name
		}
		sb.WriteString("\nAttached files: ")
		sb.WriteString(strings.Join(names, ", "))
	}
	return sb.String()
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
