package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/pal/internal/retrieval"
	"github.com/kalambet/pal/internal/storage"
)

// ErrNotFound is returned by Get when no record has the requested key.
var ErrNotFound = errors.New("memory not found")

// JobEmbedMemory is the job type that backfills a missing embedding.
const JobEmbedMemory = "embed_memory"

// Record is a stored memory with its similarity score when it came from a
// query. Pending is set while the record still waits for its embedding.
type Record struct {
	Key       string    `json:"key"`
	Text      string    `json:"text"`
	Metadata  Metadata  `json:"metadata"`
	Score     float32   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"pending,omitempty"`
}

// EmbedPayload is the payload of an embed_memory job.
type EmbedPayload struct {
	Key           string `json:"key"`
	InteractionID string `json:"interaction_id,omitempty"`
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// JobQueue accepts deferred work.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
}

// Store is the memory adapter used by the orchestrator and recorder.
// Ranking is delegated to the vector store; writes are durable on return.
type Store struct {
	vectors  retrieval.VectorStore
	embedder Embedder
	jobs     JobQueue
	logger   *slog.Logger
}

// NewStore creates a Store. jobs may be nil, in which case records whose
// embedding fails are stored unembedded without a backfill job.
func NewStore(vectors retrieval.VectorStore, embedder Embedder, jobs JobQueue) *Store {
	return &Store{
		vectors:  vectors,
		embedder: embedder,
		jobs:     jobs,
		logger:   slog.Default(),
	}
}

// Upsert embeds text and stores it under key, replacing any previous record.
// If the embedding model is unavailable the record is stored anyway, marked
// Pending, and an embed_memory job is queued.
func (s *Store) Upsert(ctx context.Context, key, text string, md Metadata) (Record, error) {
	if key == "" {
		return Record{}, errors.New("memory key is required")
	}

	vec, embedErr := s.embedder.Embed(ctx, text)
	if embedErr != nil {
		if ctx.Err() != nil {
			return Record{}, ctx.Err()
		}
		s.logger.Warn("embedding failed, deferring", "key", key, "error", embedErr)
		vec = nil
	}

	rec, err := s.put(ctx, key, text, md, vec)
	if err != nil {
		return Record{}, err
	}
	if embedErr == nil {
		return rec, nil
	}

	rec.Pending = true
	if err := s.enqueueEmbed(key, md); err != nil {
		s.logger.Error("failed to enqueue embedding job", "key", key, "error", err)
	}
	return rec, nil
}

// UpsertText stores a record without computing an embedding. Such records are
// listed but never returned by QuerySimilar.
func (s *Store) UpsertText(ctx context.Context, key, text string, md Metadata) (Record, error) {
	if key == "" {
		return Record{}, errors.New("memory key is required")
	}
	return s.put(ctx, key, text, md, nil)
}

func (s *Store) put(ctx context.Context, key, text string, md Metadata, vec []float32) (Record, error) {
	flat, err := json.Marshal(md.Flatten())
	if err != nil {
		return Record{}, fmt.Errorf("encoding metadata: %w", err)
	}
	createdAt := time.Now().UTC().Truncate(time.Second)
	if md.Interaction != nil && !md.Interaction.Timestamp.IsZero() {
		createdAt = md.Interaction.Timestamp.UTC()
	}
	typ := md.Type
	if typ == "" {
		typ = TypeMemory
		md.Type = typ
	}

	err = s.vectors.Upsert(ctx, retrieval.Record{
		Key:          key,
		Text:         text,
		Type:         string(typ),
		MetadataJSON: string(flat),
		Embedding:    vec,
		CreatedAt:    createdAt,
	})
	if err != nil {
		return Record{}, fmt.Errorf("storing memory %s: %w", key, err)
	}
	return Record{Key: key, Text: text, Metadata: md, CreatedAt: createdAt}, nil
}

func (s *Store) enqueueEmbed(key string, md Metadata) error {
	if s.jobs == nil {
		return nil
	}
	payload := EmbedPayload{Key: key}
	if md.Type == TypeInteraction {
		payload.InteractionID = key
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.jobs.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobEmbedMemory,
		PayloadJSON: string(b),
	})
}

// QuerySimilar returns up to k records ranked by similarity to text.
func (s *Store) QuerySimilar(ctx context.Context, text string, k int) ([]Record, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	scored, err := s.vectors.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("searching memories: %w", err)
	}
	out := make([]Record, len(scored))
	for i, sr := range scored {
		out[i] = fromRetrieval(sr.Record)
		out[i].Score = sr.Score
	}
	return out, nil
}

// Recent returns up to n records of type t, newest first.
func (s *Store) Recent(ctx context.Context, t RecordType, n int) ([]Record, error) {
	recs, err := s.vectors.Recent(ctx, string(t), n)
	if err != nil {
		return nil, fmt.Errorf("listing recent %s records: %w", t, err)
	}
	return fromRetrievalAll(recs), nil
}

// ListAll returns every stored record, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	recs, err := s.vectors.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}
	return fromRetrievalAll(recs), nil
}

func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	r, err := s.vectors.Get(ctx, key)
	if errors.Is(err, retrieval.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return fromRetrieval(r), nil
}

// Delete removes key. Deleting an absent key reports false without error.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	return s.vectors.Delete(ctx, key)
}

// EmbedRecord computes and stores the embedding of an existing record.
func (s *Store) EmbedRecord(ctx context.Context, key string) error {
	r, err := s.vectors.Get(ctx, key)
	if errors.Is(err, retrieval.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	vec, err := s.embedder.Embed(ctx, r.Text)
	if err != nil {
		return fmt.Errorf("embedding %s: %w", key, err)
	}
	if err := s.vectors.SetEmbedding(ctx, key, vec); err != nil {
		if errors.Is(err, retrieval.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Backfill embeds up to limit records that are still missing an embedding,
// skipping personality records. It returns the number of records embedded.
func (s *Store) Backfill(ctx context.Context, limit int) (int, error) {
	todo, err := s.vectors.Unembedded(ctx, limit, string(TypePersonality))
	if err != nil {
		return 0, fmt.Errorf("listing unembedded records: %w", err)
	}
	if len(todo) == 0 {
		return 0, nil
	}

	texts := make([]string, len(todo))
	for i, r := range todo {
		texts[i] = r.Text
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	for i, r := range todo {
		if err := s.vectors.SetEmbedding(ctx, r.Key, vecs[i]); err != nil {
			return i, fmt.Errorf("storing embedding for %s: %w", r.Key, err)
		}
	}
	return len(todo), nil
}

func fromRetrieval(r retrieval.Record) Record {
	var flat map[string]string
	if err := json.Unmarshal([]byte(r.MetadataJSON), &flat); err != nil {
		flat = map[string]string{keyType: r.Type}
	}
	if flat == nil {
		flat = map[string]string{}
	}
	if _, ok := flat[keyType]; !ok {
		flat[keyType] = r.Type
	}
	return Record{
		Key:       r.Key,
		Text:      r.Text,
		Metadata:  ParseMetadata(flat),
		CreatedAt: r.CreatedAt,
		Pending:   r.Embedding == nil && r.Type != string(TypePersonality),
	}
}

func fromRetrievalAll(recs []retrieval.Record) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = fromRetrieval(r)
	}
	return out
}
