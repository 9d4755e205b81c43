package retrieval

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record has the requested key.
var ErrNotFound = errors.New("record not found")

// VectorStore is the interface for memory storage and similarity search
// backends. The current implementation uses SQLite with brute-force cosine
// similarity over the memories table.
//
// Records may be stored without an embedding (the embedding model was
// unavailable, or the record is never meant to be searched). Such records are
// skipped by Search but returned by Get, List and Recent.
type VectorStore interface {
	// Upsert inserts or replaces the record with r.Key. A nil Embedding
	// clears any previous embedding.
	Upsert(ctx context.Context, r Record) error

	// SetEmbedding attaches an embedding to an existing record.
	SetEmbedding(ctx context.Context, key string, embedding []float32) error

	// Search performs vector similarity search, returning the top-K most
	// similar embedded records ordered by descending score.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// Get returns the record with the given key or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// List returns every record, oldest first.
	List(ctx context.Context) ([]Record, error)

	// Recent returns up to limit records of the given type, newest first.
	Recent(ctx context.Context, recordType string, limit int) ([]Record, error)

	// Unembedded returns up to limit records that have no embedding,
	// oldest first, ignoring records whose type is in skipTypes.
	Unembedded(ctx context.Context, limit int, skipTypes ...string) ([]Record, error)

	// Delete removes a record by key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// Record represents a row in the vector store.
type Record struct {
	Key          string
	Text         string
	Type         string
	MetadataJSON string // flat JSON object of string values
	Embedding    []float32
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
