package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides record storage and brute-force cosine similarity search
// backed by the memories table. This is the default implementation of
// VectorStore.
//
// When the record count exceeds ~100K and query latency becomes noticeable,
// consider an ANN-capable backend. List returns everything needed to migrate.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The memories table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const recordColumns = `key, text, record_type, metadata_json, embedding, created_at, updated_at`

// Upsert inserts r or replaces the stored text, type, metadata and embedding
// of an existing record. The original created_at is kept on replace.
func (s *SQLiteStore) Upsert(ctx context.Context, r Record) error {
	now := time.Now().UTC()
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	metadata := r.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	recordType := r.Type
	if recordType == "" {
		recordType = "memory"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			text = excluded.text,
			record_type = excluded.record_type,
			metadata_json = excluded.metadata_json,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
		r.Key, r.Text, recordType, metadata, embeddingValue(r.Embedding),
		createdAt.UTC().Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", r.Key, err)
	}
	return nil
}

// SetEmbedding stores the embedding of an existing record.
func (s *SQLiteStore) SetEmbedding(ctx context.Context, key string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ?, updated_at = ? WHERE key = ?`,
		embeddingValue(embedding), time.Now().UTC().Format(time.RFC3339), key,
	)
	if err != nil {
		return fmt.Errorf("setting embedding for %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// keyScore holds only the key and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type keyScore struct {
	Key   string
	Score float32
}

// Search performs brute-force cosine similarity search over all embedded
// records, returning the top-K most similar.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only key + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT key, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &keyScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var key string
		var blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if len(blob) == 0 {
			continue
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", key, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, keyScore{Key: key, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = keyScore{Key: key, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K keys.
	topKeys := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topKeys) - 1; i >= 0; i-- {
		item := heap.Pop(h).(keyScore)
		topKeys[i] = item.Key
		scores[item.Key] = item.Score
	}

	records, err := s.getByKeys(ctx, topKeys)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}

	results := make([]ScoredRecord, 0, len(records))
	for _, r := range records {
		results = append(results, ScoredRecord{Record: r, Score: scores[r.Key]})
	}

	// IN query doesn't preserve order; ties break on key for stable output.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})

	return results, nil
}

func (s *SQLiteStore) getByKeys(ctx context.Context, keys []string) ([]Record, error) {
	queryArgs := make([]any, len(keys))
	for i, k := range keys {
		queryArgs[i] = k
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM memories
		WHERE key IN (?`+strings.Repeat(",?", len(keys)-1)+`)`, queryArgs...)
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	records, err := s.query(ctx, `SELECT `+recordColumns+` FROM memories WHERE key = ?`, key)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrNotFound
	}
	return records[0], nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM memories ORDER BY created_at ASC, key ASC`)
}

func (s *SQLiteStore) Recent(ctx context.Context, recordType string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM memories
		WHERE record_type = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, recordType, limit)
}

func (s *SQLiteStore) Unembedded(ctx context.Context, limit int, skipTypes ...string) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `SELECT ` + recordColumns + ` FROM memories WHERE embedding IS NULL`
	args := make([]any, 0, len(skipTypes)+1)
	if len(skipTypes) > 0 {
		q += ` AND record_type NOT IN (?` + strings.Repeat(",?", len(skipTypes)-1) + `)`
		for _, t := range skipTypes {
			args = append(args, t)
		}
	}
	args = append(args, limit)
	return s.query(ctx, q+` ORDER BY created_at ASC LIMIT ?`, args...)
}

// Delete removes a record by key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE key = ?", key)
	if err != nil {
		return false, fmt.Errorf("deleting record %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the number of records in the memories table.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&count)
	return count, err
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt, updatedAt string
		if err := rows.Scan(&r.Key, &r.Text, &r.Type, &r.MetadataJSON, &blob, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if len(blob) > 0 {
			embedding, err := decodeFloat32s(blob)
			if err != nil {
				return nil, fmt.Errorf("decoding embedding for %s: %w", r.Key, err)
			}
			r.Embedding = embedding
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for key %s: %w", r.Key, err)
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for key %s: %w", r.Key, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// embeddingValue returns the column value for an embedding. Missing
// embeddings are stored as NULL so Search skips them.
func embeddingValue(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return encodeFloat32s(v)
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// keyScoreHeap is a min-heap of keyScore ordered by Score.
// Used during the scan phase of Search to track top-K candidates by key only.
type keyScoreHeap []keyScore

func (h keyScoreHeap) Len() int            { return len(h) }
func (h keyScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h keyScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *keyScoreHeap) Push(x interface{}) { *h = append(*h, x.(keyScore)) }
func (h *keyScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
