package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pal/internal/retrieval"
	"github.com/kalambet/pal/internal/storage"
)

// fakeEmbedder maps texts onto a tiny vocabulary so similarity is predictable.
type fakeEmbedder struct {
	err   error
	calls int
}

var vocab = []string{"cat", "dog", "pizza", "go"}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v := make([]float32, len(vocab))
	lower := strings.ToLower(text)
	for i, w := range vocab {
		v[i] = float32(strings.Count(lower, w))
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type testEnv struct {
	store    *Store
	db       *storage.Store
	embedder *fakeEmbedder
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	emb := &fakeEmbedder{}
	return testEnv{
		store:    NewStore(retrieval.NewSQLiteStore(db.DB()), emb, db),
		db:       db,
		embedder: emb,
	}
}

func TestUpsertAndQuerySimilar(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Upsert(ctx, "m1", "my cat is called Tom", Metadata{})
	require.NoError(t, err)
	_, err = env.store.Upsert(ctx, "m2", "I like pizza with extra pizza", Metadata{})
	require.NoError(t, err)
	_, err = env.store.Upsert(ctx, "m3", "the dog barks", Metadata{})
	require.NoError(t, err)

	got, err := env.store.QuerySimilar(ctx, "what pizza should I order", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].Key)
	assert.Equal(t, TypeMemory, got[0].Metadata.Type)
	assert.InDelta(t, 1.0, got[0].Score, 0.001)
}

func TestQuerySimilar_EmbedFailure(t *testing.T) {
	env := newTestEnv(t)
	env.embedder.err = errors.New("model offline")

	_, err := env.store.QuerySimilar(context.Background(), "cat", 3)
	assert.Error(t, err)
}

func TestUpsert_ReplacesSameKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Upsert(ctx, "k", "cat", Metadata{})
	require.NoError(t, err)
	_, err = env.store.Upsert(ctx, "k", "dog", Metadata{Extra: map[string]string{"source": "cli"}})
	require.NoError(t, err)

	all, err := env.store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "dog", all[0].Text)
	assert.Equal(t, "cli", all[0].Metadata.Extra["source"])
}

func TestUpsert_DeferredEmbedding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.embedder.err = errors.New("connection refused")

	rec, err := env.store.Upsert(ctx, "20250101_120000", "User asked: cat?", Metadata{
		Type:        TypeInteraction,
		Interaction: &InteractionMeta{Timestamp: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	assert.True(t, rec.Pending)

	got, err := env.store.Get(ctx, "20250101_120000")
	require.NoError(t, err)
	assert.True(t, got.Pending)

	job, err := env.db.ClaimNextJob([]string{JobEmbedMemory})
	require.NoError(t, err)
	require.NotNil(t, job, "an embed_memory job should be queued")

	var payload EmbedPayload
	require.NoError(t, json.Unmarshal([]byte(job.PayloadJSON), &payload))
	assert.Equal(t, "20250101_120000", payload.Key)
	assert.Equal(t, "20250101_120000", payload.InteractionID)

	// Not searchable until the backfill runs.
	env.embedder.err = nil
	res, err := env.store.QuerySimilar(ctx, "cat", 5)
	require.NoError(t, err)
	assert.Empty(t, res)

	require.NoError(t, env.store.EmbedRecord(ctx, "20250101_120000"))
	res, err = env.store.QuerySimilar(ctx, "cat", 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].Pending)
}

func TestUpsert_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.embedder.err = context.Canceled

	_, err := env.store.Upsert(ctx, "k", "cat", Metadata{})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = env.store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertText_NotSearchable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key := PersonalityKey("pirate")
	_, err := env.store.UpsertText(ctx, key, "pirate", Metadata{Type: TypePersonality})
	require.NoError(t, err)
	assert.Zero(t, env.embedder.calls)

	got, err := env.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, TypePersonality, got.Metadata.Type)
	assert.False(t, got.Pending)

	n, err := env.store.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "personality records are never embedded")
}

func TestRecentInteractions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	for i, key := range []string{"a", "b", "c"} {
		_, err := env.store.Upsert(ctx, key, "q"+key, Metadata{
			Type:        TypeInteraction,
			Interaction: &InteractionMeta{Timestamp: base.Add(time.Duration(i) * time.Minute)},
		})
		require.NoError(t, err)
	}
	_, err := env.store.Upsert(ctx, "note", "plain memory", Metadata{})
	require.NoError(t, err)

	got, err := env.store.Recent(ctx, TypeInteraction, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Key)
	assert.Equal(t, "b", got[1].Key)
	assert.Equal(t, base.Add(2*time.Minute), got[0].Metadata.Interaction.Timestamp)
}

func TestDelete_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Upsert(ctx, "k", "cat", Metadata{})
	require.NoError(t, err)

	deleted, err := env.store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = env.store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestBackfill(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.embedder.err = errors.New("down")

	for _, k := range []string{"x", "y"} {
		_, err := env.store.Upsert(ctx, k, "dog "+k, Metadata{})
		require.NoError(t, err)
	}

	env.embedder.err = nil
	n, err := env.store.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := env.store.QuerySimilar(ctx, "dog", 5)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestEmbedRecord_Missing(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.store.EmbedRecord(context.Background(), "ghost"), ErrNotFound)
}

func TestUpsert_EmptyKey(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.Upsert(context.Background(), "", "cat", Metadata{})
	assert.Error(t, err)
}
