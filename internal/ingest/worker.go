package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/pal/internal/memory"
	"github.com/kalambet/pal/internal/storage"
)

// JobStore abstracts the job queue and the chat-history status update.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	SetMemoryStatus(id, status string) error
}

// RecordEmbedder computes the embedding of an already stored memory record.
// Implemented by memory.Store.
type RecordEmbedder interface {
	EmbedRecord(ctx context.Context, key string) error
}

// Worker processes embed_memory jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	memories RecordEmbedder
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, memories RecordEmbedder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		memories: memories,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_memory job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{memory.JobEmbedMemory})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload memory.EmbedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Key == "" {
		return errors.New("payload has no memory key")
	}

	err := w.memories.EmbedRecord(ctx, payload.Key)
	if errors.Is(err, memory.ErrNotFound) {
		// Deleted before the backfill ran; nothing left to do.
		w.logger.Debug("memory record gone, dropping embed job", "key", payload.Key)
		return nil
	}
	if err != nil {
		return err
	}

	if payload.InteractionID == "" {
		return nil
	}
	err = w.store.SetMemoryStatus(payload.InteractionID, storage.MemoryStored)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("updating memory status of %s: %w", payload.InteractionID, err)
	}
	return nil
}
