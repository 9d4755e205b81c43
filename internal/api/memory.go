package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/pal/internal/memory"
	"github.com/kalambet/pal/internal/personality"
	"github.com/kalambet/pal/internal/storage"
)

type addMemoryBody struct {
	Key      string          `json:"key"`
	Text     string          `json:"text"`
	Metadata memory.Metadata `json:"metadata"`
}

type deleteMemoryBody struct {
	Key string `json:"key"`
}

type historyPage struct {
	Interactions []storage.Interaction `json:"interactions"`
	Total        int                   `json:"total"`
}

func handleListMemories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Memory.ListAll(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list memories: %v", err)
			return
		}
		if recs == nil {
			recs = []memory.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleQueryMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		n := parseIntParam(r, "n", 4, 50)
		if n == 0 {
			n = 4
		}

		recs, err := deps.Memory.QuerySimilar(r.Context(), q, n)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "memory query failed: %v", err)
			return
		}
		if recs == nil {
			recs = []memory.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleAddMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body addMemoryBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(body.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		rec, err := addMemory(r, deps, body)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store memory: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"key":     rec.Key,
			"pending": rec.Pending,
		})
	}
}

func addMemory(r *http.Request, deps Deps, body addMemoryBody) (memory.Record, error) {
	if body.Metadata.Type == memory.TypePersonality {
		text := strings.TrimSpace(body.Text)
		key := body.Key
		if key == "" {
			key = memory.PersonalityKey(text)
		}
		rec, err := deps.Memory.UpsertText(r.Context(), key, text, body.Metadata)
		if err == nil && deps.Personalities != nil {
			deps.Personalities.Invalidate()
		}
		return rec, err
	}
	key := body.Key
	if key == "" {
		key = uuid.New().String()
	}
	return deps.Memory.Upsert(r.Context(), key, body.Text, body.Metadata)
}

func handleDeleteMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body deleteMemoryBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", `please provide JSON body {"key":"<id>"}`)
			return
		}

		deleted, err := deps.Memory.Delete(r.Context(), body.Key)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete memory: %v", err)
			return
		}
		if deleted && strings.HasPrefix(body.Key, "personality_") && deps.Personalities != nil {
			deps.Personalities.Invalidate()
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "key": body.Key})
	}
}

func handleReindex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 1000)
		if limit == 0 {
			limit = 100
		}
		n, err := deps.Memory.Backfill(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "model_unavailable", "reindex stopped after %d records: %v", n, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"embedded": n})
	}
}

func handleListHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		interactions, err := deps.History.ListInteractions(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		total, err := deps.History.CountInteractions()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count interactions: %v", err)
			return
		}

		if interactions == nil {
			interactions = []storage.Interaction{}
		}
		writeJSON(w, http.StatusOK, historyPage{Interactions: interactions, Total: total})
	}
}

func handleGetHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		interaction, err := deps.History.GetInteraction(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, interaction)
	}
}

// handleDeleteHistory removes an interaction together with its memory record
// and stored attachments.
func handleDeleteHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		interaction, err := deps.History.GetInteraction(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}

		if _, err := deps.Memory.Delete(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete memory record: %v", err)
			return
		}

		err = deps.History.DeleteInteraction(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete interaction: %v", err)
			return
		}

		if deps.Blobs != nil {
			refs := append([]string{}, interaction.Images...)
			for _, f := range interaction.Files {
				if !f.Local {
					refs = append(refs, f.Ref)
				}
			}
			for _, ref := range refs {
				if err := deps.Blobs.Remove(ref); err != nil {
					slog.Warn("failed to remove attachment", "id", id, "ref", ref, "error", err)
				}
			}
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListPersonalities(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps, err := deps.Personalities.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list personalities: %v", err)
			return
		}
		if ps == nil {
			ps = []personality.Personality{}
		}
		writeJSON(w, http.StatusOK, ps)
	}
}

// handlePurge deletes all stored data: memories, history, jobs, attachments
// and cached search results.
func handlePurge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.History.Purge(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to purge data: %v", err)
			return
		}
		if deps.Blobs != nil {
			if err := deps.Blobs.Clear(); err != nil {
				slog.Warn("failed to clear attachments", "error", err)
			}
		}
		if deps.SearchCache != nil {
			if err := deps.SearchCache.Clear(r.Context()); err != nil {
				slog.Warn("failed to clear search cache", "error", err)
			}
		}
		if deps.Personalities != nil {
			deps.Personalities.Invalidate()
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
	}
}
