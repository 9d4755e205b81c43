package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pal/internal/memory"
	"github.com/kalambet/pal/internal/personality"
	"github.com/kalambet/pal/internal/pipeline"
	"github.com/kalambet/pal/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Asker runs the ask pipeline. Implemented by pipeline.Orchestrator.
type Asker interface {
	Ask(ctx context.Context, req pipeline.AskRequest) (*pipeline.AskResult, error)
	DebugPrompt(ctx context.Context, req pipeline.DebugRequest) (*pipeline.DebugResult, error)
}

// MemoryStore is the memory adapter surface exposed over the API.
// Implemented by memory.Store.
type MemoryStore interface {
	Upsert(ctx context.Context, key, text string, md memory.Metadata) (memory.Record, error)
	UpsertText(ctx context.Context, key, text string, md memory.Metadata) (memory.Record, error)
	QuerySimilar(ctx context.Context, text string, k int) ([]memory.Record, error)
	ListAll(ctx context.Context) ([]memory.Record, error)
	Delete(ctx context.Context, key string) (bool, error)
	Backfill(ctx context.Context, limit int) (int, error)
}

// History is the chat-history log. Implemented by storage.Store.
type History interface {
	ListInteractions(limit, offset int) ([]storage.Interaction, error)
	CountInteractions() (int, error)
	GetInteraction(id string) (storage.Interaction, error)
	DeleteInteraction(id string) error
	Purge() error
}

// Personalities lists previously used personalities.
// Implemented by personality.Manager.
type Personalities interface {
	List(ctx context.Context) ([]personality.Personality, error)
	Invalidate()
}

// Blobs removes stored attachments. Implemented by attachments.BlobStore.
type Blobs interface {
	Remove(ref string) error
	Clear() error
}

// Clearer drops cached data. Implemented by the search caches.
type Clearer interface {
	Clear(ctx context.Context) error
}

type Deps struct {
	Orchestrator  Asker
	Memory        MemoryStore
	History       History
	Personalities Personalities
	Blobs         Blobs   // optional; attachments are left on disk if nil
	SearchCache   Clearer // optional
	Token         string  // bearer token; empty disables auth
}

// NewHandler returns the HTTP API. /health is public; every other route,
// including the MCP endpoint at /mcp, requires the bearer token when one is
// configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ask", handleAsk(deps))
		r.Post("/debug-prompt", handleDebugPrompt(deps))

		r.Get("/memory/list", handleListMemories(deps))
		r.Get("/memory/query", handleQueryMemory(deps))
		r.Post("/memory/add", handleAddMemory(deps))
		r.Post("/memory/delete", handleDeleteMemory(deps))
		r.Post("/memory/reindex", handleReindex(deps))

		r.Get("/history", handleListHistory(deps))
		r.Get("/history/{id}", handleGetHistory(deps))
		r.Delete("/history/{id}", handleDeleteHistory(deps))

		r.Get("/personalities", handleListPersonalities(deps))

		r.Post("/data/purge", handlePurge(deps))

		r.Handle("/mcp", server.NewStreamableHTTPServer(NewMCPServer(deps)))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
