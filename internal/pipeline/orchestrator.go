package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pal/internal/attachments"
	"github.com/kalambet/pal/internal/composer"
	"github.com/kalambet/pal/internal/memory"
	"github.com/kalambet/pal/internal/recorder"
	"github.com/kalambet/pal/internal/router"
	"github.com/kalambet/pal/internal/search"
	"github.com/kalambet/pal/internal/storage"
)

var (
	// ErrInvalidRequest is returned before any side effect for malformed input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrModelUnavailable wraps any failure of the selected model backend.
	ErrModelUnavailable = router.ErrModelUnavailable
	// ErrPersistence is returned together with a result whose Saved is false.
	ErrPersistence = recorder.ErrPersistence
	// ErrCancelled is returned when the caller went away before the
	// interaction was recorded.
	ErrCancelled = errors.New("request cancelled")
)

// Request limits.
const (
	MaxImages = 3
	MaxFiles  = 5
)

const (
	defaultTopK    = 5
	similarLimit   = 3
	recentLimit    = 2
	warningPartial = "answer was generated but could not be saved to history"
)

// MemorySource is the memory adapter as seen by the orchestrator.
type MemorySource interface {
	QuerySimilar(ctx context.Context, text string, k int) ([]memory.Record, error)
	Recent(ctx context.Context, t memory.RecordType, n int) ([]memory.Record, error)
}

// Searcher runs a web search. It never fails; problems are reported in the
// diagnostics.
type Searcher interface {
	Search(ctx context.Context, query string) ([]string, search.Diagnostics)
}

// Model generates an answer. Implemented by router.Router.
type Model interface {
	Invoke(ctx context.Context, prompt string, images [][]byte) (string, error)
}

// Recorder persists a completed interaction. Implemented by recorder.Recorder.
type Recorder interface {
	Reserve() (string, error)
	Record(ctx context.Context, e recorder.Entry) (storage.Interaction, error)
}

// Blobs stores attachment bytes. Implemented by attachments.BlobStore.
type Blobs interface {
	Store(data []byte, suggestedName string) (string, error)
	Remove(ref string) error
}

// Blob is an uploaded image.
type Blob struct {
	Name string
	Data []byte
}

// FileInput is an attached document. Local files were supplied inline and
// are referenced by name only; other files are written to the blob store.
type FileInput struct {
	Name  string
	Data  []byte
	Local bool
}

type AskRequest struct {
	Question      string
	UseMemory     bool
	UseSearch     bool
	Personality   string
	Images        []Blob
	Files         []FileInput
	InteractionID string // optional pre-reserved id
}

type DebugRequest struct {
	Question    string
	UseMemory   bool
	UseSearch   bool
	Personality string
	Files       []FileInput
}

// MemoryInfo reports what the memory stage did. Error is the similarity
// lookup failure; RecentError is the recent-interaction lookup failure.
type MemoryInfo struct {
	Used        bool   `json:"used"`
	Similar     int    `json:"similar"`
	Recent      int    `json:"recent"`
	Error       string `json:"error,omitempty"`
	RecentError string `json:"recent_error,omitempty"`
}

type AskResult struct {
	Answer      string               `json:"answer"`
	SearchInfo  search.Diagnostics   `json:"tavily_info"`
	SearchTexts []string             `json:"search_texts"`
	MemoryTexts []string             `json:"memory_texts"`
	Timings     map[string]float64   `json:"timings"`
	MemoryInfo  MemoryInfo           `json:"memory_info"`
	Interaction *storage.Interaction `json:"interaction,omitempty"`
	Saved       bool                 `json:"saved"`
	Warning     string               `json:"warning,omitempty"`
}

type DebugResult struct {
	Prompt      string   `json:"prompt"`
	MemoryTexts []string `json:"memory_texts"`
	SearchTexts []string `json:"search_texts"`
}

// Deps wires the orchestrator to its collaborators.
type Deps struct {
	Memory   MemorySource
	Search   Searcher
	Composer *composer.Composer
	Model    Model
	Recorder Recorder
	Blobs    Blobs
	TopK     int // similarity candidates fetched before filtering (default 5)
}

// Orchestrator runs the ask pipeline: memory and search augmentation,
// prompt assembly, model invocation and recording.
type Orchestrator struct {
	memory   MemorySource
	search   Searcher
	composer *composer.Composer
	model    Model
	recorder Recorder
	blobs    Blobs
	topK     int
	logger   *slog.Logger
}

func New(d Deps) *Orchestrator {
	topK := d.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	comp := d.Composer
	if comp == nil {
		comp = composer.New(0)
	}
	return &Orchestrator{
		memory:   d.Memory,
		search:   d.Search,
		composer: comp,
		model:    d.Model,
		recorder: d.Recorder,
		blobs:    d.Blobs,
		topK:     topK,
		logger:   slog.Default(),
	}
}

// augmentation is the outcome of the memory, search and document stages.
type augmentation struct {
	memoryTexts []string
	memoryInfo  MemoryInfo
	searchTexts []string
	searchInfo  search.Diagnostics
	documents   []composer.Document
	memoryTime  time.Duration
	searchTime  time.Duration
}

// Ask answers a question. On ErrPersistence the returned result is non-nil
// and carries the answer with Saved=false.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) (*AskResult, error) {
	start := time.Now()
	if err := validate(req.Question, len(req.Images), len(req.Files)); err != nil {
		return nil, err
	}

	aug := o.augment(ctx, req.Question, req.UseMemory, req.UseSearch, req.Files)

	promptStart := time.Now()
	prompt := o.composer.Assemble(composer.Input{
		Question:    req.Question,
		MemoryTexts: aug.memoryTexts,
		SearchTexts: aug.searchTexts,
		Personality: req.Personality,
		Documents:   aug.documents,
	})
	promptTime := time.Since(promptStart)

	images := make([][]byte, len(req.Images))
	for i, img := range req.Images {
		images[i] = img.Data
	}

	modelStart := time.Now()
	answer, err := o.model.Invoke(ctx, prompt, images)
	modelTime := time.Since(modelStart)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	res := &AskResult{
		Answer:      answer,
		SearchInfo:  aug.searchInfo,
		SearchTexts: aug.searchTexts,
		MemoryTexts: aug.memoryTexts,
		MemoryInfo:  aug.memoryInfo,
		Timings: map[string]float64{
			"memory_query": aug.memoryTime.Seconds(),
			"search_total": aug.searchTime.Seconds(),
			"prompt_build": promptTime.Seconds(),
			"model_run":    modelTime.Seconds(),
		},
	}

	// The caller may disconnect from here on; the interaction is still
	// written in full.
	in, err := o.record(context.WithoutCancel(ctx), req, aug, answer)
	res.Timings["total"] = time.Since(start).Seconds()
	if err != nil {
		o.logger.Error("failed to record interaction", "error", err)
		res.Warning = warningPartial
		return res, err
	}
	res.Interaction = &in
	res.Saved = true
	return res, nil
}

// DebugPrompt runs the augmentation and assembly stages and returns the
// prompt that Ask would send. Nothing is persisted and no model is called.
func (o *Orchestrator) DebugPrompt(ctx context.Context, req DebugRequest) (*DebugResult, error) {
	if err := validate(req.Question, 0, len(req.Files)); err != nil {
		return nil, err
	}

	aug := o.augment(ctx, req.Question, req.UseMemory, req.UseSearch, req.Files)
	prompt := o.composer.Assemble(composer.Input{
		Question:    req.Question,
		MemoryTexts: aug.memoryTexts,
		SearchTexts: aug.searchTexts,
		Personality: req.Personality,
		Documents:   aug.documents,
	})
	return &DebugResult{
		Prompt:      prompt,
		MemoryTexts: aug.memoryTexts,
		SearchTexts: aug.searchTexts,
	}, nil
}

func validate(question string, images, files int) error {
	if strings.TrimSpace(question) == "" && images == 0 && files == 0 {
		return fmt.Errorf("%w: question is empty", ErrInvalidRequest)
	}
	if images > MaxImages {
		return fmt.Errorf("%w: at most %d images allowed, got %d", ErrInvalidRequest, MaxImages, images)
	}
	if files > MaxFiles {
		return fmt.Errorf("%w: at most %d files allowed, got %d", ErrInvalidRequest, MaxFiles, files)
	}
	return nil
}

// augment runs the memory and search stages concurrently and extracts the
// text of attached documents. None of these stages can fail the request.
func (o *Orchestrator) augment(ctx context.Context, question string, useMemory, useSearch bool, files []FileInput) augmentation {
	aug := augmentation{
		memoryTexts: []string{},
		searchTexts: []string{},
		searchInfo:  search.NotCalled(),
	}

	var g errgroup.Group
	if useMemory {
		g.Go(func() error {
			t := time.Now()
			aug.memoryTexts, aug.memoryInfo = o.recall(ctx, question)
			aug.memoryTime = time.Since(t)
			return nil
		})
	}
	if useSearch {
		g.Go(func() error {
			t := time.Now()
			texts, diag := o.search.Search(ctx, question)
			if texts == nil {
				texts = []string{}
			}
			aug.searchTexts, aug.searchInfo = texts, diag
			aug.searchTime = time.Since(t)
			return nil
		})
	}
	_ = g.Wait()

	aug.documents = o.documents(files)
	return aug
}

// recall returns the memory texts for question: similarity matches first,
// then recent interactions that were not already matched. A failed
// similarity lookup still falls through to the recent interactions.
func (o *Orchestrator) recall(ctx context.Context, question string) ([]string, MemoryInfo) {
	info := MemoryInfo{Used: true}
	texts := []string{}
	seen := make(map[string]bool)

	if strings.TrimSpace(question) != "" {
		similar, err := o.memory.QuerySimilar(ctx, question, o.topK)
		if err != nil {
			o.logger.Warn("memory query failed, continuing with recent interactions", "error", err)
			info.Error = err.Error()
		}
		for _, r := range similar {
			if info.Similar == similarLimit {
				break
			}
			if r.Metadata.Type == memory.TypePersonality || strings.TrimSpace(r.Text) == "" {
				continue
			}
			seen[r.Key] = true
			texts = append(texts, r.Text)
			info.Similar++
		}
	}

	recent, err := o.memory.Recent(ctx, memory.TypeInteraction, recentLimit)
	if err != nil {
		o.logger.Warn("recent interaction lookup failed", "error", err)
		info.RecentError = err.Error()
		return texts, info
	}
	for _, r := range recent {
		if seen[r.Key] || strings.TrimSpace(r.Text) == "" {
			continue
		}
		seen[r.Key] = true
		texts = append(texts, r.Text)
		info.Recent++
	}
	return texts, info
}

func (o *Orchestrator) documents(files []FileInput) []composer.Document {
	var docs []composer.Document
	for _, f := range files {
		text, err := attachments.ExtractText(f.Name, f.Data)
		if err != nil {
			o.logger.Warn("skipping attachment text", "file", f.Name, "error", err)
			continue
		}
		docs = append(docs, composer.Document{Name: f.Name, Text: text})
	}
	return docs
}

// record stores attachment blobs under the interaction id and then records
// the interaction. Blobs written for a failed recording are removed.
// UsedMemory and UsedSearch reflect what reached the prompt, not what was
// requested.
func (o *Orchestrator) record(ctx context.Context, req AskRequest, aug augmentation, answer string) (storage.Interaction, error) {
	id := req.InteractionID
	if id == "" {
		var err error
		if id, err = o.recorder.Reserve(); err != nil {
			return storage.Interaction{}, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}

	var written []string
	cleanup := func() {
		for _, ref := range written {
			if err := o.blobs.Remove(ref); err != nil {
				o.logger.Warn("failed to remove attachment", "ref", ref, "error", err)
			}
		}
	}

	images := make([]string, 0, len(req.Images))
	for i, img := range req.Images {
		ref, err := o.blobs.Store(img.Data, fmt.Sprintf("%s_img%d%s", id, i+1, imageExt(img)))
		if err != nil {
			cleanup()
			return storage.Interaction{}, fmt.Errorf("%w: storing image: %w", ErrPersistence, err)
		}
		written = append(written, ref)
		images = append(images, ref)
	}

	files := make([]storage.FileRef, 0, len(req.Files))
	for i, f := range req.Files {
		if f.Local {
			files = append(files, storage.FileRef{Name: f.Name, Ref: attachments.LocalRef(f.Name), Local: true})
			continue
		}
		ref, err := o.blobs.Store(f.Data, fmt.Sprintf("%s_file%d_%s", id, i+1, f.Name))
		if err != nil {
			cleanup()
			return storage.Interaction{}, fmt.Errorf("%w: storing file: %w", ErrPersistence, err)
		}
		written = append(written, ref)
		files = append(files, storage.FileRef{Name: f.Name, Ref: ref})
	}

	in, err := o.recorder.Record(ctx, recorder.Entry{
		ID:          id,
		Question:    req.Question,
		Answer:      answer,
		Images:      images,
		Files:       files,
		Personality: req.Personality,
		UsedMemory:  len(aug.memoryTexts) > 0,
		UsedSearch:  aug.searchInfo.Success,
	})
	if err != nil {
		cleanup()
		return storage.Interaction{}, err
	}
	return in, nil
}

func imageExt(b Blob) string {
	if ext := strings.ToLower(filepath.Ext(b.Name)); ext != "" {
		return ext
	}
	switch http.DetectContentType(b.Data) {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
