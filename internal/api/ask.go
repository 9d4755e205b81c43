package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/kalambet/pal/internal/pipeline"
)

const maxUploadSize = 50 << 20 // 50MB

type askBody struct {
	Question    string      `json:"question"`
	UseMemory   bool        `json:"use_memory"`
	UseSearch   bool        `json:"use_search"`
	Personality string      `json:"personality"`
	Images      []imageBody `json:"images"`
	Files       []fileBody  `json:"files"`
}

// imageBody carries base64 image bytes.
type imageBody struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// fileBody carries either base64 file bytes in Data, or inline Text which is
// recorded as a local file.
type fileBody struct {
	Name string `json:"name"`
	Data string `json:"data"`
	Text string `json:"text"`
}

type debugBody struct {
	Question    string     `json:"question"`
	UseMemory   bool       `json:"use_memory"`
	UseSearch   bool       `json:"use_search"`
	Personality string     `json:"personality"`
	Files       []fileBody `json:"files"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		var (
			req pipeline.AskRequest
			err error
		)
		if isMultipart(r) {
			req, err = parseMultipartAsk(r)
		} else {
			req, err = parseJSONAsk(r.Body)
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Orchestrator.Ask(r.Context(), req)
		if err != nil {
			writeAskError(w, r, res, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleDebugPrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		var body debugBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		files, err := decodeFiles(body.Files)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		res, err := deps.Orchestrator.DebugPrompt(r.Context(), pipeline.DebugRequest{
			Question:    body.Question,
			UseMemory:   body.UseMemory,
			UseSearch:   body.UseSearch,
			Personality: body.Personality,
			Files:       files,
		})
		if err != nil {
			writeAskError(w, r, nil, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// writeAskError maps orchestrator errors onto HTTP responses. A persistence
// failure still returns the answer, flagged as unsaved.
func writeAskError(w http.ResponseWriter, r *http.Request, res *pipeline.AskResult, err error) {
	switch {
	case errors.Is(err, pipeline.ErrPersistence) && res != nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, pipeline.ErrInvalidRequest):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, pipeline.ErrModelUnavailable):
		httpError(w, http.StatusServiceUnavailable, "model_unavailable", "%v", err)
	case errors.Is(err, pipeline.ErrCancelled):
		slog.Debug("client went away before the answer was ready", "path", r.URL.Path, "error", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

func parseJSONAsk(body io.Reader) (pipeline.AskRequest, error) {
	var b askBody
	if err := json.NewDecoder(body).Decode(&b); err != nil {
		return pipeline.AskRequest{}, err
	}
	req := pipeline.AskRequest{
		Question:    b.Question,
		UseMemory:   b.UseMemory,
		UseSearch:   b.UseSearch,
		Personality: b.Personality,
	}
	for i, img := range b.Images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return pipeline.AskRequest{}, fmt.Errorf("image %d: invalid base64", i+1)
		}
		req.Images = append(req.Images, pipeline.Blob{Name: img.Name, Data: data})
	}
	files, err := decodeFiles(b.Files)
	if err != nil {
		return pipeline.AskRequest{}, err
	}
	req.Files = files
	return req, nil
}

func decodeFiles(in []fileBody) ([]pipeline.FileInput, error) {
	var out []pipeline.FileInput
	for i, f := range in {
		if f.Name == "" {
			return nil, fmt.Errorf("file %d: name is required", i+1)
		}
		if f.Data == "" {
			out = append(out, pipeline.FileInput{Name: f.Name, Data: []byte(f.Text), Local: true})
			continue
		}
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return nil, fmt.Errorf("file %s: invalid base64", f.Name)
		}
		out = append(out, pipeline.FileInput{Name: f.Name, Data: data})
	}
	return out, nil
}

func parseMultipartAsk(r *http.Request) (pipeline.AskRequest, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return pipeline.AskRequest{}, err
	}
	req := pipeline.AskRequest{
		Question:    r.FormValue("question"),
		UseMemory:   formBool(r.FormValue("use_memory")),
		UseSearch:   formBool(r.FormValue("use_search")),
		Personality: r.FormValue("personality"),
	}
	for _, fh := range r.MultipartForm.File["images"] {
		data, err := readPart(fh)
		if err != nil {
			return pipeline.AskRequest{}, err
		}
		req.Images = append(req.Images, pipeline.Blob{Name: fh.Filename, Data: data})
	}
	for _, fh := range r.MultipartForm.File["files"] {
		data, err := readPart(fh)
		if err != nil {
			return pipeline.AskRequest{}, err
		}
		req.Files = append(req.Files, pipeline.FileInput{Name: fh.Filename, Data: data})
	}
	return req, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", fh.Filename, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func formBool(s string) bool {
	if strings.EqualFold(s, "on") {
		return true
	}
	v, _ := strconv.ParseBool(s)
	return v
}
