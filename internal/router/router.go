package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrModelUnavailable wraps any failure of the selected backend.
var ErrModelUnavailable = errors.New("model unavailable")

// Route names the backend a request is dispatched to.
type Route string

const (
	RouteText   Route = "text"
	RouteVision Route = "vision"
)

// Select picks the backend from the input shape alone: any image routes to
// the vision backend.
func Select(images [][]byte) Route {
	if len(images) > 0 {
		return RouteVision
	}
	return RouteText
}

// Backend generates a completion for a prompt and optional images.
type Backend interface {
	Generate(ctx context.Context, prompt string, images [][]byte) (string, error)
}

// Router dispatches prompts to the text or vision backend.
type Router struct {
	Text    Backend
	Vision  Backend
	Timeout time.Duration // zero means no timeout beyond ctx

	logger *slog.Logger
}

func New(text, vision Backend, timeout time.Duration) *Router {
	return &Router{Text: text, Vision: vision, Timeout: timeout, logger: slog.Default()}
}

// Invoke runs prompt on the selected backend. Backend failures and timeouts
// are returned wrapped in ErrModelUnavailable; a cancelled ctx is returned
// as context.Canceled. There is no retry.
func (r *Router) Invoke(ctx context.Context, prompt string, images [][]byte) (string, error) {
	route := Select(images)
	backend := r.Text
	if route == RouteVision {
		backend = r.Vision
	}
	if backend == nil {
		return "", fmt.Errorf("%w: no %s backend configured", ErrModelUnavailable, route)
	}

	callCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := backend.Generate(callCtx, prompt, images)
	if err != nil {
		switch ctx.Err() {
		case context.Canceled:
			return "", context.Canceled
		case context.DeadlineExceeded:
			return "", fmt.Errorf("%w: %s backend: %w", ErrModelUnavailable, route, context.Cause(ctx))
		}
		if callCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: %s backend timed out after %s", ErrModelUnavailable, route, r.Timeout)
		}
		return "", fmt.Errorf("%w: %s backend: %w", ErrModelUnavailable, route, err)
	}
	if r.logger != nil {
		r.logger.Debug("model call complete", "route", string(route), "images", len(images), "duration", time.Since(start))
	}
	return out, nil
}
