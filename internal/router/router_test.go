package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name   string
	calls  int
	images int
	out    string
	err    error
	block  bool
}

func (f *fakeBackend) Generate(ctx context.Context, prompt string, images [][]byte) (string, error) {
	f.calls++
	f.images = len(images)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.out, f.err
}

func TestSelect(t *testing.T) {
	assert.Equal(t, RouteText, Select(nil))
	assert.Equal(t, RouteText, Select([][]byte{}))
	assert.Equal(t, RouteVision, Select([][]byte{[]byte("png")}))
}

func TestInvoke_RoutesByImages(t *testing.T) {
	text := &fakeBackend{name: "text", out: "from text"}
	vision := &fakeBackend{name: "vision", out: "from vision"}
	r := New(text, vision, 0)

	out, err := r.Invoke(context.Background(), "what is 2+2?", nil)
	require.NoError(t, err)
	assert.Equal(t, "from text", out)
	assert.Equal(t, 1, text.calls)
	assert.Zero(t, vision.calls)

	out, err = r.Invoke(context.Background(), "what is 2+2?", [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, "from vision", out)
	assert.Equal(t, 1, vision.calls)
	assert.Equal(t, 2, vision.images)
	assert.Equal(t, 1, text.calls, "text backend must not be called for image input")
}

func TestInvoke_BackendErrorIsModelUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	r := New(&fakeBackend{err: cause}, nil, 0)

	_, err := r.Invoke(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestInvoke_MissingVisionBackend(t *testing.T) {
	r := New(&fakeBackend{out: "x"}, nil, 0)

	_, err := r.Invoke(context.Background(), "describe", [][]byte{[]byte("img")})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestInvoke_Timeout(t *testing.T) {
	r := New(&fakeBackend{block: true}, nil, 20*time.Millisecond)

	_, err := r.Invoke(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Contains(t, err.Error(), "timed out")
}

func TestInvoke_CallerDeadline(t *testing.T) {
	r := New(&fakeBackend{block: true}, nil, 0)

	budget := errors.New("request budget spent")
	ctx, cancel := context.WithTimeoutCause(context.Background(), 20*time.Millisecond, budget)
	defer cancel()

	_, err := r.Invoke(ctx, "slow", nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, budget)
	assert.NotContains(t, err.Error(), "after 0s")
}

func TestInvoke_CallerCancel(t *testing.T) {
	r := New(&fakeBackend{block: true}, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Invoke(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrModelUnavailable)
}
