package imagegen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guestpost-automation/internal/pipeline"
)

func newTestClient(url string) *Client {
	return New(Options{
		APIKey:       "key",
		BaseURL:      url + "/",
		ModelID:      "model-1",
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  time.Second,
	}, zap.NewNop())
}

func TestGenerateWithPolling(t *testing.T) {
	var polls atomic.Int32
	mux := chi.NewRouter()
	mux.Post("/generations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "model-1", body["modelId"])
		assert.EqualValues(t, 1024, body["width"])
		assert.EqualValues(t, 1, body["num_images"])
		_, _ = w.Write([]byte(`{"sdGenerationJob":{"generationId":"gen-9"}}`))
	})
	mux.Get("/generations/gen-9", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"generations_by_pk":{"status":"PENDING","generated_images":[]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"generations_by_pk":{"status":"COMPLETE","generated_images":[{"url":"https://cdn.example.com/gen-9.jpg"}]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	img, err := newTestClient(srv.URL).Generate(context.Background(), pipeline.ImageRequest{
		Prompt: "a widget", Width: 1024, Height: 576, Count: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/gen-9.jpg", img.URL)
	assert.Equal(t, "gen-9", img.GenerationID)
	assert.Equal(t, "leonardo", img.Provider)
	assert.Equal(t, int32(3), polls.Load())
}

func TestGenerateImmediateURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"generated_images":[{"url":"https://cdn.example.com/now.jpg"}]}}`))
	}))
	defer srv.Close()

	img, err := newTestClient(srv.URL).Generate(context.Background(), pipeline.ImageRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/now.jpg", img.URL)
}

func TestGenerateFailedAndTimeout(t *testing.T) {
	mux := chi.NewRouter()
	mux.Post("/generations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"generation_id":"gen-1"}`))
	})
	mux.Get("/generations/gen-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"generations_by_pk":{"status":"FAILED"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), pipeline.ImageRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")

	pending := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"generationId":"slow"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"PENDING"}`))
	}))
	defer pending.Close()

	c := newTestClient(pending.URL)
	c.opts.PollTimeout = 50 * time.Millisecond
	_, err = c.Generate(context.Background(), pipeline.ImageRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no image after")
}

func TestGenerateMissingKey(t *testing.T) {
	_, err := New(Options{}, zap.NewNop()).Generate(context.Background(), pipeline.ImageRequest{Prompt: "p"})
	assert.ErrorIs(t, err, pipeline.ErrNotConfigured)
	assert.True(t, pipeline.IsPermanent(err))
}

func TestFindHelpers(t *testing.T) {
	var body any
	require.NoError(t, json.Unmarshal([]byte(`{"a":[{"b":{"generation_id":"x"}}]}`), &body))
	assert.Equal(t, "x", findString(body, "generationId", "generation_id"))
	assert.Empty(t, findImageURL(body))
}
