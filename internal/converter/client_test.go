package converter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guestpost-automation/internal/pipeline"
)

func TestConvert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://docs.example.com/d/1", body["source_url"])
		assert.Equal(t, "blog.example.com", body["publishing_site"])
		_ = json.NewEncoder(w).Encode(map[string]string{
			"title": " Ten Widgets ", "slug": "ten-widgets", "clean_html": "<p>x</p>",
			"excerpt": "short", "image_prompt": "a widget",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	conv, err := c.Convert(context.Background(), pipeline.ConvertRequest{
		SourceURL: "https://docs.example.com/d/1", PublishingSite: "blog.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "Ten Widgets", conv.Title)
	assert.Equal(t, "<p>x</p>", conv.HTML)
	assert.Equal(t, "a widget", conv.ImagePrompt)
}

func TestConvertMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"title":"only a title"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Convert(context.Background(), pipeline.ConvertRequest{SourceURL: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slug, clean_html, excerpt, image_prompt")
	assert.False(t, pipeline.IsPermanent(err))
}

func TestConvertUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Convert(context.Background(), pipeline.ConvertRequest{SourceURL: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestConvertNotConfigured(t *testing.T) {
	_, err := New("", time.Second).Convert(context.Background(), pipeline.ConvertRequest{})
	assert.ErrorIs(t, err, pipeline.ErrNotConfigured)
}
