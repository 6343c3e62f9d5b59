package wordpress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guestpost-automation/internal/pipeline"
)

func TestAPIBase(t *testing.T) {
	assert.Equal(t, "https://blog.example.com/wp-json/wp/v2", APIBase("https://blog.example.com/", ""))
	assert.Equal(t, "https://blog.example.com/index.php?rest_route=/wp/v2", APIBase("https://blog.example.com", "index.php?rest_route=/wp/v2"))
	assert.Equal(t, "https://blog.example.com/api", APIBase("https://blog.example.com", "/api/"))
}

func newTestPublisher(url string) pipeline.Publisher {
	return NewFactory(time.Second)(pipeline.SiteTarget{SiteURL: url, Username: "editor", AppPassword: "pw"})
}

func TestUploadMedia(t *testing.T) {
	mux := chi.NewRouter()
	mux.Post("/wp-json/wp/v2/media", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "editor", user)
		assert.Equal(t, "pw", pass)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		assert.Equal(t, `attachment; filename="hero.png"`, r.Header.Get("Content-Disposition"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("png-bytes"), body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":31,"guid":{"rendered":"https://blog.example.com/?attachment_id=31"}}`))
	})
	mux.Post("/wp-json/wp/v2/media/31", func(w http.ResponseWriter, r *http.Request) {
		var meta map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		assert.Equal(t, "Ten Widgets", meta["title"])
		assert.Equal(t, "widget alt", meta["alt_text"])
		_, _ = w.Write([]byte(`{"id":31,"source_url":"https://blog.example.com/uploads/hero.png"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	media, err := newTestPublisher(srv.URL).UploadMedia(context.Background(), pipeline.MediaUpload{
		Image:   pipeline.Image{Data: []byte("png-bytes"), FileName: "hero.png", ContentType: "image/png"},
		Title:   "Ten Widgets",
		AltText: "widget alt",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(31), media.ID)
	assert.Equal(t, "https://blog.example.com/uploads/hero.png", media.URL)
}

func TestUploadMediaErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/big/wp-json/wp/v2/media", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	})
	mux.HandleFunc("/list/wp-json/wp/v2/media", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/moved/wp-json/wp/v2/media", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://www.blog.example.com/wp-json/wp/v2/media", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/noid/wp-json/wp/v2/media", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	upload := pipeline.MediaUpload{Image: pipeline.Image{Data: []byte("x"), FileName: "a.png", ContentType: "image/png"}}
	ctx := context.Background()

	_, err := newTestPublisher(srv.URL+"/big").UploadMedia(ctx, upload)
	assert.ErrorIs(t, err, pipeline.ErrPayloadTooLarge)

	_, err = newTestPublisher(srv.URL+"/list").UploadMedia(ctx, upload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected JSON object")

	_, err = newTestPublisher(srv.URL+"/moved").UploadMedia(ctx, upload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect")

	_, err = newTestPublisher(srv.URL+"/noid").UploadMedia(ctx, upload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")

	_, err = NewFactory(time.Second)(pipeline.SiteTarget{SiteURL: srv.URL}).UploadMedia(ctx, upload)
	assert.ErrorIs(t, err, pipeline.ErrNotConfigured)
}

func TestCreateUpdateAndPublishPost(t *testing.T) {
	var received []map[string]any
	mux := chi.NewRouter()
	mux.Post("/wp-json/wp/v2/posts", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received = append(received, body)
		_, _ = w.Write([]byte(`{"id":900,"link":"https://blog.example.com/ten-widgets"}`))
	})
	mux.Post("/wp-json/wp/v2/posts/900", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received = append(received, body)
		_, _ = w.Write([]byte(`{"id":900,"link":"https://blog.example.com/ten-widgets"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pub := newTestPublisher(srv.URL)
	ctx := context.Background()
	post := pipeline.Post{
		Title: "Ten Widgets", Content: "<p>x</p>", Excerpt: "e", Slug: "ten-widgets",
		Status: "publish", AuthorID: 4, FeaturedMediaID: 31, CategoryIDs: []int64{2, 3},
	}

	created, err := pub.CreatePost(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, pipeline.PublishedPost{ID: 900, URL: "https://blog.example.com/ten-widgets"}, created)

	_, err = pub.UpdatePost(ctx, 900, post)
	require.NoError(t, err)
	_, err = pub.SetPostStatus(ctx, 900, "publish")
	require.NoError(t, err)

	require.Len(t, received, 3)
	assert.Equal(t, "standard", received[0]["format"])
	assert.EqualValues(t, 31, received[0]["featured_media"])
	assert.EqualValues(t, 4, received[0]["author"])
	assert.Len(t, received[0]["categories"], 2)
	assert.NotEmpty(t, received[0]["date"])
	assert.Equal(t, map[string]any{"status": "publish"}, received[2])
}
