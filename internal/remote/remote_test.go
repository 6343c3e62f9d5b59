package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["value"]})
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	mux.HandleFunc("/list", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	hc := NewHTTPClient(2 * time.Second)
	ctx := context.Background()

	var out struct {
		Echo string `json:"echo"`
	}
	err := DoJSON(ctx, hc, http.MethodPost, srv.URL+"/ok", http.Header{"X-Key": {"secret"}}, map[string]string{"value": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Echo)

	err = DoJSON(ctx, hc, http.MethodGet, srv.URL+"/redirect", nil, nil, &out)
	require.Error(t, err)
	assert.Equal(t, http.StatusFound, StatusCode(err))

	err = DoJSON(ctx, hc, http.MethodGet, srv.URL+"/fail", nil, nil, &out)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.Contains(t, err.Error(), "boom")

	err = DoJSON(ctx, hc, http.MethodGet, srv.URL+"/list", nil, nil, &out)
	require.Error(t, err)
	assert.Zero(t, StatusCode(err))
	assert.Contains(t, err.Error(), "expected JSON object")
}
