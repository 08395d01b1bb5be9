package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/apiloader/internal/auth"
	"github.com/rat-data/apiloader/internal/watermark"
)

type fakeLister struct {
	rows  []watermark.Row
	calls int
}

func (f *fakeLister) List(context.Context) ([]watermark.Row, error) {
	f.calls++
	return f.rows, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(NewRouter(&Server{DB: fakePinger{}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])
}

func TestHealthDegraded(t *testing.T) {
	srv := httptest.NewServer(NewRouter(&Server{DB: fakePinger{err: errors.New("connection refused")}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWatermarksListedAndCached(t *testing.T) {
	value := "42"
	lister := &fakeLister{rows: []watermark.Row{
		{SourceName: "dummyjson", EndpointName: "products", WatermarkValue: &value},
	}}
	srv := httptest.NewServer(NewRouter(&Server{Watermarks: lister}))
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/api/v1/watermarks")
		require.NoError(t, err)
		var rows []watermark.Row
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
		resp.Body.Close()
		require.Len(t, rows, 1)
		assert.Equal(t, "dummyjson", rows[0].SourceName)
	}
	// Second read comes from the cache.
	assert.Equal(t, 1, lister.calls)
}

func TestProcessTrigger(t *testing.T) {
	var triggered string
	srv := httptest.NewServer(NewRouter(&Server{Process: func(name string) error {
		if name != "dummyjson" {
			return errors.New("source not found")
		}
		triggered = name
		return nil
	}}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/process/dummyjson", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "dummyjson", triggered)

	resp, err = http.Post(srv.URL+"/api/v1/process/unknown", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyGuardsEverythingButHealth(t *testing.T) {
	srv := httptest.NewServer(NewRouter(&Server{
		Watermarks: &fakeLister{},
		Auth:       auth.APIKey("secret"),
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/watermarks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/watermarks", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
