package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostsSummary(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		received = string(raw)
	}))
	defer srv.Close()

	n := New(srv.URL)
	require.NotNil(t, n)

	err := n.Notify(context.Background(), Message{
		Title: "API Processing Summary",
		Level: LevelError,
		Body:  "https://api.example.com/items: grain of stage_items is not unique",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"title": "API Processing Summary",
		"level": "ERROR",
		"body": "https://api.example.com/items: grain of stage_items is not unique"
	}`, received)
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).Notify(context.Background(), Message{Title: "t", Level: LevelInfo, Body: "b"})
	require.ErrorContains(t, err, "502")
}

func TestNewWithoutURL(t *testing.T) {
	assert.Nil(t, New(""))
}
