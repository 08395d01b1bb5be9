package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func protected(middleware func(http.Handler) http.Handler) *httptest.Server {
	return httptest.NewServer(middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
}

func TestNoopPassesThrough(t *testing.T) {
	srv := protected(Noop())
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/anything")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyEmptyBehavesLikeNoop(t *testing.T) {
	srv := protected(APIKey(""))
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/anything")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyRejectsMissingAndWrongKeys(t *testing.T) {
	srv := protected(APIKey("secret"))
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/anything")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/anything", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer secret")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthExempt(t *testing.T) {
	srv := protected(APIKey("secret"))
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/health")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
