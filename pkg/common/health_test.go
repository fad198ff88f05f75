package common

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthServer_Endpoints(t *testing.T) {
	var ready atomic.Bool
	hs := NewHealthServer("127.0.0.1:0", &ready)
	defer hs.Server().Close()

	status := func(path string) int {
		rec := httptest.NewRecorder()
		hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, status("/v1/health"))
	assert.Equal(t, http.StatusServiceUnavailable, status("/v1/readiness"))

	ready.Store(true)
	assert.Equal(t, http.StatusOK, status("/v1/readiness"))
}
