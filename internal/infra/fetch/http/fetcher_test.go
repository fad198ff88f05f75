package httpfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/record/1":
			assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte("<metadata/>"))
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/large":
			_, _ = w.Write(make([]byte, 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := New(Config{MaxBytes: 32})
	ctx := context.Background()

	body, err := f.Fetch(ctx, srv.URL+"/record/1")
	require.NoError(t, err)
	assert.Equal(t, "<metadata/>", string(body))

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.True(t, statusErr.Permanent())

	_, err = f.Fetch(ctx, srv.URL+"/busy")
	require.True(t, errors.As(err, &statusErr))
	assert.False(t, statusErr.Permanent())

	_, err = f.Fetch(ctx, srv.URL+"/large")
	assert.ErrorContains(t, err, "exceeds 32 bytes")
	var tooLarge *BodyTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.True(t, tooLarge.Permanent())
}

func TestStatusError_Permanent(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusGone, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, (&StatusError{Code: tt.code}).Permanent(), http.StatusText(tt.code))
	}
}

func TestFetcher_CancelledContext(t *testing.T) {
	f := New(Config{RequestsPerSecond: 1, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, "http://127.0.0.1:1/never")
	assert.ErrorIs(t, err, context.Canceled)
}
