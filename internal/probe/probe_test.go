package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", strconv.Itoa(123456))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	size, err := NewHTTP().HeadSize(context.Background(), srv.URL+"/video.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), size)
}

func TestHeadSizeUnknownLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// No Content-Length declared for the HEAD response.
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	size, err := NewHTTP().HeadSize(context.Background(), srv.URL+"/stream")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestHeadSizeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHTTP().HeadSize(context.Background(), srv.URL+"/video.mp4")
	assert.Error(t, err)
}
