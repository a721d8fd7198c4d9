package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPinSendsNameAndMeta(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cluster := NewCluster(srv.URL)
	err := cluster.RequestPin(context.Background(), "bafyout", "job-1", map[string]string{"key": "bucket/v1"})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/pins/bafyout", got.URL.Path)
	assert.Equal(t, "job-1", got.URL.Query().Get("name"))
	assert.Equal(t, "bucket/v1", got.URL.Query().Get("meta-key"))
}

func TestRequestPinErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cluster := NewCluster(srv.URL)
	err := cluster.RequestPin(context.Background(), "bafyout", "", nil)
	assert.Error(t, err)
}

func TestPinStatusReducesPeerMap(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		pinned  bool
		pinning bool
	}{
		{
			name:   "pinned on one peer",
			body:   `{"peer_map":{"p1":{"status":"pinned"},"p2":{"status":"pin_queued"}}}`,
			pinned: true, pinning: true,
		},
		{
			name:    "only queued",
			body:    `{"peer_map":{"p1":{"status":"pin_queued"},"p2":{"status":"queued"}}}`,
			pinning: true,
		},
		{
			name: "unpinned everywhere",
			body: `{"peer_map":{"p1":{"status":"unpinned"},"p2":{"status":"pin_error"}}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			state, err := NewCluster(srv.URL).PinStatus(context.Background(), "bafyout")
			require.NoError(t, err)
			assert.Equal(t, tc.pinned, state.Pinned)
			assert.Equal(t, tc.pinning, state.Pinning)
		})
	}
}

func TestPinStatusUnknownCID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	state, err := NewCluster(srv.URL).PinStatus(context.Background(), "bafyunknown")
	require.NoError(t, err)
	assert.False(t, state.Pinned)
	assert.False(t, state.Pinning)
}
