package peer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federator/federator/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestCollectReplacesPeerPublicServices covers spec I2 (pull idempotence):
// two consecutive successful pulls from an unchanged peer yield identical
// sets.
func TestCollectReplacesPeerPublicServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/self/services", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]string{"analytics"})
	}))
	defer srv.Close()

	self, err := registry.New("alpha", "http://alpha:3000")
	require.NoError(t, err)
	store := registry.NewStore(self)
	beta, err := registry.New("beta", srv.URL)
	require.NoError(t, err)
	store.AddPeer(beta)

	e := New(store, testLogger())
	e.Collect(context.Background())
	e.Collect(context.Background())

	assert.Equal(t, []string{"analytics"}, beta.PublicServices())
}

// TestCollectKeepsPriorStateOnFailure covers spec §4.5/§7: a transport or
// non-2xx failure leaves the peer's prior set untouched.
func TestCollectKeepsPriorStateOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	self, err := registry.New("alpha", "http://alpha:3000")
	require.NoError(t, err)
	store := registry.NewStore(self)
	beta, err := registry.New("beta", srv.URL)
	require.NoError(t, err)
	beta.AddPublic("prior")
	store.AddPeer(beta)

	e := New(store, testLogger())
	e.Collect(context.Background())

	assert.Equal(t, []string{"prior"}, beta.PublicServices())
}

// TestDispatchPushesSelfPublicServices covers spec I3 (push/pull
// round-trip): the body PUT to a peer is exactly self's public set.
func TestDispatchPushesSelfPublicServices(t *testing.T) {
	var gotPath string
	var gotBody []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Success"))
	}))
	defer srv.Close()

	self, err := registry.New("alpha", "http://alpha:3000")
	require.NoError(t, err)
	self.AddPublic("billing")
	store := registry.NewStore(self)
	beta, err := registry.New("beta", srv.URL)
	require.NoError(t, err)
	store.AddPeer(beta)

	e := New(store, testLogger())
	e.Dispatch(context.Background())

	assert.Equal(t, "/api/alpha/services", gotPath)
	assert.Equal(t, []string{"billing"}, gotBody)
}
