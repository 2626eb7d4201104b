package ipfs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewise/oracle/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond}
}

func TestAddJSON(t *testing.T) {

	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/add", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("pin"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotBody, _ = io.ReadAll(file)

		json.NewEncoder(w).Encode(map[string]string{"Hash": "QmAdded"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, fastPolicy())

	cid, err := client.AddJSON(context.Background(), map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "QmAdded", cid)
	assert.JSONEq(t, `{"a":1}`, string(gotBody))
}

func TestFetchJSONFallsBackToGateway(t *testing.T) {

	// Local node is down for cat.
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer node.Close()

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ipfs/QmData", r.URL.Path)
		w.Write([]byte(`{"b":2}`))
	}))
	defer gateway.Close()

	client := NewClient(node.URL, []string{gateway.URL}, fastPolicy())

	var out map[string]int
	require.NoError(t, client.FetchJSON(context.Background(), "QmData", &out))
	assert.Equal(t, 2, out["b"])
}

func TestFetchJSONAllSourcesFail(t *testing.T) {

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, []string{srv.URL}, fastPolicy())

	var out map[string]int
	require.Error(t, client.FetchJSON(context.Background(), "QmData", &out))
}

func TestResolveName(t *testing.T) {

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/name/resolve", r.URL.Path)
		require.Equal(t, "0xabc", r.URL.Query().Get("arg"))

		json.NewEncoder(w).Encode(map[string]string{"Path": "/ipfs/QmResolved"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, fastPolicy())

	cid, err := client.ResolveName(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "QmResolved", cid)
}

func TestPublishName(t *testing.T) {

	var gotKey, gotArg string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/name/publish", r.URL.Path)
		gotKey = r.URL.Query().Get("key")
		gotArg = r.URL.Query().Get("arg")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, fastPolicy())

	require.NoError(t, client.PublishName(context.Background(), "0xoracle", "ipfs://QmVote"))
	assert.Equal(t, "0xoracle", gotKey)
	assert.Equal(t, "/ipfs/QmVote", gotArg)
}

func TestStripPrefix(t *testing.T) {

	assert.Equal(t, "QmX", StripPrefix("QmX"))
	assert.Equal(t, "QmX", StripPrefix("ipfs://QmX"))
	assert.Equal(t, "QmX", StripPrefix("/ipfs/QmX"))
	assert.Equal(t, "QmX", StripPrefix("/ipfs/QmX/"))
}
