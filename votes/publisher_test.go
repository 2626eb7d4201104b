package votes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewise/oracle/ipfs"
	"github.com/stakewise/oracle/retry"
	"github.com/stakewise/oracle/signer"
	"github.com/stakewise/oracle/storage"
)

// fakeNode emulates the IPFS node API: content-addressed add/cat plus
// mutable name records.
type fakeNode struct {
	content map[string][]byte
	names   map[string]string

	adds int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		content: make(map[string][]byte),
		names:   make(map[string]string),
	}
}

func (f *fakeNode) handler() http.Handler {

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, _ := io.ReadAll(file)

		sum := sha256.Sum256(data)
		cid := "Qm" + hex.EncodeToString(sum[:8])
		f.content[cid] = data
		f.adds++

		json.NewEncoder(w).Encode(map[string]string{"Hash": cid})
	})

	mux.HandleFunc("/api/v0/cat", func(w http.ResponseWriter, r *http.Request) {
		data, ok := f.content[r.URL.Query().Get("arg")]
		if !ok {
			http.Error(w, "not found", http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})

	mux.HandleFunc("/api/v0/name/publish", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		cid := r.URL.Query().Get("arg")
		f.names[key] = cid
		json.NewEncoder(w).Encode(map[string]string{"Name": key, "Value": cid})
	})

	mux.HandleFunc("/api/v0/name/resolve", func(w http.ResponseWriter, r *http.Request) {
		cid, ok := f.names[r.URL.Query().Get("arg")]
		if !ok {
			http.Error(w, "not found", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"Path": cid})
	})

	return mux
}

func testEnv(t *testing.T) (*fakeNode, *ipfs.Client, *storage.Storage, *signer.Signer) {
	t.Helper()

	node := newFakeNode()
	srv := httptest.NewServer(node.handler())
	t.Cleanup(srv.Close)

	store := ipfs.NewClient(srv.URL, nil, retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond})

	db, err := storage.InitStorage(t.TempDir(), "testnet")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sg, err := signer.FromHex(testKeyHex)
	require.NoError(t, err)

	return node, store, db, sg
}

func TestPublishAndFetchVote(t *testing.T) {

	ctx := context.Background()
	node, store, db, sg := testEnv(t)

	keyName := DiscoveryName(sg.Address())
	publisher := NewPublisher(sg, store, db, keyName)

	root := common.HexToHash("0x0101")
	vote, err := publisher.Publish(ctx, 3, root, big.NewInt(5000), "QmProofs")
	require.NoError(t, err)
	require.NotNil(t, vote)
	require.NoError(t, vote.Verify())

	// The discovery pointer now leads a keeper back to the same vote.
	fetched, err := NewFetcher(store).FetchVote(ctx, sg.Address())
	require.NoError(t, err)
	assert.Equal(t, vote.Nonce, fetched.Nonce)
	assert.Equal(t, vote.MerkleRoot, fetched.MerkleRoot)
	assert.Equal(t, vote.Signature, fetched.Signature)
	require.NoError(t, fetched.Verify())

	assert.Len(t, node.names, 1)
}

func TestPublishIdempotent(t *testing.T) {

	ctx := context.Background()
	node, store, db, sg := testEnv(t)

	publisher := NewPublisher(sg, store, db, DiscoveryName(sg.Address()))

	root := common.HexToHash("0x0202")

	first, err := publisher.Publish(ctx, 5, root, big.NewInt(100), "QmProofs")
	require.NoError(t, err)
	require.NotNil(t, first)

	addsAfterFirst := node.adds

	// Identical content for the same nonce is a no-op.
	second, err := publisher.Publish(ctx, 5, root, big.NewInt(100), "QmProofs")
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, addsAfterFirst, node.adds)

	// A changed candidate for the same nonce publishes again.
	third, err := publisher.Publish(ctx, 5, root, big.NewInt(200), "QmProofs")
	require.NoError(t, err)
	require.NotNil(t, third)
}

func TestFetchVoteNoPointer(t *testing.T) {

	ctx := context.Background()
	_, store, _, _ := testEnv(t)

	_, err := NewFetcher(store).FetchVote(ctx, common.HexToAddress("0x0badc0de"))
	require.Error(t, err)
}
