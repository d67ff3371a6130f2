package eventsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/blockstore"
	"ledgersync/internal/hashutil"
	"ledgersync/internal/peerregistry"
	"ledgersync/internal/syncengine"
)

func TestHTTPBlockFetcherRequestsBlockID(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		payload := syncengine.BlockPayload{
			Index:        7,
			PreviousHash: "prev",
			MerkleRoot:   "merkle",
			StateRoot:    "state",
			Hash:         "hash7",
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	f := NewHTTPBlockFetcher(time.Second)
	blk, err := f.FetchBlockAt(context.Background(), srv.URL, 7)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotQuery != "block_id=7" {
		t.Fatalf("query = %q, want block_id=7", gotQuery)
	}
	if blk.PreviousHash != hashutil.Hash("prev") || blk.MerkleRoot != hashutil.Hash("merkle") || blk.StateRoot != hashutil.Hash("state") {
		t.Fatalf("decoded block = %+v, snake_case fields did not survive the wire format", blk)
	}
}

type fakeBlockFetcher struct {
	byPeer map[string]*blockmodel.Block
}

func newFakeBlockFetcher() *fakeBlockFetcher {
	return &fakeBlockFetcher{byPeer: make(map[string]*blockmodel.Block)}
}

func (f *fakeBlockFetcher) FetchBlockAt(ctx context.Context, peerURL string, height uint64) (*blockmodel.Block, error) {
	blk, ok := f.byPeer[peerURL]
	if !ok {
		return nil, errTestSendFailed
	}
	return blk, nil
}

func newTestEventSyncWithFetcher(t *testing.T, fetcher BlockFetcher) (*EventSync, *peerregistry.PeerRegistry, *blockstore.BlockStore) {
	t.Helper()
	cm, store := newTestChain(t)
	reg := newTestRegistry(t)
	es := New(Config{
		NodeID:             "local",
		Registry:           reg,
		Chain:              cm,
		Store:              store,
		Client:             newFakeClient(),
		BlockFetcher:       fetcher,
		CascadeDelay:       time.Millisecond,
		MaxConcurrentConns: 4,
		BaseTimeout:        time.Second,
	})
	return es, reg, store
}

func upsertPeer(t *testing.T, reg *peerregistry.PeerRegistry, id, domain string) {
	t.Helper()
	if err := reg.Upsert(id, map[string]string{"protocol": "http", "domain": domain}); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func TestDetectForkReorganizesOntoMajorityChain(t *testing.T) {
	fetcher := newFakeBlockFetcher()
	es, reg, store := newTestEventSyncWithFetcher(t, fetcher)

	genesis, err := store.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}

	localBlk := buildTestBlock(t, 1, genesis.Timestamp+1, genesis.Hash())
	if err := es.chain.AddBlock(localBlk); err != nil {
		t.Fatalf("add local block: %v", err)
	}
	peerBlk := buildTestBlock(t, 1, genesis.Timestamp+2, genesis.Hash())
	if localBlk.Hash() == peerBlk.Hash() {
		t.Fatalf("local and peer blocks must diverge for this test to be meaningful")
	}

	for i, id := range []string{"p0", "p1", "p2", "p3", "p4"} {
		domain := string(rune('a' + i))
		upsertPeer(t, reg, id, domain)
		url := "http://" + domain
		if i < 3 {
			fetcher.byPeer[url] = peerBlk
		} else {
			fetcher.byPeer[url] = localBlk
		}
	}

	if err := es.DetectFork(context.Background(), 1, localBlk.Hash()); err != nil {
		t.Fatalf("DetectFork: %v", err)
	}

	if got := store.Count(); got != 2 {
		t.Fatalf("store count = %d, want 2", got)
	}
	tip, err := store.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Hash() != peerBlk.Hash() {
		t.Fatalf("tip hash = %s, want majority block %s", tip.Hash(), peerBlk.Hash())
	}
}

func TestDetectForkNoMajorityReturnsError(t *testing.T) {
	fetcher := newFakeBlockFetcher()
	es, reg, store := newTestEventSyncWithFetcher(t, fetcher)

	genesis, err := store.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	blkA := buildTestBlock(t, 1, genesis.Timestamp+1, genesis.Hash())
	blkB := buildTestBlock(t, 1, genesis.Timestamp+2, genesis.Hash())

	upsertPeer(t, reg, "p0", "a")
	upsertPeer(t, reg, "p1", "b")
	fetcher.byPeer["http://a"] = blkA
	fetcher.byPeer["http://b"] = blkB

	if err := es.DetectFork(context.Background(), 1, hashutil.Hash("some-other-local-hash")); err == nil {
		t.Fatalf("expected no-majority error, got nil")
	}
}

func buildTestBlock(t *testing.T, index uint64, timestamp int64, prevHash hashutil.Hash) *blockmodel.Block {
	t.Helper()
	bb := blockmodel.NewBlockBuilder(index, timestamp, prevHash, []string{"v1"}, map[string]uint64{"v1": 100}, 1_000_000, 1)
	blk, err := bb.Build()
	if err != nil {
		t.Fatalf("build block: %v", err)
	}
	return blk
}
