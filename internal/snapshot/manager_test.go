package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"ledgersync/internal/hashutil"
)

type fakeProvider struct {
	accounts map[string]uint64
	stakes   map[string]uint64
	hashes   map[uint64]hashutil.Hash
}

func (p *fakeProvider) Accounts() map[string]uint64 { return p.accounts }
func (p *fakeProvider) Stakes() map[string]uint64   { return p.stakes }
func (p *fakeProvider) BlockHashAt(height uint64) (hashutil.Hash, error) {
	return p.hashes[height], nil
}

type fakeApplier struct {
	applied State
	calls   int
}

func (a *fakeApplier) ApplyState(s State) error {
	a.applied = s
	a.calls++
	return nil
}

func newTestManager(t *testing.T, key []byte) (*Manager, *fakeProvider, *fakeApplier) {
	t.Helper()
	provider := &fakeProvider{
		accounts: map[string]uint64{"alice": 100, "bob": 50},
		stakes:   map[string]uint64{"v1": 10},
		hashes:   map[uint64]hashutil.Hash{5: hashutil.Sum([]byte("block-5"))},
	}
	applier := &fakeApplier{}
	mgr, err := New(Config{
		Dir:        filepath.Join(t.TempDir(), "snapshots"),
		Provider:   provider,
		Applier:    applier,
		Retain:     2,
		EncryptKey: key,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mgr, provider, applier
}

func TestManagerCreateAndLoad(t *testing.T) {
	for _, tc := range []struct {
		name string
		key  []byte
	}{
		{"plain", nil},
		{"encrypted", make([]byte, 32)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mgr, _, applier := newTestManager(t, tc.key)
			path, err := mgr.Create(context.Background(), 5)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			state, matched, err := mgr.Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !matched {
				t.Fatalf("Load: state root did not match")
			}
			if state.Height != 5 {
				t.Fatalf("height = %d, want 5", state.Height)
			}
			if applier.calls != 1 {
				t.Fatalf("applier called %d times, want 1", applier.calls)
			}
			if applier.applied.Accounts["alice"] != 100 {
				t.Fatalf("applied accounts = %v", applier.applied.Accounts)
			}
		})
	}
}

func TestManagerListAndPrune(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	for h := uint64(1); h <= 3; h++ {
		if _, err := mgr.Create(context.Background(), h); err != nil {
			t.Fatalf("Create(%d): %v", h, err)
		}
	}
	metas, err := mgr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("List returned %d entries, want 2 (retain=2)", len(metas))
	}
	if metas[0].Height < metas[1].Height {
		t.Fatalf("List not newest-first: %+v", metas)
	}
}

func TestManagerVerifyAndLoad(t *testing.T) {
	mgr, _, applier := newTestManager(t, nil)
	path, err := mgr.Create(context.Background(), 5)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	body, err := mgr.RawBytes(path)
	if err != nil {
		t.Fatalf("RawBytes: %v", err)
	}

	root, err := mgr.VerifyAndLoad(context.Background(), body, 5)
	if err != nil {
		t.Fatalf("VerifyAndLoad: %v", err)
	}
	if root == "" {
		t.Fatalf("VerifyAndLoad returned empty root")
	}
	if applier.calls != 1 {
		t.Fatalf("applier called %d times, want 1", applier.calls)
	}

	if _, err := mgr.VerifyAndLoad(context.Background(), body, 6); err == nil {
		t.Fatalf("VerifyAndLoad: expected height mismatch error")
	}
}

func TestManagerHasSnapshotAt(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	if _, ok := mgr.HasSnapshotAt(5); ok {
		t.Fatalf("HasSnapshotAt(5) = true before Create")
	}
	if _, err := mgr.Create(context.Background(), 5); err != nil {
		t.Fatalf("Create: %v", err)
	}
	path, ok := mgr.HasSnapshotAt(5)
	if !ok {
		t.Fatalf("HasSnapshotAt(5) = false after Create")
	}
	if filepath.Ext(path) != ".json" {
		t.Fatalf("HasSnapshotAt returned non-json path: %s", path)
	}
}
