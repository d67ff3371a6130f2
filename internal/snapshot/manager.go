package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ledgersync/internal/hashutil"
)

// Provider gathers the chain-state a snapshot commits to, at a given
// height. ChainManager supplies accounts/validators; contracts and
// governance are out of scope here and default to empty unless a caller
// wires its own provider over those concerns.
type Provider interface {
	Accounts() map[string]uint64
	Stakes() map[string]uint64
	BlockHashAt(height uint64) (hashutil.Hash, error)
}

// Applier restores a loaded State into live chain state. ChainManager
// implements this for fast sync's "load into state" step.
type Applier interface {
	ApplyState(State) error
}

// Config wires a Manager's directory, retention policy and optional
// encryption key.
type Config struct {
	Dir          string // directory holding snapshot + sidecar files.
	Provider     Provider
	Applier      Applier
	Logger       *logrus.Logger
	Retain       int    // newest K kept; default 10.
	CompressTop  bool   // not consulted: Manager always compresses (gzip, deflate level 6).
	EncryptKey   []byte // 32 bytes for AES-256-GCM; nil disables encryption.
}

// Manager creates, verifies and loads compressed, optionally encrypted
// state snapshots, using gzip for compression and AES-GCM for encryption
// in place of a weaker base64 placeholder.
type Manager struct {
	dir        string
	provider   Provider
	applier    Applier
	logger     *logrus.Logger
	retain     int
	compress   bool
	encryptKey []byte
}

func New(cfg Config) (*Manager, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot: dir required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	retain := cfg.Retain
	if retain <= 0 {
		retain = 10
	}
	if cfg.EncryptKey != nil && len(cfg.EncryptKey) != 32 {
		return nil, fmt.Errorf("snapshot: encryption key must be 32 bytes, got %d", len(cfg.EncryptKey))
	}
	return &Manager{
		dir:        cfg.Dir,
		provider:   cfg.Provider,
		applier:    cfg.Applier,
		logger:     lg,
		retain:     retain,
		compress:   true,
		encryptKey: cfg.EncryptKey,
	}, nil
}

// envelope is the on-disk body: metadata travels both inside the envelope
// and in the plaintext sidecar, so Load can verify the two agree.
type envelope struct {
	Metadata Metadata
	State    State
}

func fileStem(height uint64, ts time.Time) string {
	return fmt.Sprintf("snapshot_%d_%s", height, ts.UTC().Format("2006-01-02_15-04-05"))
}

// Create gathers account/validator state at height, builds the envelope,
// computes its state root, compresses and optionally encrypts it, and
// writes both the snapshot file and its plaintext metadata sidecar.
// Retention is enforced afterward: only the newest Retain snapshots are
// kept.
func (m *Manager) Create(ctx context.Context, height uint64) (string, error) {
	if m.provider == nil {
		return "", fmt.Errorf("snapshot: no state provider configured")
	}
	blockHash, err := m.provider.BlockHashAt(height)
	if err != nil {
		return "", fmt.Errorf("snapshot: resolve block hash at %d: %w", height, err)
	}
	stakes := m.provider.Stakes()
	validators := make([]string, 0, len(stakes))
	for addr := range stakes {
		validators = append(validators, addr)
	}
	sort.Strings(validators)
	state := State{
		Height:     height,
		Accounts:   m.provider.Accounts(),
		Stakes:     stakes,
		Contracts:  map[string]string{},
		Validators: validators,
		Governance: map[string]string{},
	}

	now := time.Now()
	meta := Metadata{
		Version:    CurrentVersion,
		Height:     height,
		BlockHash:  blockHash,
		StateRoot:  stateRoot(state),
		Timestamp:  now,
		Counts:     countsOf(state),
		Compressed: m.compress,
		Encrypted:  m.encryptKey != nil,
	}

	body, err := json.Marshal(envelope{Metadata: meta, State: state})
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal envelope: %w", err)
	}
	body, err = m.encode(body)
	if err != nil {
		return "", fmt.Errorf("snapshot: encode body: %w", err)
	}

	stem := fileStem(height, now)
	mainPath := filepath.Join(m.dir, stem+".json")
	sidecarPath := filepath.Join(m.dir, stem+".meta.json")

	if err := os.WriteFile(mainPath, body, 0o600); err != nil {
		return "", fmt.Errorf("snapshot: write %s: %w", mainPath, err)
	}
	sidecarBody, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal metadata sidecar: %w", err)
	}
	if err := os.WriteFile(sidecarPath, sidecarBody, 0o600); err != nil {
		return "", fmt.Errorf("snapshot: write sidecar %s: %w", sidecarPath, err)
	}

	if err := m.prune(); err != nil {
		m.logger.WithError(err).Warn("snapshot: retention prune failed")
	}
	return mainPath, nil
}

// encode applies compression then encryption, matching the documented
// order so Load reverses it (decrypt, then decompress).
func (m *Manager) encode(body []byte) ([]byte, error) {
	if m.compress {
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, 6)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		body = buf.Bytes()
	}
	if m.encryptKey != nil {
		ct, err := seal(m.encryptKey, body)
		if err != nil {
			return nil, err
		}
		body = ct
	}
	return body, nil
}

func (m *Manager) decode(body []byte, meta Metadata) ([]byte, error) {
	if meta.Encrypted {
		if m.encryptKey == nil {
			return nil, fmt.Errorf("snapshot: body is encrypted but no key configured")
		}
		pt, err := open(m.encryptKey, body)
		if err != nil {
			return nil, fmt.Errorf("snapshot: decrypt: %w", err)
		}
		body = pt
	}
	if meta.Compressed {
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("snapshot: gzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("snapshot: gunzip: %w", err)
		}
		body = out
	}
	return body, nil
}

// seal encrypts plaintext with AES-256-GCM, prepending the random nonce.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// peekMetadata reads the plaintext sidecar for path's companion snapshot
// without touching the (possibly encrypted) main body, used by List for
// fast enumeration.
func peekMetadata(sidecarPath string) (Metadata, error) {
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// List enumerates known snapshots' metadata, newest first, by reading the
// plaintext sidecars only.
func (m *Manager) List() ([]Metadata, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read dir: %w", err)
	}
	var out []Metadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		meta, err := peekMetadata(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.WithError(err).WithField("file", e.Name()).Warn("snapshot: skipping unreadable sidecar")
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height > out[j].Height })
	return out, nil
}

// prune keeps only the newest Retain snapshots (default 10), deleting
// both the main file and its sidecar for everything older.
func (m *Manager) prune() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	var stems []string
	seen := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		stem := strings.TrimSuffix(strings.TrimSuffix(name, ".meta.json"), ".json")
		if !seen[stem] {
			seen[stem] = true
			stems = append(stems, stem)
		}
	}
	if len(stems) <= m.retain {
		return nil
	}
	// Stems differ in length only by the height's digit count, so a longer
	// stem is a higher height; equal lengths compare lexically.
	sort.Slice(stems, func(i, j int) bool {
		if len(stems[i]) != len(stems[j]) {
			return len(stems[i]) > len(stems[j])
		}
		return stems[i] > stems[j]
	})
	for _, stem := range stems[m.retain:] {
		_ = os.Remove(filepath.Join(m.dir, stem+".json"))
		_ = os.Remove(filepath.Join(m.dir, stem+".meta.json"))
	}
	return nil
}

// Load reads path, decrypts/decompresses its body, verifies the embedded
// metadata against the plaintext sidecar and the recomputed state root,
// and applies the result via Applier. A state-root mismatch is logged as a
// warning, not fatal, as a deliberate demo-mode carve-out: callers that
// must fail closed should check the returned bool.
func (m *Manager) Load(path string) (State, bool, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return State{}, false, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	sidecarPath := strings.TrimSuffix(path, ".json") + ".meta.json"
	meta, err := peekMetadata(sidecarPath)
	if err != nil {
		return State{}, false, fmt.Errorf("snapshot: read sidecar %s: %w", sidecarPath, err)
	}

	plain, err := m.decode(body, meta)
	if err != nil {
		return State{}, false, err
	}
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return State{}, false, fmt.Errorf("snapshot: decode envelope: %w", err)
	}

	matched := true
	if env.Metadata.Height != meta.Height || env.Metadata.StateRoot != meta.StateRoot {
		m.logger.WithField("file", path).Warn("snapshot: embedded metadata disagrees with sidecar")
		matched = false
	}
	recomputed := stateRoot(env.State)
	if recomputed != meta.StateRoot {
		m.logger.WithFields(logrus.Fields{"file": path, "expected": meta.StateRoot, "got": recomputed}).
			Warn("snapshot: state root mismatch on load")
		matched = false
	}

	if m.applier != nil {
		if err := m.applier.ApplyState(env.State); err != nil {
			return State{}, matched, fmt.Errorf("snapshot: apply state: %w", err)
		}
	}
	return env.State, matched, nil
}

// VerifyAndLoad implements syncengine.SnapshotVerifier: it treats body as
// an already-fetched snapshot payload (rather than a local file), verifies
// it against expectedHeight and, on success, applies it. This is the sync
// engine's seam for fast sync.
func (m *Manager) VerifyAndLoad(ctx context.Context, body []byte, expectedHeight uint64) (hashutil.Hash, error) {
	var env envelope
	// A fetched snapshot body is handed over exactly as a peer's
	// get_state_snapshot endpoint would serve it: the same encode/decode
	// pipeline Create/Load use, so a node can fast-sync from any peer's
	// unencrypted snapshot file unmodified.
	plain, err := m.decode(body, peekCompressedEncrypted(body))
	if err != nil {
		// Body may be plain JSON (uncompressed, unencrypted) if the
		// serving peer disabled both; fall back to decoding it directly.
		plain = body
	}
	if err := json.Unmarshal(plain, &env); err != nil {
		return "", fmt.Errorf("snapshot: decode fetched envelope: %w", err)
	}
	if env.State.Height != expectedHeight {
		return "", fmt.Errorf("snapshot: fetched snapshot height %d does not match expected %d", env.State.Height, expectedHeight)
	}
	recomputed := stateRoot(env.State)
	if recomputed != env.Metadata.StateRoot {
		return "", fmt.Errorf("snapshot: state root mismatch: metadata says %s, recomputed %s", env.Metadata.StateRoot, recomputed)
	}
	if m.applier != nil {
		if err := m.applier.ApplyState(env.State); err != nil {
			return "", fmt.Errorf("snapshot: apply fetched state: %w", err)
		}
	}
	return recomputed, nil
}

// HasSnapshotAt reports whether any snapshot covers height, returning its
// main file path for RawBytes/httpapi's get_state_snapshot endpoint.
func (m *Manager) HasSnapshotAt(height uint64) (string, bool) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return "", false
	}
	prefix := fmt.Sprintf("snapshot_%d_", height)
	var best string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".meta.json") {
			if name > best {
				best = name
			}
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(m.dir, best), true
}

// RawBytes returns a snapshot file's on-disk bytes verbatim (still
// compressed/encrypted as stored), for serving over get_state_snapshot so
// a fetching peer's VerifyAndLoad runs the identical decode pipeline.
func (m *Manager) RawBytes(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// peekCompressedEncrypted guesses whether a fetched body is gzip (compress
// magic bytes) to pick a decode path when no sidecar metadata travels with
// it. Encryption cannot be auto-detected this way, so VerifyAndLoad only
// attempts gzip detection; an encrypted wire snapshot requires the caller
// to use Load against a locally staged file instead.
func peekCompressedEncrypted(body []byte) Metadata {
	compressed := len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b
	return Metadata{Compressed: compressed}
}
