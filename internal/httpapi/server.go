// Package httpapi exposes the node's inter-node sync surface over
// gorilla/mux: a Server{router,httpServer} with a logging middleware,
// writeJSON helper, and mux.Vars routing, carrying the sync/propagation
// endpoints this node actually needs instead of read-only block browsing.
package httpapi

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/chainmanager"
	"ledgersync/internal/events"
	"ledgersync/internal/eventsync"
	"ledgersync/internal/ratelimit"
	"ledgersync/internal/syncengine"
)

// heartbeatPayload mirrors eventsync's unexported heartbeat wire shape
// ({nodeId, height, mempoolSize, uptime}) so this package can read the
// height out of an inbound heartbeat without importing eventsync's
// internals.
type heartbeatPayload struct {
	NodeID      string `json:"nodeId"`
	Height      uint64 `json:"height"`
	MempoolSize int    `json:"mempoolSize"`
	UptimeSecs  int64  `json:"uptime"`
}

// BlockSource resolves blocks/headers by height for the explorer-style
// read endpoints; *blockstore.BlockStore satisfies this.
type BlockSource interface {
	GetByIndex(height uint64) (*blockmodel.Block, error)
	Count() uint64
}

// SnapshotSource resolves whether a snapshot exists at a height and its
// raw on-disk bytes; *snapshot.Manager satisfies this via thin wrappers.
type SnapshotSource interface {
	HasSnapshotAt(height uint64) (string, bool)
	RawBytes(path string) ([]byte, error)
}

// Config wires a Server's collaborators.
type Config struct {
	NodeID    string
	Addr      string
	Chain     *chainmanager.ChainManager
	Store     BlockSource
	Events    *events.BatchEventProcessor
	Sync      *eventsync.EventSync
	Snapshots SnapshotSource
	Limiter   *ratelimit.Limiter
	Logger    *logrus.Logger
}

// Server exposes the node's inter-node HTTP surface.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	logger     *logrus.Logger

	nodeID    string
	chain     *chainmanager.ChainManager
	store     BlockSource
	events    *events.BatchEventProcessor
	sync      *eventsync.EventSync
	snapshots SnapshotSource
	limiter   *ratelimit.Limiter
}

func NewServer(cfg Config) *Server {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	s := &Server{
		logger:    lg,
		nodeID:    cfg.NodeID,
		chain:     cfg.Chain,
		store:     cfg.Store,
		events:    cfg.Events,
		sync:      cfg.Sync,
		snapshots: cfg.Snapshots,
		limiter:   cfg.Limiter,
		router:    mux.NewRouter(),
	}
	s.routes()
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Start blocks serving HTTP until the listener fails or Shutdown is
// called (http.ErrServerClosed is not an error worth surfacing).
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}

func (s *Server) routes() {
	s.router.Use(s.loggingMiddleware)
	s.router.HandleFunc("/api/sync/events", s.handleReceiveEvent).Methods(http.MethodPost)
	s.router.HandleFunc("/api/explorer/get_block", s.handleGetBlock).Methods(http.MethodGet)
	s.router.HandleFunc("/api/explorer/get_blocks_range", s.handleGetBlocksRange).Methods(http.MethodGet)
	s.router.HandleFunc("/api/explorer/get_block_headers", s.handleGetBlockHeaders).Methods(http.MethodGet)
	s.router.HandleFunc("/api/explorer/has_state_snapshot", s.handleHasSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/api/explorer/get_state_snapshot", s.handleGetSnapshot).Methods(http.MethodGet)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(started),
		}).Debug("httpapi: request handled")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleReceiveEvent implements POST /api/sync/events: the body may
// be gzip-compressed (Content-Encoding: gzip), and X-Event-* headers carry
// the event's identity and priority. Duplicate or accepted both return 2xx
// per the documented contract.
func (s *Server) handleReceiveEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	eventType := r.Header.Get("X-Event-Type")
	eventID := r.Header.Get("X-Event-ID")
	sourceNode := r.Header.Get("X-Source-Node")
	priority := 3
	if p, err := strconv.Atoi(r.Header.Get("X-Event-Priority")); err == nil {
		priority = p
	}

	if s.limiter != nil && !s.limiter.Allow(syncTypeFor(eventType), sourceNode) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	switch eventType {
	case "block.added", "block.received":
		blk, err := syncengine.BlockFromWireJSON(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if s.sync != nil {
			s.sync.HandleBlockReceived(r.Context(), blk)
		}
		if err := s.chain.AddBlock(blk); err != nil {
			s.logger.WithError(err).WithField("height", blk.Index).Debug("httpapi: inbound block rejected")
		}
	case "transaction.broadcast":
		tx, err := syncengine.TransactionFromWireJSON(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := s.chain.AddTransaction(tx); err != nil {
			s.logger.WithError(err).Debug("httpapi: inbound transaction rejected")
		}
	case "heartbeat":
		var hb heartbeatPayload
		if err := json.Unmarshal(body, &hb); err == nil && s.sync != nil {
			s.sync.RecordPeerHeight(hb.NodeID, hb.Height)
		}
	}

	if s.events != nil {
		if err := s.events.Enqueue(eventID, eventType, json.RawMessage(body), priority); err != nil {
			s.logger.WithError(err).Debug("httpapi: event enqueue failed")
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// syncTypeFor maps an inbound event's wire type to the rate-limit
// bucket it should be charged against.
func syncTypeFor(eventType string) ratelimit.SyncType {
	switch eventType {
	case "block.added", "block.received":
		return ratelimit.BlockSync
	case "transaction.broadcast":
		return ratelimit.TxSync
	case "heartbeat":
		return ratelimit.MempoolSync
	default:
		return ratelimit.TxSync
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		return io.ReadAll(gz)
	}
	return io.ReadAll(r.Body)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(r.URL.Query().Get("block_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad block_id"})
		return
	}
	blk, err := s.store.GetByIndex(height)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, blockToPayload(blk))
}

func (s *Server) handleGetBlocksRange(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad start/end"})
		return
	}
	payloads := make([]syncengine.BlockPayload, 0, end-start+1)
	for h := start; h <= end; h++ {
		blk, err := s.store.GetByIndex(h)
		if err != nil {
			break
		}
		payloads = append(payloads, blockToPayload(blk))
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": payloads})
}

func (s *Server) handleGetBlockHeaders(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad start/end"})
		return
	}
	headers := make([]syncengine.HeaderPayload, 0, end-start+1)
	for h := start; h <= end; h++ {
		blk, err := s.store.GetByIndex(h)
		if err != nil {
			break
		}
		p := blockToPayload(blk)
		headers = append(headers, syncengine.HeaderPayload{
			Index:        p.Index,
			Timestamp:    p.Timestamp,
			PreviousHash: p.PreviousHash,
			MerkleRoot:   p.MerkleRoot,
			StateRoot:    p.StateRoot,
			Hash:         p.Hash,
			Nonce:        p.Nonce,
			GasUsed:      p.GasUsed,
			GasLimit:     p.GasLimit,
			Difficulty:   p.Difficulty,
			Validators:   p.Validators,
			Stakes:       p.Stakes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"headers": headers})
}

func (s *Server) handleHasSnapshot(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(r.URL.Query().Get("height"), 10, 64)
	if err != nil || s.snapshots == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"exists": false})
		return
	}
	_, ok := s.snapshots.HasSnapshotAt(height)
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(r.URL.Query().Get("height"), 10, 64)
	if err != nil || s.snapshots == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot"})
		return
	}
	path, ok := s.snapshots.HasSnapshotAt(height)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot at height"})
		return
	}
	body, err := s.snapshots.RawBytes(path)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseRange(r *http.Request) (uint64, uint64, bool) {
	start, err1 := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
	end, err2 := strconv.ParseUint(r.URL.Query().Get("end"), 10, 64)
	if err1 != nil || err2 != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func blockToPayload(b *blockmodel.Block) syncengine.BlockPayload {
	txs := make([]syncengine.TxPayload, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = txToPayload(tx)
	}
	return syncengine.BlockPayload{
		Index:        b.Index,
		Height:       b.Index,
		Timestamp:    b.Timestamp,
		PreviousHash: string(b.PreviousHash),
		MerkleRoot:   string(b.MerkleRoot),
		StateRoot:    string(b.StateRoot),
		Hash:         string(b.Hash()),
		Nonce:        b.Nonce,
		GasUsed:      b.GasUsed,
		GasLimit:     b.GasLimit,
		Difficulty:   b.Difficulty,
		Validators:   b.Validators,
		Stakes:       b.Stakes,
		Transactions: txs,
		Metadata:     b.Metadata,
	}
}

func txToPayload(tx *blockmodel.Transaction) syncengine.TxPayload {
	return syncengine.TxPayload{
		Hash:      string(tx.Hash()),
		From:      tx.From,
		To:        tx.To,
		Amount:    tx.Amount,
		Fee:       tx.Fee,
		Nonce:     tx.Nonce,
		GasLimit:  tx.GasLimit,
		GasUsed:   tx.GasUsed,
		GasPrice:  tx.GasPrice,
		Data:      tx.Data,
		Signature: tx.Signature,
		Status:    string(tx.Status),
		Timestamp: tx.Timestamp,
	}
}
