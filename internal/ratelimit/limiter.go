// Package ratelimit implements a per-(syncType,peer) fixed window and its
// companion priority queue for deferred sync requests: a mutex-guarded map
// plus background sweep shape, applied to request accounting instead of
// RTT.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const windowSize = 60 * time.Second

// SyncType names the sync operation a rate-limit budget applies to.
type SyncType string

const (
	BlockSync   SyncType = "block_sync"
	TxSync      SyncType = "tx_sync"
	MempoolSync SyncType = "mempool_sync"
	WalletSync  SyncType = "wallet_sync"
	FullSync    SyncType = "full_sync"
)

// DefaultBudgets is the default per-type requests-per-minute table.
func DefaultBudgets() map[SyncType]int {
	return map[SyncType]int{
		BlockSync:   60,
		TxSync:      300,
		MempoolSync: 30,
		WalletSync:  120,
		FullSync:    6,
	}
}

type windowState struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// Store persists rate-limit window state, matching the durable
// sync_rate_limits(key, count, window_start, blocked_until) table.
// The limiter never lets a Store failure block traffic: errors fail open.
type Store interface {
	Load(key string) (windowState, bool, error)
	Save(key string, st windowState) error
}

// memStore is the default in-process Store.
type memStore struct {
	mu sync.Mutex
	m  map[string]windowState
}

func newMemStore() *memStore { return &memStore{m: make(map[string]windowState)} }

func (s *memStore) Load(key string) (windowState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[key]
	return st, ok, nil
}

func (s *memStore) Save(key string, st windowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = st
	return nil
}

// Config wires a Limiter's budgets and backing store.
type Config struct {
	Budgets map[SyncType]int // defaults to DefaultBudgets() for any unset type.
	Store   Store             // defaults to an in-process map.
	Logger  *logrus.Logger
}

// Limiter enforces a fixed-window budget per (syncType, peer) key.
type Limiter struct {
	mu      sync.Mutex
	budgets map[SyncType]int
	store   Store
	logger  *logrus.Logger
}

func New(cfg Config) *Limiter {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	budgets := DefaultBudgets()
	for t, v := range cfg.Budgets {
		budgets[t] = v
	}
	store := cfg.Store
	if store == nil {
		store = newMemStore()
	}
	return &Limiter{budgets: budgets, store: store, logger: lg}
}

func key(syncType SyncType, peerID string) string {
	return fmt.Sprintf("%s\x00%s", syncType, peerID)
}

// Allow implements the allow(k) state machine. A Store error fails open
// (allow) rather than risk a peer being starved by a storage outage.
func (l *Limiter) Allow(syncType SyncType, peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(syncType, peerID)
	st, ok, err := l.store.Load(k)
	if err != nil {
		l.logger.WithError(err).WithField("key", k).Warn("ratelimit: store load failed, failing open")
		return true
	}
	now := time.Now()
	if !ok {
		st = windowState{windowStart: now}
	}

	if st.blockedUntil.After(now) {
		return false
	}
	if now.Sub(st.windowStart) >= windowSize {
		st = windowState{count: 1, windowStart: now}
		l.save(k, st)
		return true
	}

	limit := l.budgets[syncType]
	if limit <= 0 {
		limit = l.budgets[TxSync]
	}
	if st.count >= limit {
		st.blockedUntil = st.windowStart.Add(windowSize)
		l.save(k, st)
		return false
	}
	st.count++
	l.save(k, st)
	return true
}

func (l *Limiter) save(k string, st windowState) {
	if err := l.store.Save(k, st); err != nil {
		l.logger.WithError(err).WithField("key", k).Warn("ratelimit: store save failed")
	}
}
