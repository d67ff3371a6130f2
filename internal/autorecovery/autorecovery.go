// Package autorecovery implements a periodic health check and escalation
// loop, following a high-availability failover-recovery periodic-check
// shape generalized from "promote a standby" to "enqueue a priority sync
// request".
package autorecovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ledgersync/internal/chainmanager"
	"ledgersync/internal/events"
	"ledgersync/internal/peerregistry"
	"ledgersync/internal/ratelimit"
)

// Status is a metric's health classification against its warning/critical
// thresholds.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Metric is one of five computed health signals with its current value
// and classification, matching the durable sync_health_monitor table.
type Metric struct {
	Name      string
	Value     float64
	Status    Status
	CheckedAt time.Time
}

// NetworkHeightProvider resolves the best known height across active
// peers, for the height_delta metric. EventSync or a lightweight peer
// poller implements this.
type NetworkHeightProvider interface {
	NetworkHeight() uint64
}

// Config wires an AutoRecovery loop's collaborators and thresholds.
type Config struct {
	NodeID    string
	Chain     *chainmanager.ChainManager
	Registry  *peerregistry.PeerRegistry
	Events    *events.BatchEventProcessor
	Queue     *ratelimit.PriorityQueue
	Network   NetworkHeightProvider
	Logger    *logrus.Logger
	Interval  time.Duration // default 300s.
	MaxMempool int          // default 1000.
}

// recoveryLogEntry matches the durable sync_recovery_log table.
type recoveryLogEntry struct {
	NodeID      string
	Type        string
	Actions     string
	StartedAt   time.Time
	CompletedAt time.Time
	Success     bool
}

// AutoRecovery periodically computes five health metrics and escalates any
// critical one into a priority sync request or mempool purge.
type AutoRecovery struct {
	nodeID   string
	chain    *chainmanager.ChainManager
	registry *peerregistry.PeerRegistry
	events   *events.BatchEventProcessor
	queue    *ratelimit.PriorityQueue
	network  NetworkHeightProvider
	logger   *logrus.Logger

	interval   time.Duration
	maxMempool int

	mu  sync.Mutex
	log []recoveryLogEntry

	active bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config) *AutoRecovery {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	maxMempool := cfg.MaxMempool
	if maxMempool <= 0 {
		maxMempool = 1000
	}
	return &AutoRecovery{
		nodeID:     cfg.NodeID,
		chain:      cfg.Chain,
		registry:   cfg.Registry,
		events:     cfg.Events,
		queue:      cfg.Queue,
		network:    cfg.Network,
		logger:     lg,
		interval:   interval,
		maxMempool: maxMempool,
		quit:       make(chan struct{}),
	}
}

// Start launches the periodic check loop.
func (ar *AutoRecovery) Start() {
	ar.mu.Lock()
	if ar.active {
		ar.mu.Unlock()
		return
	}
	ar.active = true
	ar.mu.Unlock()

	ar.wg.Add(1)
	go ar.loop()
}

// Stop ends the periodic check loop.
func (ar *AutoRecovery) Stop() {
	ar.mu.Lock()
	if !ar.active {
		ar.mu.Unlock()
		return
	}
	ar.active = false
	close(ar.quit)
	ar.mu.Unlock()
	ar.wg.Wait()
}

func (ar *AutoRecovery) loop() {
	defer ar.wg.Done()
	t := time.NewTicker(ar.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ar.Check()
		case <-ar.quit:
			return
		}
	}
}

// Check computes every metric once and escalates any critical one.
// It is exported so operators and tests can trigger an out-of-band check
// without waiting for the ticker.
func (ar *AutoRecovery) Check() []Metric {
	started := time.Now()
	metrics := ar.computeMetrics()
	for _, m := range metrics {
		if m.Status == StatusCritical {
			ar.escalate(m, started)
		}
	}
	return metrics
}

func (ar *AutoRecovery) computeMetrics() []Metric {
	now := time.Now()
	local, _ := ar.chain.Height()
	network := uint64(0)
	if ar.network != nil {
		network = ar.network.NetworkHeight()
	}

	var heightDelta float64
	if network > local {
		heightDelta = float64(network - local)
	}

	mempoolSize := ar.chain.PendingCount()
	oldTxCount := ar.chain.PurgeOlderThan(now.Add(-2 * time.Hour))
	// PurgeOlderThan already removed them; oldTxCount is how many were
	// stale enough to purge this round, which also is the escalation
	// trigger: old_tx_count > 10 escalates.

	connectivity := connectivityRatio(ar.registry)

	pendingEvents := 0
	failedEvents := 0
	if ar.events != nil {
		pendingEvents = ar.events.PendingCount()
	}

	return []Metric{
		heightDeltaMetric(heightDelta, now),
		transactionDeltaMetric(float64(oldTxCount), ar.maxMempool, now),
		mempoolSizeMetric(float64(mempoolSize), ar.maxMempool, oldTxCount, now),
		connectivityMetric(connectivity, now),
		pendingEventsMetric(float64(pendingEvents), float64(failedEvents), now),
	}
}

func heightDeltaMetric(delta float64, now time.Time) Metric {
	status := StatusOK
	switch {
	case delta > 50:
		status = StatusCritical
	case delta > 10:
		status = StatusWarning
	}
	return Metric{Name: "height_delta", Value: delta, Status: status, CheckedAt: now}
}

func transactionDeltaMetric(delta float64, max int, now time.Time) Metric {
	warn := 10.0
	if v := 0.05 * float64(max); v > warn {
		warn = v
	}
	crit := 50.0
	if v := 0.15 * float64(max); v > crit {
		crit = v
	}
	status := StatusOK
	switch {
	case delta >= crit:
		status = StatusCritical
	case delta >= warn:
		status = StatusWarning
	}
	return Metric{Name: "transaction_delta", Value: delta, Status: status, CheckedAt: now}
}

func mempoolSizeMetric(size float64, max int, oldTxCount int, now time.Time) Metric {
	warn := 0.8 * float64(max)
	status := StatusOK
	switch {
	case size >= float64(max) || oldTxCount > 10:
		status = StatusCritical
	case size >= warn:
		status = StatusWarning
	}
	return Metric{Name: "mempool_size", Value: size, Status: status, CheckedAt: now}
}

func connectivityMetric(ratio float64, now time.Time) Metric {
	status := StatusOK
	switch {
	case ratio < 0.25:
		status = StatusCritical
	case ratio < 0.5:
		status = StatusWarning
	}
	return Metric{Name: "connectivity_ratio", Value: ratio, Status: status, CheckedAt: now}
}

func pendingEventsMetric(pending, failed float64, now time.Time) Metric {
	status := StatusOK
	switch {
	case pending > 500 || failed > 50:
		status = StatusCritical
	case pending > 100:
		status = StatusWarning
	}
	return Metric{Name: "pending_events", Value: pending, Status: status, CheckedAt: now}
}

func connectivityRatio(registry *peerregistry.PeerRegistry) float64 {
	all := registry.All()
	if len(all) == 0 {
		return 0
	}
	active := registry.ActivePeers()
	return float64(len(active)) / float64(len(all))
}

// escalate enqueues a priority-1 sync request of the metric's matching
// kind, or purges stale mempool entries for the mempool metric, and
// records the action in the in-memory recovery log (sync_recovery_log).
func (ar *AutoRecovery) escalate(m Metric, started time.Time) {
	entry := recoveryLogEntry{NodeID: ar.nodeID, Type: m.Name, StartedAt: started}

	switch m.Name {
	case "height_delta":
		if ar.queue != nil {
			ar.queue.Enqueue("full_sync", nil, "", 1, 0)
		}
		entry.Actions = "enqueued priority full_sync request"
	case "connectivity_ratio":
		if ar.queue != nil {
			ar.queue.Enqueue("wallet_sync", nil, "", 1, 0)
		}
		entry.Actions = "enqueued priority wallet_sync to rebuild peer connectivity"
	case "mempool_size", "transaction_delta":
		removed := ar.chain.PurgeOlderThan(time.Now().Add(-2 * time.Hour))
		entry.Actions = fmt.Sprintf("purged %d mempool entries older than 2h", removed)
	case "pending_events":
		if ar.queue != nil {
			ar.queue.Enqueue("mempool_sync", nil, "", 1, 0)
		}
		entry.Actions = "enqueued priority mempool_sync to relieve event backlog"
	}

	entry.CompletedAt = time.Now()
	entry.Success = true
	ar.logger.WithFields(logrus.Fields{
		"metric": m.Name,
		"value":  m.Value,
		"action": entry.Actions,
	}).Warn("autorecovery: critical metric escalated")

	ar.mu.Lock()
	ar.log = append(ar.log, entry)
	ar.mu.Unlock()
}

// RecoveryLog returns a copy of every escalation recorded so far, for
// diagnostics and tests.
func (ar *AutoRecovery) RecoveryLog() []recoveryLogEntry {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return append([]recoveryLogEntry(nil), ar.log...)
}
