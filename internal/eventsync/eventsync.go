// Package eventsync implements real-time event propagation: cascade
// fan-out, heartbeats, gap handling and fork detection, built around a
// SyncManager-style Start/Stop/background-loop shape.
package eventsync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/blockstore"
	"ledgersync/internal/chainmanager"
	"ledgersync/internal/peerregistry"
)

// GapAction classifies how a detected height gap should be resolved.
type GapAction string

const (
	GapImmediateCatchup GapAction = "immediate_catchup" // Δ <= 10
	GapBatchSync        GapAction = "batch_sync"        // 10 < Δ <= 100
	GapFullSync         GapAction = "full_sync"         // Δ > 100
)

// ClassifyGap applies the gap-size thresholds.
func ClassifyGap(delta uint64) GapAction {
	switch {
	case delta <= 10:
		return GapImmediateCatchup
	case delta <= 100:
		return GapBatchSync
	default:
		return GapFullSync
	}
}

// SyncScheduler is the seam to the sync engine: EventSync classifies a gap
// and hands off the actual bulk download to whatever implements this,
// keeping SyncEngine's dependency on EventSync one-directional (SyncEngine
// may call back into EventSync's peer fan-out; EventSync never imports
// SyncEngine).
type SyncScheduler interface {
	ScheduleSync(action GapAction, targetHeight uint64)
}

type noopScheduler struct{}

func (noopScheduler) ScheduleSync(GapAction, uint64) {}

// Config wires an EventSync's collaborators and tunables.
type Config struct {
	NodeID       string
	Registry     *peerregistry.PeerRegistry
	Chain        *chainmanager.ChainManager
	Store        *blockstore.BlockStore
	Client       PeerClient
	BlockFetcher BlockFetcher
	Scheduler    SyncScheduler
	Logger       *logrus.Logger

	HeartbeatInterval  time.Duration
	DeadNodeThreshold  time.Duration
	MaxCascadeLevels   int
	CascadeDelay       time.Duration
	MaxConcurrentConns int
	BaseTimeout        time.Duration
}

// EventSync coordinates propagation of block, transaction, mempool,
// heartbeat, fork and gap events across the peer set.
type EventSync struct {
	nodeID       string
	registry     *peerregistry.PeerRegistry
	chain        *chainmanager.ChainManager
	store        *blockstore.BlockStore
	client       PeerClient
	blockFetcher BlockFetcher
	scheduler    SyncScheduler
	logger       *logrus.Logger

	reliability *reliabilityTracker
	failedPeers *failedPeerMemory

	peerHeightsMu sync.Mutex
	peerHeights   map[string]uint64

	heartbeatInterval  time.Duration
	deadNodeThreshold  time.Duration
	maxCascadeLevels   int
	cascadeDelay       time.Duration
	maxConcurrentConns int
	baseTimeout        time.Duration

	startedAt time.Time
	active    bool
	quit      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
}

func New(cfg Config) *EventSync {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	client := cfg.Client
	if client == nil {
		client = NewHTTPClient(10 * time.Second)
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = noopScheduler{}
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	dead := cfg.DeadNodeThreshold
	if dead <= 0 {
		dead = 90 * time.Second
	}
	maxLevels := cfg.MaxCascadeLevels
	if maxLevels <= 0 {
		maxLevels = 3
	}
	cascadeDelay := cfg.CascadeDelay
	if cascadeDelay <= 0 {
		cascadeDelay = 500 * time.Millisecond
	}
	maxConns := cfg.MaxConcurrentConns
	if maxConns <= 0 {
		maxConns = 10
	}
	base := cfg.BaseTimeout
	if base <= 0 {
		base = 2 * time.Second
	}
	return &EventSync{
		nodeID:             cfg.NodeID,
		registry:           cfg.Registry,
		chain:              cfg.Chain,
		store:              cfg.Store,
		client:             client,
		blockFetcher:       cfg.BlockFetcher,
		scheduler:          scheduler,
		logger:             lg,
		reliability:        newReliabilityTracker(),
		failedPeers:        newFailedPeerMemory(base),
		peerHeights:        make(map[string]uint64),
		heartbeatInterval:  heartbeat,
		deadNodeThreshold:  dead,
		maxCascadeLevels:   maxLevels,
		cascadeDelay:       cascadeDelay,
		maxConcurrentConns: maxConns,
		baseTimeout:        base,
		startedAt:          time.Now(),
		quit:               make(chan struct{}),
	}
}

// SetScheduler rewires the sync scheduler after construction, for callers
// whose scheduler (SyncEngine) itself depends on the EventSync it reports
// gaps to and so cannot be built first.
func (es *EventSync) SetScheduler(s SyncScheduler) {
	if s == nil {
		s = noopScheduler{}
	}
	es.scheduler = s
}

// Dispatch implements chainmanager.EventDispatcher: ChainManager calls this
// after releasing its locks, and EventSync decides how to propagate.
func (es *EventSync) Dispatch(eventType string, payload any) {
	ctx := context.Background()
	switch eventType {
	case "block.added":
		blk, ok := payload.(*blockmodel.Block)
		if !ok {
			return
		}
		es.CascadePropagate(ctx, OutboundEvent{ID: string(blk.Hash()), Type: eventType, Priority: 1, Payload: blk}, "")
	case "transaction.broadcast":
		tx, ok := payload.(*blockmodel.Transaction)
		if !ok {
			return
		}
		es.CascadePropagate(ctx, OutboundEvent{ID: string(tx.Hash()), Type: eventType, Priority: 2, Payload: tx}, "")
	case "block.received":
		blk, ok := payload.(*blockmodel.Block)
		if !ok {
			return
		}
		es.HandleBlockReceived(ctx, blk)
	default:
		es.logger.WithField("type", eventType).Debug("eventsync: dispatching unhandled event type as best-effort broadcast")
		es.CascadePropagate(ctx, OutboundEvent{Type: eventType, Priority: 3, Payload: payload}, "")
	}
}

// Start launches the periodic heartbeat loop.
func (es *EventSync) Start() {
	es.mu.Lock()
	if es.active {
		es.mu.Unlock()
		return
	}
	es.active = true
	es.mu.Unlock()

	es.wg.Add(1)
	go es.heartbeatLoop()
}

// Stop ends the heartbeat loop.
func (es *EventSync) Stop() {
	es.mu.Lock()
	if !es.active {
		es.mu.Unlock()
		return
	}
	es.active = false
	close(es.quit)
	es.mu.Unlock()
	es.wg.Wait()
}

func (es *EventSync) heartbeatLoop() {
	defer es.wg.Done()
	t := time.NewTicker(es.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			es.sendHeartbeat()
		case <-es.quit:
			return
		}
	}
}

// heartbeatPayload is the {nodeId, height, mempoolSize, uptime} heartbeat body.
type heartbeatPayload struct {
	NodeID      string `json:"nodeId"`
	Height      uint64 `json:"height"`
	MempoolSize int    `json:"mempoolSize"`
	UptimeSecs  int64  `json:"uptime"`
}

// sendHeartbeat sends a LOW-priority heartbeat to the top-5 high-reputation
// peers.
func (es *EventSync) sendHeartbeat() {
	height, err := es.chain.Height()
	if err != nil {
		height = 0
	}
	payload := heartbeatPayload{
		NodeID:      es.nodeID,
		Height:      height,
		MempoolSize: es.chain.PendingCount(),
		UptimeSecs:  int64(time.Since(es.startedAt).Seconds()),
	}
	top := es.registry.TopReputation(5)
	es.fanOut(context.Background(), top, OutboundEvent{Type: "heartbeat", Priority: 4, Payload: payload})
}

// RecordPeerHeight remembers the height a peer last reported over its own
// heartbeat, so NetworkHeight can answer autorecovery's height_delta
// metric without EventSync depending on SyncEngine.
func (es *EventSync) RecordPeerHeight(peerID string, height uint64) {
	es.peerHeightsMu.Lock()
	defer es.peerHeightsMu.Unlock()
	es.peerHeights[peerID] = height
}

// NetworkHeight returns the highest height any peer has reported,
// implementing autorecovery.NetworkHeightProvider.
func (es *EventSync) NetworkHeight() uint64 {
	es.peerHeightsMu.Lock()
	defer es.peerHeightsMu.Unlock()
	var best uint64
	for _, h := range es.peerHeights {
		if h > best {
			best = h
		}
	}
	return best
}

// HandleBlockReceived is the gap-handling entry point: a block arriving one
// past the local tip with a previousHash that doesn't match is a fork;
// anything further ahead than that is a gap classified by size and handed
// off to the sync scheduler.
func (es *EventSync) HandleBlockReceived(ctx context.Context, blk *blockmodel.Block) {
	local, err := es.chain.Height()
	if err != nil {
		local = 0
	}
	switch {
	case blk.Index == local+1 && es.store != nil:
		tip, tipErr := es.store.Tip()
		if tipErr == nil && blk.PreviousHash != tip.Hash() {
			if err := es.DetectFork(ctx, blk.Index, tip.Hash()); err != nil {
				es.logger.WithError(err).WithField("height", blk.Index).Warn("eventsync: fork resolution failed")
			}
		}
	case blk.Index > local+1:
		delta := blk.Index - local
		es.scheduler.ScheduleSync(ClassifyGap(delta), blk.Index)
	}
}
