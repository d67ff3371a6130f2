// Package app is the composition root: it wires every component into a
// running node with no ambient state: dependency injection via Config
// structs, no package-level globals, and a single place that constructs
// the whole graph before cobra hands off to it.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"ledgersync/internal/autorecovery"
	"ledgersync/internal/blockmodel"
	"ledgersync/internal/blockstore"
	"ledgersync/internal/breaker"
	"ledgersync/internal/chainmanager"
	"ledgersync/internal/config"
	"ledgersync/internal/consensusiface"
	"ledgersync/internal/events"
	"ledgersync/internal/eventsync"
	"ledgersync/internal/httpapi"
	"ledgersync/internal/loadbalancer"
	"ledgersync/internal/peerregistry"
	"ledgersync/internal/ratelimit"
	"ledgersync/internal/snapshot"
	"ledgersync/internal/syncengine"
	"ledgersync/internal/vmiface"
)

// noopVM is the default stand-in for the external VM collaborator (out of
// scope here). It accepts every call and reports no state change, so
// blocks built without a real VM wired in simply carry zero smart-contract
// results.
type noopVM struct{}

func (noopVM) Execute([]byte, vmiface.Context) (blockmodel.SmartContractResult, error) {
	return blockmodel.SmartContractResult{Success: true}, nil
}

// alwaysValidVerifier is the default stand-in for the external signature
// collaborator (wallet/key tooling is out of scope here). Production
// deployments should inject a real ed25519/ECDSA verifier; this default
// exists only so the node runs standalone.
type alwaysValidVerifier struct{}

func (alwaysValidVerifier) Verify(string, []byte, []byte) bool { return true }

// schedulerAdapter hands EventSync's gap classification off to the sync
// engine, running each resulting attempt in its own goroutine so the
// caller (a heartbeat/event-handling goroutine) never blocks on a bulk
// download (the gap-handling to bulk-download handoff).
type schedulerAdapter struct {
	engine *syncengine.Engine
	logger *logrus.Logger
}

func (a *schedulerAdapter) ScheduleSync(action eventsync.GapAction, targetHeight uint64) {
	go func() {
		result := a.engine.Run(context.Background(), targetHeight)
		a.logger.WithFields(logrus.Fields{
			"action":   action,
			"target":   targetHeight,
			"strategy": result.Strategy,
			"state":    result.State,
			"applied":  result.Applied,
		}).Info("app: scheduled sync attempt finished")
	}()
}

// Config is everything needed to stand up one node.
type Config struct {
	NodeID       string
	DataDir      string
	ListenAddr   string
	Settings     config.Config
	Validators   []string
	InitialStake map[string]uint64
	SnapshotKey  []byte // nil disables snapshot encryption.
	Logger       *logrus.Logger
}

// Node owns every component's lifecycle.
type Node struct {
	logger *logrus.Logger

	store      *blockstore.BlockStore
	chain      *chainmanager.ChainManager
	registry   *peerregistry.PeerRegistry
	breaker    *breaker.Breaker
	balancer   *loadbalancer.LoadBalancer
	limiter    *ratelimit.Limiter
	queue      *ratelimit.PriorityQueue
	eventProc  *events.BatchEventProcessor
	sync       *eventsync.EventSync
	engine     *syncengine.Engine
	snapshots  *snapshot.Manager
	recovery   *autorecovery.AutoRecovery
	httpServer *httpapi.Server
}

// New constructs the full dependency graph and bootstraps genesis if the
// chain is empty.
func New(cfg Config) (*Node, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	s := cfg.Settings

	store, err := blockstore.New(blockstore.Config{
		WALPath:    filepath.Join(cfg.DataDir, "chain.wal"),
		BinaryPath: filepath.Join(cfg.DataDir, "chain.bin"),
		Logger:     lg,
	})
	if err != nil {
		return nil, fmt.Errorf("app: open block store: %w", err)
	}

	if store.Count() == 0 {
		genesis, err := blockmodel.NewGenesisBlock(time.Now().Unix(), cfg.Validators, cfg.InitialStake, nil)
		if err != nil {
			return nil, fmt.Errorf("app: build genesis block: %w", err)
		}
		if err := store.SaveBlock(genesis); err != nil {
			return nil, fmt.Errorf("app: persist genesis block: %w", err)
		}
	}

	registry := peerregistry.New(peerregistry.Config{
		Logger:            lg,
		DeadNodeThreshold: s.DeadNodeThreshold,
	})

	cb := breaker.New(breaker.Config{
		FailureThreshold: s.CircuitBreakerThreshold,
		OpenTimeout:      s.CircuitBreakerTimeout,
	})

	balancer := loadbalancer.New(loadbalancer.Config{
		Registry: registry,
		Breaker:  cb,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Budgets: map[ratelimit.SyncType]int{
			ratelimit.BlockSync:   s.BlockSyncRPM,
			ratelimit.TxSync:      s.TxSyncRPM,
			ratelimit.MempoolSync: s.MempoolSyncRPM,
			ratelimit.WalletSync:  s.WalletSyncRPM,
			ratelimit.FullSync:    s.FullSyncRPM,
		},
		Logger: lg,
	})

	queue := ratelimit.NewPriorityQueue(ratelimit.QueueConfig{
		MaxRetries: s.MaxRetryAttempts,
	})

	eventSink, err := events.NewFileSink(filepath.Join(cfg.DataDir, "events.log"))
	if err != nil {
		return nil, fmt.Errorf("app: open event sink: %w", err)
	}
	eventProc := events.New(events.Config{
		Sink:          eventSink,
		Logger:        lg,
		BatchSize:     s.BatchSize,
		MaxQueueSize:  s.MaxQueueSize,
		FlushInterval: s.FlushInterval,
		MaxRetries:    s.MaxRetryAttempts,
	})

	chain := chainmanager.New(chainmanager.Config{
		Store:         store,
		Consensus:     consensusiface.WeightedStakeConsensus{},
		VM:            noopVM{},
		Verifier:      alwaysValidVerifier{},
		Logger:        lg,
		MaxTxPerBlock: s.MaxTxPerBlock,
	})

	sync := eventsync.New(eventsync.Config{
		NodeID:             cfg.NodeID,
		Registry:           registry,
		Chain:              chain,
		Store:              store,
		Logger:             lg,
		HeartbeatInterval:  s.HeartbeatInterval,
		DeadNodeThreshold:  s.DeadNodeThreshold,
		MaxCascadeLevels:   s.MaxCascadeLevels,
		CascadeDelay:       s.SyncCascadeDelay,
		MaxConcurrentConns: s.MaxConcurrentConns,
		BaseTimeout:        s.PropagationTimeout,
	})
	chain.SetDispatcher(sync)

	snapMgr, err := snapshot.New(snapshot.Config{
		Dir:         filepath.Join(cfg.DataDir, "snapshots"),
		Provider:    chain,
		Applier:     chain,
		Logger:      lg,
		CompressTop: s.EnableCompression,
		EncryptKey:  cfg.SnapshotKey,
	})
	if err != nil {
		return nil, fmt.Errorf("app: open snapshot manager: %w", err)
	}

	engine := syncengine.New(syncengine.Config{
		Registry:          registry,
		Chain:             chain,
		Snapshots:         snapMgr,
		Logger:            lg,
		BatchSize:         uint64(s.BatchBlockSize),
		ParallelDownloads: s.ParallelDownloads,
		SnapshotInterval:  s.StateSnapshotSize,
		FastSyncThreshold: s.FastSyncThreshold,
		MaxSyncTime:       s.MaxSyncTime,
	})

	sync.SetScheduler(&schedulerAdapter{engine: engine, logger: lg})

	recovery := autorecovery.New(autorecovery.Config{
		NodeID:   cfg.NodeID,
		Chain:    chain,
		Registry: registry,
		Events:   eventProc,
		Queue:    queue,
		Network:  sync,
		Logger:   lg,
	})

	httpServer := httpapi.NewServer(httpapi.Config{
		NodeID:    cfg.NodeID,
		Addr:      cfg.ListenAddr,
		Chain:     chain,
		Store:     store,
		Events:    eventProc,
		Sync:      sync,
		Snapshots: snapMgr,
		Limiter:   limiter,
		Logger:    lg,
	})

	return &Node{
		logger:     lg,
		store:      store,
		chain:      chain,
		registry:   registry,
		breaker:    cb,
		balancer:   balancer,
		limiter:    limiter,
		queue:      queue,
		eventProc:  eventProc,
		sync:       sync,
		engine:     engine,
		snapshots:  snapMgr,
		recovery:   recovery,
		httpServer: httpServer,
	}, nil
}

// Start launches every background loop and blocks serving HTTP until
// Stop is called from another goroutine or the listener fails.
func (n *Node) Start() error {
	n.eventProc.Start()
	n.sync.Start()
	n.recovery.Start()
	n.logger.WithField("node", "started").Info("app: node started")
	return n.httpServer.Start()
}

// Stop tears down every background loop in reverse order and closes the
// block store's WAL handle.
func (n *Node) Stop() error {
	_ = n.httpServer.Shutdown()
	n.recovery.Stop()
	n.sync.Stop()
	n.eventProc.Stop()
	return n.store.Close()
}

// SyncNow runs one foreground sync attempt against the given network
// height, for the CLI's `sync now` command.
func (n *Node) SyncNow(ctx context.Context, networkHeight uint64) syncengine.Result {
	return n.engine.Run(ctx, networkHeight)
}

// CreateSnapshot runs one snapshot creation at the chain's current tip,
// for the CLI's `snapshot create` command.
func (n *Node) CreateSnapshot(ctx context.Context) (string, error) {
	height, err := n.chain.Height()
	if err != nil {
		return "", err
	}
	return n.snapshots.Create(ctx, height)
}

// ListSnapshots returns every known snapshot's metadata, for the CLI's
// `snapshot list` command.
func (n *Node) ListSnapshots() ([]snapshot.Metadata, error) {
	return n.snapshots.List()
}

// Height reports the local chain's current height.
func (n *Node) Height() (uint64, error) {
	return n.chain.Height()
}
