package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ledgersync/internal/chainmanager"
	"ledgersync/internal/errs"
	"ledgersync/internal/peerregistry"
)

// AttemptState names one step of a sync attempt's state machine:
// Idle -> ChooseStrategy -> Downloading -> Validating -> Applied (or Failed).
type AttemptState string

const (
	StateIdle           AttemptState = "idle"
	StateChooseStrategy AttemptState = "choose_strategy"
	StateDownloading    AttemptState = "downloading"
	StateValidating     AttemptState = "validating"
	StateApplied        AttemptState = "applied"
	StateFailed         AttemptState = "failed"
)

// Result reports the outcome of one Run call.
type Result struct {
	Strategy Strategy
	State    AttemptState
	Applied  int
	Err      error
}

// Config wires an Engine's collaborators and tunables.
type Config struct {
	Registry  *peerregistry.PeerRegistry
	Chain     *chainmanager.ChainManager
	Fetcher   PeerFetcher
	Snapshots SnapshotVerifier
	Logger    *logrus.Logger

	BatchSize         uint64        // default 100.
	ParallelDownloads int           // default 10.
	SnapshotInterval  uint64        // default 50000.
	FastSyncThreshold uint64        // default 1000.
	MaxSyncTime       time.Duration // default 1h.
	Checkpoints       []Checkpoint
}

// Engine drives strategy selection and bulk download, generalized into a
// single-shot Run per attempt rather than a permanent background loop.
type Engine struct {
	registry  *peerregistry.PeerRegistry
	chain     *chainmanager.ChainManager
	fetcher   PeerFetcher
	snapshots SnapshotVerifier
	logger    *logrus.Logger

	batchSize         uint64
	parallelDownloads int
	snapshotInterval  uint64
	fastSyncThreshold uint64
	maxSyncTime       time.Duration
	checkpoints       []Checkpoint
}

func New(cfg Config) *Engine {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(10 * time.Second)
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	parallel := cfg.ParallelDownloads
	if parallel <= 0 {
		parallel = 10
	}
	snapInterval := cfg.SnapshotInterval
	if snapInterval == 0 {
		snapInterval = 50000
	}
	fastThreshold := cfg.FastSyncThreshold
	if fastThreshold == 0 {
		fastThreshold = 1000
	}
	maxSync := cfg.MaxSyncTime
	if maxSync <= 0 {
		maxSync = time.Hour
	}
	return &Engine{
		registry:          cfg.Registry,
		chain:             cfg.Chain,
		fetcher:           fetcher,
		snapshots:         cfg.Snapshots,
		logger:            lg,
		batchSize:         batchSize,
		parallelDownloads: parallel,
		snapshotInterval:  snapInterval,
		fastSyncThreshold: fastThreshold,
		maxSyncTime:       maxSync,
		checkpoints:       append([]Checkpoint(nil), cfg.Checkpoints...),
	}
}

// RunFull bulk-downloads and applies every block in (local, network], used
// when delta < 100.
func (e *Engine) RunFull(ctx context.Context, local, network uint64) (int, error) {
	if network <= local {
		return 0, nil
	}
	payloads, err := e.downloadRange(ctx, local+1, network)
	if err != nil {
		return 0, fmt.Errorf("syncengine: full sync download: %w", err)
	}
	return e.applyPayloads(payloads)
}

// Run executes one sync attempt against the given network height,
// choosing a strategy from the (local, network, checkpoints) table and
// bounding the whole attempt by maxSyncTime. A local height equal to
// network is a documented no-op returning success.
func (e *Engine) Run(ctx context.Context, network uint64) Result {
	local, err := e.chain.Height()
	if err != nil {
		local = 0
	}
	if network <= local {
		return Result{State: StateApplied, Strategy: StrategyFull}
	}

	cctx, cancel := context.WithTimeout(ctx, e.maxSyncTime)
	defer cancel()

	_, hasCP := bestCheckpoint(e.checkpoints, network)
	strategy := ChooseStrategy(local, network, hasCP, e.fastSyncThreshold)

	e.logger.WithFields(logrus.Fields{
		"local":    local,
		"network":  network,
		"strategy": strategy,
	}).Info("syncengine: starting sync attempt")

	applied, err := e.runStrategy(cctx, strategy, local, network)
	if err != nil {
		if cctx.Err() != nil {
			e.logger.WithField("applied", applied).Warn("syncengine: attempt deadline exceeded, leaving chain at highest contiguously applied block")
			return Result{Strategy: strategy, State: StateFailed, Applied: applied, Err: errs.New(errs.Integrity, "Run", cctx.Err())}
		}
		return Result{Strategy: strategy, State: StateFailed, Applied: applied, Err: err}
	}
	return Result{Strategy: strategy, State: StateApplied, Applied: applied}
}

func (e *Engine) runStrategy(ctx context.Context, strategy Strategy, local, network uint64) (int, error) {
	switch strategy {
	case StrategyCheckpoint:
		cp, ok := bestCheckpoint(e.checkpoints, network)
		if !ok {
			return e.RunFull(ctx, local, network)
		}
		return e.RunCheckpoint(ctx, network, cp)
	case StrategyFast:
		return e.RunFast(ctx, network)
	default:
		return e.RunFull(ctx, local, network)
	}
}
