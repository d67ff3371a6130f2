package eventsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledgersync/internal/peerregistry"
)

// buildCascadeLevels buckets active peers (excluding source) into three
// reliability tiers, capping level 0 at 3 peers and level 1 at 5; everyone
// else (low-reliability peers, plus overflow from the higher tiers) lands
// in level 2.
func (es *EventSync) buildCascadeLevels(source string) [][]peerregistry.PeerRecord {
	var high, medium, low []peerregistry.PeerRecord
	for _, p := range es.registry.ActivePeers() {
		if p.ID == source {
			continue
		}
		switch r := es.reliability.reliability(p.ID); {
		case r >= 0.9:
			high = append(high, p)
		case r >= 0.7:
			medium = append(medium, p)
		default:
			low = append(low, p)
		}
	}
	sortByReliability := func(peers []peerregistry.PeerRecord) {
		sort.SliceStable(peers, func(i, j int) bool {
			return es.reliability.reliability(peers[i].ID) > es.reliability.reliability(peers[j].ID)
		})
	}
	sortByReliability(high)
	sortByReliability(medium)

	level0, highOverflow := splitAt(high, 3)
	level1, mediumOverflow := splitAt(medium, 5)
	level2 := append(append(append([]peerregistry.PeerRecord{}, highOverflow...), mediumOverflow...), low...)

	return [][]peerregistry.PeerRecord{level0, level1, level2}
}

func splitAt(peers []peerregistry.PeerRecord, n int) (head, tail []peerregistry.PeerRecord) {
	if n > len(peers) {
		n = len(peers)
	}
	return peers[:n], peers[n:]
}

// CascadePropagate fans ev out to active peers in up to three reliability
// tiers (capped at maxCascadeLevels), waiting cascadeDelay between tiers.
// The source peer (the node that told us about this event, if any) is
// always excluded.
func (es *EventSync) CascadePropagate(ctx context.Context, ev OutboundEvent, source string) {
	levels := es.buildCascadeLevels(source)
	for i, level := range levels {
		if i >= es.maxCascadeLevels {
			break
		}
		if len(level) == 0 {
			continue
		}
		es.fanOut(ctx, level, ev)
		if i < len(levels)-1 {
			select {
			case <-time.After(es.cascadeDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// fanOut sends ev to peers concurrently, batched to at most
// maxConcurrentConns in flight at once, each using an adaptive timeout
// derived from the peer's reliability.
func (es *EventSync) fanOut(ctx context.Context, peers []peerregistry.PeerRecord, ev OutboundEvent) {
	sem := make(chan struct{}, es.maxConcurrentConns)
	var wg sync.WaitGroup
	for _, peer := range peers {
		if !es.failedPeers.Allowed(peer.ID) {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(p peerregistry.PeerRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			es.sendOne(ctx, p, ev)
		}(peer)
	}
	wg.Wait()
}

func (es *EventSync) sendOne(ctx context.Context, peer peerregistry.PeerRecord, ev OutboundEvent) {
	reliability := es.reliability.reliability(peer.ID)
	timeout := adaptiveTimeout(es.baseTimeout, reliability)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := es.client.Send(cctx, peer.URL, es.nodeID, ev)
	if err != nil {
		es.reliability.recordFailure(peer.ID)
		es.failedPeers.RecordFailure(peer.ID)
		es.registry.RecordFailure(peer.ID)
		es.logger.WithError(err).WithField("peer", peer.ID).Warn("eventsync: send failed")
		return
	}
	es.reliability.recordSuccess(peer.ID)
	es.failedPeers.RecordSuccess(peer.ID)
	es.registry.RecordSuccess(peer.ID)
}

// adaptiveTimeout computes base × (1.5 − reliability), clamped to
// [1s, 10s].
func adaptiveTimeout(base time.Duration, reliability float64) time.Duration {
	t := time.Duration(float64(base) * (1.5 - reliability))
	if t < time.Second {
		return time.Second
	}
	if t > 10*time.Second {
		return 10 * time.Second
	}
	return t
}
