// Package providerquerymanager implements spec §4.7: a bounded-concurrency
// front end over Network.FindProvidersAsync that deduplicates concurrent
// queries for the same CID and fans the result out to every caller.
package providerquerymanager

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"golang.org/x/sync/semaphore"

	"github.com/lgehr/ipfs-bitswap-core/internal/defaults"
	bslog "github.com/lgehr/ipfs-bitswap-core/internal/log"
	"github.com/lgehr/ipfs-bitswap-core/network"
)

var log = bslog.Logger("bitswap/providerquerymanager")

// ProviderQueryManager runs at most defaults.MaxOutstandingProviderQueries
// concurrent provider lookups, regardless of how many sessions ask.
type ProviderQueryManager struct {
	network network.Network
	sem     *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[cid.Cid]*query
}

type query struct {
	subs []*subscription
	done chan struct{}
}

// subscription pairs an outbound channel with a guard against closing it
// twice: once from run() finishing normally, once from the caller's own
// context expiring first.
type subscription struct {
	ch        chan peer.ID
	closeOnce sync.Once
}

func (s *subscription) close() { s.closeOnce.Do(func() { close(s.ch) }) }

// New constructs a ProviderQueryManager over net.
func New(net network.Network) *ProviderQueryManager {
	return &ProviderQueryManager{
		network:  net,
		sem:      semaphore.NewWeighted(defaults.MaxOutstandingProviderQueries),
		inFlight: make(map[cid.Cid]*query),
	}
}

// FindProvidersAsync streams providers for c. If a query for c is already
// in flight, the caller is attached to it rather than starting a second
// lookup (spec §4.7: "deduplicates concurrent requests for the same CID").
// The returned channel is closed when the query completes or ctx is done.
func (pqm *ProviderQueryManager) FindProvidersAsync(ctx context.Context, c cid.Cid) <-chan peer.ID {
	sub := &subscription{ch: make(chan peer.ID, defaults.MaxFallbackPeersPerWant+1)}

	pqm.mu.Lock()
	q, ok := pqm.inFlight[c]
	if ok {
		q.subs = append(q.subs, sub)
		pqm.mu.Unlock()
		pqm.closeOnCallerDone(ctx, q, sub)
		return sub.ch
	}
	q = &query{subs: []*subscription{sub}, done: make(chan struct{})}
	pqm.inFlight[c] = q
	pqm.mu.Unlock()

	go pqm.run(c, q)
	pqm.closeOnCallerDone(ctx, q, sub)
	return sub.ch
}

// closeOnCallerDone closes sub early if ctx expires before the query itself
// finishes, so a caller that gives up doesn't block forever on a channel
// run() would otherwise only close much later. It holds the same pqm.mu
// run() holds around its send loop, so a subscriber is never closed while
// run() is in the middle of sending to it (mirrors notifications.PubSub.
// Publish, which holds its lock across both the subscriber snapshot and
// the send).
func (pqm *ProviderQueryManager) closeOnCallerDone(ctx context.Context, q *query, sub *subscription) {
	go func() {
		select {
		case <-q.done:
		case <-ctx.Done():
			pqm.mu.Lock()
			for i, s := range q.subs {
				if s == sub {
					q.subs = append(q.subs[:i], q.subs[i+1:]...)
					break
				}
			}
			pqm.mu.Unlock()
			sub.close()
		}
	}()
}

func (pqm *ProviderQueryManager) run(c cid.Cid, q *query) {
	defer func() {
		pqm.mu.Lock()
		delete(pqm.inFlight, c)
		subs := q.subs
		pqm.mu.Unlock()
		close(q.done)
		for _, s := range subs {
			s.close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), defaults.ProviderQueryTimeout)
	defer cancel()

	if err := pqm.sem.Acquire(ctx, 1); err != nil {
		log.Debugf("bitswap: provider query for %s never acquired a slot: %s", c, err)
		return
	}
	defer pqm.sem.Release(1)

	providers := pqm.network.FindProvidersAsync(ctx, c, defaults.MaxOutstandingProviderQueries)
	for p := range providers {
		pqm.mu.Lock()
		subs := append([]*subscription(nil), q.subs...)
		for _, s := range subs {
			select {
			case s.ch <- p:
			case <-ctx.Done():
				pqm.mu.Unlock()
				return
			}
		}
		pqm.mu.Unlock()
	}
}
