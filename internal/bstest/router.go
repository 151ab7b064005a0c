package bstest

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
)

// FakeRouter is an in-memory Router: Provide registers are visible to
// every FindProvidersAsync call immediately, with no simulated latency.
type FakeRouter struct {
	mu        sync.RWMutex
	providers map[cid.Cid]map[peer.ID]struct{}
}

// NewFakeRouter returns an empty FakeRouter.
func NewFakeRouter() *FakeRouter {
	return &FakeRouter{providers: make(map[cid.Cid]map[peer.ID]struct{})}
}

// Provide implements Router.
func (fr *FakeRouter) Provide(c cid.Cid, p peer.ID) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	peers, ok := fr.providers[c]
	if !ok {
		peers = make(map[peer.ID]struct{})
		fr.providers[c] = peers
	}
	peers[p] = struct{}{}
}

// FindProvidersAsync implements Router.
func (fr *FakeRouter) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID {
	out := make(chan peer.ID)
	go func() {
		defer close(out)
		fr.mu.RLock()
		peers := make([]peer.ID, 0, len(fr.providers[c]))
		for p := range fr.providers[c] {
			peers = append(peers, p)
		}
		fr.mu.RUnlock()

		for i, p := range peers {
			if max > 0 && i >= max {
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
