// Package notifications implements the shared block-arrival pub/sub from
// spec §5/§9: a bounded, multi-subscriber broadcast of newly-received
// blocks that never blocks a slow subscriber.
package notifications

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"github.com/lgehr/ipfs-bitswap-core/internal/defaults"
)

// PubSub fans out blocks to any number of subscribers, each with its own
// bounded channel. A subscriber that falls behind drops messages rather
// than stalling the publisher (spec: "non-blocking publish with
// drop-on-full semantics").
type PubSub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch        chan blocks.Block
	wantSet   map[cid.Cid]struct{} // nil means "every block"
	closeOnce sync.Once
}

func (s *subscriber) close() { s.closeOnce.Do(func() { close(s.ch) }) }

// New returns an empty PubSub.
func New() *PubSub {
	return &PubSub{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns a channel delivering every future block whose CID is in
// cids (or every block, if cids is empty), closed when ctx is done or
// Shutdown is called.
func (ps *PubSub) Subscribe(ctx context.Context, cids []cid.Cid) <-chan blocks.Block {
	sub := &subscriber{ch: make(chan blocks.Block, defaults.BroadcastChannelCapacity)}
	if len(cids) > 0 {
		sub.wantSet = make(map[cid.Cid]struct{}, len(cids))
		for _, c := range cids {
			sub.wantSet[c] = struct{}{}
		}
	}

	ps.mu.Lock()
	ps.subs[sub] = struct{}{}
	ps.mu.Unlock()

	go func() {
		<-ctx.Done()
		ps.mu.Lock()
		delete(ps.subs, sub)
		ps.mu.Unlock()
		sub.close()
	}()

	return sub.ch
}

// Publish delivers b to every interested subscriber without blocking.
func (ps *PubSub) Publish(b blocks.Block) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for sub := range ps.subs {
		if sub.wantSet != nil {
			if _, ok := sub.wantSet[b.Cid()]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- b:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
}

// Shutdown closes every live subscriber channel.
func (ps *PubSub) Shutdown() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for sub := range ps.subs {
		sub.close()
	}
	ps.subs = make(map[*subscriber]struct{})
}
