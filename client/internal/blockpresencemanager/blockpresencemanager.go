// Package blockpresencemanager implements spec §4.2: the per-peer belief
// about which CIDs a peer HAS or DOES NOT HAVE, bounded by a per-peer LRU
// so a chatty or malicious peer can't grow this state without bound.
package blockpresencemanager

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/lgehr/ipfs-bitswap-core/internal/defaults"
	bslog "github.com/lgehr/ipfs-bitswap-core/internal/log"
)

var log = bslog.Logger("bitswap/blockpresencemanager")

type presence int

const (
	presenceHas presence = iota
	presenceDontHave
)

// BlockPresenceManager tracks, per peer, which CIDs it is known to HAS or
// DONT_HAVE. It is safe for concurrent use.
type BlockPresenceManager struct {
	mu sync.RWMutex
	// one bounded LRU of cid.Cid -> presence per peer.
	perPeer map[peer.ID]*lru.Cache
	// reverse index: cid -> set of peers known to HAS it. Kept in sync with
	// perPeer via the LRU's eviction callback.
	hasIndex map[cid.Cid]map[peer.ID]struct{}
}

// New returns an empty BlockPresenceManager.
func New() *BlockPresenceManager {
	return &BlockPresenceManager{
		perPeer:  make(map[peer.ID]*lru.Cache),
		hasIndex: make(map[cid.Cid]map[peer.ID]struct{}),
	}
}

func (bpm *BlockPresenceManager) cacheFor(p peer.ID) *lru.Cache {
	if c, ok := bpm.perPeer[p]; ok {
		return c
	}
	c, err := lru.NewWithEvict(defaults.MaxBlockPresenceEntriesPerPeer, func(key, value interface{}) {
		c := key.(cid.Cid)
		if value.(presence) == presenceHas {
			bpm.untrackHas(p, c)
		}
	})
	if err != nil {
		// NewWithEvict only fails for size <= 0, which defaults.* never is.
		log.Errorf("blockpresencemanager: unexpected LRU construction error: %s", err)
		c, _ = lru.New(1)
	}
	bpm.perPeer[p] = c
	return c
}

func (bpm *BlockPresenceManager) untrackHas(p peer.ID, c cid.Cid) {
	peers := bpm.hasIndex[c]
	if peers == nil {
		return
	}
	delete(peers, p)
	if len(peers) == 0 {
		delete(bpm.hasIndex, c)
	}
}

func (bpm *BlockPresenceManager) trackHas(p peer.ID, c cid.Cid) {
	peers, ok := bpm.hasIndex[c]
	if !ok {
		peers = make(map[peer.ID]struct{})
		bpm.hasIndex[c] = peers
	}
	peers[p] = struct{}{}
}

// ReceiveFrom records haves/dontHaves reported by p. Across calls, the
// later call wins (spec §4.2: "on conflict, last write wins"); within a
// single call dontHaves are applied after haves, so a CID listed in both
// ends up DONT_HAVE.
func (bpm *BlockPresenceManager) ReceiveFrom(p peer.ID, haves []cid.Cid, dontHaves []cid.Cid) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	cache := bpm.cacheFor(p)
	for _, c := range haves {
		if old, ok := cache.Peek(c); ok && old.(presence) == presenceHas {
			continue
		}
		cache.Add(c, presenceHas)
		bpm.trackHas(p, c)
	}
	for _, c := range dontHaves {
		if old, ok := cache.Peek(c); ok && old.(presence) == presenceHas {
			bpm.untrackHas(p, c)
		}
		cache.Add(c, presenceDontHave)
	}
}

// PeerHasBlock reports whether p is currently believed to HAS c.
func (bpm *BlockPresenceManager) PeerHasBlock(p peer.ID, c cid.Cid) bool {
	bpm.mu.RLock()
	defer bpm.mu.RUnlock()
	cache, ok := bpm.perPeer[p]
	if !ok {
		return false
	}
	v, ok := cache.Get(c)
	return ok && v.(presence) == presenceHas
}

// PeerDoesNotHaveBlock reports whether p is currently believed to DONT_HAVE
// c.
func (bpm *BlockPresenceManager) PeerDoesNotHaveBlock(p peer.ID, c cid.Cid) bool {
	bpm.mu.RLock()
	defer bpm.mu.RUnlock()
	cache, ok := bpm.perPeer[p]
	if !ok {
		return false
	}
	v, ok := cache.Get(c)
	return ok && v.(presence) == presenceDontHave
}

// AllPeersForCID returns every peer currently believed to HAS c.
func (bpm *BlockPresenceManager) AllPeersForCID(c cid.Cid) []peer.ID {
	bpm.mu.RLock()
	defer bpm.mu.RUnlock()
	peers := bpm.hasIndex[c]
	out := make([]peer.ID, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	return out
}

// RemovePeer discards all presence state for p (called on peer_disconnected).
func (bpm *BlockPresenceManager) RemovePeer(p peer.ID) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	cache, ok := bpm.perPeer[p]
	if !ok {
		return
	}
	cache.Purge() // fires the eviction callback for every HAS entry, cleaning hasIndex
	delete(bpm.perPeer, p)
}
