package peermanager

import (
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
)

// PeerQueue is the subset of a per-peer message queue that the
// PeerWantManager drives. messagequeue.MessageQueue implements this.
type PeerQueue interface {
	AddBroadcastWantHaves(cids []cid.Cid)
	AddWants(wantBlocks, wantHaves []cid.Cid)
	AddCancels(cids []cid.Cid)
}

type peerWantState struct {
	wantBlocks map[cid.Cid]struct{}
	wantHaves  map[cid.Cid]struct{}
}

func newPeerWantState() *peerWantState {
	return &peerWantState{
		wantBlocks: make(map[cid.Cid]struct{}),
		wantHaves:  make(map[cid.Cid]struct{}),
	}
}

// peerWantManager is the authoritative "what has been sent to whom" state
// from spec §4.4. It is not safe for concurrent use on its own: the owning
// PeerManager serializes all access from its single run loop, the same way
// upstream Bitswap's peerWantManager is only ever touched from the peer
// manager's goroutine.
type peerWantManager struct {
	// broadcastWants is the set of CIDs currently broadcast as want-have to
	// every connected peer.
	broadcastWants map[cid.Cid]struct{}
	// wantPeers tracks, for every CID we have ever sent a want for, which
	// peers it was sent to — broadcast or targeted — so cancels reach
	// everyone who needs them (spec invariant: "Tracks cid -> set<peer>").
	wantPeers map[cid.Cid]map[peer.ID]struct{}
	// perPeer is each connected peer's own outstanding want-block/want-have
	// sets.
	perPeer map[peer.ID]*peerWantState
	// queues is the live message-queue handle for each connected peer.
	queues map[peer.ID]PeerQueue
}

func newPeerWantManager() *peerWantManager {
	return &peerWantManager{
		broadcastWants: make(map[cid.Cid]struct{}),
		wantPeers:      make(map[cid.Cid]map[peer.ID]struct{}),
		perPeer:        make(map[peer.ID]*peerWantState),
		queues:         make(map[peer.ID]PeerQueue),
	}
}

func (pwm *peerWantManager) addSentTo(c cid.Cid, p peer.ID) {
	peers, ok := pwm.wantPeers[c]
	if !ok {
		peers = make(map[peer.ID]struct{})
		pwm.wantPeers[c] = peers
	}
	peers[p] = struct{}{}
}

// connected registers a newly-connected peer's queue and hands it the
// current broadcast want-have set (spec §4.4/§4.6).
func (pwm *peerWantManager) connected(p peer.ID, pq PeerQueue) {
	pwm.queues[p] = pq
	pwm.perPeer[p] = newPeerWantState()

	if len(pwm.broadcastWants) == 0 {
		return
	}
	cids := make([]cid.Cid, 0, len(pwm.broadcastWants))
	for c := range pwm.broadcastWants {
		cids = append(cids, c)
		pwm.addSentTo(c, p)
	}
	pq.AddBroadcastWantHaves(cids)
}

// disconnected forgets p and returns the CIDs that were only ever asked of
// p, so the caller can re-broadcast them to the remaining peers (spec
// §4.4: "re-broadcasts affected wants so other peers may cover them").
func (pwm *peerWantManager) disconnected(p peer.ID) []cid.Cid {
	delete(pwm.queues, p)
	state, ok := pwm.perPeer[p]
	delete(pwm.perPeer, p)
	if !ok {
		return nil
	}

	var orphaned []cid.Cid
	check := func(c cid.Cid) {
		peers := pwm.wantPeers[c]
		if peers == nil {
			return
		}
		delete(peers, p)
		if len(peers) == 0 {
			delete(pwm.wantPeers, c)
			orphaned = append(orphaned, c)
		}
	}
	for c := range state.wantBlocks {
		check(c)
	}
	for c := range state.wantHaves {
		check(c)
	}
	return orphaned
}

// broadcastWantHaves sends want-have for every CID in cids to every
// connected peer, deduplicating against what has already been broadcast
// (spec §4.4).
func (pwm *peerWantManager) broadcastWantHaves(cids []cid.Cid) {
	var fresh []cid.Cid
	for _, c := range cids {
		if _, ok := pwm.broadcastWants[c]; ok {
			continue
		}
		pwm.broadcastWants[c] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return
	}
	for p, pq := range pwm.queues {
		for _, c := range fresh {
			pwm.addSentTo(c, p)
		}
		pq.AddBroadcastWantHaves(fresh)
	}
}

// broadcastWantBlocks force-upgrades cids to a targeted want-block sent to
// every connected peer, reusing sendWants' own upgrade/dedup bookkeeping so
// a peer that already has a want-block in flight for one of these cids
// isn't asked twice. Unlike broadcastWantHaves this never dedupes against
// broadcastWants: it's the escalation a session reaches for only after
// every known candidate has already declined a want-have (spec §4.9
// watchdog-firing: "ask Peer-Want Manager to broadcast the want-block").
func (pwm *peerWantManager) broadcastWantBlocks(cids []cid.Cid) {
	for p := range pwm.queues {
		pwm.sendWants(p, cids, nil)
	}
}

// sendWants adds targeted want-blocks/want-haves to p's queue, upgrading a
// previously-sent want-have to want-block where requested (spec invariant
// 1: "upgrading HAVE→BLOCK cancels the HAVE").
func (pwm *peerWantManager) sendWants(p peer.ID, wantBlocks, wantHaves []cid.Cid) {
	state, ok := pwm.perPeer[p]
	pq, pqOK := pwm.queues[p]
	if !ok || !pqOK {
		return
	}

	var outBlocks, outHaves []cid.Cid
	for _, c := range wantBlocks {
		if _, already := state.wantBlocks[c]; already {
			continue
		}
		state.wantBlocks[c] = struct{}{}
		delete(state.wantHaves, c) // upgrade: the want-have is superseded
		pwm.addSentTo(c, p)
		outBlocks = append(outBlocks, c)
	}
	for _, c := range wantHaves {
		if _, already := state.wantBlocks[c]; already {
			continue // already have a want-block in flight; never downgrade
		}
		if _, already := state.wantHaves[c]; already {
			continue
		}
		state.wantHaves[c] = struct{}{}
		pwm.addSentTo(c, p)
		outHaves = append(outHaves, c)
	}
	if len(outBlocks) > 0 || len(outHaves) > 0 {
		pq.AddWants(outBlocks, outHaves)
	}
}

// sendCancels emits CANCEL to every peer that was ever sent a want for any
// of cids, then clears all internal state for those cids (spec §4.4).
func (pwm *peerWantManager) sendCancels(cids []cid.Cid) {
	perPeerCancels := make(map[peer.ID][]cid.Cid)
	for _, c := range cids {
		for p := range pwm.wantPeers[c] {
			perPeerCancels[p] = append(perPeerCancels[p], c)
		}
		delete(pwm.wantPeers, c)
		delete(pwm.broadcastWants, c)
		for _, state := range pwm.perPeer {
			delete(state.wantBlocks, c)
			delete(state.wantHaves, c)
		}
	}
	for p, pcids := range perPeerCancels {
		if pq, ok := pwm.queues[p]; ok {
			pq.AddCancels(pcids)
		}
	}
}

func (pwm *peerWantManager) currentWantBlocks() []cid.Cid {
	seen := make(map[cid.Cid]struct{})
	for _, state := range pwm.perPeer {
		for c := range state.wantBlocks {
			seen[c] = struct{}{}
		}
	}
	return keys(seen)
}

func (pwm *peerWantManager) currentWantHaves() []cid.Cid {
	seen := make(map[cid.Cid]struct{})
	for c := range pwm.broadcastWants {
		seen[c] = struct{}{}
	}
	for _, state := range pwm.perPeer {
		for c := range state.wantHaves {
			seen[c] = struct{}{}
		}
	}
	return keys(seen)
}

func (pwm *peerWantManager) currentWants() []cid.Cid {
	seen := make(map[cid.Cid]struct{})
	for c := range pwm.wantPeers {
		seen[c] = struct{}{}
	}
	for c := range pwm.broadcastWants {
		seen[c] = struct{}{}
	}
	return keys(seen)
}

func keys(m map[cid.Cid]struct{}) []cid.Cid {
	out := make([]cid.Cid, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}
