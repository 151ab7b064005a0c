package session

import (
	"context"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/lgehr/ipfs-bitswap-core/client/internal/blockpresencemanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/sessioninterestmanager"
	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
)

// recordingSender is a PeerWantSender fake that records every want/cancel
// it's asked to send, so tests can assert on a Session's outbound decisions
// without a real PeerManager or transport.
type recordingSender struct {
	mu          sync.Mutex
	wantBlocks  map[peer.ID][]cid.Cid
	wantHaves   map[peer.ID][]cid.Cid
	bcasts      [][]cid.Cid
	bcastBlocks [][]cid.Cid
}

func newRecordingSender() *recordingSender {
	return &recordingSender{wantBlocks: map[peer.ID][]cid.Cid{}, wantHaves: map[peer.ID][]cid.Cid{}}
}

func (r *recordingSender) BroadcastWantHaves(cids []cid.Cid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bcasts = append(r.bcasts, cids)
}

func (r *recordingSender) BroadcastWantBlocks(cids []cid.Cid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bcastBlocks = append(r.bcastBlocks, cids)
}

func (r *recordingSender) SendWants(p peer.ID, wantBlocks, wantHaves []cid.Cid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wantBlocks[p] = append(r.wantBlocks[p], wantBlocks...)
	r.wantHaves[p] = append(r.wantHaves[p], wantHaves...)
}

func (r *recordingSender) SendCancels(cids []cid.Cid) {}

func (r *recordingSender) broadcastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bcasts)
}

func (r *recordingSender) sentWantBlockTo(p peer.ID, c cid.Cid) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.wantBlocks[p] {
		if x == c {
			return true
		}
	}
	return false
}

func newTestSession(id sessioninterestmanager.SessionID, sender *recordingSender) *Session {
	sim := sessioninterestmanager.New()
	bpm := blockpresencemanager.New()
	return New(context.Background(), id, sender, sim, bpm, nil, Config{})
}

// TestReceiveFromSinglePeerHaveLeavesDiscoveryAndSendsWantBlock is the
// end-to-end-scenario regression test for a single already-connected peer
// that answers a broadcast want-have with a bare HAVE and nothing else: with
// MinUsefulPeers at its default of 1, that single response must be enough
// to leave discovery and follow up with a targeted want-block, rather than
// waiting out the provider-search deadline.
func TestReceiveFromSinglePeerHaveLeavesDiscoveryAndSendsWantBlock(t *testing.T) {
	sender := newRecordingSender()
	s := newTestSession(1, sender)
	defer s.Stop()

	blk := bstest.BlockSeq(1)[0]
	p := bstest.PeerSeq(1)[0]

	s.WantBlocks([]cid.Cid{blk.Cid()})
	require.Eventually(t, func() bool { return sender.broadcastCount() > 0 }, time.Second, 5*time.Millisecond)

	s.ReceiveFrom(&p, nil, []cid.Cid{blk.Cid()}, nil)

	require.Eventually(t, func() bool {
		return sender.sentWantBlockTo(p, blk.Cid())
	}, time.Second, 5*time.Millisecond, "session must escalate to a want-block once it has a useful peer")
}

func TestGetBlockDeliversOnBlockArrival(t *testing.T) {
	sender := newRecordingSender()
	s := newTestSession(2, sender)
	defer s.Stop()

	blk := bstest.BlockSeq(1)[0]
	ch := s.GetBlock(blk.Cid())

	s.ReceiveFrom(nil, []blocks.Block{blk}, nil, nil)

	select {
	case got, ok := <-ch:
		require.True(t, ok)
		require.Equal(t, blk.Cid(), got.Cid())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for block delivery")
	}
}

// TestStopClosesOutstandingWaitersWithoutDelivery covers the universal
// invariant that no block is ever delivered to a caller after Stop returns:
// a GetBlock channel with no answer yet must be closed, not left hanging.
func TestStopClosesOutstandingWaitersWithoutDelivery(t *testing.T) {
	sender := newRecordingSender()
	s := newTestSession(3, sender)

	blk := bstest.BlockSeq(1)[0]
	ch := s.GetBlock(blk.Cid())

	s.Stop()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter channel was never closed on Stop")
	}
}
