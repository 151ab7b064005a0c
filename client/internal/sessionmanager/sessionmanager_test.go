package sessionmanager

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
	"github.com/lgehr/ipfs-bitswap-core/client/internal/session"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/sessioninterestmanager"
	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
)

type noopSender struct{}

func (noopSender) BroadcastWantHaves(cids []cid.Cid)                   {}
func (noopSender) BroadcastWantBlocks(cids []cid.Cid)                  {}
func (noopSender) SendWants(p peer.ID, wantBlocks, wantHaves []cid.Cid) {}
func (noopSender) SendCancels(cids []cid.Cid)                           {}

func newTestManager() (*SessionManager, *sessioninterestmanager.SessionInterestManager) {
	sim := sessioninterestmanager.New()
	bpm := blockpresencemanager.New()
	sm := New(context.Background(), noopSender{}, sim, bpm, nil)
	return sm, sim
}

func TestNewSessionAllocatesDistinctIDs(t *testing.T) {
	sm, _ := newTestManager()
	defer sm.Stop()

	a := sm.NewSession(session.Config{})
	b := sm.NewSession(session.Config{})
	require.NotEqual(t, a.ID, b.ID)

	_, ok := sm.GetSession(a.ID)
	require.True(t, ok)
}

func TestGetOrCreateSessionReturnsExistingSession(t *testing.T) {
	sm, _ := newTestManager()
	defer sm.Stop()

	const id = sessioninterestmanager.SessionID(42)
	first := sm.GetOrCreateSession(id, session.Config{})
	second := sm.GetOrCreateSession(id, session.Config{})
	require.Same(t, first, second)
}

func TestStopSessionRemovesItFromTheRegistry(t *testing.T) {
	sm, _ := newTestManager()
	defer sm.Stop()

	s := sm.NewSession(session.Config{})
	sm.StopSession(s.ID)

	_, ok := sm.GetSession(s.ID)
	require.False(t, ok)
}

// TestReceiveFromOnlyRoutesToInterestedSessions checks the dispatch fan-out
// in isolation: a block arriving for a CID only one of two sessions asked
// for must reach only that session's waiter.
func TestReceiveFromOnlyRoutesToInterestedSessions(t *testing.T) {
	sm, _ := newTestManager()
	defer sm.Stop()

	blks := bstest.BlockSeq(2)
	wanted, other := blks[0], blks[1]

	interested := sm.NewSession(session.Config{})
	bystander := sm.NewSession(session.Config{})

	interested.WantBlocks([]cid.Cid{wanted.Cid()})
	bystander.WantBlocks([]cid.Cid{other.Cid()})

	wantedCh := interested.GetBlock(wanted.Cid())
	bystanderCh := bystander.GetBlock(other.Cid())

	// Give both sessions a moment to record their interest before the
	// routed delivery below; ReceiveFrom only reaches sessions already
	// registered in the interest manager.
	time.Sleep(20 * time.Millisecond)

	sm.ReceiveFrom(nil, []blocks.Block{wanted}, nil, nil)

	select {
	case got, ok := <-wantedCh:
		require.True(t, ok)
		require.Equal(t, wanted.Cid(), got.Cid())
	case <-time.After(time.Second):
		t.Fatal("interested session never received its block")
	}

	select {
	case _, ok := <-bystanderCh:
		require.True(t, ok, "bystander channel should remain open, not closed")
		t.Fatal("bystander session must not receive a block it never asked for")
	case <-time.After(100 * time.Millisecond):
		// expected: nothing delivered
	}
}

func TestStopStopsEverySession(t *testing.T) {
	sm, _ := newTestManager()

	a := sm.NewSession(session.Config{})
	b := sm.NewSession(session.Config{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); <-a.GetBlock(bstest.BlockSeq(1)[0].Cid()) }()
	go func() { defer wg.Done(); <-b.GetBlock(bstest.BlockSeq(1)[0].Cid()) }()

	sm.Stop()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sessions' waiters were never unblocked by Stop")
	}
}
