package messagequeue

import (
	"context"
	"sync"
	"testing"
	"time"

	bsmsg "github.com/ipfs/go-bitswap/message"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
	"github.com/lgehr/ipfs-bitswap-core/network"
	"github.com/lgehr/ipfs-bitswap-core/wantlist"
)

// capturingReceiver records every inbound message so tests can assert on
// the wire-level wantlist a MessageQueue actually sent.
type capturingReceiver struct {
	mu       sync.Mutex
	messages []bsmsg.BitSwapMessage
}

func (r *capturingReceiver) ReceiveMessage(ctx context.Context, p peer.ID, msg bsmsg.BitSwapMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}
func (r *capturingReceiver) ReceiveError(err error)     {}
func (r *capturingReceiver) PeerConnected(p peer.ID)    {}
func (r *capturingReceiver) PeerDisconnected(p peer.ID) {}

func (r *capturingReceiver) snapshot() []bsmsg.BitSwapMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bsmsg.BitSwapMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

type noopListener struct{}

func (noopListener) PeerUnreachable(p peer.ID) {}

func (noopListener) WantTimedOut(p peer.ID, c cid.Cid, synthesizeDontHave bool) {}

func setupPair(t *testing.T) (remote peer.ID, net network.Network, recv *capturingReceiver) {
	t.Helper()
	router := bstest.NewFakeRouter()
	vn := bstest.NewVirtualNetwork(router)
	peers := bstest.PeerSeq(2)
	localNet := vn.Adapter(peers[0])
	remoteNet := vn.Adapter(peers[1])

	recv = &capturingReceiver{}
	remoteNet.SetDelegate(recv)

	require.NoError(t, localNet.Connect(context.Background(), peers[1]))
	return peers[1], localNet, recv
}

func TestAddWantsSendsWantBlockEntry(t *testing.T) {
	remote, net, recv := setupPair(t)

	mq := New(context.Background(), remote, net, true, noopListener{}, noopListener{})
	defer mq.Stop()

	blks := bstest.BlockSeq(1)
	mq.AddWants([]cid.Cid{blks[0].Cid()}, nil)

	require.Eventually(t, func() bool { return len(recv.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)

	msgs := recv.snapshot()
	entries := msgs[0].Wantlist()
	require.Len(t, entries, 1)
	require.Equal(t, blks[0].Cid(), entries[0].Cid)
	require.Equal(t, wantlist.WantBlock, entries[0].WantType)
}

func TestAddCancelsSupersedesUnsentWant(t *testing.T) {
	remote, net, recv := setupPair(t)

	mq := New(context.Background(), remote, net, true, noopListener{}, noopListener{})
	defer mq.Stop()

	blks := bstest.BlockSeq(1)
	c := blks[0].Cid()

	// Add then immediately cancel, both before the debounce timer fires —
	// the cancel must win: c may only ever go out as a cancel entry.
	mq.AddWants([]cid.Cid{c}, nil)
	mq.AddCancels([]cid.Cid{c})

	time.Sleep(100 * time.Millisecond) // let the debounce window pass

	for _, msg := range recv.snapshot() {
		for _, e := range msg.Wantlist() {
			if e.Cid == c {
				require.True(t, e.Cancel, "cancelled cid must never be sent as a want")
			}
		}
	}
}

func TestNotifyResponseReceivedClearsTimeoutBookkeeping(t *testing.T) {
	remote, net, _ := setupPair(t)

	mq := New(context.Background(), remote, net, true, noopListener{}, noopListener{})
	defer mq.Stop()

	blks := bstest.BlockSeq(1)
	c := blks[0].Cid()
	mq.AddWants([]cid.Cid{c}, nil)

	time.Sleep(50 * time.Millisecond)
	mq.NotifyResponseReceived([]cid.Cid{c})

	mq.mu.Lock()
	_, stillTracked := mq.wants[c]
	mq.mu.Unlock()
	require.False(t, stillTracked)
}
