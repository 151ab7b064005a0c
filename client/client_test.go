package client

import (
	"context"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	bsmsg "github.com/ipfs/go-bitswap/message"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
	"github.com/lgehr/ipfs-bitswap-core/network"
	"github.com/lgehr/ipfs-bitswap-core/wantlist"
)

// scriptedPeer stands in for a single, already-connected remote peer that
// holds a fixed set of blocks: it answers every want-have with HAVE or
// DONT_HAVE and every want-block with the block itself or DONT_HAVE. This is
// the remote side of the end-to-end scenario "single connected peer, peer
// already has the requested block".
type scriptedPeer struct {
	net   network.Network
	haves map[cid.Cid]blocks.Block
}

func (sp *scriptedPeer) ReceiveMessage(ctx context.Context, from peer.ID, msg bsmsg.BitSwapMessage) {
	resp := bsmsg.New(false)
	for _, e := range msg.Wantlist() {
		b, ok := sp.haves[e.Cid]
		if !ok {
			resp.AddDontHave(e.Cid)
			continue
		}
		if e.WantType == wantlist.WantBlock {
			resp.AddBlock(b)
		} else {
			resp.AddHave(e.Cid)
		}
	}
	if resp.Empty() {
		return
	}
	_ = sp.net.SendMessage(ctx, from, resp)
}

func (sp *scriptedPeer) ReceiveError(err error)     {}
func (sp *scriptedPeer) PeerConnected(p peer.ID)    {}
func (sp *scriptedPeer) PeerDisconnected(p peer.ID) {}

// TestGetBlockFromSingleAlreadyConnectedPeerWithBlock exercises the
// end-to-end scenario of a single already-connected peer that simply
// answers a broadcast want-have with HAVE: the session must leave discovery
// as soon as that HAVE arrives (MinUsefulPeers defaults to 1) and follow up
// with a targeted want-block, rather than waiting out the provider-search
// deadline that only fires for peers nobody has heard from yet.
func TestGetBlockFromSingleAlreadyConnectedPeerWithBlock(t *testing.T) {
	router := bstest.NewFakeRouter()
	vn := bstest.NewVirtualNetwork(router)
	peers := bstest.PeerSeq(2)
	localPeer, remotePeer := peers[0], peers[1]

	block := bstest.BlockSeq(1)[0]

	remoteNet := vn.Adapter(remotePeer)
	sp := &scriptedPeer{net: remoteNet, haves: map[cid.Cid]blocks.Block{block.Cid(): block}}
	remoteNet.SetDelegate(sp)

	localNet := vn.Adapter(localPeer)
	c := New(context.Background(), localNet, nil, nil)
	defer c.Close()

	require.NoError(t, localNet.Connect(context.Background(), remotePeer))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got, err := c.GetBlock(ctx, block.Cid())
	require.NoError(t, err)
	require.Equal(t, block.Cid(), got.Cid())
}

// TestGetBlockReturnsErrorWhenCallerContextExpiresFirst covers the
// complementary edge case: no peer ever answers, so the caller's own
// deadline governs instead of hanging forever in discovery.
func TestGetBlockReturnsErrorWhenCallerContextExpiresFirst(t *testing.T) {
	router := bstest.NewFakeRouter()
	vn := bstest.NewVirtualNetwork(router)
	localPeer := bstest.PeerSeq(1)[0]

	localNet := vn.Adapter(localPeer)
	c := New(context.Background(), localNet, nil, nil)
	defer c.Close()

	block := bstest.BlockSeq(1)[0]

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetBlock(ctx, block.Cid())
	require.Error(t, err)
}
