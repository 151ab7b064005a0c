package blockpresencemanager

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
)

func TestReceiveFromTracksHasAndDontHave(t *testing.T) {
	bpm := New()
	peers := bstest.PeerSeq(1)
	blks := bstest.BlockSeq(2)
	c0, c1 := blks[0].Cid(), blks[1].Cid()

	bpm.ReceiveFrom(peers[0], []cid.Cid{c0}, []cid.Cid{c1})

	require.True(t, bpm.PeerHasBlock(peers[0], c0))
	require.False(t, bpm.PeerDoesNotHaveBlock(peers[0], c0))

	require.True(t, bpm.PeerDoesNotHaveBlock(peers[0], c1))
	require.False(t, bpm.PeerHasBlock(peers[0], c1))

	require.Equal(t, []peer.ID{peers[0]}, bpm.AllPeersForCID(c0))
}

func TestReceiveFromLastWriteWinsOnConflict(t *testing.T) {
	bpm := New()
	peers := bstest.PeerSeq(1)
	blks := bstest.BlockSeq(1)
	c := blks[0].Cid()

	bpm.ReceiveFrom(peers[0], []cid.Cid{c}, nil)
	require.True(t, bpm.PeerHasBlock(peers[0], c))

	// a DONT_HAVE for the same cid in a later call overrides the HAS
	bpm.ReceiveFrom(peers[0], nil, []cid.Cid{c})
	require.False(t, bpm.PeerHasBlock(peers[0], c))
	require.True(t, bpm.PeerDoesNotHaveBlock(peers[0], c))
	require.Empty(t, bpm.AllPeersForCID(c))
}

func TestRemovePeerClearsHasIndex(t *testing.T) {
	bpm := New()
	peers := bstest.PeerSeq(1)
	blks := bstest.BlockSeq(1)
	c := blks[0].Cid()

	bpm.ReceiveFrom(peers[0], []cid.Cid{c}, nil)
	require.Len(t, bpm.AllPeersForCID(c), 1)

	bpm.RemovePeer(peers[0])
	require.Empty(t, bpm.AllPeersForCID(c))
	require.False(t, bpm.PeerHasBlock(peers[0], c))
}
