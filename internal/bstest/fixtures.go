package bstest

import (
	"crypto/sha256"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	mh "github.com/multiformats/go-multihash"
)

// Block deterministically builds a raw-codec block from data, the way
// tests need a real CID without pulling in a full DAG builder.
func Block(data []byte) blocks.Block {
	sum := sha256.Sum256(data)
	h, err := mh.Encode(sum[:], mh.SHA2_256)
	if err != nil {
		panic(err)
	}
	c := cid.NewCidV1(cid.Raw, h)
	b, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		panic(err)
	}
	return b
}

// BlockSeq returns n distinct blocks, each derived from its index so tests
// are reproducible without real randomness.
func BlockSeq(n int) []blocks.Block {
	out := make([]blocks.Block, n)
	for i := range out {
		out[i] = Block([]byte(fmt.Sprintf("bstest-block-%d", i)))
	}
	return out
}

// PeerSeq returns n distinct, deterministic peer IDs.
func PeerSeq(n int) []peer.ID {
	out := make([]peer.ID, n)
	for i := range out {
		sum := sha256.Sum256([]byte(fmt.Sprintf("bstest-peer-%d", i)))
		h, err := mh.Encode(sum[:], mh.IDENTITY)
		if err != nil {
			panic(err)
		}
		out[i] = peer.ID(h)
	}
	return out
}
