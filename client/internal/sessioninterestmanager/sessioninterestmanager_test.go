package sessioninterestmanager

import (
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
)

func TestRecordAndSplitWantedUnwanted(t *testing.T) {
	sim := New()
	blks := bstest.BlockSeq(2)

	sim.RecordSessionInterest(1, []cid.Cid{blks[0].Cid()})

	wanted, unwanted := sim.SplitWantedUnwanted(blks)
	require.ElementsMatch(t, []cid.Cid{blks[0].Cid()}, cids(wanted))
	require.ElementsMatch(t, []cid.Cid{blks[1].Cid()}, cids(unwanted))
}

func TestRemoveSessionInterestForCIDsReportsOrphans(t *testing.T) {
	sim := New()
	blks := bstest.BlockSeq(2)
	c0, c1 := blks[0].Cid(), blks[1].Cid()

	sim.RecordSessionInterest(1, []cid.Cid{c0, c1})
	sim.RecordSessionInterest(2, []cid.Cid{c0})

	// session 1 loses interest in both; c0 still has session 2, c1 has none.
	orphaned := sim.RemoveSessionInterestForCIDs(1, []cid.Cid{c0, c1})
	require.ElementsMatch(t, []cid.Cid{c1}, orphaned)
	require.ElementsMatch(t, []SessionID{2}, sim.InterestedSessions(c0))
	require.Empty(t, sim.InterestedSessions(c1))
}

func TestRemoveSessionInterestDropsEverything(t *testing.T) {
	sim := New()
	blks := bstest.BlockSeq(2)
	c0, c1 := blks[0].Cid(), blks[1].Cid()

	sim.RecordSessionInterest(1, []cid.Cid{c0, c1})
	sim.RemoveSessionInterest(1)

	require.Empty(t, sim.InterestedSessions(c0))
	require.Empty(t, sim.InterestedSessions(c1))
	require.Empty(t, sim.FilterSessionInterested(1, []cid.Cid{c0, c1}))
}

func TestFilterSessionInterested(t *testing.T) {
	sim := New()
	blks := bstest.BlockSeq(3)
	c0, c1, c2 := blks[0].Cid(), blks[1].Cid(), blks[2].Cid()

	sim.RecordSessionInterest(1, []cid.Cid{c0, c1})

	got := sim.FilterSessionInterested(1, []cid.Cid{c0, c1, c2})
	require.ElementsMatch(t, []cid.Cid{c0, c1}, got)
}

func cids(blks []blocks.Block) []cid.Cid {
	out := make([]cid.Cid, len(blks))
	for i, b := range blks {
		out[i] = b.Cid()
	}
	return out
}
