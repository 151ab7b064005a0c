package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
)

func TestPublishDeliversOnlyToInterestedSubscribers(t *testing.T) {
	ps := New()
	blks := bstest.BlockSeq(2)

	ctx := context.Background()
	narrow := ps.Subscribe(ctx, []cid.Cid{blks[0].Cid()})
	wide := ps.Subscribe(ctx, nil)

	ps.Publish(blks[0])
	ps.Publish(blks[1])

	select {
	case b := <-narrow:
		require.Equal(t, blks[0].Cid(), b.Cid())
	case <-time.After(time.Second):
		t.Fatal("narrow subscriber never received its block")
	}
	select {
	case b := <-narrow:
		t.Fatalf("narrow subscriber unexpectedly received %s", b.Cid())
	case <-time.After(50 * time.Millisecond):
	}

	seen := map[cid.Cid]bool{}
	for i := 0; i < 2; i++ {
		select {
		case b := <-wide:
			seen[b.Cid()] = true
		case <-time.After(time.Second):
			t.Fatal("wide subscriber missed a block")
		}
	}
	require.True(t, seen[blks[0].Cid()])
	require.True(t, seen[blks[1].Cid()])
}

func TestShutdownThenContextCancelDoesNotDoubleClose(t *testing.T) {
	ps := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := ps.Subscribe(ctx, nil)

	ps.Shutdown()
	_, ok := <-ch
	require.False(t, ok)

	require.NotPanics(t, func() {
		cancel()
		time.Sleep(10 * time.Millisecond)
	})
}
