package providerquerymanager

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
)

func TestFindProvidersAsyncDedupesConcurrentQueries(t *testing.T) {
	router := bstest.NewFakeRouter()
	vn := bstest.NewVirtualNetwork(router)
	self := bstest.PeerSeq(1)[0]
	net := vn.Adapter(self)

	blks := bstest.BlockSeq(1)
	providers := bstest.PeerSeq(3)
	for _, p := range providers {
		router.Provide(blks[0].Cid(), p)
	}

	pqm := New(net)
	ctx := context.Background()

	ch1 := pqm.FindProvidersAsync(ctx, blks[0].Cid())
	ch2 := pqm.FindProvidersAsync(ctx, blks[0].Cid())

	got1 := drain(t, ch1)
	got2 := drain(t, ch2)
	require.ElementsMatch(t, providers, got1)
	require.ElementsMatch(t, providers, got2)
}

func TestFindProvidersAsyncClosesOnCallerCancel(t *testing.T) {
	router := bstest.NewFakeRouter()
	vn := bstest.NewVirtualNetwork(router)
	self := bstest.PeerSeq(1)[0]
	net := vn.Adapter(self)

	blks := bstest.BlockSeq(1)
	pqm := New(net)

	ctx, cancel := context.WithCancel(context.Background())
	ch := pqm.FindProvidersAsync(ctx, blks[0].Cid())
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after caller cancellation")
	}
}

func drain(t *testing.T, ch <-chan peer.ID) []peer.ID {
	t.Helper()
	var out []peer.ID
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p)
		case <-timeout:
			t.Fatal("timed out draining channel")
		}
	}
}
