package bitswap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
)

func TestNewWiresAWorkingClient(t *testing.T) {
	router := bstest.NewFakeRouter()
	vn := bstest.NewVirtualNetwork(router)
	self := bstest.PeerSeq(1)[0]
	net := vn.Adapter(self)

	c := New(context.Background(), net, nil, nil)
	require.NotNil(t, c)
	defer c.Close()

	stat := c.Stat()
	require.Empty(t, stat.Peers)
	require.Empty(t, stat.Wantlist)
}
