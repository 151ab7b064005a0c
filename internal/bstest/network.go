// Package bstest provides an in-process Network double for exercising the
// client core without a real libp2p transport, grounded on the virtual
// network used to test upstream Bitswap. Messages are round-tripped
// through real varint-framed protobuf encoding (bsmsg.ToNetV1 / go-msgio /
// bsmsg.FromMsgReader) over an in-memory pipe so the test double exercises
// the same wire path production code would.
package bstest

import (
	"context"
	"io"
	"sync"

	bsmsg "github.com/ipfs/go-bitswap/message"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	msgio "github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/lgehr/ipfs-bitswap-core/network"
)

// Router is the subset of a routing system this double needs: asynchronous
// provider discovery keyed by CID.
type Router interface {
	// Provide registers p as a provider of c.
	Provide(c cid.Cid, p peer.ID)
	// FindProvidersAsync streams the peers registered for c.
	FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID
}

// VirtualNetwork is the shared fabric joining every Adapter created from
// it, standing in for a real libp2p swarm in tests.
type VirtualNetwork struct {
	router Router

	mu      sync.Mutex
	clients map[peer.ID]*adapter
}

// NewVirtualNetwork returns an empty VirtualNetwork backed by router.
func NewVirtualNetwork(router Router) *VirtualNetwork {
	return &VirtualNetwork{router: router, clients: make(map[peer.ID]*adapter)}
}

// Adapter returns a network.Network for self, registered on the fabric.
func (vn *VirtualNetwork) Adapter(self peer.ID) network.Network {
	a := &adapter{local: self, vn: vn}
	vn.mu.Lock()
	vn.clients[self] = a
	vn.mu.Unlock()
	return a
}

func (vn *VirtualNetwork) receiverFor(p peer.ID) (*adapter, bool) {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	a, ok := vn.clients[p]
	return a, ok
}

type adapter struct {
	local    peer.ID
	vn       *VirtualNetwork
	delegate network.Receiver

	mu    sync.Mutex
	conns map[peer.ID]struct{}
}

func (a *adapter) Self() peer.ID { return a.local }

func (a *adapter) SetDelegate(r network.Receiver) { a.delegate = r }

func (a *adapter) Connect(ctx context.Context, p peer.ID) error {
	to, ok := a.vn.receiverFor(p)
	if !ok {
		return io.ErrClosedPipe
	}
	a.mu.Lock()
	if a.conns == nil {
		a.conns = make(map[peer.ID]struct{})
	}
	a.conns[p] = struct{}{}
	a.mu.Unlock()

	to.mu.Lock()
	if to.conns == nil {
		to.conns = make(map[peer.ID]struct{})
	}
	to.conns[a.local] = struct{}{}
	to.mu.Unlock()

	if to.delegate != nil {
		to.delegate.PeerConnected(a.local)
	}
	if a.delegate != nil {
		a.delegate.PeerConnected(p)
	}
	return nil
}

// Addrs returns a single deterministic loopback-style multiaddr per peer,
// just enough to exercise callers that log/report addresses.
func (a *adapter) Addrs(p peer.ID) []ma.Multiaddr {
	a.mu.Lock()
	_, connected := a.conns[p]
	a.mu.Unlock()
	if !connected {
		return nil
	}
	addr, err := ma.NewMultiaddr("/memory/" + p.String())
	if err != nil {
		return nil
	}
	return []ma.Multiaddr{addr}
}

// SendMessage round-trips msg through real wire encoding before delivering
// it to p's delegate, asynchronously, matching a real transport's
// decoupling of sender and receiver.
func (a *adapter) SendMessage(ctx context.Context, p peer.ID, msg bsmsg.BitSwapMessage) error {
	to, ok := a.vn.receiverFor(p)
	if !ok {
		return io.ErrClosedPipe
	}

	pr, pw := io.Pipe()
	go func() {
		if err := msg.ToNetV1(pw); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	go func() {
		m, err := bsmsg.FromMsgReader(msgio.NewReader(pr))
		if err != nil {
			if to.delegate != nil {
				to.delegate.ReceiveError(err)
			}
			return
		}
		if to.delegate != nil {
			to.delegate.ReceiveMessage(ctx, a.local, m)
		}
	}()

	return nil
}

// FindProvidersAsync delegates to the shared router.
func (a *adapter) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID {
	return a.vn.router.FindProvidersAsync(ctx, c, max)
}
