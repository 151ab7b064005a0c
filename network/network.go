// Package network defines the external-collaborator interfaces this
// Bitswap client core consumes from the wire-level transport, per spec
// §2 ("Out of scope: the wire-level network transport") and §6
// ("Interface consumed from Network"). This package never implements a
// real libp2p transport; see internal/bstest for an in-memory test double.
package network

import (
	"context"

	bsmsg "github.com/ipfs/go-bitswap/message"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Network is the transport this client core drives. Every method may block
// on network I/O; callers are expected to run them from a dedicated actor
// goroutine, never inline on a hot path.
type Network interface {
	// Self returns the local peer ID.
	Self() peer.ID

	// SendMessage delivers a Bitswap message to a peer. Implementations are
	// free to open a fresh stream per call or reuse a connection; from this
	// core's perspective each call is an independent, idempotent-safe send.
	SendMessage(ctx context.Context, p peer.ID, msg bsmsg.BitSwapMessage) error

	// Connect ensures a connection is open to p, dialing if necessary.
	Connect(ctx context.Context, p peer.ID) error

	// Addrs reports the underlay addresses currently used to reach p, for
	// reporting purposes only (e.g. the monitoring facade's connection
	// events). Returns nil if p is not currently connected.
	Addrs(p peer.ID) []ma.Multiaddr

	// FindProvidersAsync streams peers believed to hold c. The channel is
	// closed when the underlying search completes or ctx is done. max <= 0
	// means no limit is requested of the transport (the core still applies
	// its own bound).
	FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID

	// SetDelegate registers the Receiver that inbound events are delivered
	// to. Called exactly once, at construction time, by the client facade.
	SetDelegate(Receiver)
}

// Receiver is the inbound half of the Network contract: the transport calls
// these methods as wire events occur. Implementations (the client facade)
// must not block for long inside any of these — they hand off to internal
// actors and return.
type Receiver interface {
	// ReceiveMessage delivers an inbound Bitswap message from p.
	ReceiveMessage(ctx context.Context, p peer.ID, msg bsmsg.BitSwapMessage)
	// ReceiveError reports a transport-level error unrelated to any single
	// message (e.g. a stream that failed to decode).
	ReceiveError(err error)
	// PeerConnected reports a new connection to p.
	PeerConnected(p peer.ID)
	// PeerDisconnected reports the loss of the last connection to p.
	PeerDisconnected(p peer.ID)
}
