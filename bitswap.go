// Package bitswap is the top-level entry point: New wires a client.Client
// to a transport and a local store exactly the way a caller wires up
// go-bitswap's own top-level package, just without the server half (this
// core is client-only, per spec §2).
package bitswap

import (
	"context"
	"time"

	"github.com/lgehr/ipfs-bitswap-core/blockstore"
	"github.com/lgehr/ipfs-bitswap-core/client"
	"github.com/lgehr/ipfs-bitswap-core/network"
)

// Option configures the client constructed by New.
type Option = client.Option

// ProviderSearchDelay overrides the default provider-query delay
// (default 1s).
func ProviderSearchDelay(d time.Duration) Option { return client.ProviderSearchDelay(d) }

// RebroadcastDelay overrides the default stalled-session rebroadcast period
// (default 60s).
func RebroadcastDelay(d time.Duration) Option { return client.RebroadcastDelay(d) }

// SimulateDontHavesOnTimeout toggles local DONT_HAVE synthesis on watchdog
// expiry (default true).
func SimulateDontHavesOnTimeout(b bool) Option { return client.SimulateDontHavesOnTimeout(b) }

// WithObserver attaches a monitoring facade to the client's inbound event
// stream.
func WithObserver(obs client.Observer) Option { return client.WithObserver(obs) }

// Client is the public façade returned by New.
type Client = client.Client

// New constructs a Client wired to net and store. blocksReceived is the
// unreliable side-channel callback, run on its own goroutine with the wanted
// blocks of each inbound message once they have been published to block
// subscribers (spec §9). Blocks passed to NotifyNewBlocks do not trigger it.
func New(ctx context.Context, net network.Network, store blockstore.Store, blocksReceived client.BlocksReceivedFunc, opts ...Option) *Client {
	return client.New(ctx, net, store, blocksReceived, opts...)
}
