// Package blockstore defines the external-collaborator interface this
// client core consumes from the local content-addressed block store, per
// spec §2 ("Out of scope: the local block store") and §6 ("Interface
// consumed from Store"). The client core never implements persistence
// itself, and it does not call the Store: duplicate-block accounting is
// skipped (spec §9).
package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Store is the local block store handed to this client core. Writes to it
// (on the inbound path) are the caller's responsibility: the client's
// ReceiveMessage notifies sessions of newly-seen blocks but does not put
// them, matching the server-side split described in spec §2.
type Store interface {
	// Has reports whether the store already holds c. The client core does
	// not call it; duplicate-block accounting is skipped (spec §9).
	Has(ctx context.Context, c cid.Cid) (bool, error)
	// Get returns the bytes for c if present. Per spec §6 this exists for
	// the server side; the client core never calls it itself, but exposes
	// it so a single Store implementation can serve both client and server.
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
}
