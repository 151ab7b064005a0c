// Package client implements spec §4.11/§6: the thin, synchronous-contract
// public façade over every internal actor package, and the Stat counters
// described in spec §3.
package client

import (
	"context"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"

	bsmsg "github.com/ipfs/go-bitswap/message"

	"github.com/lgehr/ipfs-bitswap-core/blockstore"
	"github.com/lgehr/ipfs-bitswap-core/bserrors"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/blockpresencemanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/messagequeue"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/notifications"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/peermanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/providerquerymanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/session"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/sessioninterestmanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/sessionmanager"
	"github.com/lgehr/ipfs-bitswap-core/internal/defaults"
	bslog "github.com/lgehr/ipfs-bitswap-core/internal/log"
	"github.com/lgehr/ipfs-bitswap-core/network"
)

var log = bslog.Logger("bitswap/client")

// Stat mirrors spec §3's process-wide counters.
type Stat struct {
	BlocksReceived   uint64
	DupBlksReceived  uint64
	DupDataReceived  uint64
	MessagesReceived uint64
	Wantlist         []cid.Cid
	Peers            []peer.ID
}

// BlocksReceivedFunc is the unreliable side-channel callback from spec §9:
// invoked after broadcast, may block briefly, errors are swallowed.
type BlocksReceivedFunc func(p peer.ID, blks []blocks.Block)

// Config recognizes the options from spec §6.
type Config struct {
	ProviderSearchDelay        time.Duration
	RebroadcastDelay           time.Duration
	SimulateDontHavesOnTimeout bool
	observer                   Observer
}

func (c Config) withDefaults() Config {
	if c.ProviderSearchDelay == 0 {
		c.ProviderSearchDelay = defaults.ProviderSearchDelay
	}
	if c.RebroadcastDelay == 0 {
		c.RebroadcastDelay = defaults.RebroadcastDelay
	}
	return c
}

// Option configures a Client at construction time.
type Option func(*Config)

// ProviderSearchDelay overrides the default provider-query delay.
func ProviderSearchDelay(d time.Duration) Option {
	return func(c *Config) { c.ProviderSearchDelay = d }
}

// RebroadcastDelay overrides the default stalled-session rebroadcast period.
func RebroadcastDelay(d time.Duration) Option {
	return func(c *Config) { c.RebroadcastDelay = d }
}

// SimulateDontHavesOnTimeout toggles local DONT_HAVE synthesis on watchdog
// expiry (spec §6, default true).
func SimulateDontHavesOnTimeout(b bool) Option {
	return func(c *Config) { c.SimulateDontHavesOnTimeout = b }
}

// Observer is an optional, best-effort sink for raw wire events, used by
// the monitoring facade to reconstruct what the core saw without coupling
// the core itself to any particular reporting mechanism. Methods must not
// block; the client invokes them synchronously on the receive path.
type Observer interface {
	ObserveMessage(p peer.ID, msg bsmsg.BitSwapMessage)
	ObserveConnected(p peer.ID)
	ObserveDisconnected(p peer.ID)
}

// WithObserver attaches obs to the client's inbound event stream.
func WithObserver(obs Observer) Option {
	return func(c *Config) { c.observer = obs }
}

// Client is the public façade described in spec §4.11/§6.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	network network.Network
	store   blockstore.Store
	onBlock BlocksReceivedFunc
	cfg     Config

	bpm     *blockpresencemanager.BlockPresenceManager
	sim     *sessioninterestmanager.SessionInterestManager
	pqm     *providerquerymanager.ProviderQueryManager
	pm      *peermanager.PeerManager
	sm      *sessionmanager.SessionManager
	pubsub  *notifications.PubSub

	statMu sync.Mutex
	stat   Stat
}

// New constructs a Client wired to net and store, per spec §6
// "new(Network, Store, blocks_received_cb, Config) -> Client".
func New(ctx context.Context, net network.Network, store blockstore.Store, onBlock BlocksReceivedFunc, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(ctx)
	cfg := Config{SimulateDontHavesOnTimeout: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	c := &Client{
		ctx:     ctx,
		cancel:  cancel,
		network: net,
		store:   store,
		onBlock: onBlock,
		cfg:     cfg,
		bpm:     blockpresencemanager.New(),
		sim:     sessioninterestmanager.New(),
		pqm:     providerquerymanager.New(net),
		pubsub:  notifications.New(),
	}

	factory := func(ctx context.Context, p peer.ID) peermanager.PeerQueue {
		return messagequeue.New(ctx, p, net, cfg.SimulateDontHavesOnTimeout, c.pm, c)
	}
	c.pm = peermanager.New(ctx, net.Self(), factory, nil)
	c.sm = sessionmanager.New(ctx, c.pm, c.sim, c.bpm, c.pqm)

	net.SetDelegate(c)
	return c
}

// WantTimedOut implements messagequeue.TimeoutListener: synthesize a local
// DONT_HAVE when Config.SimulateDontHavesOnTimeout is set (spec §6/§7).
func (c *Client) WantTimedOut(p peer.ID, cid cid.Cid, synthesizeDontHave bool) {
	if !synthesizeDontHave {
		return
	}
	c.bpm.ReceiveFrom(p, nil, []cid.Cid{cid})
	c.sm.ReceiveFrom(&p, nil, nil, []cid.Cid{cid})
}

// --- spec §6 Client API ---

// GetBlock creates an ephemeral session, waits for cid, stops the session,
// and returns the block.
func (c *Client) GetBlock(ctx context.Context, cid cid.Cid) (blocks.Block, error) {
	ch, err := c.GetBlocks(ctx, []cid.Cid{cid})
	if err != nil {
		return nil, err
	}
	select {
	case b, ok := <-ch:
		if !ok {
			return nil, bserrors.New(bserrors.SessionShutdown, "get_block: session stopped before delivery")
		}
		return b, nil
	case <-ctx.Done():
		return nil, bserrors.Wrap(bserrors.SessionShutdown, "get_block: caller context done", ctx.Err())
	}
}

// GetBlocks streams every block in cids as it arrives, on an ephemeral
// session that stops itself once the stream closes.
func (c *Client) GetBlocks(ctx context.Context, cids []cid.Cid) (<-chan blocks.Block, error) {
	sess := c.sm.NewSession(session.Config{
		ProviderSearchDelay:        c.cfg.ProviderSearchDelay,
		RebroadcastDelay:           c.cfg.RebroadcastDelay,
		SimulateDontHavesOnTimeout: c.cfg.SimulateDontHavesOnTimeout,
	})
	return c.streamFromSession(ctx, sess, cids, true), nil
}

// GetBlockWithSession uses a caller-named, long-lived session rather than
// an ephemeral one (spec §6 "get_block_with_session_id").
func (c *Client) GetBlockWithSession(ctx context.Context, sid sessioninterestmanager.SessionID, cid cid.Cid) (blocks.Block, error) {
	sess := c.sm.GetOrCreateSession(sid, session.Config{
		ProviderSearchDelay:        c.cfg.ProviderSearchDelay,
		RebroadcastDelay:           c.cfg.RebroadcastDelay,
		SimulateDontHavesOnTimeout: c.cfg.SimulateDontHavesOnTimeout,
	})
	ch := c.streamFromSession(ctx, sess, []cid.Cid{cid}, false)
	select {
	case b, ok := <-ch:
		if !ok {
			return nil, bserrors.New(bserrors.SessionShutdown, "get_block_with_session_id: session stopped before delivery")
		}
		return b, nil
	case <-ctx.Done():
		return nil, bserrors.Wrap(bserrors.SessionShutdown, "get_block_with_session_id: caller context done", ctx.Err())
	}
}

// GetBlocksWithSession is the streaming counterpart of
// GetBlockWithSession.
func (c *Client) GetBlocksWithSession(ctx context.Context, sid sessioninterestmanager.SessionID, cids []cid.Cid) <-chan blocks.Block {
	sess := c.sm.GetOrCreateSession(sid, session.Config{
		ProviderSearchDelay:        c.cfg.ProviderSearchDelay,
		RebroadcastDelay:           c.cfg.RebroadcastDelay,
		SimulateDontHavesOnTimeout: c.cfg.SimulateDontHavesOnTimeout,
	})
	return c.streamFromSession(ctx, sess, cids, false)
}

// streamFromSession fans in every per-CID GetBlock channel from sess into
// one output channel, optionally stopping sess (ephemeral sessions) once
// every CID has been delivered or the caller gives up.
func (c *Client) streamFromSession(ctx context.Context, sess *session.Session, cids []cid.Cid, stopWhenDone bool) <-chan blocks.Block {
	out := make(chan blocks.Block, len(cids))
	var wg sync.WaitGroup
	wg.Add(len(cids))
	for _, cd := range cids {
		go func(cd cid.Cid) {
			defer wg.Done()
			select {
			case b, ok := <-sess.GetBlock(cd):
				if ok {
					out <- b
				}
			case <-ctx.Done():
			}
		}(cd)
	}
	go func() {
		wg.Wait()
		close(out)
		if stopWhenDone {
			sess.Stop()
		}
	}()
	return out
}

// NotifyNewBlocks tells the core about blocks the caller has already
// written to the Store, fanning them out to interested sessions
// (spec §6 "notify_new_blocks").
func (c *Client) NotifyNewBlocks(blks []blocks.Block) {
	wanted, _ := c.sim.SplitWantedUnwanted(blks)
	for _, b := range wanted {
		c.pubsub.Publish(b)
	}
	if len(wanted) > 0 {
		c.sm.ReceiveFrom(nil, wanted, nil, nil)
	}
}

// ReceiveMessage implements network.Receiver: the entry point from the
// transport for an inbound Bitswap message (spec §6 "receive_message").
func (c *Client) ReceiveMessage(ctx context.Context, p peer.ID, msg bsmsg.BitSwapMessage) {
	c.statMu.Lock()
	c.stat.MessagesReceived++
	c.statMu.Unlock()

	if c.cfg.observer != nil {
		c.cfg.observer.ObserveMessage(p, msg)
	}

	haves := msg.Haves()
	dontHaves := msg.DontHaves()
	c.bpm.ReceiveFrom(p, haves, dontHaves)

	blks := msg.Blocks()
	// spec §9: duplicate/unwanted-block accounting may be skipped entirely;
	// this core does not consult the Store for it.
	wanted, _ := c.sim.SplitWantedUnwanted(blks)

	c.statMu.Lock()
	c.stat.BlocksReceived += uint64(len(blks))
	c.statMu.Unlock()

	for _, b := range wanted {
		c.pubsub.Publish(b)
	}

	if c.onBlock != nil && len(wanted) > 0 {
		go c.onBlock(p, wanted)
	}

	if len(wanted) > 0 || len(haves) > 0 || len(dontHaves) > 0 {
		c.sm.ReceiveFrom(&p, wanted, haves, dontHaves)
	}

	c.clearQueueWatchdogs(p, blks, haves, dontHaves)
}

// clearQueueWatchdogs lets this peer's message queue stop watching for a
// response to every CID this message answered.
func (c *Client) clearQueueWatchdogs(p peer.ID, blks []blocks.Block, haves, dontHaves []cid.Cid) {
	cids := make([]cid.Cid, 0, len(blks)+len(haves)+len(dontHaves))
	for _, b := range blks {
		cids = append(cids, b.Cid())
	}
	cids = append(cids, haves...)
	cids = append(cids, dontHaves...)
	if len(cids) == 0 {
		return
	}
	c.pm.NotifyResponseReceived(p, cids)
}

// ReceiveError implements network.Receiver.
func (c *Client) ReceiveError(err error) {
	log.Infof("bitswap: transport error: %s", err)
}

// PeerConnected implements network.Receiver (spec §6 "peer_connected").
func (c *Client) PeerConnected(p peer.ID) {
	c.pm.Connected(p)
	if c.cfg.observer != nil {
		c.cfg.observer.ObserveConnected(p)
	}
}

// PeerDisconnected implements network.Receiver (spec §6 "peer_disconnected").
func (c *Client) PeerDisconnected(p peer.ID) {
	c.pm.Disconnected(p)
	c.bpm.RemovePeer(p)
	if c.cfg.observer != nil {
		c.cfg.observer.ObserveDisconnected(p)
	}
}

// BroadcastWant asks every connected peer whether it has cids, bypassing
// session bookkeeping — used by the monitoring facade's RPC surface
// (spec §6 analogue of the teacher's BroadcastBitswapWant).
func (c *Client) BroadcastWant(cids []cid.Cid) {
	c.pm.BroadcastWantHaves(cids)
}

// GetWantlist returns every CID currently wanted, broadcast or targeted.
func (c *Client) GetWantlist() []cid.Cid { return c.pm.CurrentWants() }

// GetWantBlocks returns every CID with an outstanding want-block.
func (c *Client) GetWantBlocks() []cid.Cid { return c.pm.CurrentWantBlocks() }

// GetWantHaves returns every CID with an outstanding want-have.
func (c *Client) GetWantHaves() []cid.Cid { return c.pm.CurrentWantHaves() }

// NewSession allocates a fresh, anonymous session.
func (c *Client) NewSession() *session.Session {
	return c.sm.NewSession(session.Config{
		ProviderSearchDelay:        c.cfg.ProviderSearchDelay,
		RebroadcastDelay:           c.cfg.RebroadcastDelay,
		SimulateDontHavesOnTimeout: c.cfg.SimulateDontHavesOnTimeout,
	})
}

// GetOrCreateSession returns the named session, creating it if absent.
func (c *Client) GetOrCreateSession(id sessioninterestmanager.SessionID) *session.Session {
	return c.sm.GetOrCreateSession(id, session.Config{
		ProviderSearchDelay:        c.cfg.ProviderSearchDelay,
		RebroadcastDelay:           c.cfg.RebroadcastDelay,
		SimulateDontHavesOnTimeout: c.cfg.SimulateDontHavesOnTimeout,
	})
}

// StopSession stops and forgets a named session.
func (c *Client) StopSession(id sessioninterestmanager.SessionID) {
	c.sm.StopSession(id)
}

// Stat returns a snapshot of the process-wide counters (spec §6 "stat").
func (c *Client) Stat() Stat {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	snap := c.stat
	snap.Wantlist = c.pm.CurrentWants()
	snap.Peers = c.pm.ConnectedPeers()
	return snap
}

// Close stops every session and the shared sub-managers (mirrors
// sessionmanager.Stop, plus the peer manager and pubsub).
func (c *Client) Close() {
	c.sm.Stop()
	c.pm.Shutdown()
	c.pubsub.Shutdown()
	c.cancel()
}
