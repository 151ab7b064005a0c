// Package peermanager implements spec §4.4/§4.6: the authoritative record
// of what has been sent to which peer (peerWantManager), driven by a
// single-goroutine actor (PeerManager) that owns one MessageQueue per
// connected peer.
package peermanager

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"

	bslog "github.com/lgehr/ipfs-bitswap-core/internal/log"
)

var log = bslog.Logger("bitswap/peermanager")

// PeerQueueFactory constructs the PeerQueue for a newly-connected peer. The
// client facade supplies this, binding in the network and the shared
// timeout/unreachable listeners (messagequeue.New satisfies this signature
// modulo argument currying).
type PeerQueueFactory func(ctx context.Context, p peer.ID) PeerQueue

// PeerAvailabilityListener is notified whenever the set of connected peers
// changes, so session peer managers can reconsider who to ask.
type PeerAvailabilityListener interface {
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
}

type cmdKind int

const (
	cmdConnected cmdKind = iota
	cmdDisconnected
	cmdBroadcastWantHaves
	cmdBroadcastWantBlocks
	cmdSendWants
	cmdSendCancels
	cmdCurrentWants
	cmdCurrentWantBlocks
	cmdCurrentWantHaves
	cmdUnreachable
	cmdNotifyResponse
)

type command struct {
	kind   cmdKind
	p      peer.ID
	cids   []cid.Cid
	blocks []cid.Cid
	haves  []cid.Cid
	reply  chan []cid.Cid
}

// PeerManager is the single actor that owns peerWantManager and every
// peer's MessageQueue. All mutation happens on its run-loop goroutine.
// Every exported method is thread-safe: the event and want methods enqueue
// a command and return without waiting for the loop to apply it, the
// Current* queries block for the loop's reply, and IsConnected /
// ConnectedPeers read a snapshot without going through the loop.
type PeerManager struct {
	self    peer.ID
	factory PeerQueueFactory
	avail   PeerAvailabilityListener

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	done   chan struct{}

	// connected is a snapshot that lets IsConnected() and ConnectedPeers()
	// answer without round-tripping through the actor; it's only ever
	// written from the run loop.
	mu        sync.RWMutex
	connected map[peer.ID]struct{}
}

// New starts a PeerManager actor. factory is called from the run loop
// whenever a peer connects, so it must not block.
func New(ctx context.Context, self peer.ID, factory PeerQueueFactory, avail PeerAvailabilityListener) *PeerManager {
	ctx, cancel := context.WithCancel(ctx)
	pm := &PeerManager{
		self:      self,
		factory:   factory,
		avail:     avail,
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan command, 64),
		done:      make(chan struct{}),
		connected: make(map[peer.ID]struct{}),
	}
	go pm.run()
	return pm
}

func (pm *PeerManager) run() {
	defer close(pm.done)
	pwm := newPeerWantManager()
	queues := make(map[peer.ID]PeerQueue)

	for {
		select {
		case cmd := <-pm.cmds:
			switch cmd.kind {
			case cmdConnected:
				if _, ok := queues[cmd.p]; ok {
					continue
				}
				pq := pm.factory(pm.ctx, cmd.p)
				queues[cmd.p] = pq
				pwm.connected(cmd.p, pq)
				pm.markConnected(cmd.p, true)
				if pm.avail != nil {
					pm.avail.PeerConnected(cmd.p)
				}

			case cmdDisconnected:
				if mq, ok := queues[cmd.p].(stopper); ok {
					mq.Stop()
				}
				delete(queues, cmd.p)
				orphaned := pwm.disconnected(cmd.p)
				pm.markConnected(cmd.p, false)
				if len(orphaned) > 0 {
					pwm.broadcastWantHaves(orphaned)
				}
				if pm.avail != nil {
					pm.avail.PeerDisconnected(cmd.p)
				}

			case cmdUnreachable:
				// A message queue gave up on its own peer; treat exactly like
				// a transport-reported disconnect.
				if mq, ok := queues[cmd.p].(stopper); ok {
					mq.Stop()
				}
				delete(queues, cmd.p)
				orphaned := pwm.disconnected(cmd.p)
				pm.markConnected(cmd.p, false)
				if len(orphaned) > 0 {
					pwm.broadcastWantHaves(orphaned)
				}
				if pm.avail != nil {
					pm.avail.PeerDisconnected(cmd.p)
				}

			case cmdBroadcastWantHaves:
				pwm.broadcastWantHaves(cmd.cids)

			case cmdBroadcastWantBlocks:
				pwm.broadcastWantBlocks(cmd.cids)

			case cmdSendWants:
				pwm.sendWants(cmd.p, cmd.blocks, cmd.haves)

			case cmdSendCancels:
				pwm.sendCancels(cmd.cids)

			case cmdCurrentWants:
				cmd.reply <- pwm.currentWants()
			case cmdCurrentWantBlocks:
				cmd.reply <- pwm.currentWantBlocks()
			case cmdCurrentWantHaves:
				cmd.reply <- pwm.currentWantHaves()

			case cmdNotifyResponse:
				if pq, ok := queues[cmd.p]; ok {
					if rn, ok := pq.(responseNotifier); ok {
						rn.NotifyResponseReceived(cmd.cids)
					}
				}
			}

		case <-pm.ctx.Done():
			for _, pq := range queues {
				if mq, ok := pq.(stopper); ok {
					mq.Stop()
				}
			}
			return
		}
	}
}

// stopper and responseNotifier are implemented by messagequeue.MessageQueue;
// they are declared here so peermanager only depends on these small
// interfaces and never imports messagequeue.
type stopper interface {
	Stop()
}

type responseNotifier interface {
	NotifyResponseReceived(cids []cid.Cid)
}

func (pm *PeerManager) markConnected(p peer.ID, ok bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if ok {
		pm.connected[p] = struct{}{}
	} else {
		delete(pm.connected, p)
	}
}

func (pm *PeerManager) send(cmd command) {
	select {
	case pm.cmds <- cmd:
	case <-pm.ctx.Done():
	}
}

// Connected reports a new connection to p (spec §4.6).
func (pm *PeerManager) Connected(p peer.ID) {
	pm.send(command{kind: cmdConnected, p: p})
}

// Disconnected reports the loss of the last connection to p (spec §4.6).
func (pm *PeerManager) Disconnected(p peer.ID) {
	pm.send(command{kind: cmdDisconnected, p: p})
}

// PeerUnreachable implements messagequeue.UnreachablePeerListener: a queue
// gave up on p after too many consecutive send failures.
func (pm *PeerManager) PeerUnreachable(p peer.ID) {
	log.Infof("bitswap: disconnecting unreachable peer %s", p)
	pm.send(command{kind: cmdUnreachable, p: p})
}

// IsConnected reports whether p is currently tracked as connected.
func (pm *PeerManager) IsConnected(p peer.ID) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	_, ok := pm.connected[p]
	return ok
}

// ConnectedPeers returns a snapshot of every currently-connected peer.
func (pm *PeerManager) ConnectedPeers() []peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]peer.ID, 0, len(pm.connected))
	for p := range pm.connected {
		out = append(out, p)
	}
	return out
}

// BroadcastWantHaves asks every connected peer whether it has cids
// (spec §4.4).
func (pm *PeerManager) BroadcastWantHaves(cids []cid.Cid) {
	pm.send(command{kind: cmdBroadcastWantHaves, cids: cids})
}

// BroadcastWantBlocks force-escalates cids to a targeted want-block to
// every connected peer, bypassing broadcastWantHaves' broadcast dedup
// (spec §4.9 watchdog-firing escalation, once every known candidate has
// already declined a want-have).
func (pm *PeerManager) BroadcastWantBlocks(cids []cid.Cid) {
	pm.send(command{kind: cmdBroadcastWantBlocks, cids: cids})
}

// SendWants asks p specifically for wantBlocks (the block itself) and
// wantHaves (just presence) (spec §4.4).
func (pm *PeerManager) SendWants(p peer.ID, wantBlocks, wantHaves []cid.Cid) {
	pm.send(command{kind: cmdSendWants, p: p, blocks: wantBlocks, haves: wantHaves})
}

// SendCancels cancels cids with every peer they were ever sent to
// (spec §4.4).
func (pm *PeerManager) SendCancels(cids []cid.Cid) {
	pm.send(command{kind: cmdSendCancels, cids: cids})
}

// NotifyResponseReceived lets p's message queue stop watching for a
// response to any of cids (spec §4.5's per-entry response timeout is
// cleared by a real answer, not just by expiry).
func (pm *PeerManager) NotifyResponseReceived(p peer.ID, cids []cid.Cid) {
	pm.send(command{kind: cmdNotifyResponse, p: p, cids: cids})
}

func (pm *PeerManager) query(kind cmdKind) []cid.Cid {
	reply := make(chan []cid.Cid, 1)
	select {
	case pm.cmds <- command{kind: kind, reply: reply}:
	case <-pm.ctx.Done():
		return nil
	}
	select {
	case cids := <-reply:
		return cids
	case <-pm.ctx.Done():
		return nil
	}
}

// CurrentWants returns every CID currently wanted, broadcast or targeted.
func (pm *PeerManager) CurrentWants() []cid.Cid { return pm.query(cmdCurrentWants) }

// CurrentWantBlocks returns every CID with an outstanding want-block.
func (pm *PeerManager) CurrentWantBlocks() []cid.Cid { return pm.query(cmdCurrentWantBlocks) }

// CurrentWantHaves returns every CID with an outstanding want-have.
func (pm *PeerManager) CurrentWantHaves() []cid.Cid { return pm.query(cmdCurrentWantHaves) }

// Shutdown stops the actor and every peer's message queue. Blocks until
// fully drained.
func (pm *PeerManager) Shutdown() {
	pm.cancel()
	<-pm.done
}
