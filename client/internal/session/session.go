// Package session implements spec §4.9, the heart of the client core: a
// per-request-group actor that runs the Discovery/Steady/Stalled state
// machine, picks which peer to ask for which want-block, and fans
// arriving blocks out to whichever caller is waiting for them.
package session

import (
	"context"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/lgehr/ipfs-bitswap-core/client/internal/blockpresencemanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/providerquerymanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/sessioninterestmanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/sessionpeermanager"
	"github.com/lgehr/ipfs-bitswap-core/internal/defaults"
	bslog "github.com/lgehr/ipfs-bitswap-core/internal/log"
)

var log = bslog.Logger("bitswap/session")

// state is the session's place in the spec §4.9 state machine.
type state int

const (
	discovery state = iota
	steady
	stalled
)

// PeerWantSender is the subset of peermanager.PeerManager a Session drives.
type PeerWantSender interface {
	BroadcastWantHaves(cids []cid.Cid)
	BroadcastWantBlocks(cids []cid.Cid)
	SendWants(p peer.ID, wantBlocks, wantHaves []cid.Cid)
	SendCancels(cids []cid.Cid)
}

type inFlightWant struct {
	peer  peer.ID
	sent  time.Time
	timer *time.Timer
	gen   uint64
}

type sessionMessage interface {
	handle(s *Session)
}

// Session is one logical group of related block requests (spec §3/§4.9).
type Session struct {
	ID sessioninterestmanager.SessionID

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan sessionMessage
	done   chan struct{}

	pm  PeerWantSender
	spm *sessionpeermanager.SessionPeerManager
	sim *sessioninterestmanager.SessionInterestManager
	bpm *blockpresencemanager.BlockPresenceManager
	pqm *providerquerymanager.ProviderQueryManager

	providerSearchDelay time.Duration
	rebroadcastDelay    time.Duration
	simulateDontHaves   bool

	// do not touch outside the run loop
	st                state
	pending           map[cid.Cid]struct{}
	inFlight          map[cid.Cid]map[peer.ID]*inFlightWant
	askedPeersFor     map[cid.Cid]map[peer.ID]struct{}
	consecutiveEmpty  int
	tickDelay         time.Duration
	discoveryDeadline *time.Timer
	lastRebroadcast   time.Time
	generation        uint64

	waitersMu sync.Mutex
	waiters   map[cid.Cid][]chan blocks.Block
}

// Config bundles a new session's tunables (spec §6 Config subset).
type Config struct {
	ProviderSearchDelay        time.Duration
	RebroadcastDelay           time.Duration
	SimulateDontHavesOnTimeout bool
}

// New starts a Session actor wired to the shared sub-managers.
func New(
	ctx context.Context,
	id sessioninterestmanager.SessionID,
	pm PeerWantSender,
	sim *sessioninterestmanager.SessionInterestManager,
	bpm *blockpresencemanager.BlockPresenceManager,
	pqm *providerquerymanager.ProviderQueryManager,
	cfg Config,
) *Session {
	ctx, cancel := context.WithCancel(ctx)
	if cfg.ProviderSearchDelay == 0 {
		cfg.ProviderSearchDelay = defaults.ProviderSearchDelay
	}
	if cfg.RebroadcastDelay == 0 {
		cfg.RebroadcastDelay = defaults.RebroadcastDelay
	}
	s := &Session{
		ID:                  id,
		ctx:                 ctx,
		cancel:              cancel,
		msgs:                make(chan sessionMessage, 64),
		done:                make(chan struct{}),
		pm:                  pm,
		spm:                 sessionpeermanager.New(ctx),
		sim:                 sim,
		bpm:                 bpm,
		pqm:                 pqm,
		providerSearchDelay: cfg.ProviderSearchDelay,
		rebroadcastDelay:    cfg.RebroadcastDelay,
		simulateDontHaves:   cfg.SimulateDontHavesOnTimeout,
		st:                  discovery,
		pending:             make(map[cid.Cid]struct{}),
		inFlight:            make(map[cid.Cid]map[peer.ID]*inFlightWant),
		askedPeersFor:       make(map[cid.Cid]map[peer.ID]struct{}),
		tickDelay:           defaults.BaseTickDelay,
		lastRebroadcast:     time.Now(),
		waiters:             make(map[cid.Cid][]chan blocks.Block),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	ticker := time.NewTimer(s.tickDelay)
	defer ticker.Stop()

	for {
		select {
		case m := <-s.msgs:
			m.handle(s)
		case <-ticker.C:
			s.onTick()
			ticker.Reset(s.tickDelay)
		case <-s.ctx.Done():
			s.shutdown()
			return
		}
	}
}

func (s *Session) send(m sessionMessage) {
	select {
	case s.msgs <- m:
	case <-s.ctx.Done():
	}
}

func (s *Session) shutdown() {
	s.sim.RemoveSessionInterest(s.ID)
	s.spm.Shutdown()
	s.waitersMu.Lock()
	for _, chans := range s.waiters {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.waiters = nil
	s.waitersMu.Unlock()
}

// Stop ends the session. No block is ever delivered to a caller after Stop
// returns (spec §8 universal invariant).
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

// --- public, actor-dispatched API ---

type wantBlocksMsg struct {
	cids []cid.Cid
}

func (m *wantBlocksMsg) handle(s *Session) {
	var fresh []cid.Cid
	for _, c := range m.cids {
		if _, ok := s.pending[c]; ok {
			continue
		}
		s.pending[c] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return
	}
	s.sim.RecordSessionInterest(s.ID, fresh)
	if s.st == discovery {
		s.pm.BroadcastWantHaves(fresh)
		s.armDiscoveryDeadline()
	} else {
		s.selectPeersAndSend(fresh)
	}
}

// WantBlocks registers new CIDs of interest (spec §4.9 input "want_blocks").
func (s *Session) WantBlocks(cids []cid.Cid) { s.send(&wantBlocksMsg{cids}) }

type receiveFromMsg struct {
	p         *peer.ID
	blks      []blocks.Block
	haves     []cid.Cid
	dontHaves []cid.Cid
}

func (m *receiveFromMsg) handle(s *Session) {
	if m.p != nil {
		if len(m.haves) > 0 || len(m.dontHaves) > 0 {
			s.spm.AddPeer(*m.p)
			rtt := defaults.DefaultRTTEstimate
			if ift := s.firstInFlightRTT(*m.p); ift > 0 {
				rtt = ift
			}
			s.spm.RecordResponse(*m.p, rtt)
		}
		for _, c := range m.haves {
			s.clearInFlight(c, *m.p)
		}
		for _, c := range m.dontHaves {
			s.clearInFlight(c, *m.p)
			s.onDecline(c, *m.p)
		}
	}
	for _, b := range m.blks {
		s.onBlockArrival(b)
	}
	if len(m.blks) > 0 && s.st != steady {
		s.st = steady
		s.consecutiveEmpty = 0
	}
	if s.st == discovery && s.spm.UsefulPeerCount() >= defaults.MinUsefulPeers {
		s.enterSteady()
		s.selectPeersAndSend(s.pendingCIDs())
	}
}

func (s *Session) firstInFlightRTT(p peer.ID) time.Duration {
	for _, peers := range s.inFlight {
		if ifw, ok := peers[p]; ok {
			return time.Since(ifw.sent)
		}
	}
	return 0
}

// ReceiveFrom delivers blocks/presence info from the network, routed here
// by the Session Manager (spec §4.9 input "receive_from").
func (s *Session) ReceiveFrom(p *peer.ID, blks []blocks.Block, haves, dontHaves []cid.Cid) {
	s.send(&receiveFromMsg{p, blks, haves, dontHaves})
}

type discoveredPeerMsg struct {
	p peer.ID
}

func (m *discoveredPeerMsg) handle(s *Session) {
	s.spm.AddPeer(m.p)
	if s.st == discovery && s.spm.UsefulPeerCount() >= defaults.MinUsefulPeers {
		s.enterSteady()
	}
	s.selectPeersAndSend(s.pendingCIDs())
}

// AddDiscoveredPeer registers a peer found via provider lookup (spec §4.9
// input "add_discovered_peer").
func (s *Session) AddDiscoveredPeer(p peer.ID) { s.send(&discoveredPeerMsg{p}) }

type getBlockMsg struct {
	c     cid.Cid
	reply chan blocks.Block
}

func (m *getBlockMsg) handle(s *Session) {
	if _, ok := s.pending[m.c]; !ok {
		s.pending[m.c] = struct{}{}
		s.sim.RecordSessionInterest(s.ID, []cid.Cid{m.c})
		if s.st == discovery {
			s.pm.BroadcastWantHaves([]cid.Cid{m.c})
			s.armDiscoveryDeadline()
		} else {
			s.selectPeersAndSend([]cid.Cid{m.c})
		}
	}
	s.waitersMu.Lock()
	s.waiters[m.c] = append(s.waiters[m.c], m.reply)
	s.waitersMu.Unlock()
}

// GetBlock subscribes to c, triggering a want if not already pending, and
// returns a channel delivering exactly one block (or closed on Stop/ctx
// cancellation with no value).
func (s *Session) GetBlock(c cid.Cid) <-chan blocks.Block {
	reply := make(chan blocks.Block, 1)
	s.send(&getBlockMsg{c, reply})
	return reply
}

// --- internal state machine ---

func (s *Session) pendingCIDs() []cid.Cid {
	out := make([]cid.Cid, 0, len(s.pending))
	for c := range s.pending {
		out = append(out, c)
	}
	return out
}

func (s *Session) armDiscoveryDeadline() {
	if s.discoveryDeadline != nil {
		return
	}
	s.discoveryDeadline = time.AfterFunc(s.providerSearchDelay, func() {
		s.send(&providerDeadlineMsg{})
	})
}

type providerDeadlineMsg struct{}

func (m *providerDeadlineMsg) handle(s *Session) {
	s.discoveryDeadline = nil
	if s.st != discovery {
		return
	}
	s.startProviderQueries(s.pendingCIDs())
}

func (s *Session) startProviderQueries(cids []cid.Cid) {
	if s.pqm == nil {
		return
	}
	for _, c := range cids {
		c := c
		ch := s.pqm.FindProvidersAsync(s.ctx, c)
		go func() {
			for p := range ch {
				s.AddDiscoveredPeer(p)
			}
		}()
	}
}

func (s *Session) enterSteady() {
	s.st = steady
	s.consecutiveEmpty = 0
	s.tickDelay = defaults.BaseTickDelay
}

// onTick runs the Steady-state peer-selection pass and the Stalled
// transition logic (spec §4.9).
func (s *Session) onTick() {
	switch s.st {
	case discovery:
		return
	case steady, stalled:
		before := len(s.inFlight)
		s.selectPeersAndSend(s.pendingCIDs())
		if len(s.inFlight) == before && len(s.pending) > 0 {
			s.consecutiveEmpty++
		} else {
			s.consecutiveEmpty = 0
		}
	}

	if s.consecutiveEmpty >= defaults.StalledTicks && s.st == steady {
		s.st = stalled
		s.startProviderQueries(s.pendingCIDs())
	}

	if s.st == stalled && time.Since(s.lastRebroadcast) >= s.rebroadcastDelay {
		s.pm.BroadcastWantHaves(s.pendingCIDs())
		s.lastRebroadcast = time.Now()
	}

	if s.consecutiveEmpty == 0 {
		s.tickDelay = defaults.BaseTickDelay
	} else if s.tickDelay < defaults.MaxTickDelay {
		s.tickDelay = time.Duration(float64(s.tickDelay) * defaults.TickBackoffFactor)
		if s.tickDelay > defaults.MaxTickDelay {
			s.tickDelay = defaults.MaxTickDelay
		}
	}
}

// selectPeersAndSend implements spec §4.9's five-step peer selection for
// every CID in cids that doesn't already have an outstanding want-block.
func (s *Session) selectPeersAndSend(cids []cid.Cid) {
	candidates := s.spm.Peers() // ascending RTT
	if len(candidates) == 0 {
		return
	}

	for _, c := range cids {
		if s.hasWantBlockInFlight(c) {
			continue
		}

		var chosen peer.ID
		found := false
		for _, p := range candidates {
			if s.alreadyAsked(c, p) {
				continue
			}
			if s.bpm.PeerHasBlock(p, c) {
				chosen = p
				found = true
				break
			}
		}

		var fallback []peer.ID
		if !found {
			for _, p := range candidates {
				if s.alreadyAsked(c, p) || s.bpm.PeerDoesNotHaveBlock(p, c) {
					continue
				}
				fallback = append(fallback, p)
				if len(fallback) >= defaults.MaxFallbackPeersPerWant {
					break
				}
			}
		}

		if found {
			s.pm.SendWants(chosen, []cid.Cid{c}, nil)
			s.markAsked(c, chosen)
			s.startWatchdog(c, chosen)
		} else if len(fallback) > 0 {
			for _, p := range fallback {
				s.pm.SendWants(p, []cid.Cid{c}, nil)
				s.markAsked(c, p)
				s.startWatchdog(c, p)
			}
		}

		// Every other known candidate not yet asked gets a want-have
		// (spec §4.9 step 4).
		var haveTargets []peer.ID
		for _, p := range candidates {
			if p == chosen || s.alreadyAsked(c, p) || containsPeer(fallback, p) {
				continue
			}
			haveTargets = append(haveTargets, p)
		}
		for _, p := range haveTargets {
			s.pm.SendWants(p, nil, []cid.Cid{c})
			s.markAsked(c, p)
		}
	}
}

func containsPeer(peers []peer.ID, p peer.ID) bool {
	for _, x := range peers {
		if x == p {
			return true
		}
	}
	return false
}

func (s *Session) hasWantBlockInFlight(c cid.Cid) bool {
	for _, ifw := range s.inFlight[c] {
		_ = ifw
		return true
	}
	return false
}

func (s *Session) alreadyAsked(c cid.Cid, p peer.ID) bool {
	_, ok := s.askedPeersFor[c][p]
	return ok
}

func (s *Session) markAsked(c cid.Cid, p peer.ID) {
	peers, ok := s.askedPeersFor[c]
	if !ok {
		peers = make(map[peer.ID]struct{})
		s.askedPeersFor[c] = peers
	}
	peers[p] = struct{}{}
}

func (s *Session) startWatchdog(c cid.Cid, p peer.ID) {
	rtt := defaults.DefaultRTTEstimate
	delay := rtt*defaults.WatchdogRTTMultiplier + defaults.WatchdogBaseDelay
	s.generation++
	gen := s.generation

	peers, ok := s.inFlight[c]
	if !ok {
		peers = make(map[peer.ID]*inFlightWant)
		s.inFlight[c] = peers
	}
	timer := time.AfterFunc(delay, func() {
		s.send(&watchdogMsg{c, p, gen})
	})
	peers[p] = &inFlightWant{peer: p, sent: time.Now(), timer: timer, gen: gen}
}

func (s *Session) clearInFlight(c cid.Cid, p peer.ID) {
	peers, ok := s.inFlight[c]
	if !ok {
		return
	}
	if ifw, ok := peers[p]; ok {
		ifw.timer.Stop()
		delete(peers, p)
	}
	if len(peers) == 0 {
		delete(s.inFlight, c)
	}
}

type watchdogMsg struct {
	c   cid.Cid
	p   peer.ID
	gen uint64
}

func (m *watchdogMsg) handle(s *Session) {
	peers, ok := s.inFlight[m.c]
	if !ok {
		return
	}
	ifw, ok := peers[m.p]
	if !ok || ifw.gen != m.gen {
		return
	}
	delete(peers, m.p)
	if len(peers) == 0 {
		delete(s.inFlight, m.c)
	}
	s.onDecline(m.c, m.p)
}

// onDecline treats p as DONT_HAVE for c and, if every asked candidate has
// now declined, escalates to a broadcast want-block (spec §4.9 "Watchdog
// firing").
func (s *Session) onDecline(c cid.Cid, p peer.ID) {
	if _, stillPending := s.pending[c]; !stillPending {
		return
	}
	candidates := s.spm.Peers()
	if len(candidates) == 0 {
		return
	}
	for _, cand := range candidates {
		if !s.alreadyAsked(c, cand) {
			return // still someone left to try before escalating
		}
		if !s.bpm.PeerDoesNotHaveBlock(cand, c) && cand != p {
			return
		}
	}
	log.Debugf("bitswap: all candidates declined %s, escalating to broadcast want-block", c)
	s.pm.BroadcastWantBlocks([]cid.Cid{c})
}

// onBlockArrival implements spec §4.9's "Block arrival" transition.
func (s *Session) onBlockArrival(b blocks.Block) {
	c := b.Cid()
	if _, ok := s.pending[c]; !ok {
		return
	}
	delete(s.pending, c)
	for p, ifw := range s.inFlight[c] {
		ifw.timer.Stop()
		delete(s.inFlight[c], p)
	}
	delete(s.inFlight, c)
	delete(s.askedPeersFor, c)

	noMoreInterest := s.sim.RemoveSessionInterestForCIDs(s.ID, []cid.Cid{c})
	if len(noMoreInterest) > 0 {
		s.pm.SendCancels(noMoreInterest)
	}

	s.waitersMu.Lock()
	chans := s.waiters[c]
	delete(s.waiters, c)
	s.waitersMu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- b:
		default:
		}
		close(ch)
	}
}
