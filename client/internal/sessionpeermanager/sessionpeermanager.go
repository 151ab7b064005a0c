// Package sessionpeermanager implements spec §4.8: one session's private
// view of which peers are worth asking, ranked by observed RTT, fed by
// both the wantlist responses it sees and provider discovery.
package sessionpeermanager

import (
	"context"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/lgehr/ipfs-bitswap-core/internal/defaults"
)

type peerMessage interface {
	handle(spm *SessionPeerManager)
}

type candidate struct {
	id          peer.ID
	discovered  time.Time
	useful      bool
	firstRespAt time.Time
	hasRespTime bool
	rttEWMA     time.Duration
	hasRTT      bool
}

// SessionPeerManager tracks one session's candidate peer set and ranks it
// by ascending RTT for peer selection (spec §4.9 step 2/3). All mutable
// state lives on its single run-loop goroutine.
type SessionPeerManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan peerMessage
	done   chan struct{}

	// do not touch outside the run loop
	candidates map[peer.ID]*candidate
	order      []peer.ID // ascending RTT first, then unknown-RTT by discovery order
}

// New starts a SessionPeerManager actor.
func New(ctx context.Context) *SessionPeerManager {
	ctx, cancel := context.WithCancel(ctx)
	spm := &SessionPeerManager{
		ctx:        ctx,
		cancel:     cancel,
		msgs:       make(chan peerMessage, 32),
		done:       make(chan struct{}),
		candidates: make(map[peer.ID]*candidate),
	}
	go spm.run()
	return spm
}

func (spm *SessionPeerManager) run() {
	defer close(spm.done)
	for {
		select {
		case m := <-spm.msgs:
			m.handle(spm)
		case <-spm.ctx.Done():
			return
		}
	}
}

func (spm *SessionPeerManager) send(m peerMessage) {
	select {
	case spm.msgs <- m:
	case <-spm.ctx.Done():
	}
}

func (spm *SessionPeerManager) insert(p peer.ID) *candidate {
	if c, ok := spm.candidates[p]; ok {
		return c
	}
	c := &candidate{id: p, discovered: time.Now()}
	spm.candidates[p] = c
	spm.order = append(spm.order, p)
	return c
}

func (spm *SessionPeerManager) resort() {
	sort.SliceStable(spm.order, func(i, j int) bool {
		ci, cj := spm.candidates[spm.order[i]], spm.candidates[spm.order[j]]
		if ci.hasRTT != cj.hasRTT {
			return ci.hasRTT // known-RTT peers sort before unknown-RTT peers
		}
		if ci.hasRTT {
			return ci.rttEWMA < cj.rttEWMA
		}
		return ci.discovered.Before(cj.discovered)
	})
}

type addPeerMsg struct{ p peer.ID }

func (m *addPeerMsg) handle(spm *SessionPeerManager) {
	spm.insert(m.p)
	spm.resort()
}

type removePeerMsg struct{ p peer.ID }

func (m *removePeerMsg) handle(spm *SessionPeerManager) {
	if _, ok := spm.candidates[m.p]; !ok {
		return
	}
	delete(spm.candidates, m.p)
	for i, id := range spm.order {
		if id == m.p {
			spm.order = append(spm.order[:i], spm.order[i+1:]...)
			break
		}
	}
}

type peersDiscoveredMsg struct{ peers []peer.ID }

func (m *peersDiscoveredMsg) handle(spm *SessionPeerManager) {
	for _, p := range m.peers {
		spm.insert(p)
	}
	spm.resort()
}

type recordResponseMsg struct {
	p   peer.ID
	rtt time.Duration
}

func (m *recordResponseMsg) handle(spm *SessionPeerManager) {
	c := spm.insert(m.p)
	c.useful = true
	if !c.hasRespTime {
		c.firstRespAt = time.Now()
		c.hasRespTime = true
	}
	if !c.hasRTT {
		c.rttEWMA = m.rtt
		c.hasRTT = true
	} else {
		w := defaults.RTTEWMAWeight
		c.rttEWMA = time.Duration(float64(m.rtt)*w + float64(c.rttEWMA)*(1-w))
	}
	spm.resort()
}

type hasPeerMsg struct {
	p     peer.ID
	reply chan bool
}

func (m *hasPeerMsg) handle(spm *SessionPeerManager) {
	_, ok := spm.candidates[m.p]
	m.reply <- ok
}

type peersMsg struct {
	reply chan []peer.ID
}

func (m *peersMsg) handle(spm *SessionPeerManager) {
	out := make([]peer.ID, len(spm.order))
	copy(out, spm.order)
	m.reply <- out
}

type usefulCountMsg struct {
	reply chan int
}

func (m *usefulCountMsg) handle(spm *SessionPeerManager) {
	n := 0
	for _, c := range spm.candidates {
		if c.useful {
			n++
		}
	}
	m.reply <- n
}

// AddPeer registers p as a candidate, e.g. because it sent an unsolicited
// message to this session's wantlist.
func (spm *SessionPeerManager) AddPeer(p peer.ID) { spm.send(&addPeerMsg{p}) }

// RemovePeer drops p, e.g. on disconnect.
func (spm *SessionPeerManager) RemovePeer(p peer.ID) { spm.send(&removePeerMsg{p}) }

// PeersDiscovered registers peers found via provider query (spec §4.9 step
// 1: "Discovery").
func (spm *SessionPeerManager) PeersDiscovered(peers []peer.ID) {
	spm.send(&peersDiscoveredMsg{peers})
}

// RecordResponse folds an observed round-trip sample for p into its RTT
// EWMA and marks it useful (spec §4.8/§4.9).
func (spm *SessionPeerManager) RecordResponse(p peer.ID, rtt time.Duration) {
	spm.send(&recordResponseMsg{p, rtt})
}

// HasPeer reports whether p is already a tracked candidate.
func (spm *SessionPeerManager) HasPeer(p peer.ID) bool {
	reply := make(chan bool, 1)
	spm.send(&hasPeerMsg{p, reply})
	select {
	case ok := <-reply:
		return ok
	case <-spm.ctx.Done():
		return false
	}
}

// Peers returns every candidate peer, ordered by ascending RTT with
// unknown-RTT peers last in discovery order (spec §4.9 step 2/3).
func (spm *SessionPeerManager) Peers() []peer.ID {
	reply := make(chan []peer.ID, 1)
	spm.send(&peersMsg{reply})
	select {
	case peers := <-reply:
		return peers
	case <-spm.ctx.Done():
		return nil
	}
}

// UsefulPeerCount returns how many candidates have ever responded
// (spec §4.9: Discovery→Steady transition requires MinUsefulPeers).
func (spm *SessionPeerManager) UsefulPeerCount() int {
	reply := make(chan int, 1)
	spm.send(&usefulCountMsg{reply})
	select {
	case n := <-reply:
		return n
	case <-spm.ctx.Done():
		return 0
	}
}

// Shutdown stops the actor.
func (spm *SessionPeerManager) Shutdown() {
	spm.cancel()
	<-spm.done
}
