// Package messagequeue implements spec §4.5: the single-producer /
// single-consumer per-peer actor that coalesces pending wants into
// debounced, size-bounded outbound Bitswap messages, retries on failure
// with exponential backoff, and periodically rebroadcasts outstanding
// wants to counter message loss and peer churn.
package messagequeue

import (
	"bytes"
	"context"
	"sync"
	"time"

	bsmsg "github.com/ipfs/go-bitswap/message"
	"github.com/ipfs/go-cid"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/lgehr/ipfs-bitswap-core/internal/defaults"
	bslog "github.com/lgehr/ipfs-bitswap-core/internal/log"
	"github.com/lgehr/ipfs-bitswap-core/network"
	"github.com/lgehr/ipfs-bitswap-core/wantlist"
)

var log = bslog.Logger("bitswap/messagequeue")

// State is the queue's externally-observable lifecycle stage (spec §4.5).
type State int

const (
	Idle State = iota
	Queued
	Sending
	Closing
)

// UnreachablePeerListener is notified once a queue gives up on its peer
// after too many consecutive send failures (spec §4.5: "the queue declares
// the peer unreachable and the Peer Manager disconnects").
type UnreachablePeerListener interface {
	PeerUnreachable(p peer.ID)
}

// TimeoutListener is notified when a sent want goes unanswered for
// T_response (spec §4.5).
type TimeoutListener interface {
	// WantTimedOut reports that p never responded to c within the response
	// watchdog. synthesizeDontHave indicates Config.SimulateDontHavesOnTimeout
	// was set, so the listener should treat this exactly like a real
	// DONT_HAVE.
	WantTimedOut(p peer.ID, c cid.Cid, synthesizeDontHave bool)
}

type wantEntry struct {
	priority     int32
	wantType     wantlist.WantType
	sendDontHave bool
	sentAt       time.Time
	rebroadcast  bool
	sent         bool // already included in an outgoing message once
}

type bcastEntry struct {
	sent bool // already included in an outgoing message once
}

// MessageQueue is one peer's outbound actor.
type MessageQueue struct {
	p       peer.ID
	network network.Network

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	simulateDontHavesOnTimeout bool
	unreachable                UnreachablePeerListener
	timeouts                   TimeoutListener

	mu         sync.Mutex
	state      State
	bcastWants map[cid.Cid]*bcastEntry
	wants      map[cid.Cid]*wantEntry // targeted want-blocks and want-haves, by cid
	cancels    map[cid.Cid]struct{}

	workSignal chan struct{}

	rttMu       sync.RWMutex
	rttEstimate time.Duration

	consecutiveFailures int
	backoff             time.Duration
}

// New constructs a MessageQueue for p. It starts its run loop immediately
// and must be stopped with Stop.
func New(ctx context.Context, p peer.ID, net network.Network, simulateDontHavesOnTimeout bool, unreachable UnreachablePeerListener, timeouts TimeoutListener) *MessageQueue {
	ctx, cancel := context.WithCancel(ctx)
	mq := &MessageQueue{
		p:                          p,
		network:                    net,
		ctx:                        ctx,
		cancel:                     cancel,
		done:                       make(chan struct{}),
		simulateDontHavesOnTimeout: simulateDontHavesOnTimeout,
		unreachable:                unreachable,
		timeouts:                   timeouts,
		bcastWants:                 make(map[cid.Cid]*bcastEntry),
		wants:                      make(map[cid.Cid]*wantEntry),
		cancels:                    make(map[cid.Cid]struct{}),
		workSignal:                 make(chan struct{}, 1),
		rttEstimate:                defaults.DefaultRTTEstimate,
		backoff:                    defaults.InitialSendBackoff,
	}
	go mq.run()
	return mq
}

func (mq *MessageQueue) signalWork() {
	select {
	case mq.workSignal <- struct{}{}:
	default:
	}
}

// AddBroadcastWantHaves implements peermanager.PeerQueue.
func (mq *MessageQueue) AddBroadcastWantHaves(cids []cid.Cid) {
	if len(cids) == 0 {
		return
	}
	mq.mu.Lock()
	for _, c := range cids {
		if _, cancelled := mq.cancels[c]; cancelled {
			continue
		}
		if _, ok := mq.bcastWants[c]; !ok {
			mq.bcastWants[c] = &bcastEntry{}
		}
	}
	mq.mu.Unlock()
	mq.signalWork()
}

// AddWants implements peermanager.PeerQueue. wantBlocks always supersede a
// previously-queued want-have for the same CID (spec invariant 1).
func (mq *MessageQueue) AddWants(wantBlocks, wantHaves []cid.Cid) {
	if len(wantBlocks) == 0 && len(wantHaves) == 0 {
		return
	}
	now := time.Now()
	mq.mu.Lock()
	for _, c := range wantBlocks {
		delete(mq.cancels, c)
		mq.wants[c] = &wantEntry{wantType: wantlist.WantBlock, sentAt: now}
	}
	for _, c := range wantHaves {
		if e, ok := mq.wants[c]; ok && e.wantType == wantlist.WantBlock {
			continue // never downgrade an in-flight want-block
		}
		delete(mq.cancels, c)
		mq.wants[c] = &wantEntry{wantType: wantlist.WantHave, sentAt: now}
	}
	mq.mu.Unlock()
	mq.signalWork()
}

// AddCancels implements peermanager.PeerQueue. A cancel always supersedes
// and removes any unsent want for the same CID (spec §4.5: "Cancel
// precedence").
func (mq *MessageQueue) AddCancels(cids []cid.Cid) {
	if len(cids) == 0 {
		return
	}
	mq.mu.Lock()
	for _, c := range cids {
		delete(mq.bcastWants, c)
		delete(mq.wants, c)
		mq.cancels[c] = struct{}{}
	}
	mq.mu.Unlock()
	mq.signalWork()
}

// NotifyResponseReceived clears the response-timeout bookkeeping for cids
// answered by this peer, folding the elapsed time since each want was sent
// into the RTT estimate (spec §4.5's per-entry response timeout, "adjusted
// by observed RTT").
func (mq *MessageQueue) NotifyResponseReceived(cids []cid.Cid) {
	now := time.Now()
	mq.mu.Lock()
	var samples []time.Duration
	for _, c := range cids {
		if e, ok := mq.wants[c]; ok {
			samples = append(samples, now.Sub(e.sentAt))
		}
		delete(mq.wants, c)
	}
	mq.mu.Unlock()

	for _, sample := range samples {
		mq.UpdateRTT(sample)
	}
}

// UpdateRTT folds a fresh round-trip sample into the queue's RTT EWMA,
// which governs the response-timeout watchdog (spec §4.5: "adjusted by
// observed RTT").
func (mq *MessageQueue) UpdateRTT(sample time.Duration) {
	mq.rttMu.Lock()
	defer mq.rttMu.Unlock()
	w := defaults.RTTEWMAWeight
	mq.rttEstimate = time.Duration(float64(sample)*w + float64(mq.rttEstimate)*(1-w))
}

func (mq *MessageQueue) responseTimeout() time.Duration {
	mq.rttMu.RLock()
	defer mq.rttMu.RUnlock()
	t := mq.rttEstimate * 2
	if t < defaults.ResponseTimeout {
		return defaults.ResponseTimeout
	}
	return t
}

// Stop halts the queue's run loop. Safe to call more than once.
func (mq *MessageQueue) Stop() {
	mq.cancel()
	<-mq.done
}

func (mq *MessageQueue) setState(s State) {
	mq.mu.Lock()
	mq.state = s
	mq.mu.Unlock()
}

func (mq *MessageQueue) run() {
	defer close(mq.done)

	var debounce *time.Timer
	rebroadcast := time.NewTicker(defaults.RebroadcastWorkInterval)
	defer rebroadcast.Stop()
	timeoutScan := time.NewTicker(defaults.ResponseTimeout / 2)
	defer timeoutScan.Stop()

	armDebounce := func() {
		if debounce == nil {
			debounce = time.NewTimer(defaults.MessageQueueDebounce)
			mq.setState(Queued)
		}
	}

	for {
		var debounceC <-chan time.Time
		if debounce != nil {
			debounceC = debounce.C
		}
		select {
		case <-mq.workSignal:
			armDebounce()
		case <-debounceC:
			debounce = nil
			mq.sendPending()
		case <-rebroadcast.C:
			mq.rebroadcastOutstanding()
		case <-timeoutScan.C:
			mq.scanTimeouts()
		case <-mq.ctx.Done():
			mq.setState(Closing)
			return
		}
	}
}

// drain takes every cancel (always one-shot) plus every want not yet
// included in an outgoing message, and marks those wants sent so the next
// debounce cycle only picks up what's newly queued since. Already-sent
// wants stay in mq.wants/mq.bcastWants for scanTimeouts and the periodic
// rebroadcastOutstanding to find, they just aren't resent here.
func (mq *MessageQueue) drain() (bcast, wantBlocks, wantHaves, cancels []cid.Cid) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	for c := range mq.cancels {
		cancels = append(cancels, c)
	}
	mq.cancels = make(map[cid.Cid]struct{})

	for c, e := range mq.bcastWants {
		if e.sent {
			continue
		}
		e.sent = true
		bcast = append(bcast, c)
	}

	for c, e := range mq.wants {
		if e.sent {
			continue
		}
		e.sent = true
		if e.wantType == wantlist.WantBlock {
			wantBlocks = append(wantBlocks, c)
		} else {
			wantHaves = append(wantHaves, c)
		}
	}
	return bcast, wantBlocks, wantHaves, cancels
}

func (mq *MessageQueue) sendPending() {
	bcast, wantBlocks, wantHaves, cancels := mq.drain()
	if len(bcast) == 0 && len(wantBlocks) == 0 && len(wantHaves) == 0 && len(cancels) == 0 {
		mq.setState(Idle)
		return
	}

	mq.setState(Sending)
	for _, msg := range buildMessages(bcast, wantBlocks, wantHaves, cancels) {
		if err := mq.trySend(msg); err != nil {
			log.Debugf("bitswap: send to %s failed: %s", mq.p, err)
			return
		}
	}
	mq.setState(Idle)
}

// buildMessages splits the pending work into one or more BitSwapMessages,
// each under defaults.MaxMessageSize, preserving priority order: cancels
// first (they are the cheapest and most urgent to deliver), then broadcast
// want-haves, then targeted want-haves, then want-blocks.
func buildMessages(bcast, wantBlocks, wantHaves, cancels []cid.Cid) []bsmsg.BitSwapMessage {
	var out []bsmsg.BitSwapMessage
	cur := bsmsg.New(false)

	flushIfFull := func() {
		if sizeOf(cur) >= defaults.MaxMessageSize {
			out = append(out, cur)
			cur = bsmsg.New(false)
		}
	}

	priority := int32(defaults.MaxMessageSize) // arbitrary high start; descending per entry
	for _, c := range cancels {
		cur.Cancel(c)
		flushIfFull()
	}
	for _, c := range bcast {
		cur.AddEntry(c, priority, wantlist.WantHave, false)
		priority--
		flushIfFull()
	}
	for _, c := range wantHaves {
		cur.AddEntry(c, priority, wantlist.WantHave, true)
		priority--
		flushIfFull()
	}
	for _, c := range wantBlocks {
		cur.AddEntry(c, priority, wantlist.WantBlock, true)
		priority--
		flushIfFull()
	}

	if !cur.Empty() {
		out = append(out, cur)
	}
	return out
}

// sizeOf measures a message's exact wire size using a pooled scratch buffer
// rather than allocating fresh per debounce tick.
func sizeOf(msg bsmsg.BitSwapMessage) int {
	buf := pool.Get(defaults.MaxMessageSize * 2)
	defer pool.Put(buf)
	w := bytes.NewBuffer(buf[:0])
	if err := msg.ToNetV1(w); err != nil {
		// Fall back to the message's own notion of size; this never blocks
		// and is only used as a chunking heuristic.
		return msg.Size()
	}
	return w.Len()
}

func (mq *MessageQueue) trySend(msg bsmsg.BitSwapMessage) error {
	err := mq.network.SendMessage(mq.ctx, mq.p, msg)
	if err == nil {
		mq.mu.Lock()
		mq.consecutiveFailures = 0
		mq.backoff = defaults.InitialSendBackoff
		mq.mu.Unlock()
		return nil
	}

	mq.mu.Lock()
	mq.consecutiveFailures++
	failures := mq.consecutiveFailures
	backoff := mq.backoff
	if mq.backoff*2 <= defaults.MaxSendBackoff {
		mq.backoff *= 2
	} else {
		mq.backoff = defaults.MaxSendBackoff
	}
	mq.mu.Unlock()

	if failures >= defaults.MaxConsecutiveSendFailures {
		log.Warnf("bitswap: peer %s unreachable after %d consecutive send failures", mq.p, failures)
		if mq.unreachable != nil {
			mq.unreachable.PeerUnreachable(mq.p)
		}
		return err
	}

	select {
	case <-time.After(backoff):
	case <-mq.ctx.Done():
	}
	return err
}

// rebroadcastOutstanding periodically resends everything still outstanding
// to counter message loss and silent peer churn (spec §4.5).
func (mq *MessageQueue) rebroadcastOutstanding() {
	mq.mu.Lock()
	var wantBlocks, wantHaves []cid.Cid
	for c, e := range mq.wants {
		e.rebroadcast = true
		if e.wantType == wantlist.WantBlock {
			wantBlocks = append(wantBlocks, c)
		} else {
			wantHaves = append(wantHaves, c)
		}
	}
	var bcast []cid.Cid
	for c := range mq.bcastWants {
		bcast = append(bcast, c)
	}
	mq.mu.Unlock()

	if len(wantBlocks) == 0 && len(wantHaves) == 0 && len(bcast) == 0 {
		return
	}
	for _, msg := range buildMessages(bcast, wantBlocks, wantHaves, nil) {
		_ = mq.trySend(msg)
	}
}

// scanTimeouts finds sent wants that have gone unanswered for longer than
// the response timeout and reports them to the TimeoutListener (spec
// §4.5's per-entry response timeout).
func (mq *MessageQueue) scanTimeouts() {
	timeout := mq.responseTimeout()
	now := time.Now()

	mq.mu.Lock()
	var timedOut []cid.Cid
	for c, e := range mq.wants {
		if now.Sub(e.sentAt) >= timeout {
			timedOut = append(timedOut, c)
			delete(mq.wants, c)
		}
	}
	mq.mu.Unlock()

	if mq.timeouts == nil {
		return
	}
	for _, c := range timedOut {
		mq.timeouts.WantTimedOut(mq.p, c, mq.simulateDontHavesOnTimeout)
	}
}
