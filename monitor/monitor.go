// Package monitor adapts the wire-level observability surface this client
// core's teacher exposed over TCP pub/sub and HTTP RPC into a facade over
// the Bitswap client core itself: subscribers receive every inbound
// message and connection event, and a small HTTP API exposes wantlist
// snapshots, broadcast RPCs, and Prometheus metrics.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	bsmsg "github.com/ipfs/go-bitswap/message"
	"github.com/ipfs/go-cid"
	"github.com/julienschmidt/httprouter"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lgehr/ipfs-bitswap-core/client"
	bslog "github.com/lgehr/ipfs-bitswap-core/internal/log"
)

var log = bslog.Logger("bitswap/monitor")

// BlockPresenceType mirrors the wire HAVE/DONT_HAVE distinction.
type BlockPresenceType int

const (
	Have BlockPresenceType = iota
	DontHave
)

// BlockPresence indicates the presence or absence of a block reported by a
// peer in one message.
type BlockPresence struct {
	Cid  cid.Cid           `json:"cid"`
	Type BlockPresenceType `json:"block_presence_type"`
}

// BitswapMessage is the DTO pushed to subscribers for every recorded
// inbound message.
type BitswapMessage struct {
	WantlistEntries    []bsmsg.Entry   `json:"wantlist_entries"`
	FullWantList       bool            `json:"full_wantlist"`
	Blocks             []cid.Cid       `json:"blocks"`
	BlockPresences     []BlockPresence `json:"block_presences"`
	ConnectedAddresses []ma.Multiaddr  `json:"connected_addresses,omitempty"`
}

// ConnectionEventType distinguishes a connect from a disconnect.
type ConnectionEventType int

const (
	Connected ConnectionEventType = iota
	Disconnected
)

// ConnectionEvent is the DTO pushed to subscribers for every recorded
// connection change.
type ConnectionEvent struct {
	Remote              peer.ID             `json:"remote"`
	ConnectionEventType ConnectionEventType `json:"connection_event_type"`
	Addresses           []ma.Multiaddr      `json:"addresses,omitempty"`
}

// EventSubscriber handles events pushed by the Monitor. Implementations
// must not block.
type EventSubscriber interface {
	// ID uniquely identifies this subscriber for Subscribe/Unsubscribe
	// bookkeeping; it may be reused once the prior use has unsubscribed.
	ID() string
	BitswapMessageReceived(timestamp time.Time, p peer.ID, msg BitswapMessage) error
	ConnectionEventRecorded(timestamp time.Time, p peer.ID, ev ConnectionEvent) error
}

// ErrAlreadySubscribed is returned by Subscribe for a duplicate ID.
var ErrAlreadySubscribed = errors.New("already subscribed")

// BroadcastSendStatus reports the outcome of one peer's send as part of a
// broadcast RPC.
type BroadcastSendStatus struct {
	Peer                peer.ID   `json:"peer"`
	TimestampBeforeSend time.Time `json:"timestamp_before_send"`
	SendDurationMillis  int64     `json:"send_duration_millis"`
	Error               string    `json:"error,omitempty"`
}

// AddrSource reports a peer's current underlay addresses; network.Network
// satisfies this.
type AddrSource interface {
	Addrs(p peer.ID) []ma.Multiaddr
}

// Monitor observes a Client's inbound event stream, fans it out to
// subscribers, and serves a small HTTP RPC/metrics surface.
type Monitor struct {
	client *client.Client
	addrs  AddrSource

	mu   sync.RWMutex
	subs map[string]EventSubscriber

	messagesTotal    prometheus.Counter
	blocksTotal      prometheus.Counter
	connectionsTotal *prometheus.CounterVec
}

// New returns a Monitor over c, enriching events with addresses reported by
// addrs. Pass the result to client.WithObserver when constructing the
// Client so inbound events reach it.
func New(c *client.Client, addrs AddrSource) *Monitor {
	m := &Monitor{
		client: c,
		addrs:  addrs,
		subs:   make(map[string]EventSubscriber),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bitswap_core_messages_received_total",
			Help: "Bitswap messages received, pre-filtering.",
		}),
		blocksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bitswap_core_blocks_received_total",
			Help: "Blocks received across all inbound messages.",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitswap_core_connection_events_total",
			Help: "Connection events by type.",
		}, []string{"type"}),
	}
	return m
}

// Register adds m's collectors to reg.
func (m *Monitor) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.messagesTotal, m.blocksTotal, m.connectionsTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe adds sub to the fan-out list.
func (m *Monitor) Subscribe(sub EventSubscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID()]; ok {
		return ErrAlreadySubscribed
	}
	m.subs[sub.ID()] = sub
	return nil
}

// Unsubscribe removes sub, if present. Safe to call more than once.
func (m *Monitor) Unsubscribe(sub EventSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub.ID())
}

func (m *Monitor) snapshotSubs() []EventSubscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EventSubscriber, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out
}

// ObserveMessage implements client.Observer.
func (m *Monitor) ObserveMessage(p peer.ID, msg bsmsg.BitSwapMessage) {
	m.messagesTotal.Inc()
	blks := msg.Blocks()
	m.blocksTotal.Add(float64(len(blks)))

	dto := BitswapMessage{
		FullWantList: msg.Full(),
	}
	if m.addrs != nil {
		dto.ConnectedAddresses = m.addrs.Addrs(p)
	}
	for _, e := range msg.Wantlist() {
		dto.WantlistEntries = append(dto.WantlistEntries, e)
	}
	for _, b := range blks {
		dto.Blocks = append(dto.Blocks, b.Cid())
	}
	for _, c := range msg.Haves() {
		dto.BlockPresences = append(dto.BlockPresences, BlockPresence{Cid: c, Type: Have})
	}
	for _, c := range msg.DontHaves() {
		dto.BlockPresences = append(dto.BlockPresences, BlockPresence{Cid: c, Type: DontHave})
	}

	now := time.Now()
	for _, sub := range m.snapshotSubs() {
		if err := sub.BitswapMessageReceived(now, p, dto); err != nil {
			log.Debugf("bitswap: monitor subscriber %s errored, unsubscribing: %s", sub.ID(), err)
			m.Unsubscribe(sub)
		}
	}
}

// ObserveConnected implements client.Observer.
func (m *Monitor) ObserveConnected(p peer.ID) { m.observeConn(p, Connected) }

// ObserveDisconnected implements client.Observer.
func (m *Monitor) ObserveDisconnected(p peer.ID) { m.observeConn(p, Disconnected) }

func (m *Monitor) observeConn(p peer.ID, typ ConnectionEventType) {
	label := "connected"
	if typ == Disconnected {
		label = "disconnected"
	}
	m.connectionsTotal.WithLabelValues(label).Inc()

	now := time.Now()
	ev := ConnectionEvent{Remote: p, ConnectionEventType: typ}
	if m.addrs != nil {
		ev.Addresses = m.addrs.Addrs(p)
	}
	for _, sub := range m.snapshotSubs() {
		if err := sub.ConnectionEventRecorded(now, p, ev); err != nil {
			log.Debugf("bitswap: monitor subscriber %s errored, unsubscribing: %s", sub.ID(), err)
			m.Unsubscribe(sub)
		}
	}
}

// Handler returns an httprouter.Handler serving the RPC/metrics surface:
//
//	GET  /wantlist       -- current full wantlist
//	GET  /want-blocks     -- CIDs with an outstanding want-block
//	GET  /want-haves      -- CIDs with an outstanding want-have
//	GET  /stat            -- process-wide counters
//	POST /broadcast/want  -- JSON []cid.Cid body; returns per-peer send status
//	GET  /metrics         -- Prometheus exposition
func (m *Monitor) Handler() http.Handler {
	r := httprouter.New()
	r.GET("/wantlist", m.handleWantlist)
	r.GET("/want-blocks", m.handleWantBlocks)
	r.GET("/want-haves", m.handleWantHaves)
	r.GET("/stat", m.handleStat)
	r.POST("/broadcast/want", m.handleBroadcastWant)
	r.Handler("GET", "/metrics", promhttp.Handler())
	return r
}

func (m *Monitor) handleWantlist(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, m.client.GetWantlist())
}

func (m *Monitor) handleWantBlocks(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, m.client.GetWantBlocks())
}

func (m *Monitor) handleWantHaves(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, m.client.GetWantHaves())
}

func (m *Monitor) handleStat(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, m.client.Stat())
}

// handleBroadcastWant implements the RPCAPI.BroadcastBitswapWant analogue:
// it broadcasts want-have for the posted CIDs and reports, best-effort, one
// status entry per currently-connected peer.
func (m *Monitor) handleBroadcastWant(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cids []cid.Cid
	if err := json.NewDecoder(r.Body).Decode(&cids); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	before := time.Now()
	m.client.BroadcastWant(cids)

	statuses := make([]BroadcastSendStatus, 0, len(m.client.Stat().Peers))
	for _, p := range m.client.Stat().Peers {
		statuses = append(statuses, BroadcastSendStatus{
			Peer:                p,
			TimestampBeforeSend: before,
			SendDurationMillis:  time.Since(before).Milliseconds(),
		})
	}
	writeJSON(w, statuses)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("bitswap: monitor response encoding failed: %s", err)
	}
}
