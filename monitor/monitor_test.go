package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	bsmsg "github.com/ipfs/go-bitswap/message"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/lgehr/ipfs-bitswap-core/client"
	"github.com/lgehr/ipfs-bitswap-core/internal/bstest"
)

// recordingSubscriber is an EventSubscriber fake that records every event
// pushed to it, so tests can assert a Monitor actually fanned events out.
type recordingSubscriber struct {
	id string

	mu       sync.Mutex
	messages []BitswapMessage
	conns    []ConnectionEvent
}

func (r *recordingSubscriber) ID() string { return r.id }

func (r *recordingSubscriber) BitswapMessageReceived(_ time.Time, _ peer.ID, msg BitswapMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSubscriber) ConnectionEventRecorded(_ time.Time, _ peer.ID, ev ConnectionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, ev)
	return nil
}

func (r *recordingSubscriber) snapshot() ([]BitswapMessage, []ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BitswapMessage(nil), r.messages...), append([]ConnectionEvent(nil), r.conns...)
}

func newTestClient(t *testing.T, obs client.Observer) *client.Client {
	t.Helper()
	router := bstest.NewFakeRouter()
	vn := bstest.NewVirtualNetwork(router)
	self := bstest.PeerSeq(1)[0]
	net := vn.Adapter(self)
	c := client.New(context.Background(), net, nil, nil, client.WithObserver(obs))
	t.Cleanup(c.Close)
	return c
}

func TestSubscribeRejectsDuplicateID(t *testing.T) {
	m := New(nil, nil)
	sub := &recordingSubscriber{id: "a"}
	require.NoError(t, m.Subscribe(sub))
	require.ErrorIs(t, m.Subscribe(sub), ErrAlreadySubscribed)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	m := New(nil, nil)
	sub := &recordingSubscriber{id: "a"}
	require.NoError(t, m.Subscribe(sub))
	m.Unsubscribe(sub)
	require.NotPanics(t, func() { m.Unsubscribe(sub) })
	require.NoError(t, m.Subscribe(sub), "slot must be free again after unsubscribe")
}

func TestObserveMessageFansOutToSubscribers(t *testing.T) {
	sub := &recordingSubscriber{id: "a"}
	m := New(nil, nil)
	require.NoError(t, m.Register(prometheus.NewRegistry()))
	require.NoError(t, m.Subscribe(sub))

	c := newTestClient(t, m)
	blk := bstest.BlockSeq(1)[0]
	remote := bstest.PeerSeq(2)[1]

	msg := bsmsg.New(false)
	msg.AddHave(blk.Cid())
	c.ReceiveMessage(context.Background(), remote, msg)

	require.Eventually(t, func() bool {
		msgs, _ := sub.snapshot()
		return len(msgs) == 1
	}, time.Second, 5*time.Millisecond)

	msgs, _ := sub.snapshot()
	require.Len(t, msgs[0].BlockPresences, 1)
	require.Equal(t, blk.Cid(), msgs[0].BlockPresences[0].Cid)
	require.Equal(t, Have, msgs[0].BlockPresences[0].Type)
}

func TestObserveConnectedFansOutToSubscribers(t *testing.T) {
	sub := &recordingSubscriber{id: "a"}
	m := New(nil, nil)
	require.NoError(t, m.Register(prometheus.NewRegistry()))
	require.NoError(t, m.Subscribe(sub))

	newTestClient(t, m)

	router := bstest.NewFakeRouter()
	vn := bstest.NewVirtualNetwork(router)
	other := bstest.PeerSeq(1)[0]
	vn.Adapter(other)

	m.ObserveConnected(other)

	require.Eventually(t, func() bool {
		_, conns := sub.snapshot()
		return len(conns) == 1
	}, time.Second, 5*time.Millisecond)

	_, conns := sub.snapshot()
	require.Equal(t, Connected, conns[0].ConnectionEventType)
	require.Equal(t, other, conns[0].Remote)
}
