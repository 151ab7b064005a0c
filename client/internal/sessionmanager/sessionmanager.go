// Package sessionmanager implements spec §4.10: the session registry that
// allocates session IDs, routes inbound wire events to every interested
// session, and shuts everything down in one call.
package sessionmanager

import (
	"context"
	"sync"
	"sync/atomic"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/lgehr/ipfs-bitswap-core/client/internal/blockpresencemanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/providerquerymanager"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/session"
	"github.com/lgehr/ipfs-bitswap-core/client/internal/sessioninterestmanager"
)

// SessionManager owns every live Session and the shared sub-managers they
// are wired to.
type SessionManager struct {
	ctx context.Context
	pm  session.PeerWantSender
	sim *sessioninterestmanager.SessionInterestManager
	bpm *blockpresencemanager.BlockPresenceManager
	pqm *providerquerymanager.ProviderQueryManager

	nextID uint64

	mu       sync.RWMutex
	sessions map[sessioninterestmanager.SessionID]*session.Session
}

// New constructs a SessionManager. The shared managers are created once by
// the client facade and passed in here so every session sees the same
// view of peer presence and interest.
func New(
	ctx context.Context,
	pm session.PeerWantSender,
	sim *sessioninterestmanager.SessionInterestManager,
	bpm *blockpresencemanager.BlockPresenceManager,
	pqm *providerquerymanager.ProviderQueryManager,
) *SessionManager {
	return &SessionManager{
		ctx:      ctx,
		pm:       pm,
		sim:      sim,
		bpm:      bpm,
		pqm:      pqm,
		sessions: make(map[sessioninterestmanager.SessionID]*session.Session),
	}
}

// NewSession allocates a fresh session ID and wires up a new Session
// (spec §4.10 "new_session").
func (sm *SessionManager) NewSession(cfg session.Config) *session.Session {
	id := sessioninterestmanager.SessionID(atomic.AddUint64(&sm.nextID, 1))
	s := session.New(sm.ctx, id, sm.pm, sm.sim, sm.bpm, sm.pqm, cfg)

	sm.mu.Lock()
	sm.sessions[id] = s
	sm.mu.Unlock()
	return s
}

// GetOrCreateSession returns the session for id, creating one with cfg if
// it doesn't yet exist (spec §4.10 "get_or_create_session"). cfg is ignored
// when the session already exists.
func (sm *SessionManager) GetOrCreateSession(id sessioninterestmanager.SessionID, cfg session.Config) *session.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		return s
	}
	s := session.New(sm.ctx, id, sm.pm, sm.sim, sm.bpm, sm.pqm, cfg)
	sm.sessions[id] = s
	if id >= sessioninterestmanager.SessionID(atomic.LoadUint64(&sm.nextID)) {
		atomic.StoreUint64(&sm.nextID, uint64(id))
	}
	return s
}

// GetSession looks up an existing session by ID.
func (sm *SessionManager) GetSession(id sessioninterestmanager.SessionID) (*session.Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// StopSession stops and forgets a single session (spec "stop_session").
func (sm *SessionManager) StopSession(id sessioninterestmanager.SessionID) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// ReceiveFrom routes an inbound wire event to every session currently
// interested in any of the reported CIDs (spec §4.10 "receive_from").
func (sm *SessionManager) ReceiveFrom(p *peer.ID, blks []blocks.Block, haves, dontHaves []cid.Cid) {
	interested := make(map[sessioninterestmanager.SessionID]struct{})
	collect := func(c cid.Cid) {
		for _, sid := range sm.sim.InterestedSessions(c) {
			interested[sid] = struct{}{}
		}
	}
	for _, b := range blks {
		collect(b.Cid())
	}
	for _, c := range haves {
		collect(c)
	}
	for _, c := range dontHaves {
		collect(c)
	}
	if len(interested) == 0 {
		return
	}

	sm.mu.RLock()
	targets := make([]*session.Session, 0, len(interested))
	for sid := range interested {
		if s, ok := sm.sessions[sid]; ok {
			targets = append(targets, s)
		}
	}
	sm.mu.RUnlock()

	for _, s := range targets {
		sessBlocks := filterBlocksForSession(s.ID, sm.sim, blks)
		sessHaves := sm.sim.FilterSessionInterested(s.ID, haves)
		sessDontHaves := sm.sim.FilterSessionInterested(s.ID, dontHaves)
		s.ReceiveFrom(p, sessBlocks, sessHaves, sessDontHaves)
	}
}

func filterBlocksForSession(sid sessioninterestmanager.SessionID, sim *sessioninterestmanager.SessionInterestManager, blks []blocks.Block) []blocks.Block {
	if len(blks) == 0 {
		return nil
	}
	cids := make([]cid.Cid, len(blks))
	for i, b := range blks {
		cids[i] = b.Cid()
	}
	wanted := sim.FilterSessionInterested(sid, cids)
	if len(wanted) == 0 {
		return nil
	}
	wantSet := make(map[cid.Cid]struct{}, len(wanted))
	for _, c := range wanted {
		wantSet[c] = struct{}{}
	}
	out := make([]blocks.Block, 0, len(wanted))
	for _, b := range blks {
		if _, ok := wantSet[b.Cid()]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Stop stops every live session (spec §4.10 "stop").
func (sm *SessionManager) Stop() {
	sm.mu.Lock()
	sessions := make([]*session.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessions = make(map[sessioninterestmanager.SessionID]*session.Session)
	sm.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
