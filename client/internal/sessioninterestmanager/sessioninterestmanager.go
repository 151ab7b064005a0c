// Package sessioninterestmanager implements spec §4.3: the reverse index
// from CID to the set of sessions currently interested in it, plus the
// forward accounting needed to clean up a stopped session's interest in
// O(its own CIDs) rather than a full scan.
package sessioninterestmanager

import (
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// SessionID identifies a session, per spec §3 ("unsigned 64-bit
// monotonically assigned by the Session Manager").
type SessionID uint64

// SessionInterestManager is safe for concurrent use.
type SessionInterestManager struct {
	mu          sync.RWMutex
	wantCids    map[cid.Cid]map[SessionID]struct{}
	sessionCids map[SessionID]map[cid.Cid]struct{}
}

// New returns an empty SessionInterestManager.
func New() *SessionInterestManager {
	return &SessionInterestManager{
		wantCids:    make(map[cid.Cid]map[SessionID]struct{}),
		sessionCids: make(map[SessionID]map[cid.Cid]struct{}),
	}
}

// RecordSessionInterest records that sid wants every CID in cids.
func (sim *SessionInterestManager) RecordSessionInterest(sid SessionID, cids []cid.Cid) {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	sessCids, ok := sim.sessionCids[sid]
	if !ok {
		sessCids = make(map[cid.Cid]struct{})
		sim.sessionCids[sid] = sessCids
	}
	for _, c := range cids {
		sessCids[c] = struct{}{}
		sessions, ok := sim.wantCids[c]
		if !ok {
			sessions = make(map[SessionID]struct{})
			sim.wantCids[c] = sessions
		}
		sessions[sid] = struct{}{}
	}
}

// RemoveSessionInterest drops all interest belonging to sid, e.g. when the
// session stops.
func (sim *SessionInterestManager) RemoveSessionInterest(sid SessionID) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.removeSessionInterestForCIDsLocked(sid, keysOf(sim.sessionCids[sid]))
	delete(sim.sessionCids, sid)
}

// RemoveSessionInterestForCIDs drops sid's interest in exactly the given
// CIDs (e.g. because those CIDs just arrived), and returns the subset of
// cids that no session remains interested in — callers use this to decide
// which cancels are safe to emit (spec invariant 4: "Cancel messages are
// sent only after the last interested session loses interest").
func (sim *SessionInterestManager) RemoveSessionInterestForCIDs(sid SessionID, cids []cid.Cid) []cid.Cid {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.removeSessionInterestForCIDsLocked(sid, cids)
}

func (sim *SessionInterestManager) removeSessionInterestForCIDsLocked(sid SessionID, cids []cid.Cid) []cid.Cid {
	var noMoreInterest []cid.Cid
	sessCids := sim.sessionCids[sid]
	for _, c := range cids {
		if sessCids != nil {
			delete(sessCids, c)
		}
		sessions, ok := sim.wantCids[c]
		if !ok {
			continue
		}
		delete(sessions, sid)
		if len(sessions) == 0 {
			delete(sim.wantCids, c)
			noMoreInterest = append(noMoreInterest, c)
		}
	}
	return noMoreInterest
}

// InterestedSessions returns every session currently interested in c.
func (sim *SessionInterestManager) InterestedSessions(c cid.Cid) []SessionID {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	sessions := sim.wantCids[c]
	out := make([]SessionID, 0, len(sessions))
	for sid := range sessions {
		out = append(out, sid)
	}
	return out
}

// SplitWantedUnwanted partitions blocks into those at least one session
// still wants and the rest, used to drop noise before fanning out to
// sessions.
func (sim *SessionInterestManager) SplitWantedUnwanted(blks []blocks.Block) (wanted, unwanted []blocks.Block) {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	for _, b := range blks {
		if len(sim.wantCids[b.Cid()]) > 0 {
			wanted = append(wanted, b)
		} else {
			unwanted = append(unwanted, b)
		}
	}
	return wanted, unwanted
}

// FilterSessionInterested returns the subset of cids that sid is
// interested in.
func (sim *SessionInterestManager) FilterSessionInterested(sid SessionID, cids []cid.Cid) []cid.Cid {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	sessCids := sim.sessionCids[sid]
	if len(sessCids) == 0 {
		return nil
	}
	out := make([]cid.Cid, 0, len(cids))
	for _, c := range cids {
		if _, ok := sessCids[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func keysOf(m map[cid.Cid]struct{}) []cid.Cid {
	out := make([]cid.Cid, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}
