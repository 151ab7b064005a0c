// Package wantlist implements the ordered CID→entry map described in
// spec §4.1: an upgrade-only (HAVE→BLOCK) mapping, iterated in
// priority-descending, insertion-stable order.
package wantlist

import (
	"sort"
	"sync"

	pbmsg "github.com/ipfs/go-bitswap/message/pb"
	"github.com/ipfs/go-cid"
)

// WantType mirrors the wire want-type enum so entries can be built directly
// into a BitSwapMessage without translation.
type WantType = pbmsg.Message_Wantlist_WantType

const (
	// WantBlock asks a peer to send the block itself.
	WantBlock = pbmsg.Message_Wantlist_Block
	// WantHave asks a peer whether it holds the block.
	WantHave = pbmsg.Message_Wantlist_Have
)

// Entry is one wantlist record: a CID, its priority, want-type, and the
// cancel/send-dont-have flags spec §3 lists.
type Entry struct {
	Cid          cid.Cid
	Priority     int32
	WantType     WantType
	Cancel       bool
	SendDontHave bool
	insertionSeq uint64
}

// Wantlist is an ordered, unique-by-CID set of Entry, safe for concurrent
// use.
type Wantlist struct {
	mu      sync.RWMutex
	entries map[cid.Cid]*Entry
	seq     uint64
}

// New returns an empty Wantlist.
func New() *Wantlist {
	return &Wantlist{entries: make(map[cid.Cid]*Entry)}
}

// Add inserts or upgrades the entry for c. Upgrading WantHave to WantBlock
// is allowed; the reverse is a no-op per spec §4.1 ("upgrades HAVE→BLOCK but
// never downgrades"). Returns true if the wantlist changed.
func (w *Wantlist) Add(c cid.Cid, priority int32, wantType WantType, sendDontHave bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.entries[c]; ok {
		changed := false
		if wantType == WantBlock && existing.WantType == WantHave {
			existing.WantType = WantBlock
			changed = true
		}
		if priority > existing.Priority {
			existing.Priority = priority
			changed = true
		}
		if sendDontHave && !existing.SendDontHave {
			existing.SendDontHave = true
			changed = true
		}
		return changed
	}

	w.seq++
	w.entries[c] = &Entry{
		Cid:          c,
		Priority:     priority,
		WantType:     wantType,
		SendDontHave: sendDontHave,
		insertionSeq: w.seq,
	}
	return true
}

// Remove deletes the entry for c, if present. Returns true if it existed.
func (w *Wantlist) Remove(c cid.Cid) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[c]; !ok {
		return false
	}
	delete(w.entries, c)
	return true
}

// Contains reports whether c has an entry.
func (w *Wantlist) Contains(c cid.Cid) (Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[c]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of entries.
func (w *Wantlist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Entries returns a snapshot of all entries, ordered by descending priority
// then ascending insertion order, per spec §4.1.
func (w *Wantlist) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].insertionSeq < out[j].insertionSeq
	})
	return out
}

// CIDs returns just the keys, in the same order as Entries.
func (w *Wantlist) CIDs() []cid.Cid {
	entries := w.Entries()
	out := make([]cid.Cid, len(entries))
	for i, e := range entries {
		out[i] = e.Cid
	}
	return out
}
