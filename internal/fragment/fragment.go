// Package fragment implements the per-stream fragment bookkeeping the
// netchan engine uses to split oversized reliable messages and file
// transfers across multiple packets and reassemble them on the other end.
//
// The original engine keeps these as intrusive singly-linked lists threaded
// through a process-wide allocator pool. This package replaces that with
// growable ordered slices (an outbound FIFO queue and an inbound list kept
// sorted by fragment id), per the "prefer a growable ordered container"
// design note -- ownership is still a strict move: a Fragment belongs to
// exactly one Group or Store at a time.
package fragment

import (
	"sort"

	"github.com/fenrir-net/netchan/pkg/bitbuffer"
)

// FragmentMaxSize bounds the per-fragment payload buffer, matching the wire
// chunk cap defined by the engine.
const FragmentMaxSize = 1400

// MakeID packs a 1-based fragment index and a group's total fragment count
// into a single wire identifier: upper 16 bits the id, lower 16 the count.
func MakeID(id, count uint32) uint32 {
	return (id&0xffff)<<16 | (count & 0xffff)
}

// GetID extracts the 1-based fragment index from a packed id.
func GetID(fragID uint32) uint32 { return (fragID >> 16) & 0xffff }

// GetCount extracts the group's total fragment count from a packed id.
func GetCount(fragID uint32) uint32 { return fragID & 0xffff }

// Fragment is a bounded slice of a larger logical message.
type Fragment struct {
	BufferID uint32
	Payload  *bitbuffer.Buffer

	IsFile   bool
	IsBuffer bool
	Filename string
	FOffset  int
	Size     int
}

// NewFragment allocates an empty fragment with an initialized payload
// buffer sized to the maximum chunk.
func NewFragment() *Fragment {
	return &Fragment{Payload: bitbuffer.New("fragment", FragmentMaxSize)}
}

// Group is an outbound fragment group: a FIFO of fragments produced by one
// call to CreateFragments / CreateFileFragments, queued and drained in
// emission order.
type Group struct {
	Fragments []*Fragment
	Count     int
}

// AddToTail appends a fragment to the group, matching the original's
// tail-walk append semantics (O(1) here since it's slice-backed).
func (g *Group) AddToTail(f *Fragment) {
	g.Fragments = append(g.Fragments, f)
	g.Count++
}

// Waitlist is the FIFO of fragment groups queued but not yet promoted into
// the channel's active per-stream send slot.
type Waitlist struct {
	groups []*Group
}

// Push enqueues a group at the tail of the waitlist.
func (w *Waitlist) Push(g *Group) { w.groups = append(w.groups, g) }

// Empty reports whether the waitlist has no queued groups.
func (w *Waitlist) Empty() bool { return len(w.groups) == 0 }

// Len reports how many groups are currently queued.
func (w *Waitlist) Len() int { return len(w.groups) }

// PopFront removes and returns the oldest queued group, or nil if empty.
func (w *Waitlist) PopFront() *Group {
	if len(w.groups) == 0 {
		return nil
	}
	g := w.groups[0]
	w.groups = w.groups[1:]
	return g
}

// Store is the inbound reassembly list for one stream: fragments kept
// sorted by ascending BufferID id, as CheckCompletion's gap detection requires.
type Store struct {
	items []*Fragment
}

// FindByID returns the existing fragment with the given packed id, or --
// if allocate is true -- allocates, inserts (keeping id order), and returns
// a new one.
func (s *Store) FindByID(fragID uint32, allocate bool) *Fragment {
	id := GetID(fragID)
	for _, f := range s.items {
		if GetID(f.BufferID) == id {
			return f
		}
	}
	if !allocate {
		return nil
	}
	f := NewFragment()
	f.BufferID = fragID
	s.insertSorted(f)
	return f
}

func (s *Store) insertSorted(f *Fragment) {
	id := GetID(f.BufferID)
	i := sort.Search(len(s.items), func(i int) bool {
		return GetID(s.items[i].BufferID) >= id
	})
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = f
}

// Items returns the reassembly list in ascending id order.
func (s *Store) Items() []*Fragment { return s.items }

// Len reports how many fragments are currently queued for reassembly.
func (s *Store) Len() int { return len(s.items) }

// Clear frees every fragment in the store.
func (s *Store) Clear() { s.items = nil }

// CheckCompletion walks the store counting fragments and bytes; it reports
// whether the group is complete (count equals totalBuffers) and whether a
// gap was observed (a fragment's 1-based position didn't match its index,
// meaning an earlier fragment never arrived).
func (s *Store) CheckCompletion(totalBuffers int) (complete, gap bool, totalBytes int) {
	c := 0
	for _, f := range s.items {
		totalBytes += f.Payload.NumBytesWritten()
		c++
		if int(GetID(f.BufferID)) != c {
			gap = true
		}
	}
	complete = c == totalBuffers
	return
}
