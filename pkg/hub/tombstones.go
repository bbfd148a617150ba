package hub

// DefaultTombstones is how many finished orders a reader remembers.
const DefaultTombstones = 1024

// Tombstones remembers the final revision of the most recently finished
// orders. A finished order never changes again, so anything at or below that
// revision is stale. Only the newest limit orders are kept. A Tombstones is
// not safe for concurrent use.
type Tombstones struct {
	revs map[string]int64
	ring []string
	next int
}

func NewTombstones(limit int) *Tombstones {
	if limit < 1 {
		limit = DefaultTombstones
	}
	return &Tombstones{
		revs: make(map[string]int64, limit),
		ring: make([]string, 0, limit),
	}
}

// Add records the final revision of id, forgetting the oldest entry when full.
func (t *Tombstones) Add(id string, rev int64) {
	if _, ok := t.revs[id]; ok {
		if rev > t.revs[id] {
			t.revs[id] = rev
		}
		return
	}
	if len(t.ring) < cap(t.ring) {
		t.ring = append(t.ring, id)
	} else {
		delete(t.revs, t.ring[t.next])
		t.ring[t.next] = id
		t.next = (t.next + 1) % len(t.ring)
	}
	t.revs[id] = rev
}

// Covers reports whether rev of id is no newer than its recorded final revision.
func (t *Tombstones) Covers(id string, rev int64) bool {
	final, ok := t.revs[id]
	return ok && rev <= final
}

func (t *Tombstones) Len() int {
	return len(t.revs)
}
