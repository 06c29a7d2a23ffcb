package ingestion

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultDedupCapacity is the number of recent payload hashes remembered.
const DefaultDedupCapacity = 2048

// dedupWindow remembers hashes of recently delivered payloads so frames
// repeated by a new source right after a switch are delivered only once.
// Not safe for concurrent use; owned by the manager's forwarding goroutine.
type dedupWindow struct {
	ring   []uint64
	next   int
	seen   map[uint64]int
	active time.Time // suppression is on until this instant
}

func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &dedupWindow{
		ring: make([]uint64, 0, capacity),
		seen: make(map[uint64]int, capacity),
	}
}

// remember records a delivered payload.
func (d *dedupWindow) remember(payload []byte) {
	h := xxhash.Sum64(payload)
	if len(d.ring) < cap(d.ring) {
		d.ring = append(d.ring, h)
	} else {
		old := d.ring[d.next]
		if n := d.seen[old]; n <= 1 {
			delete(d.seen, old)
		} else {
			d.seen[old] = n - 1
		}
		d.ring[d.next] = h
		d.next = (d.next + 1) % cap(d.ring)
	}
	d.seen[h]++
}

// arm turns on suppression until now+window.
func (d *dedupWindow) arm(now time.Time, window time.Duration) {
	d.active = now.Add(window)
}

// duplicate reports whether payload was delivered recently and suppression is armed.
func (d *dedupWindow) duplicate(payload []byte, now time.Time) bool {
	if !now.Before(d.active) {
		return false
	}
	_, ok := d.seen[xxhash.Sum64(payload)]
	return ok
}
