// Transfer caches.
//
// See malloc.go for overview.
//
// A transferCache is a bounded stack of pre-linked object batches, one
// cache per size class. It lets one frontend's scavenged batch become
// another frontend's refill without touching the central lock. The
// cache's own lock is held only to move a single batch head; batch
// contents are never walked under it.

package rtmalloc

import "sync"

type transferCache struct {
	lock      sync.Mutex
	batchSize int
	slots     []objptr // heads of full batches
	n         int
}

func (t *transferCache) init(batchSize, maxSlots int) {
	t.batchSize = batchSize
	if maxSlots > 0 {
		t.slots = make([]objptr, maxSlots)
	}
}

// tryPop removes and returns one batch head. On miss the caller goes to
// the central free list.
func (t *transferCache) tryPop() (objptr, bool) {
	t.lock.Lock()
	if t.n == 0 {
		t.lock.Unlock()
		return 0, false
	}
	t.n--
	head := t.slots[t.n]
	t.lock.Unlock()
	return head, true
}

// tryPush stores a batch of exactly batchSize pre-linked objects. If the
// cache is full the batch is refused and the caller releases it to the
// central free list.
func (t *transferCache) tryPush(head objptr) bool {
	t.lock.Lock()
	if t.n == len(t.slots) {
		t.lock.Unlock()
		return false
	}
	t.slots[t.n] = head
	t.n++
	t.lock.Unlock()
	return true
}
