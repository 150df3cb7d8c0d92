// Allocator statistics and telemetry hooks.
//
// The core keeps only the counters the layers maintain anyway under
// their existing locks; aggregation lives with the embedder, fed
// through Hooks.

package rtmalloc

import "github.com/google/uuid"

// Hooks are optional telemetry taps. They run inline on the calling
// goroutine, outside all allocator locks, and must not allocate from
// this allocator.
type Hooks struct {
	// Alloc observes every successful allocation's effective size.
	Alloc func(size uintptr)
	// Free observes every deallocation's effective size.
	Free func(size uintptr)
}

// MemStats is a point-in-time snapshot. Frontend counters are gathered
// without stopping concurrent slots, so totals may be skewed by
// in-flight operations.
type MemStats struct {
	// ID identifies the allocator instance across hook streams and
	// log lines when a process embeds several heaps.
	ID uuid.UUID

	HeapSys      uintptr // bytes reserved for the heap
	HeapInuse    uintptr // bytes in in-use spans
	HeapIdle     uintptr // bytes in free spans
	HeapReleased uintptr // bytes of free spans handed back to the OS
	MetaSys      uintptr // bytes reserved for allocator metadata

	CentralSpans uintptr // spans owned by the central lists
	CachedBytes  uintptr // bytes held in frontend slots

	Allocs uint64 // small objects handed out by the frontend slots
	Frees  uint64 // small objects taken back by the frontend slots
}

// Stats snapshots the allocator.
func (a *Allocator) Stats() MemStats {
	var st MemStats
	st.ID = a.id

	a.heap.lock.Lock()
	st.HeapSys = a.heap.sys
	st.HeapInuse = a.heap.inuse
	st.HeapIdle = a.heap.idle
	st.HeapReleased = a.heap.released
	a.heap.lock.Unlock()

	a.arena.lock.Lock()
	st.MetaSys = a.arena.sys
	a.arena.lock.Unlock()

	for i := range a.central {
		c := &a.central[i].mcentral
		c.lock.Lock()
		st.CentralSpans += c.nspans
		c.lock.Unlock()
	}

	for i := range a.slots.slots {
		mc := &a.slots.slots[i].cache
		st.CachedBytes += mc.bytes
		st.Allocs += mc.allocs
		st.Frees += mc.frees
	}
	return st
}
