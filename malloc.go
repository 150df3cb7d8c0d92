// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rtmalloc is a thread-caching memory allocator.
//
// The allocator is a three-tier pipeline. Requests flow down through
// progressively more shared structures; freed objects flow back up the
// same way. Each layer serves as many requests as it can locally and
// falls back to the layer below only when its pool is depleted:
//
//	1. Frontend (mcache.go, mpercpu.go). Per-cpu slots holding small
//	   per-class free lists. The fast paths touch only slot-local
//	   state: one ownership CAS in, one list link, one atomic store
//	   out.
//	2. Transfer caches (mtransfer.go). Per-class bounded stacks of
//	   pre-linked object batches, passing whole batches between
//	   frontends without the central lock.
//	3. Central free lists (mcentral.go). Per-class lists of partially
//	   used spans, handing out and absorbing object batches under one
//	   mutex per class.
//	4. Page heap (mheap.go). Buckets of free page runs; splits,
//	   coalesces eagerly, serves large allocations directly, and grows
//	   by reserving fresh runs from the platform adapter (mem.go).
//
// Shared by all layers: the size class table (msize.go) rounding
// request sizes to one of at most 63 object sizes, and the page map
// (mpagemap.go) resolving any interior pointer to its owning span.
// Allocator metadata — span records, radix nodes — comes from a
// dedicated arena (mfixalloc.go) that reserves from the platform
// directly and can never recurse into the user heap.
//
// An allocation of size <= the largest class rounds up to a class,
// then:
//
//	fast path:  pop the slot's free list head for that class.
//	slow path:  pop a batch from the class's transfer cache, or fetch
//	            one from its central list, which carves fresh spans
//	            out of the page heap as needed.
//	large path: class 0; round to pages and take a span straight from
//	            the page heap.
//
// Freeing runs the pipeline in reverse: the page map classifies the
// pointer, large spans go back to the heap, small objects are pushed
// onto the current slot and scavenged downward in batches once the
// slot exceeds its adaptive capacity or byte budget.
//
// Lock order, when more than one is needed: transfer cache, then a
// central list, then the page heap. No path takes two central locks.
// The page heap lock is dropped around heap-growth reservations, but
// metadata refills (span records, page map leaves) reserve from the
// platform while the page heap lock and the metadata arena's lock are
// held.

package rtmalloc

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

// ErrOutOfMemory is returned when the platform refuses a reservation or
// allocator metadata is exhausted. The allocator remains usable.
var ErrOutOfMemory = errors.New("rtmalloc: out of memory")

// throw reports an unrecoverable caller error — an invalid free, a
// precondition violation — and aborts deterministically.
func throw(s string) {
	panic("rtmalloc: " + s)
}

// centralSet spaces the mcentrals a cache line apart so each class's
// lock gets its own line.
type centralSet struct {
	mcentral
	pad [64]byte
}

// An Allocator is one process-wide heap: a page heap, one central list
// and transfer cache per size class, and a set of per-cpu frontend
// slots. Allocators are independent; a pointer must be freed to the
// allocator that returned it.
type Allocator struct {
	id    uuid.UUID
	sizes *sizeClasses
	plat  platform
	hooks Hooks

	arena    metaArena
	heap     pageHeap
	central  []centralSet
	transfer []transferCache
	slots    cpuSlots

	budget uintptr // per-slot cached-bytes cap
	closed atomic.Bool
}

// New builds an allocator from cfg. Zero-valued fields take their
// defaults; illegal values fail with ErrBadConfig.
func New(cfg Config) (*Allocator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sizes, err := buildSizeClasses(cfg.classEntries(), cfg.PageSize, log2(cfg.PageSize))
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		id:     uuid.New(),
		sizes:  sizes,
		plat:   cfg.platform,
		hooks:  cfg.Hooks,
		budget: cfg.ThreadCacheSizeMax,
	}
	a.arena.init(a.plat)
	if err := a.heap.init(a.plat, &a.arena, &cfg); err != nil {
		return nil, err
	}
	a.central = make([]centralSet, sizes.numClasses)
	a.transfer = make([]transferCache, sizes.numClasses)
	for c := 1; c < sizes.numClasses; c++ {
		a.central[c].init(c, &a.heap, sizes)
		a.transfer[c].init(sizes.classToBatch[c], cfg.MaxTransferSlots)
	}
	a.slots.init(cfg.Slots)
	return a, nil
}

// Allocate returns a pointer to size bytes aligned to align (a power of
// two; 0 means no requirement). It fails only with ErrOutOfMemory.
func (a *Allocator) Allocate(size, align uintptr) (unsafe.Pointer, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		throw("Allocate: alignment not a power of two")
	}
	if a.closed.Load() {
		throw("Allocate: allocator is closed")
	}

	c, eff := a.sizes.classOf(size, align)
	if c == 0 {
		return a.largeAlloc(size, align)
	}

	slot := a.slots.acquire(a.plat)
	mc := &slot.cache
	if mc.dead {
		// Torn-down slot: bypass the frontend.
		slot.release()
		var buf [1]objptr
		n, err := a.central[c].fetchBatch(buf[:1])
		if n == 0 {
			return nil, err
		}
		if a.hooks.Alloc != nil {
			a.hooks.Alloc(eff)
		}
		return unsafe.Pointer(buf[0]), nil
	}
	if mc.alloc == nil {
		mc.install(a)
	}
	p := mc.allocFast(c, eff)
	if p == 0 {
		var err error
		p, err = mc.allocSlow(a, c)
		if err != nil {
			slot.release()
			return nil, err
		}
	}
	mc.allocs++
	slot.release()

	if a.hooks.Alloc != nil {
		a.hooks.Alloc(eff)
	}
	return unsafe.Pointer(p), nil
}

// Deallocate releases a pointer previously returned by Allocate. nil is
// a no-op. A pointer this allocator does not own aborts the process.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if a.closed.Load() {
		throw("Deallocate: allocator is closed")
	}
	p := uintptr(ptr)
	s := a.heap.spanOf(p)
	if s == nil {
		throw("Deallocate: pointer not owned by this allocator")
	}
	switch s.state {
	case spanInUseLarge:
		a.largeFree(s)
	case spanInUseSmall:
		if p >= s.limit || s.objBase(p) != p {
			throw("Deallocate: pointer is not an object base")
		}
		a.freeSmall(objptr(p), int(s.sizeclass), s.elemsize)
	default:
		throw("Deallocate: pointer not in an in-use span")
	}
}

// DeallocateSized is Deallocate with the original request as a hint.
// When the hint resolves to a small class the page map lookup is
// skipped entirely; hints must match the original request.
func (a *Allocator) DeallocateSized(ptr unsafe.Pointer, size, align uintptr) {
	if ptr == nil {
		return
	}
	if align == 0 {
		align = 1
	}
	c, eff := a.sizes.classOf(size, align)
	if c == 0 {
		a.Deallocate(ptr)
		return
	}
	if a.closed.Load() {
		throw("DeallocateSized: allocator is closed")
	}
	a.freeSmall(objptr(uintptr(ptr)), c, eff)
}

// freeSmall pushes an object onto the current slot's frontend.
func (a *Allocator) freeSmall(p objptr, c int, size uintptr) {
	slot := a.slots.acquire(a.plat)
	mc := &slot.cache
	if mc.dead {
		// Torn-down slot: resolve straight to the central list.
		slot.release()
		var buf [1]objptr
		buf[0] = p
		a.central[c].releaseBatch(buf[:1])
		if a.hooks.Free != nil {
			a.hooks.Free(size)
		}
		return
	}
	if mc.alloc == nil {
		mc.install(a)
	}
	mc.free(a, c, p)
	mc.frees++
	slot.release()

	if a.hooks.Free != nil {
		a.hooks.Free(size)
	}
}

// Reallocate resizes an allocation, preserving contents up to
// min(old, new) bytes. A nil ptr is equivalent to Allocate.
func (a *Allocator) Reallocate(ptr unsafe.Pointer, newSize, align uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return a.Allocate(newSize, align)
	}
	if align == 0 {
		align = 1
	}
	p := uintptr(ptr)
	s := a.heap.spanOf(p)
	if s == nil {
		throw("Reallocate: pointer not owned by this allocator")
	}

	var usable uintptr
	switch s.state {
	case spanInUseSmall:
		if s.objBase(p) != p {
			throw("Reallocate: pointer is not an object base")
		}
		usable = s.elemsize
		if c, eff := a.sizes.classOf(newSize, align); c == int(s.sizeclass) && eff == s.elemsize {
			return ptr, nil
		}
	case spanInUseLarge:
		usable = s.limit - p
		if align <= a.heap.pageSize && p == s.base &&
			round(newSize, a.heap.pageSize) == s.npages<<a.heap.pageShift {
			return ptr, nil
		}
	default:
		throw("Reallocate: pointer not in an in-use span")
	}

	np, err := a.Allocate(newSize, align)
	if err != nil {
		return nil, err
	}
	n := newSize
	if usable < n {
		n = usable
	}
	copy(unsafe.Slice((*byte)(np), n), unsafe.Slice((*byte)(ptr), n))
	a.Deallocate(ptr)
	return np, nil
}

// largeAlloc serves class-0 requests straight from the page heap.
func (a *Allocator) largeAlloc(size, align uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}
	ask := round(size, a.heap.pageSize)
	if align > a.heap.pageSize {
		// Over-allocate so an aligned base exists inside the span.
		ask = round(size+align-a.heap.pageSize, a.heap.pageSize)
	}
	npages := ask >> a.heap.pageShift

	s, err := a.heap.allocSpan(npages, spanInUseLarge, 0, a.sizes)
	if err != nil {
		return nil, err
	}
	s.allocCount = 1

	p := s.base
	if align > a.heap.pageSize {
		p = round(p, align)
	}
	if a.hooks.Alloc != nil {
		a.hooks.Alloc(s.elemsize)
	}
	return unsafe.Pointer(p), nil
}

func (a *Allocator) largeFree(s *mspan) {
	size := s.elemsize
	s.allocCount = 0
	a.heap.freeSpan(s)
	if a.hooks.Free != nil {
		a.hooks.Free(size)
	}
}

// FlushCaches drains every frontend slot and every transfer cache to
// the central free lists. Spans whose objects all come home continue on
// to the page heap. The allocator stays usable; slots repopulate on
// their next use.
func (a *Allocator) FlushCaches() {
	for i := range a.slots.slots {
		slot := &a.slots.slots[i]
		for !slot.owned.CompareAndSwap(0, 1) {
		}
		slot.cache.flush(a)
		slot.release()
	}

	var buf [maxBatchSize]objptr
	for c := 1; c < a.sizes.numClasses; c++ {
		t := &a.transfer[c]
		batch := a.sizes.classToBatch[c]
		for {
			head, ok := t.tryPop()
			if !ok {
				break
			}
			p := head
			for i := 0; i < batch; i++ {
				buf[i] = p
				p = p.ptr().next
			}
			a.central[c].releaseBatch(buf[:batch])
		}
	}
}

// Scavenge decommits every free page run and reports the bytes newly
// returned to the OS. Never called automatically.
func (a *Allocator) Scavenge() uintptr {
	a.heap.lock.Lock()
	n := a.heap.scavengeLocked()
	a.heap.lock.Unlock()
	if a.heap.logger != nil {
		a.heap.logger.Debug("scavenge", "releasedBytes", n)
	}
	return n
}

// Close flushes all caches and returns every reservation to the
// platform. Every pointer obtained from the allocator is invalid
// afterwards; any further use aborts where detectable.
func (a *Allocator) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	for i := range a.slots.slots {
		slot := &a.slots.slots[i]
		for !slot.owned.CompareAndSwap(0, 1) {
		}
		slot.cache.flush(a)
		slot.cache.dead = true
		slot.release()
	}
	a.heap.close()
	a.arena.close()
}
