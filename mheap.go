// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Page heap.
//
// See malloc.go for overview.

package rtmalloc

import (
	"log/slog"
	"sync"
	"unsafe"
)

// An mspan is a run of pages owned as a unit.
//
// When an mspan is on a page heap free bucket, state == spanOnHeap and
// every page of the run maps to the span, so coalescing can find it from
// either neighbour. When an mspan is allocated, state == spanInUseSmall
// or spanInUseLarge and, again, every page maps to the span.
//
// Every live mspan is in at most one doubly-linked list: a page heap
// free bucket, a central nonempty list, or a central empty list. The
// list pointer identifies which, for O(1) removal.
const (
	spanDead       = iota // record is free or being recycled
	spanInUseSmall        // carved into size class objects
	spanInUseLarge        // a single large allocation
	spanOnHeap            // free, filed in a page heap bucket
)

// An objptr is a pointer to a free object, linked through the object's
// first word. It is typed as a bare integer so nothing traces it: the
// memory it points into belongs to the allocator's reservations, not to
// the Go heap.
type objptr uintptr

// An objlink is the view of a free object's first word.
type objlink struct {
	next objptr
}

// ptr returns the *objlink form of p. The result should be used for
// accessing fields, not stored in other data structures.
func (p objptr) ptr() *objlink {
	return (*objlink)(unsafe.Pointer(p))
}

type mspan struct {
	next *mspan    // next span in list, or nil if none
	prev **mspan   // previous span's next field, or list head's first field if none
	list *spanList // which list the span is on, if any

	base   uintptr // address of the first byte
	npages uintptr // number of pages in span
	limit  uintptr // end of object memory in span

	freelist   objptr // list of free objects, linked through first words
	allocCount uint32 // number of objects handed out
	nelems     uint32 // number of object slots

	state     uint8
	sizeclass uint8
	released  bool // pages decommitted while on the heap

	// Object size and division magic, copied from the size class table
	// when the span enters spanInUseSmall.
	elemsize  uintptr
	divShift  uint8
	divShift2 uint8
	divMul    uint32
	baseMask  uintptr
}

func (s *mspan) init(base, npages uintptr) {
	s.next = nil
	s.prev = nil
	s.list = nil
	s.base = base
	s.npages = npages
	s.limit = 0
	s.freelist = 0
	s.allocCount = 0
	s.nelems = 0
	s.state = spanDead
	s.sizeclass = 0
	s.released = false
	s.elemsize = 0
	s.divShift = 0
	s.divShift2 = 0
	s.divMul = 0
	s.baseMask = 0
}

func (s *mspan) inList() bool {
	return s.prev != nil
}

// objIndex returns the object slot index for a byte offset into the
// span, dividing by elemsize with the precomputed magic.
func (s *mspan) objIndex(off uintptr) uintptr {
	return ((off >> s.divShift) * uintptr(s.divMul)) >> s.divShift2
}

// objBase returns the base address of the object containing p. p must
// lie inside the span's object memory.
func (s *mspan) objBase(p uintptr) uintptr {
	if s.baseMask != 0 && s.base&^s.baseMask == 0 {
		// Power-of-two size and elemsize-aligned span base: masking
		// is exact.
		return p & s.baseMask
	}
	return s.base + s.objIndex(p-s.base)*s.elemsize
}

// spanList heads a linked list of spans.
//
// Linked list structure is based on BSD's "tail queue" data structure.
type spanList struct {
	first *mspan  // first span in list, or nil if none
	last  **mspan // last span's next field, or first if none
}

func (list *spanList) init() {
	list.first = nil
	list.last = &list.first
}

func (list *spanList) isEmpty() bool {
	return list.first == nil
}

func (list *spanList) remove(span *mspan) {
	if span.prev == nil || span.list != list {
		throw("spanList.remove: span not on list")
	}
	if span.next != nil {
		span.next.prev = span.prev
	} else {
		list.last = span.prev
	}
	*span.prev = span.next
	span.next = nil
	span.prev = nil
	span.list = nil
}

func (list *spanList) insert(span *mspan) {
	if span.next != nil || span.prev != nil || span.list != nil {
		throw("spanList.insert: span already on a list")
	}
	span.next = list.first
	if list.first != nil {
		list.first.prev = &span.next
	} else {
		list.last = &span.next
	}
	list.first = span
	span.prev = &list.first
	span.list = list
}

func (list *spanList) insertBack(span *mspan) {
	if span.next != nil || span.prev != nil || span.list != nil {
		throw("spanList.insertBack: span already on a list")
	}
	span.next = nil
	span.prev = list.last
	*list.last = span
	list.last = &span.next
	span.list = list
}

// pageHeap is the backend: it owns every page reserved from the
// platform and satisfies page-count requests. The heap itself is the
// free[] buckets and the freeLarge overflow list. All mutation happens
// under the single heap lock. The lock is dropped around the platform
// reservation that grows the heap; metadata refills from the arena (span
// records, page map leaves) can reserve from the platform while it is
// held.
type pageHeap struct {
	lock sync.Mutex

	free      []spanList // free spans of exactly the indexed page count
	freeLarge spanList   // free spans of page count >= len(free)

	pagemap   pageMap
	spanalloc fixalloc // allocator for mspan records

	plat  platform
	arena *metaArena

	pageSize     uintptr
	pageShift    uintptr
	minGrowPages uintptr

	reservations []memRegion

	// Accounting, guarded by lock. sys is bytes reserved for the heap
	// proper (metadata is counted by the arena); inuse + idle == sys.
	sys      uintptr
	inuse    uintptr
	idle     uintptr
	released uintptr

	logger *slog.Logger
}

func (h *pageHeap) init(plat platform, arena *metaArena, cfg *Config) error {
	h.plat = plat
	h.arena = arena
	h.pageSize = cfg.PageSize
	h.pageShift = log2(cfg.PageSize)
	h.minGrowPages = cfg.MinGrowPages
	h.logger = cfg.Logger

	h.free = make([]spanList, cfg.MaxPagesBucket)
	for i := range h.free {
		h.free[i].init()
	}
	h.freeLarge.init()
	h.spanalloc.init(unsafe.Sizeof(mspan{}), arena)
	return h.pagemap.init(arena, h.pageShift)
}

func (h *pageHeap) pageOf(addr uintptr) uintptr {
	return addr >> h.pageShift
}

// spanOf resolves an arbitrary interior pointer to its owning span, or
// nil. Lock-free; safe from the deallocation path.
func (h *pageHeap) spanOf(p uintptr) *mspan {
	return h.pagemap.lookup(h.pageOf(p))
}

// allocSpan returns a span of exactly npages in the given in-use state.
// For spanInUseSmall the span's object layout is filled in from the
// size class table entry c.
func (h *pageHeap) allocSpan(npages uintptr, state uint8, c int, sc *sizeClasses) (*mspan, error) {
	if npages == 0 {
		throw("allocSpan: zero pages")
	}
	h.lock.Lock()
	s, err := h.allocSpanLocked(npages)
	if err != nil {
		h.lock.Unlock()
		return nil, err
	}

	s.state = state
	s.freelist = 0
	s.allocCount = 0
	if state == spanInUseSmall {
		size := sc.classToSize[c]
		m := sc.classToDivMagic[c]
		s.sizeclass = uint8(c)
		s.elemsize = size
		s.nelems = uint32((npages << h.pageShift) / size)
		s.limit = s.base + size*uintptr(s.nelems)
		s.divShift = m.shift
		s.divMul = m.mul
		s.divShift2 = m.shift2
		s.baseMask = m.baseMask
	} else {
		s.sizeclass = 0
		s.elemsize = npages << h.pageShift
		s.nelems = 1
		s.limit = s.base + s.elemsize
	}

	// These pages were mapped when their free span was filed, so the
	// radix leaves already exist and the update cannot fail.
	if err := h.pagemap.setRange(h.pageOf(s.base), npages, s); err != nil {
		throw("allocSpan: page map update failed")
	}

	h.inuse += npages << h.pageShift
	h.idle -= npages << h.pageShift
	// The unlock is the release barrier ordering the page map stores
	// above before any pointer into s can be published to another
	// thread.
	h.lock.Unlock()
	return s, nil
}

// allocSpanLocked finds a free span of at least npages, growing the heap
// if needed, and trims it to exactly npages. The returned span has been
// removed from its free list but still has state spanOnHeap.
func (h *pageHeap) allocSpanLocked(npages uintptr) (*mspan, error) {
	var s *mspan
	for {
		if npages < uintptr(len(h.free)) {
			// Try in fixed-size buckets up to max.
			for i := npages; i < uintptr(len(h.free)); i++ {
				if !h.free[i].isEmpty() {
					s = h.free[i].first
					break
				}
			}
			if s == nil {
				s = bestFit(&h.freeLarge, npages)
			}
		} else {
			// Large request: first fit in the overflow list. The
			// fixed buckets are all shorter than npages by
			// construction, so there is nothing to search there.
			for t := h.freeLarge.first; t != nil; t = t.next {
				if t.npages >= npages {
					s = t
					break
				}
			}
		}
		if s != nil {
			break
		}
		if err := h.growLocked(npages); err != nil {
			return nil, err
		}
		// The lock was dropped during reservation; re-scan.
	}

	if s.state != spanOnHeap {
		throw("allocSpanLocked: span not free")
	}
	if s.npages < npages {
		throw("allocSpanLocked: bad npages")
	}
	s.list.remove(s)
	if s.released {
		h.released -= s.npages << h.pageShift
		s.released = false
	}

	if s.npages > npages {
		// Trim the tail and put it back in the heap. The remainder's
		// neighbours cannot be free (coalescing is eager), so it is
		// filed directly without another merge pass.
		v, err := h.spanalloc.alloc()
		if err != nil {
			// No metadata for the remainder; give the whole run
			// back and fail.
			h.freeList(s.npages).insert(s)
			return nil, err
		}
		t := (*mspan)(v)
		t.init(s.base+(npages<<h.pageShift), s.npages-npages)
		t.state = spanOnHeap
		s.npages = npages
		if err := h.pagemap.setRange(h.pageOf(t.base), t.npages, t); err != nil {
			throw("allocSpanLocked: page map update failed")
		}
		h.freeList(t.npages).insert(t)
	}
	return s, nil
}

// Search list for the smallest span with >= npage pages. If there are
// multiple smallest spans, take the one with the lowest address.
func bestFit(list *spanList, npages uintptr) *mspan {
	var best *mspan
	for s := list.first; s != nil; s = s.next {
		if s.npages < npages {
			continue
		}
		if best == nil || s.npages < best.npages || (s.npages == best.npages && s.base < best.base) {
			best = s
		}
	}
	return best
}

// growLocked adds at least npages of memory to the heap. The heap lock
// is released around the platform call and reacquired after; callers
// must re-scan the free lists on return.
func (h *pageHeap) growLocked(npages uintptr) error {
	// Ask for a big run to amortize the reservation and give the
	// page map fewer, larger regions to cover.
	ask := npages
	if ask < h.minGrowPages {
		ask = h.minGrowPages
	}
	ask = round(ask, h.minGrowPages)

	n := ask << h.pageShift
	h.lock.Unlock()
	base, err := h.plat.reserveAligned(n, h.pageSize)
	if err != nil && ask > npages {
		// Reservation of the padded run failed; retry with exactly
		// what the caller needs.
		ask = npages
		n = ask << h.pageShift
		base, err = h.plat.reserveAligned(n, h.pageSize)
	}
	h.lock.Lock()
	if err != nil {
		if h.logger != nil {
			h.logger.Error("heap reservation failed", "pages", ask)
		}
		return ErrOutOfMemory
	}

	h.reservations = append(h.reservations, memRegion{base, n})
	h.sys += n
	h.idle += n

	v, err := h.spanalloc.alloc()
	if err != nil {
		return err
	}
	s := (*mspan)(v)
	s.init(base, ask)
	s.state = spanOnHeap
	if err := h.fileSpanLocked(s); err != nil {
		return err
	}
	if h.logger != nil {
		h.logger.Debug("heap grow", "pages", ask, "sysBytes", h.sys)
	}
	return nil
}

// freeSpan returns an in-use span to the heap.
func (h *pageHeap) freeSpan(s *mspan) {
	h.lock.Lock()
	h.freeSpanLocked(s)
	h.lock.Unlock()
}

func (h *pageHeap) freeSpanLocked(s *mspan) {
	switch s.state {
	case spanInUseSmall, spanInUseLarge:
		// ok
	default:
		throw("freeSpanLocked: invalid span state")
	}
	if s.allocCount != 0 {
		throw("freeSpanLocked: freeing span with live objects")
	}

	h.inuse -= s.npages << h.pageShift
	h.idle += s.npages << h.pageShift

	s.state = spanOnHeap
	s.sizeclass = 0
	s.freelist = 0
	s.nelems = 0
	s.elemsize = 0
	s.limit = 0
	if err := h.fileSpanLocked(s); err != nil {
		// The pages were mapped while the span was in use, so the
		// radix leaves exist and remapping cannot allocate.
		throw("freeSpanLocked: page map update failed")
	}
}

// fileSpanLocked coalesces s with its free neighbours, points the page
// map at the result, and files it in the right bucket.
func (h *pageHeap) fileSpanLocked(s *mspan) error {
	// Coalesce with earlier, later spans.
	p := h.pageOf(s.base)
	if t := h.pagemap.lookup(p - 1); t != nil && t.state == spanOnHeap {
		s.base = t.base
		s.npages += t.npages
		s.released = s.released && t.released
		h.freeList(t.npages).remove(t)
		t.state = spanDead
		h.spanalloc.free(unsafe.Pointer(t))
	}
	p = h.pageOf(s.base)
	if t := h.pagemap.lookup(p + s.npages); t != nil && t.state == spanOnHeap {
		s.npages += t.npages
		s.released = s.released && t.released
		h.freeList(t.npages).remove(t)
		t.state = spanDead
		h.spanalloc.free(unsafe.Pointer(t))
	}

	if err := h.pagemap.setRange(p, s.npages, s); err != nil {
		return err
	}
	h.freeList(s.npages).insert(s)
	return nil
}

func (h *pageHeap) freeList(npages uintptr) *spanList {
	if npages < uintptr(len(h.free)) {
		return &h.free[npages]
	}
	return &h.freeLarge
}

// scavengeLocked decommits every free span not already released and
// returns the number of bytes newly handed back.
func (h *pageHeap) scavengeLocked() uintptr {
	var sum uintptr
	scav := func(list *spanList) {
		for s := list.first; s != nil; s = s.next {
			if s.released {
				continue
			}
			n := s.npages << h.pageShift
			h.plat.decommit(s.base, n)
			s.released = true
			h.released += n
			sum += n
		}
	}
	for i := range h.free {
		scav(&h.free[i])
	}
	scav(&h.freeLarge)
	return sum
}

// close hands every reservation back to the platform. All spans and all
// user pointers become invalid.
func (h *pageHeap) close() {
	h.lock.Lock()
	for _, r := range h.reservations {
		h.plat.release(r.base, r.n)
	}
	h.reservations = nil
	h.sys, h.inuse, h.idle, h.released = 0, 0, 0, 0
	h.lock.Unlock()
}

func round(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

func log2(n uintptr) uintptr {
	var s uintptr
	for n > 1 {
		n >>= 1
		s++
	}
	return s
}
