// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Frontend caches for small objects.
//
// See malloc.go for overview.
//
// An mcache is private to one frontend slot, so its free lists need no
// locking; exclusion is provided by the slot's ownership flag. Each size
// class has a free-list head, a cached count, and an adaptive capacity
// target: capacity starts at one batch, doubles on every refill up to a
// per-class maximum derived from the span layout, and is halved (never
// below one batch) when the slot's byte budget forces a scavenge.

package rtmalloc

type mcache struct {
	alloc []cacheList // per-class lists, installed lazily
	bytes uintptr     // total bytes cached across classes

	// Local op counters, read racily by Stats.
	allocs uint64
	frees  uint64

	dead bool // set at teardown; the slot no longer caches
}

type cacheList struct {
	head objptr
	n    uint32 // objects on the list
	cap  uint32 // retain at most this many before scavenging
}

// install sets up the per-class lists in the empty, capacity-0 state.
// Called on a slot's first use.
func (mc *mcache) install(a *Allocator) {
	mc.alloc = make([]cacheList, a.sizes.numClasses)
}

// allocFast pops the head object of class c. Returns 0 on miss. One
// branch, no synchronization, no page map.
func (mc *mcache) allocFast(c int, size uintptr) objptr {
	list := &mc.alloc[c]
	p := list.head
	if p != 0 {
		list.head = p.ptr().next
		list.n--
		mc.bytes -= size
	}
	return p
}

// allocSlow refills class c with one batch — from the transfer cache
// when it has one, from the central free list otherwise — and pops one
// object. Each refill doubles the class's capacity target (slow start).
func (mc *mcache) allocSlow(a *Allocator, c int) (objptr, error) {
	batch := a.sizes.classToBatch[c]
	size := a.sizes.classToSize[c]

	var head objptr
	var got int
	if h, ok := a.transfer[c].tryPop(); ok {
		head = h
		got = batch
	} else {
		var buf [maxBatchSize]objptr
		n, err := a.central[c].fetchBatch(buf[:batch])
		if n == 0 {
			return 0, err
		}
		for i := n - 1; i >= 0; i-- {
			buf[i].ptr().next = head
			head = buf[i]
		}
		got = n
	}

	list := &mc.alloc[c]
	maxCap := uint32(2 * a.sizes.classToNObjects[c])
	switch {
	case list.cap == 0:
		list.cap = uint32(batch)
	case list.cap*2 <= maxCap:
		list.cap *= 2
	default:
		list.cap = maxCap
	}

	p := head
	list.head = p.ptr().next
	list.n += uint32(got - 1)
	mc.bytes += uintptr(got-1) * size
	return p, nil
}

// free pushes an object of class c. Crossing the capacity target
// scavenges one batch toward the layers below; crossing the slot byte
// budget scavenges the fattest classes until back under it.
func (mc *mcache) free(a *Allocator, c int, p objptr) {
	list := &mc.alloc[c]
	p.ptr().next = list.head
	list.head = p
	list.n++
	mc.bytes += a.sizes.classToSize[c]
	if list.cap == 0 {
		// First touch through the free path.
		list.cap = uint32(a.sizes.classToBatch[c])
	}
	if list.n > list.cap {
		mc.scavengeClass(a, c)
	}
	if mc.bytes > a.budget {
		mc.enforceBudget(a)
	}
}

// scavengeClass unlinks up to one batch from class c and pushes it
// down: whole batches to the transfer cache, partial or refused ones to
// the central free list.
func (mc *mcache) scavengeClass(a *Allocator, c int) {
	list := &mc.alloc[c]
	batch := a.sizes.classToBatch[c]
	k := batch
	if int(list.n) < k {
		k = int(list.n)
	}
	if k == 0 {
		return
	}

	head := list.head
	tail := head
	for i := 1; i < k; i++ {
		tail = tail.ptr().next
	}
	list.head = tail.ptr().next
	tail.ptr().next = 0
	list.n -= uint32(k)
	mc.bytes -= uintptr(k) * a.sizes.classToSize[c]

	if k == batch && a.transfer[c].tryPush(head) {
		return
	}
	var buf [maxBatchSize]objptr
	p := head
	for i := 0; i < k; i++ {
		buf[i] = p
		p = p.ptr().next
	}
	a.central[c].releaseBatch(buf[:k])
}

// enforceBudget scavenges the class holding the most bytes, halving its
// capacity target each time, until the slot is back under budget.
func (mc *mcache) enforceBudget(a *Allocator) {
	for mc.bytes > a.budget {
		worst := 0
		var worstBytes uintptr
		for c := 1; c < a.sizes.numClasses; c++ {
			b := uintptr(mc.alloc[c].n) * a.sizes.classToSize[c]
			if b > worstBytes {
				worst, worstBytes = c, b
			}
		}
		if worst == 0 {
			return
		}
		list := &mc.alloc[worst]
		if minCap := uint32(a.sizes.classToBatch[worst]); list.cap > minCap {
			list.cap /= 2
			if list.cap < minCap {
				list.cap = minCap
			}
		}
		mc.scavengeClass(a, worst)
	}
}

// flush releases everything to the central free lists and resets every
// class to the empty, capacity-0 state.
func (mc *mcache) flush(a *Allocator) {
	if mc.alloc == nil {
		return
	}
	var buf [maxBatchSize]objptr
	for c := 1; c < a.sizes.numClasses; c++ {
		list := &mc.alloc[c]
		for list.head != 0 {
			n := 0
			for list.head != 0 && n < len(buf) {
				p := list.head
				list.head = p.ptr().next
				buf[n] = p
				n++
			}
			a.central[c].releaseBatch(buf[:n])
		}
		list.n = 0
		list.cap = 0
	}
	mc.bytes = 0
}
