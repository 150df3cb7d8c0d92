// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Central free lists.
//
// See malloc.go for an overview.
//
// The mcentral doesn't actually contain the list of free objects; the
// mspan does. Each mcentral is two lists of mspans: those with free
// objects (c.nonempty) and those whose objects are all handed out
// (c.empty). Spans migrate between the two as batches are fetched and
// released, and leave entirely when their last object comes home.

package rtmalloc

import "sync"

// Central list of free objects of a given size.
type mcentral struct {
	lock      sync.Mutex
	sizeclass int
	nonempty  spanList // list of spans with a free object
	empty     spanList // list of spans with no free objects
	nspans    uintptr  // spans on either list

	heap  *pageHeap
	sizes *sizeClasses
}

// Initialize a single central free list.
func (c *mcentral) init(sizeclass int, heap *pageHeap, sizes *sizeClasses) {
	c.sizeclass = sizeclass
	c.nonempty.init()
	c.empty.init()
	c.heap = heap
	c.sizes = sizes
}

// fetchBatch fills dst with free objects of this class, growing the
// class with fresh spans from the page heap as needed. Spans are
// consumed from the head of the nonempty list. It returns the number of
// objects delivered; 0 is returned only when the page heap is out of
// memory, with the error saying so.
func (c *mcentral) fetchBatch(dst []objptr) (int, error) {
	n := 0
	c.lock.Lock()
	for n < len(dst) {
		s := c.nonempty.first
		if s == nil {
			// Replenish from the page heap. The heap lock nests
			// inside the central lock, but the reservation path
			// drops the heap lock, so don't hold ours across it
			// either.
			c.lock.Unlock()
			s, err := c.grow()
			if err != nil {
				if n > 0 {
					return n, nil
				}
				return 0, err
			}
			c.lock.Lock()
			c.nonempty.insert(s)
			c.nspans++
			continue
		}
		for n < len(dst) && s.freelist != 0 {
			p := s.freelist
			s.freelist = p.ptr().next
			s.allocCount++
			dst[n] = p
			n++
		}
		if s.freelist == 0 {
			// Every object is out; set the span aside until some
			// come back.
			c.nonempty.remove(s)
			c.empty.insertBack(s)
		}
	}
	c.lock.Unlock()
	return n, nil
}

// releaseBatch returns objects to their owning spans. Every object must
// belong to a span of this class. Spans whose last object comes back are
// handed to the page heap, which coalesces them.
func (c *mcentral) releaseBatch(objs []objptr) {
	var frees []*mspan
	c.lock.Lock()
	for _, p := range objs {
		s := c.heap.spanOf(uintptr(p))
		if s == nil || s.state != spanInUseSmall || int(s.sizeclass) != c.sizeclass {
			throw("releaseBatch: object does not belong to this size class")
		}
		if s.allocCount == 0 {
			throw("releaseBatch: span over-freed")
		}
		wasempty := s.freelist == 0
		p.ptr().next = s.freelist
		s.freelist = p
		s.allocCount--
		if wasempty {
			c.empty.remove(s)
			c.nonempty.insert(s)
		}
		if s.allocCount == 0 {
			c.nonempty.remove(s)
			c.nspans--
			frees = append(frees, s)
		}
	}
	c.lock.Unlock()

	// s is completely freed; return it to the heap. Done after
	// dropping the central lock so the lock order stays one deep.
	for _, s := range frees {
		c.heap.freeSpan(s)
	}
}

// grow fetches a new span from the heap and carves it into objects,
// threading the free list through their first words.
func (c *mcentral) grow() (*mspan, error) {
	npages := c.sizes.classToNPages[c.sizeclass]
	size := c.sizes.classToSize[c.sizeclass]

	s, err := c.heap.allocSpan(npages, spanInUseSmall, c.sizeclass, c.sizes)
	if err != nil {
		return nil, err
	}

	p := s.base
	head := objptr(p)
	tail := objptr(p)
	// i==0 iteration already done
	for i := uint32(1); i < s.nelems; i++ {
		p += size
		tail.ptr().next = objptr(p)
		tail = objptr(p)
	}
	tail.ptr().next = 0
	s.freelist = head
	return s, nil
}
