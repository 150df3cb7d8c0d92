// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Fixed-size object allocator. Returned memory is not zeroed unless it
// comes fresh from a reservation.
//
// See malloc.go for overview.

package rtmalloc

import (
	"sync"
	"unsafe"
)

const (
	fixAllocChunk  = 16 << 10  // Chunk size for fixalloc
	metaArenaChunk = 256 << 10 // Chunk size for the metadata arena
)

// metaArena is a bump allocator for allocator metadata: span records,
// page map nodes, fixalloc chunks. It reserves memory from the platform
// adapter directly and never frees it piecemeal, so metadata allocation
// can never recurse into the user heap. Reservations are remembered so
// teardown can hand them back.
type metaArena struct {
	lock sync.Mutex
	plat platform
	off  uintptr // next free byte in the current chunk
	end  uintptr // end of the current chunk
	sys  uintptr // total bytes reserved

	// all reservations ever made, released on close. The slice itself
	// lives on the Go heap; it is touched only on chunk refill and
	// teardown, never on an allocation fast path.
	regions []memRegion
}

type memRegion struct {
	base uintptr
	n    uintptr
}

func (a *metaArena) init(plat platform) {
	a.plat = plat
}

// alloc returns n bytes aligned to align. The memory is zeroed: it is
// either fresh from the platform or has been explicitly cleared by the
// caller that recycled it.
func (a *metaArena) alloc(n, align uintptr) (uintptr, error) {
	if align == 0 || align&(align-1) != 0 {
		throw("metaArena.alloc: bad align")
	}
	a.lock.Lock()
	defer a.lock.Unlock()

	p := (a.off + align - 1) &^ (align - 1)
	if p+n > a.end {
		chunk := uintptr(metaArenaChunk)
		if n+align > chunk {
			chunk = n + align
		}
		base, err := a.plat.reserveAligned(chunk, align)
		if err != nil {
			return 0, err
		}
		a.regions = append(a.regions, memRegion{base, chunk})
		a.sys += chunk
		a.off = base
		a.end = base + chunk
		p = (a.off + align - 1) &^ (align - 1)
	}
	a.off = p + n
	return p, nil
}

// close returns every reservation to the platform. All metadata becomes
// invalid.
func (a *metaArena) close() {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, r := range a.regions {
		a.plat.release(r.base, r.n)
	}
	a.regions = nil
	a.off, a.end = 0, 0
}

// fixalloc is a simple free-list allocator for fixed size objects.
// The page heap uses a fixalloc wrapped around the metadata arena to
// manage its span records.
//
// Memory returned by fixalloc.alloc is not zeroed when it comes off the
// free list. The caller is responsible for locking around fixalloc calls.
// Callers can keep state in the object but the first word is smashed by
// freeing and reallocating.
type fixalloc struct {
	size   uintptr
	list   *mlink
	chunk  uintptr
	nchunk uintptr
	inuse  uintptr // in-use bytes now
	arena  *metaArena
}

// A generic linked list of blocks. (Typically the block is bigger than
// sizeof(mlink).)
type mlink struct {
	next *mlink
}

// init initializes f to allocate objects of the given size, using the
// metadata arena to obtain chunks of memory.
func (f *fixalloc) init(size uintptr, arena *metaArena) {
	if size < unsafe.Sizeof(mlink{}) {
		size = unsafe.Sizeof(mlink{})
	}
	f.size = (size + 7) &^ 7
	f.list = nil
	f.chunk = 0
	f.nchunk = 0
	f.inuse = 0
	f.arena = arena
}

func (f *fixalloc) alloc() (unsafe.Pointer, error) {
	if f.size == 0 {
		throw("use of fixalloc.alloc before fixalloc.init")
	}

	if f.list != nil {
		v := unsafe.Pointer(f.list)
		f.list = f.list.next
		f.inuse += f.size
		return v, nil
	}
	if f.nchunk < f.size {
		c, err := f.arena.alloc(fixAllocChunk, 8)
		if err != nil {
			return nil, err
		}
		f.chunk = c
		f.nchunk = fixAllocChunk
	}

	v := unsafe.Pointer(f.chunk)
	f.chunk += f.size
	f.nchunk -= f.size
	f.inuse += f.size
	return v, nil
}

func (f *fixalloc) free(p unsafe.Pointer) {
	f.inuse -= f.size
	v := (*mlink)(p)
	v.next = f.list
	f.list = v
}
