// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Page map: page number -> span.
//
// See malloc.go for overview.
//
// The map is a two-level radix tree over the 48-bit virtual address
// space, in the style of the runtime's arena index. The root is a single
// preallocated array of leaf pointers; leaves cover a fixed run of pages
// and are allocated on demand from the metadata arena, never from the
// user heap. The split is chosen so the root always has 2^22 entries
// (32MiB of lazily committed address space) and each leaf covers 64MiB
// of heap regardless of the configured page size.
//
// Writers hold the page heap lock. Readers synchronize with acquire
// loads of each level: a leaf pointer or span pointer observed through
// the map was fully published before the owning span transitioned into
// an in-use state. Entries are cleared only after a span is fully
// reclaimed, so a racing stale free can never resolve to a reused span
// record with live pages.

package rtmalloc

import (
	"sync/atomic"
	"unsafe"
)

const (
	heapAddrBits = 48
	ptrSize      = unsafe.Sizeof(uintptr(0))
)

type pageMap struct {
	root        uintptr // base of the root pointer array
	rootEntries uintptr
	leafBits    uintptr
	leafEntries uintptr
	arena       *metaArena
}

func (m *pageMap) init(arena *metaArena, pageShift uintptr) error {
	m.arena = arena
	m.leafBits = 26 - pageShift // each leaf spans 64MiB
	m.leafEntries = 1 << m.leafBits
	m.rootEntries = 1 << (heapAddrBits - pageShift - m.leafBits)
	root, err := arena.alloc(m.rootEntries*ptrSize, ptrSize)
	if err != nil {
		return err
	}
	m.root = root
	return nil
}

func (m *pageMap) rootSlot(page uintptr) *unsafe.Pointer {
	ri := page >> m.leafBits
	if ri >= m.rootEntries {
		throw("pageMap: page out of range")
	}
	return (*unsafe.Pointer)(unsafe.Pointer(m.root + ri*ptrSize))
}

func (m *pageMap) leafSlot(leaf, page uintptr) *unsafe.Pointer {
	li := page & (m.leafEntries - 1)
	return (*unsafe.Pointer)(unsafe.Pointer(leaf + li*ptrSize))
}

// lookup returns the span owning page, or nil. Safe to call without the
// page heap lock.
func (m *pageMap) lookup(page uintptr) *mspan {
	if page>>m.leafBits >= m.rootEntries {
		return nil
	}
	leaf := atomic.LoadPointer(m.rootSlot(page))
	if leaf == nil {
		return nil
	}
	return (*mspan)(atomic.LoadPointer(m.leafSlot(uintptr(leaf), page)))
}

// leafFor returns the leaf covering page, allocating it if needed.
// Caller holds the page heap lock.
func (m *pageMap) leafFor(page uintptr) (uintptr, error) {
	slot := m.rootSlot(page)
	if leaf := atomic.LoadPointer(slot); leaf != nil {
		return uintptr(leaf), nil
	}
	leaf, err := m.arena.alloc(m.leafEntries*ptrSize, ptrSize)
	if err != nil {
		return 0, err
	}
	atomic.StorePointer(slot, unsafe.Pointer(leaf))
	return leaf, nil
}

// setRange points n pages starting at page to s. Caller holds the page
// heap lock.
func (m *pageMap) setRange(page, n uintptr, s *mspan) error {
	for i := uintptr(0); i < n; i++ {
		leaf, err := m.leafFor(page + i)
		if err != nil {
			return err
		}
		atomic.StorePointer(m.leafSlot(leaf, page+i), unsafe.Pointer(s))
	}
	return nil
}

// clearRange erases the mapping for n pages starting at page. Caller
// holds the page heap lock and must have fully reclaimed the span.
func (m *pageMap) clearRange(page, n uintptr) {
	for i := uintptr(0); i < n; i++ {
		p := page + i
		leaf := atomic.LoadPointer(m.rootSlot(p))
		if leaf == nil {
			continue
		}
		atomic.StorePointer(m.leafSlot(uintptr(leaf), p), nil)
	}
}
