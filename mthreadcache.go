// Explicitly owned frontend caches.
//
// See malloc.go for overview.
//
// A ThreadCache is the per-thread rendition of the frontend tier. Where
// the per-cpu slots locate a cache by cpu id on every call, a
// ThreadCache is handed to its owner once and used without any
// synchronization at all — the owner promises that calls are serialized
// (one thread, or one goroutine, or an external lock). In exchange the
// fast paths lose even the slot CAS.
//
// On teardown the cache's remaining objects are flushed to the central
// free lists class by class and the handle goes dead: later frees
// through a dead handle resolve straight to the central lists, later
// allocations abort.

package rtmalloc

import "unsafe"

// A ThreadCache is a frontend owned by a single caller. Not safe for
// concurrent use.
type ThreadCache struct {
	a     *Allocator
	cache mcache
}

// NewThreadCache installs a fresh, empty frontend bound to a.
func (a *Allocator) NewThreadCache() *ThreadCache {
	if a.closed.Load() {
		throw("NewThreadCache: allocator is closed")
	}
	tc := &ThreadCache{a: a}
	tc.cache.install(a)
	return tc
}

// Allocate is Allocator.Allocate served from this cache.
func (tc *ThreadCache) Allocate(size, align uintptr) (unsafe.Pointer, error) {
	a := tc.a
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		throw("Allocate: alignment not a power of two")
	}
	if a.closed.Load() || tc.cache.dead {
		throw("Allocate: cache is closed")
	}

	c, eff := a.sizes.classOf(size, align)
	if c == 0 {
		return a.largeAlloc(size, align)
	}
	p := tc.cache.allocFast(c, eff)
	if p == 0 {
		var err error
		p, err = tc.cache.allocSlow(a, c)
		if err != nil {
			return nil, err
		}
	}
	tc.cache.allocs++
	if a.hooks.Alloc != nil {
		a.hooks.Alloc(eff)
	}
	return unsafe.Pointer(p), nil
}

// Deallocate is Allocator.Deallocate with freed small objects cached
// here. It accepts any pointer this allocator owns, including ones
// allocated through other frontends.
func (tc *ThreadCache) Deallocate(ptr unsafe.Pointer) {
	a := tc.a
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
		c := int(s.sizeclass)
		if tc.cache.dead {
			var buf [1]objptr
			buf[0] = objptr(p)
			a.central[c].releaseBatch(buf[:1])
		} else {
			tc.cache.free(a, c, objptr(p))
			tc.cache.frees++
		}
		if a.hooks.Free != nil {
			a.hooks.Free(s.elemsize)
		}
	default:
		throw("Deallocate: pointer not in an in-use span")
	}
}

// Flush pushes every cached object to the central free lists. The cache
// stays usable.
func (tc *ThreadCache) Flush() {
	tc.cache.flush(tc.a)
}

// Close flushes the cache and marks it dead, the thread-exit protocol:
// frees that still arrive through the handle bypass it, allocations
// abort.
func (tc *ThreadCache) Close() {
	if tc.cache.dead {
		return
	}
	tc.cache.flush(tc.a)
	tc.cache.dead = true
}

// CachedBytes reports the bytes currently held by this cache.
func (tc *ThreadCache) CachedBytes() uintptr {
	return tc.cache.bytes
}
