package rtmalloc

import (
	"testing"
	"unsafe"
)

// slot0 returns the pinned test slot's cache. testPlatform reports cpu
// 0 and the test config has a single slot, so every operation lands
// here.
func slot0(a *Allocator) *mcache {
	return &a.slots.slots[0].cache
}

func TestSlowStartDoubling(t *testing.T) {
	a, _ := newTestAllocator(t)
	cls, _ := a.sizes.classOf(32, 1)
	batch := uint32(a.sizes.classToBatch[cls])

	var ptrs []unsafe.Pointer
	alloc := func(n int) {
		for i := 0; i < n; i++ {
			p, err := a.Allocate(32, 1)
			if err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			ptrs = append(ptrs, p)
		}
	}

	// First refill: capacity starts at one batch.
	alloc(1)
	if cap := slot0(a).alloc[cls].cap; cap != batch {
		t.Fatalf("cap after first refill = %d, want %d", cap, batch)
	}
	// Drain the cached batch; the next refill doubles.
	alloc(int(batch))
	if cap := slot0(a).alloc[cls].cap; cap != 2*batch {
		t.Fatalf("cap after second refill = %d, want %d", cap, 2*batch)
	}

	maxCap := uint32(2 * a.sizes.classToNObjects[cls])
	alloc(int(8 * maxCap))
	if cap := slot0(a).alloc[cls].cap; cap > maxCap {
		t.Fatalf("cap = %d grew past per-class max %d", cap, maxCap)
	}

	for _, p := range ptrs {
		a.Deallocate(p)
	}
	assertNoLeaks(t, a)
}

func TestScavengeToTransferCache(t *testing.T) {
	a, _ := newTestAllocator(t)
	cls, _ := a.sizes.classOf(4096, 1)
	batch := a.sizes.classToBatch[cls]

	var ptrs []unsafe.Pointer
	for i := 0; i < 20*batch; i++ {
		p, err := a.Allocate(4096, 1)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		a.Deallocate(p)
	}

	mc := slot0(a)
	if mc.alloc[cls].n > mc.alloc[cls].cap {
		t.Fatalf("cached %d objects above capacity %d", mc.alloc[cls].n, mc.alloc[cls].cap)
	}
	a.transfer[cls].lock.Lock()
	transferred := a.transfer[cls].n
	a.transfer[cls].lock.Unlock()
	if transferred == 0 {
		t.Fatal("scavenge never reached the transfer cache")
	}
	assertNoLeaks(t, a)
}

func TestTransferCacheRoundTrip(t *testing.T) {
	a, _ := newTestAllocator(t)
	cls, _ := a.sizes.classOf(4096, 1)
	batch := a.sizes.classToBatch[cls]

	// Fill the frontend past capacity so batches land in the transfer
	// cache, then drain the frontend and watch refills come from the
	// transfer cache without new spans.
	var ptrs []unsafe.Pointer
	for i := 0; i < 10*batch; i++ {
		p, err := a.Allocate(4096, 1)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		a.Deallocate(p)
	}

	// Drain the frontend so the next allocation has to refill.
	mc := slot0(a)
	var held []unsafe.Pointer
	for mc.alloc[cls].n > 0 {
		p, err := a.Allocate(4096, 1)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		held = append(held, p)
	}
	a.transfer[cls].lock.Lock()
	batchesBefore := a.transfer[cls].n
	a.transfer[cls].lock.Unlock()

	st := a.Stats()
	spansBefore := st.CentralSpans
	p, err := a.Allocate(4096, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	st = a.Stats()
	if st.CentralSpans > spansBefore {
		t.Fatalf("refill from transfer cache grew central spans %d -> %d",
			spansBefore, st.CentralSpans)
	}
	a.transfer[cls].lock.Lock()
	batchesAfter := a.transfer[cls].n
	a.transfer[cls].lock.Unlock()
	if batchesAfter != batchesBefore-1 {
		t.Fatalf("transfer cache batches %d -> %d, want one popped", batchesBefore, batchesAfter)
	}
	a.Deallocate(p)
	for _, q := range held {
		a.Deallocate(q)
	}
	assertNoLeaks(t, a)
}

func TestBudgetCap(t *testing.T) {
	const budget = 64 << 10
	a, _ := newTestAllocator(t, func(cfg *Config) {
		cfg.ThreadCacheSizeMax = budget
	})
	cls, _ := a.sizes.classOf(1024, 1)
	maxCap := uint32(2 * a.sizes.classToNObjects[cls])

	var ptrs []unsafe.Pointer
	for i := 0; i < 512; i++ {
		p, err := a.Allocate(1024, 1)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		ptrs = append(ptrs, p)
	}
	mc := slot0(a)
	for i, p := range ptrs {
		a.Deallocate(p)
		if mc.bytes > budget {
			t.Fatalf("free %d: cached bytes %d exceed budget %d", i, mc.bytes, budget)
		}
		if mc.alloc[cls].cap > maxCap {
			t.Fatalf("free %d: cap %d exceeds per-class max %d", i, mc.alloc[cls].cap, maxCap)
		}
	}
	assertNoLeaks(t, a)
}

func TestRepeatedAllocFreeStaysBounded(t *testing.T) {
	const budget = 128 << 10
	a, _ := newTestAllocator(t, func(cfg *Config) {
		cfg.ThreadCacheSizeMax = budget
	})

	for i := 0; i < 100000; i++ {
		p, err := a.Allocate(32, 1)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		a.DeallocateSized(p, 32, 1)
		if i%4096 == 0 {
			if mc := slot0(a); mc.bytes > budget {
				t.Fatalf("iter %d: cached bytes %d exceed budget %d", i, mc.bytes, budget)
			}
		}
	}
	assertNoLeaks(t, a)
}
