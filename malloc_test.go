package rtmalloc

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"unsafe"
)

// testPlatform wraps the real adapter but pins every caller to cpu 0, so
// single-goroutine tests always hit the same frontend slot. It can also
// be told to refuse reservations.
type testPlatform struct {
	sysPlatform
	mu       sync.Mutex
	reserves int
	failing  bool
}

func (p *testPlatform) reserveAligned(n, align uintptr) (uintptr, error) {
	p.mu.Lock()
	fail := p.failing
	if !fail {
		p.reserves++
	}
	p.mu.Unlock()
	if fail {
		return 0, ErrOutOfMemory
	}
	return p.sysPlatform.reserveAligned(n, align)
}

func (p *testPlatform) setFailing(v bool) {
	p.mu.Lock()
	p.failing = v
	p.mu.Unlock()
}

func (p *testPlatform) currentCPU() int { return 0 }

func newTestAllocator(t *testing.T, mutate ...func(*Config)) (*Allocator, *testPlatform) {
	t.Helper()
	plat := &testPlatform{}
	cfg := DefaultConfig()
	cfg.Slots = 1
	cfg.platform = plat
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a, plat
}

// assertNoLeaks checks that a balanced workload left nothing behind:
// no in-use heap bytes, no spans on any central list, no cached bytes.
func assertNoLeaks(t *testing.T, a *Allocator) {
	t.Helper()
	a.FlushCaches()
	st := a.Stats()
	if st.HeapInuse != 0 {
		t.Errorf("HeapInuse = %d, want 0", st.HeapInuse)
	}
	if st.CentralSpans != 0 {
		t.Errorf("CentralSpans = %d, want 0", st.CentralSpans)
	}
	if st.CachedBytes != 0 {
		t.Errorf("CachedBytes = %d, want 0", st.CachedBytes)
	}
}

func TestBasicSizes(t *testing.T) {
	a, _ := newTestAllocator(t)

	sizes := []uintptr{8, 16, 24, 32, 48, 64, 128, 1024, 1 << 20}
	ptrs := make([]unsafe.Pointer, len(sizes))
	for i, size := range sizes {
		p, err := a.Allocate(size, 8)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", size, err)
		}
		b := unsafe.Slice((*byte)(p), size)
		for j := range b {
			b[j] = 0xAA
		}
		ptrs[i] = p
	}
	for i, p := range ptrs {
		b := unsafe.Slice((*byte)(p), sizes[i])
		for j := range b {
			if b[j] != 0xAA {
				t.Fatalf("size %d byte %d = %#x, want 0xAA", sizes[i], j, b[j])
			}
		}
		a.Deallocate(p)
	}
	assertNoLeaks(t, a)
}

func TestReuseSameObject(t *testing.T) {
	a, _ := newTestAllocator(t)

	p1, err := a.Allocate(16, 16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Deallocate(p1)
	p2, err := a.Allocate(16, 16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("freed object not reused: p1=%p p2=%p", p1, p2)
	}
	a.Deallocate(p2)
}

func TestAlignment(t *testing.T) {
	a, _ := newTestAllocator(t)

	for _, align := range []uintptr{1, 8, 16, 64, 512, 4096, 8192, 32768} {
		for _, size := range []uintptr{1, 24, 100, 4000, 50000} {
			p, err := a.Allocate(size, align)
			if err != nil {
				t.Fatalf("Allocate(%d, %d): %v", size, align, err)
			}
			if uintptr(p)%align != 0 {
				t.Fatalf("Allocate(%d, %d) = %p, not aligned", size, align, p)
			}
			// The block must be addressable end to end.
			b := unsafe.Slice((*byte)(p), size)
			b[0], b[size-1] = 1, 2
			a.Deallocate(p)
		}
	}
	assertNoLeaks(t, a)
}

func TestDisjointness(t *testing.T) {
	a, _ := newTestAllocator(t)

	type interval struct{ lo, hi uintptr }
	var live []interval
	sizes := []uintptr{8, 24, 100, 500, 3000, 20000, 70000}
	for i := 0; i < 300; i++ {
		size := sizes[i%len(sizes)]
		p, err := a.Allocate(size, 8)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		live = append(live, interval{uintptr(p), uintptr(p) + size})
	}
	sort.Slice(live, func(i, j int) bool { return live[i].lo < live[j].lo })
	for i := 1; i < len(live); i++ {
		if live[i-1].hi > live[i].lo {
			t.Fatalf("overlapping allocations: [%#x,%#x) and [%#x,%#x)",
				live[i-1].lo, live[i-1].hi, live[i].lo, live[i].hi)
		}
	}
	for _, iv := range live {
		a.Deallocate(unsafe.Pointer(iv.lo))
	}
	assertNoLeaks(t, a)
}

func TestProducerConsumer(t *testing.T) {
	plat := &testPlatform{}
	cfg := DefaultConfig()
	cfg.platform = plat
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	const n = 100000
	ch := make(chan unsafe.Pointer, 1024)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			p, err := a.Allocate(24, 8)
			if err != nil {
				panic(err)
			}
			*(*uint64)(p) = uint64(i)
			ch <- p
		}
		close(ch)
	}()
	go func() {
		defer wg.Done()
		for p := range ch {
			a.Deallocate(p)
		}
	}()
	wg.Wait()
	assertNoLeaks(t, a)
}

func TestConcurrentStress(t *testing.T) {
	plat := &testPlatform{}
	cfg := DefaultConfig()
	cfg.platform = plat
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	sizes := []uintptr{8, 32, 128, 1024, 9000, 40000}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			var live []unsafe.Pointer
			var liveSizes []uintptr
			for i := 0; i < 5000; i++ {
				size := sizes[(i+seed)%len(sizes)]
				p, err := a.Allocate(size, 8)
				if err != nil {
					panic(err)
				}
				*(*byte)(p) = byte(i)
				live = append(live, p)
				liveSizes = append(liveSizes, size)
				if len(live) > 64 {
					j := (i + seed) % len(live)
					a.DeallocateSized(live[j], liveSizes[j], 8)
					live[j] = live[len(live)-1]
					liveSizes[j] = liveSizes[len(liveSizes)-1]
					live = live[:len(live)-1]
					liveSizes = liveSizes[:len(liveSizes)-1]
				}
			}
			for i, p := range live {
				a.DeallocateSized(p, liveSizes[i], 8)
			}
		}(w * 13)
	}
	wg.Wait()
	assertNoLeaks(t, a)
}

func TestReallocate(t *testing.T) {
	a, _ := newTestAllocator(t)

	p, err := a.Allocate(64, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = byte(i)
	}

	// Same class: pointer unchanged.
	q, err := a.Reallocate(p, 60, 8)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	if q != p {
		t.Fatalf("same-class Reallocate moved %p -> %p", p, q)
	}

	// Growth: contents preserved.
	q, err = a.Reallocate(p, 4096, 8)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	nb := unsafe.Slice((*byte)(q), 64)
	for i := range nb {
		if nb[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d after grow", i, nb[i], byte(i))
		}
	}

	// Shrink into the small classes again.
	q2, err := a.Reallocate(q, 16, 8)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	nb = unsafe.Slice((*byte)(q2), 16)
	for i := range nb {
		if nb[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d after shrink", i, nb[i], byte(i))
		}
	}

	// Nil is Allocate.
	q3, err := a.Reallocate(nil, 32, 8)
	if err != nil || q3 == nil {
		t.Fatalf("Reallocate(nil) = %p, %v", q3, err)
	}
	a.Deallocate(q3)
	a.Deallocate(q2)
	assertNoLeaks(t, a)
}

func TestDeallocateNil(t *testing.T) {
	a, _ := newTestAllocator(t)
	a.Deallocate(nil) // no-op
	a.DeallocateSized(nil, 64, 8)
}

func TestInvalidFreeAborts(t *testing.T) {
	a, _ := newTestAllocator(t)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Deallocate of foreign pointer did not abort")
		}
		if msg, ok := r.(string); !ok || !strings.HasPrefix(msg, "rtmalloc:") {
			t.Fatalf("unexpected panic value %v", r)
		}
	}()
	var x int
	a.Deallocate(unsafe.Pointer(&x))
}

func TestInteriorFreeAborts(t *testing.T) {
	a, _ := newTestAllocator(t)

	p, err := a.Allocate(64, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer a.Deallocate(p)
	defer func() {
		if recover() == nil {
			t.Fatal("interior free did not abort")
		}
	}()
	a.Deallocate(unsafe.Pointer(uintptr(p) + 8))
}

func TestOutOfMemory(t *testing.T) {
	a, plat := newTestAllocator(t)

	// Warm the small classes so the next failure is clean.
	p, err := a.Allocate(64, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Deallocate(p)

	plat.setFailing(true)
	if _, err := a.Allocate(64<<20, 8); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Allocate under failing platform: err = %v, want ErrOutOfMemory", err)
	}
	plat.setFailing(false)

	// The allocator remains usable.
	p, err = a.Allocate(128, 8)
	if err != nil {
		t.Fatalf("Allocate after OOM: %v", err)
	}
	a.Deallocate(p)
	assertNoLeaks(t, a)
}

func TestFlushCaches(t *testing.T) {
	a, _ := newTestAllocator(t)

	var ptrs []unsafe.Pointer
	for i := 0; i < 100; i++ {
		p, err := a.Allocate(96, 8)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		a.Deallocate(p)
	}
	a.FlushCaches()
	st := a.Stats()
	if st.CachedBytes != 0 {
		t.Fatalf("CachedBytes = %d after flush, want 0", st.CachedBytes)
	}
	// The frontend repopulates on next use.
	p, err := a.Allocate(96, 8)
	if err != nil {
		t.Fatalf("Allocate after flush: %v", err)
	}
	a.Deallocate(p)
}

func TestStats(t *testing.T) {
	a, _ := newTestAllocator(t)

	st := a.Stats()
	if st.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("allocator ID not set")
	}
	p, _ := a.Allocate(1<<20, 8)
	st = a.Stats()
	if st.HeapInuse < 1<<20 {
		t.Errorf("HeapInuse = %d, want >= %d", st.HeapInuse, 1<<20)
	}
	if st.HeapSys != st.HeapInuse+st.HeapIdle {
		t.Errorf("accounting: sys %d != inuse %d + idle %d", st.HeapSys, st.HeapInuse, st.HeapIdle)
	}
	a.Deallocate(p)
}

func TestHooks(t *testing.T) {
	var allocs, frees int
	var mu sync.Mutex
	a, _ := newTestAllocator(t, func(cfg *Config) {
		cfg.Hooks = Hooks{
			Alloc: func(uintptr) { mu.Lock(); allocs++; mu.Unlock() },
			Free:  func(uintptr) { mu.Lock(); frees++; mu.Unlock() },
		}
	})

	p, _ := a.Allocate(64, 8)
	q, _ := a.Allocate(1<<20, 8)
	a.Deallocate(p)
	a.Deallocate(q)
	mu.Lock()
	defer mu.Unlock()
	if allocs != 2 || frees != 2 {
		t.Fatalf("hooks saw %d allocs, %d frees; want 2, 2", allocs, frees)
	}
}

func TestCloseAbortsFurtherUse(t *testing.T) {
	plat := &testPlatform{}
	cfg := DefaultConfig()
	cfg.Slots = 1
	cfg.platform = plat
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("Allocate after Close did not abort")
		}
	}()
	a.Allocate(8, 8)
}
