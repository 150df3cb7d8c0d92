//go:build linux

package rtmalloc

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysPlatform is the production platform adapter: anonymous private
// mappings for reservation, MADV_DONTNEED for decommit, getcpu/gettid
// for the identifier reads. The zero value is ready for use.
//
// unix.Munmap must be handed the exact slice unix.Mmap returned, so the
// adapter remembers the mapping behind every reservation, keyed by the
// aligned base it handed out.
type sysPlatform struct {
	mu     sync.Mutex
	active map[uintptr][]byte
}

func (p *sysPlatform) reserveAligned(n, align uintptr) (uintptr, error) {
	if pg := uintptr(unix.Getpagesize()); align < pg {
		align = pg
	}
	// Over-reserve by the alignment and hand out an aligned base inside
	// the mapping. mmap only guarantees OS-page alignment on its own;
	// the slack stays reserved-but-untouched until release.
	b, err := unix.Mmap(-1, 0, int(n+align),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, ErrOutOfMemory
	}
	base := (uintptr(unsafe.Pointer(&b[0])) + align - 1) &^ (align - 1)

	p.mu.Lock()
	if p.active == nil {
		p.active = make(map[uintptr][]byte)
	}
	p.active[base] = b
	p.mu.Unlock()
	return base, nil
}

func (p *sysPlatform) decommit(base, n uintptr) {
	// Advisory. If the kernel refuses there is nothing useful to do; the
	// pages simply stay resident.
	unix.Madvise(unsafe.Slice((*byte)(unsafe.Pointer(base)), n), unix.MADV_DONTNEED)
}

func (p *sysPlatform) release(base, _ uintptr) {
	p.mu.Lock()
	b, ok := p.active[base]
	delete(p.active, base)
	p.mu.Unlock()
	if !ok {
		throw("release of unknown reservation")
	}
	unix.Munmap(b)
}

func (p *sysPlatform) currentCPU() int {
	var cpu uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), 0, 0)
	if errno != 0 {
		// Kernels without getcpu: fall back to the thread id. Slot
		// probing tolerates any stable-ish index.
		return p.currentThread()
	}
	return int(cpu)
}

func (p *sysPlatform) currentThread() int {
	return unix.Gettid()
}
