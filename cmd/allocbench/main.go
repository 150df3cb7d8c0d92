// allocbench drives a mixed allocate/free workload against rtmalloc and
// reports throughput and heap usage.
//
// Usage:
//
//	allocbench [-config profile.yaml] [-workers 8] [-ops 1000000]
//	           [-maxsize 4096] [-live 1024] [-v]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/n1ght-hunter/rtmalloc"
)

var (
	flagConfig  = flag.String("config", "", "YAML allocator profile; empty for defaults")
	flagWorkers = flag.Int("workers", 8, "concurrent workers")
	flagOps     = flag.Int("ops", 1_000_000, "allocate/free pairs per worker")
	flagMaxSize = flag.Int("maxsize", 4096, "maximum request size in bytes")
	flagLive    = flag.Int("live", 1024, "live pointers each worker cycles through")
	flagVerbose = flag.Bool("v", false, "debug logging from the allocator")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := rtmalloc.DefaultConfig()
	if *flagConfig != "" {
		data, err := os.ReadFile(*flagConfig)
		if err != nil {
			logger.Error("read config", "err", err)
			os.Exit(1)
		}
		cfg, err = rtmalloc.LoadConfig(data)
		if err != nil {
			logger.Error("parse config", "err", err)
			os.Exit(1)
		}
	}
	cfg.Logger = logger

	a, err := rtmalloc.New(cfg)
	if err != nil {
		logger.Error("init allocator", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *flagWorkers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			worker(a, seed)
		}(int64(w) + 1)
	}
	wg.Wait()
	elapsed := time.Since(start)

	a.FlushCaches()
	st := a.Stats()
	total := float64(*flagWorkers) * float64(*flagOps)
	fmt.Printf("allocator %s\n", st.ID)
	fmt.Printf("%d workers x %d ops in %v (%.0f ops/s)\n",
		*flagWorkers, *flagOps, elapsed.Round(time.Millisecond), total/elapsed.Seconds())
	fmt.Printf("heap: sys=%d inuse=%d idle=%d released=%d meta=%d\n",
		st.HeapSys, st.HeapInuse, st.HeapIdle, st.HeapReleased, st.MetaSys)
	fmt.Printf("central spans=%d cached=%dB allocs=%d frees=%d\n",
		st.CentralSpans, st.CachedBytes, st.Allocs, st.Frees)
}

type liveSlot struct {
	p    unsafe.Pointer
	size uintptr
}

// worker cycles a window of live pointers through random-size
// allocations, touching the first byte of each block so lazily
// committed pages actually commit.
func worker(a *rtmalloc.Allocator, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	ptrs := make([]liveSlot, *flagLive)
	for i := 0; i < *flagOps; i++ {
		slot := &ptrs[rng.Intn(len(ptrs))]
		if slot.p != nil {
			a.DeallocateSized(slot.p, slot.size, 8)
			slot.p = nil
		}
		size := uintptr(rng.Intn(*flagMaxSize) + 1)
		p, err := a.Allocate(size, 8)
		if err != nil {
			panic(err)
		}
		*(*byte)(p) = byte(i)
		slot.p, slot.size = p, size
	}
	for i := range ptrs {
		if ptrs[i].p != nil {
			a.DeallocateSized(ptrs[i].p, ptrs[i].size, 8)
		}
	}
}
