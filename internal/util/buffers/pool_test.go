package buffers

import (
	"sync"
	"testing"
)

// TestPool_GetPut verifies that buffers can be retrieved and returned
func TestPool_GetPut(t *testing.T) {
	p := NewPool(1024)

	buf := p.Get()
	if buf == nil {
		t.Fatal("Get returned nil")
	}
	if len(*buf) != 1024 {
		t.Errorf("Buffer size = %d, want %d", len(*buf), 1024)
	}
	if got := p.Stats().InUse; got != 1 {
		t.Errorf("InUse = %d, want 1", got)
	}

	(*buf)[0] = 0xff
	p.Put(buf)

	if got := p.Stats().InUse; got != 0 {
		t.Errorf("InUse after Put = %d, want 0", got)
	}

	buf2 := p.Get()
	if (*buf2)[0] != 0 {
		t.Error("pooled buffer was not cleared")
	}
	p.Put(buf2)
}

// TestPool_WrongSizeAndNil verifies wrong-sized and nil buffers don't panic
func TestPool_WrongSizeAndNil(t *testing.T) {
	p := NewPool(1024)
	p.Put(nil)

	buf := p.Get()
	short := (*buf)[:10]
	p.Put(&short)
	if got := p.Stats().InUse; got != 0 {
		t.Errorf("InUse = %d, want 0", got)
	}
}

// TestPool_PeakTracksConcurrentCheckouts verifies the high-water mark
func TestPool_PeakTracksConcurrentCheckouts(t *testing.T) {
	p := NewPool(64)

	held := make([]*[]byte, 5)
	for i := range held {
		held[i] = p.Get()
	}
	for _, b := range held {
		p.Put(b)
	}
	p.Put(p.Get())

	stats := p.Stats()
	if stats.PeakInUse != 5 {
		t.Errorf("PeakInUse = %d, want 5", stats.PeakInUse)
	}
	if stats.InUse != 0 {
		t.Errorf("InUse = %d, want 0", stats.InUse)
	}
}

// TestPool_ConcurrentAccess tests concurrent buffer get/put operations
func TestPool_ConcurrentAccess(t *testing.T) {
	const goroutines = 10
	const iterations = 100

	p := NewPool(4096)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				buf := p.Get()
				(*buf)[0] = byte(i)
				p.Put(buf)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.InUse != 0 {
		t.Errorf("InUse = %d after concurrent access, want 0", stats.InUse)
	}
	if stats.PeakInUse > goroutines {
		t.Errorf("PeakInUse = %d exceeds goroutine count %d", stats.PeakInUse, goroutines)
	}
}

func TestShared_ReturnsSamePoolPerSize(t *testing.T) {
	if Shared(2048) != Shared(2048) {
		t.Error("Shared should return the same pool for the same size")
	}
	if Shared(2048) == Shared(4096) {
		t.Error("Shared should return different pools for different sizes")
	}
}
