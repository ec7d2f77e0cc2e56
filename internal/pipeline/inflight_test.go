package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestInFlight_ZeroValue(t *testing.T) {
	t.Parallel()

	var f InFlight
	if !f.TryAcquire("rec-1") {
		t.Fatal("first acquire failed")
	}
	if f.TryAcquire("rec-1") {
		t.Fatal("second acquire of a held id succeeded")
	}
	if !f.TryAcquire("rec-2") {
		t.Fatal("other ids must not be blocked")
	}
	if f.Len() != 2 || !f.Held("rec-1") {
		t.Errorf("Len=%d Held(rec-1)=%v", f.Len(), f.Held("rec-1"))
	}

	f.Release("rec-1")
	f.Release("never-held")
	if f.Held("rec-1") || f.Len() != 1 {
		t.Errorf("after release Len=%d Held(rec-1)=%v", f.Len(), f.Held("rec-1"))
	}
	if !f.TryAcquire("rec-1") {
		t.Error("released id could not be acquired again")
	}
}

func TestInFlight_SingleWinner(t *testing.T) {
	t.Parallel()

	f := NewInFlight()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.TryAcquire("rec-9") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Errorf("winners = %d, want 1", got)
	}
}
