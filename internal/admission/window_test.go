package admission

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTake_AdmitsUpToQuota(t *testing.T) {
	c := NewFixedWindowCounter(time.Minute, 4)

	for i := 1; i <= 3; i++ {
		r := c.Take("a", 3, t0)
		if !r.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if r.Count != i {
			t.Fatalf("request %d: count = %d, want %d", i, r.Count, i)
		}
		if !r.Start.Equal(t0) {
			t.Fatalf("request %d: start = %v, want %v", i, r.Start, t0)
		}
	}

	r := c.Take("a", 3, t0)
	if r.Allowed {
		t.Fatal("request 4 should be rejected")
	}
	if r.Count != 3 {
		t.Fatalf("rejected request must not be counted, count = %d", r.Count)
	}
}

func TestTake_FirstRejectionOncePerWindow(t *testing.T) {
	c := NewFixedWindowCounter(time.Minute, 4)
	c.Take("a", 1, t0)

	if r := c.Take("a", 1, t0); !r.FirstRejection {
		t.Fatal("first rejection should be flagged")
	}
	if r := c.Take("a", 1, t0.Add(time.Second)); r.FirstRejection {
		t.Fatal("second rejection in same window should not be flagged")
	}

	// new window, flag resets
	c.Take("a", 1, t0.Add(time.Minute))
	if r := c.Take("a", 1, t0.Add(time.Minute)); !r.FirstRejection {
		t.Fatal("first rejection of new window should be flagged")
	}
}

func TestTake_WindowStartsAtFirstRequest(t *testing.T) {
	c := NewFixedWindowCounter(time.Minute, 4)
	first := t0.Add(17 * time.Second)

	c.Take("a", 1, first)
	// 59s after first request, still same window
	if r := c.Take("a", 1, first.Add(59*time.Second)); r.Allowed {
		t.Fatal("should still be rejected inside window")
	}
	// exactly one window later, reset
	r := c.Take("a", 1, first.Add(time.Minute))
	if !r.Allowed {
		t.Fatal("should be allowed once window elapsed")
	}
	if !r.Start.Equal(first.Add(time.Minute)) {
		t.Fatalf("new window start = %v, want %v", r.Start, first.Add(time.Minute))
	}
}

func TestTake_ClockBackwardsResets(t *testing.T) {
	c := NewFixedWindowCounter(time.Minute, 4)
	c.Take("a", 1, t0)

	r := c.Take("a", 1, t0.Add(-time.Second))
	if !r.Allowed {
		t.Fatal("clock moving backwards should reset the window")
	}
}

func TestTake_ZeroQuotaRejectsAll(t *testing.T) {
	c := NewFixedWindowCounter(time.Minute, 4)
	if r := c.Take("a", 0, t0); r.Allowed {
		t.Fatal("zero quota should reject")
	}
}

func TestTake_IdentitiesIndependent(t *testing.T) {
	c := NewFixedWindowCounter(time.Minute, 4)
	c.Take("a", 1, t0)
	if r := c.Take("b", 1, t0); !r.Allowed {
		t.Fatal("identity b should have its own window")
	}
}

func TestTake_ConcurrentNeverExceedsQuota(t *testing.T) {
	c := NewFixedWindowCounter(time.Minute, 4)
	const (
		workers = 200
		quota   = 37
	)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Take("shared", quota, t0).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != quota {
		t.Fatalf("allowed = %d, want exactly %d", got, quota)
	}
}

func TestPeek_DoesNotConsume(t *testing.T) {
	c := NewFixedWindowCounter(time.Minute, 4)
	c.Take("a", 5, t0)

	for range 3 {
		count, start, ok := c.Peek("a", t0)
		if !ok || count != 1 || !start.Equal(t0) {
			t.Fatalf("Peek = (%d, %v, %t), want (1, %v, true)", count, start, ok, t0)
		}
	}
	if _, _, ok := c.Peek("a", t0.Add(time.Minute)); ok {
		t.Fatal("Peek after window should report nothing")
	}
	if _, _, ok := c.Peek("unknown", t0); ok {
		t.Fatal("Peek for unknown identity should report nothing")
	}
}

func TestReap_RemovesExpiredOnly(t *testing.T) {
	c := NewFixedWindowCounter(time.Minute, 4)
	c.Take("old", 5, t0)
	c.Take("new", 5, t0.Add(30*time.Second))

	if n := c.Reap(t0.Add(time.Minute)); n != 1 {
		t.Fatalf("Reap evicted %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}

	// a reaped identity starts fresh
	if r := c.Take("old", 5, t0.Add(time.Minute)); r.Count != 1 {
		t.Fatalf("count after reap = %d, want 1", r.Count)
	}
}

func TestNewShardSet_RoundsToPowerOfTwo(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, DefaultShards},
		{-3, DefaultShards},
		{1, 1},
		{3, 4},
		{64, 64},
		{100, 128},
	}
	for _, tt := range tests {
		s := newShardSet[int](tt.in)
		if len(s.shards) != tt.want {
			t.Errorf("newShardSet(%d) shards = %d, want %d", tt.in, len(s.shards), tt.want)
		}
		if s.mask != uint64(tt.want-1) {
			t.Errorf("newShardSet(%d) mask = %d, want %d", tt.in, s.mask, tt.want-1)
		}
	}
}
