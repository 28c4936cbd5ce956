package admission

import (
	"testing"
	"time"
)

func TestLimiter_BaseQuota(t *testing.T) {
	l := NewLimiter(QuotaPolicy{Window: 15 * time.Minute, BaseQuota: 100}, nil, 4)

	for i := range 100 {
		res := l.Check("ip:10.0.0.1", false, t0)
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != 100-(i+1) {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, res.Remaining, 100-(i+1))
		}
	}

	now := t0.Add(10 * time.Second)
	res := l.Check("ip:10.0.0.1", false, now)
	if res.Allowed {
		t.Fatal("request 101 should be rejected")
	}
	if res.RetryAfter != 15*time.Minute-10*time.Second {
		t.Fatalf("RetryAfter = %s, want %s", res.RetryAfter, 15*time.Minute-10*time.Second)
	}
	if !res.ResetAt.Equal(t0.Add(15 * time.Minute)) {
		t.Fatalf("ResetAt = %v, want %v", res.ResetAt, t0.Add(15*time.Minute))
	}
	if res.Violations != 0 || l.Ledger() != nil {
		t.Fatal("non-progressive policy must not track violations")
	}
}

func TestLimiter_AuthBonus(t *testing.T) {
	l := NewLimiter(QuotaPolicy{Window: time.Minute, BaseQuota: 100, Adjustment: AuthBonus(1.5)}, nil, 4)

	allowed := 0
	for range 200 {
		if l.Check("sub:user-1", true, t0).Allowed {
			allowed++
		}
	}
	if allowed != 150 {
		t.Fatalf("authenticated allowed = %d, want 150", allowed)
	}

	allowed = 0
	for range 200 {
		if l.Check("ip:10.0.0.1", false, t0).Allowed {
			allowed++
		}
	}
	if allowed != 100 {
		t.Fatalf("anonymous allowed = %d, want 100", allowed)
	}
}

func TestLimiter_ProgressiveShrinksPerWindow(t *testing.T) {
	policy := QuotaPolicy{Window: time.Minute, BaseQuota: 100, Adjustment: Progressive(0.2, 0.1)}
	l := NewLimiter(policy, NewPenaltyLedger(24*time.Hour, 4), 4)

	now := t0
	for w, quota := range []int{100, 80, 60, 40, 20, 10, 10} {
		for i := range quota {
			if res := l.Check("ip:1", false, now); !res.Allowed {
				t.Fatalf("window %d request %d should be allowed (quota %d)", w, i+1, quota)
			}
		}
		res := l.Check("ip:1", false, now)
		if res.Allowed {
			t.Fatalf("window %d: request %d should be rejected", w, quota+1)
		}
		if res.Limit != quota {
			t.Fatalf("window %d: limit = %d, want %d", w, res.Limit, quota)
		}
		if res.Violations != w+1 {
			t.Fatalf("window %d: violations = %d, want %d", w, res.Violations, w+1)
		}
		now = now.Add(time.Minute)
	}
}

func TestLimiter_ProgressiveRecordsEveryRejection(t *testing.T) {
	policy := QuotaPolicy{Window: time.Minute, BaseQuota: 5, Adjustment: Progressive(0.2, 0.1)}
	l := NewLimiter(policy, nil, 4)

	for range 5 {
		l.Check("ip:1", false, t0)
	}
	for i := 1; i <= 3; i++ {
		if res := l.Check("ip:1", false, t0); res.Violations != i {
			t.Fatalf("rejection %d: violations = %d", i, res.Violations)
		}
	}
	if got := l.EffectiveQuota("ip:1", false, t0.Add(time.Minute)); got != 2 {
		t.Fatalf("effective quota = %d, want 2 (floor(5*0.4))", got)
	}
}

func TestLimiter_ProgressiveRecoversAfterDecay(t *testing.T) {
	policy := QuotaPolicy{Window: time.Minute, BaseQuota: 10, Adjustment: Progressive(0.2, 0.1)}
	l := NewLimiter(policy, NewPenaltyLedger(time.Hour, 4), 4)

	for range 11 {
		l.Check("ip:1", false, t0)
	}
	if got := l.EffectiveQuota("ip:1", false, t0.Add(time.Minute)); got != 8 {
		t.Fatalf("quota after violation = %d, want 8", got)
	}
	if got := l.EffectiveQuota("ip:1", false, t0.Add(time.Hour)); got != 10 {
		t.Fatalf("quota after decay = %d, want 10", got)
	}
}

func TestLimiter_Reap(t *testing.T) {
	policy := QuotaPolicy{Window: time.Minute, BaseQuota: 1, Adjustment: Progressive(0.2, 0.1)}
	l := NewLimiter(policy, NewPenaltyLedger(time.Hour, 4), 4)
	l.Check("ip:1", false, t0)
	l.Check("ip:1", false, t0)

	w, p := l.Reap(t0.Add(time.Minute))
	if w != 1 || p != 0 {
		t.Fatalf("Reap at window end = (%d, %d), want (1, 0)", w, p)
	}
	w, p = l.Reap(t0.Add(time.Hour))
	if w != 0 || p != 1 {
		t.Fatalf("Reap at decay = (%d, %d), want (0, 1)", w, p)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{-time.Second, 1},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{15 * time.Minute, 900},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
