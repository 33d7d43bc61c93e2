package httpapi

import (
	"testing"
	"time"
)

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		input    string
		wantErr  bool
		requests int
		window   time.Duration
	}{
		{"100/hour", false, 100, time.Hour},
		{"50/minute", false, 50, time.Minute},
		{"10/second", false, 10, time.Second},
		{"", false, 0, 0}, // Empty returns nil, no error.
		{"invalid", true, 0, 0},
		{"100", true, 0, 0},
		{"100/day", true, 0, 0},
		{"/hour", true, 0, 0},
		{"0/hour", true, 0, 0},
		{"-10/hour", true, 0, 0},
		{"abc/hour", true, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			rl, err := ParseRateLimit(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseRateLimit(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if tt.input == "" {
				if rl != nil {
					t.Errorf("ParseRateLimit(\"\") = %+v, want nil", rl)
				}
				return
			}
			if !tt.wantErr {
				if rl.Requests != tt.requests {
					t.Errorf("Requests = %d, want %d", rl.Requests, tt.requests)
				}
				if rl.Window != tt.window {
					t.Errorf("Window = %v, want %v", rl.Window, tt.window)
				}
				if rl.String() != tt.input {
					t.Errorf("String() = %q, want %q", rl.String(), tt.input)
				}
			}
		})
	}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(limit *RateLimit) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit)
	rl.now = clock.Now
	rl.lastPrune = clock.now
	return rl, clock
}

func TestRateLimiter_AllowAndRefill(t *testing.T) {
	rl, clock := newTestLimiter(&RateLimit{Requests: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("fourth request should be limited")
	}
	if got := rl.Remaining("10.0.0.1"); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}

	// One request refills every 20s.
	retry := rl.RetryAfter("10.0.0.1")
	if retry <= 0 || retry > 20*time.Second {
		t.Errorf("RetryAfter() = %v, want (0, 20s]", retry)
	}

	clock.Advance(20 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(&RateLimit{Requests: 1, Window: time.Hour})

	if !rl.Allow("a") {
		t.Fatal("first request from a should be allowed")
	}
	if rl.Allow("a") {
		t.Error("second request from a should be limited")
	}
	if !rl.Allow("b") {
		t.Error("b has its own bucket")
	}
	if got := rl.Remaining("unknown"); got != 1 {
		t.Errorf("Remaining(unknown) = %d, want 1", got)
	}
	if got := rl.RetryAfter("unknown"); got != 0 {
		t.Errorf("RetryAfter(unknown) = %v, want 0", got)
	}
}

func TestRateLimiter_PrunesIdleClients(t *testing.T) {
	rl, clock := newTestLimiter(&RateLimit{Requests: 5, Window: time.Second})

	rl.Allow("a")
	rl.Allow("b")
	if rl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", rl.Len())
	}

	clock.Advance(clientIdleTimeout)
	rl.Allow("c")
	if rl.Len() != 1 {
		t.Errorf("Len() = %d after prune, want 1", rl.Len())
	}
}

func TestClientKey(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1:5555": "10.0.0.1",
		"[::1]:8080":    "::1",
		"pipe":          "pipe",
	}
	for in, want := range tests {
		if got := clientKey(in); got != want {
			t.Errorf("clientKey(%q) = %q, want %q", in, got, want)
		}
	}
}
