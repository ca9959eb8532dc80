package gateway

import "testing"

func TestRateLimiter_Disabled_AlwaysAllows(t *testing.T) {
	rl := NewRateLimiter(0, 5)
	if rl.Enabled() {
		t.Fatal("expected disabled limiter for rpm=0")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("client-1") {
			t.Fatal("disabled limiter should always allow")
		}
	}
}

func TestRateLimiter_Enabled_BlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 2) // 1 req/sec, burst 2
	if !rl.Allow("client-1") {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow("client-1") {
		t.Fatal("expected second request (within burst) to be allowed")
	}
	if rl.Allow("client-1") {
		t.Fatal("expected third immediate request to be blocked")
	}
}

func TestRateLimiter_SeparateClientsTrackIndependently(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	if !rl.Allow("client-a") {
		t.Fatal("expected client-a first request allowed")
	}
	if !rl.Allow("client-b") {
		t.Fatal("expected client-b to have its own independent bucket")
	}
}

func TestRateLimiter_Forget_ResetsClientBucket(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	rl.Allow("client-1")
	if rl.Allow("client-1") {
		t.Fatal("expected client-1 burst to be exhausted")
	}
	rl.Forget("client-1")
	if !rl.Allow("client-1") {
		t.Fatal("expected forgotten client to get a fresh bucket")
	}
}
