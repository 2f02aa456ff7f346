package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("agent-1") {
			t.Fatalf("request %d rejected within limit", i+1)
		}
	}
	if l.Allow("agent-1") {
		t.Error("request over limit allowed")
	}
}

func TestKeysIsolated(t *testing.T) {
	l := New(1, time.Minute)
	if !l.Allow("a") {
		t.Fatal("first request for a rejected")
	}
	if !l.Allow("b") {
		t.Error("request for b rejected after a hit its limit")
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	l.Allow("k")
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("third request inside window allowed")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.Allow("k") {
		t.Error("request rejected after window slid past old hits")
	}
}

func TestForget(t *testing.T) {
	l := New(1, time.Minute)
	l.Allow("k")
	l.Forget("k")
	if !l.Allow("k") {
		t.Error("request rejected after Forget")
	}
}

func TestPrune(t *testing.T) {
	l := New(5, 10*time.Millisecond)
	l.Allow("stale")
	time.Sleep(20 * time.Millisecond)
	l.Allow("live")
	l.Prune()

	l.mu.Lock()
	_, staleKept := l.hits["stale"]
	_, liveKept := l.hits["live"]
	l.mu.Unlock()

	if staleKept {
		t.Error("stale key survived Prune")
	}
	if !liveKept {
		t.Error("live key removed by Prune")
	}
}
