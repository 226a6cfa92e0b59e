package logging

import (
	"testing"
	"time"
)

func TestRatelimiterAllowsFirstOccurrence(t *testing.T) {
	r := NewRatelimiter(time.Hour)
	if !r.Allow("disconnected") {
		t.Fatal("first occurrence of a key must be allowed")
	}
}

func TestRatelimiterSuppressesRepeats(t *testing.T) {
	r := NewRatelimiter(time.Hour)
	r.Allow("eacces")
	if r.Allow("eacces") {
		t.Fatal("repeated key within interval must be suppressed")
	}
}

func TestRatelimiterAllowsKeyChange(t *testing.T) {
	r := NewRatelimiter(time.Hour)
	r.Allow("eacces")
	if !r.Allow("enodev") {
		t.Fatal("a new key must always be allowed, even inside the interval")
	}
}

func TestRatelimiterAllowsAfterInterval(t *testing.T) {
	r := NewRatelimiter(time.Millisecond)
	r.Allow("ring-full")
	time.Sleep(5 * time.Millisecond)
	if !r.Allow("ring-full") {
		t.Fatal("same key must be allowed again once the interval elapses")
	}
}
