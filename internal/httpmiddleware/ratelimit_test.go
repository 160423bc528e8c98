package httpmiddleware

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := NewRateLimiter(3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1", now) {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if l.allow("10.0.0.1", now) {
		t.Fatal("request over capacity allowed")
	}

	// Another client has its own bucket.
	if !l.allow("10.0.0.2", now) {
		t.Fatal("separate client denied")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	l := NewRateLimiter(60) // one token per second
	now := time.Now()

	for i := 0; i < 60; i++ {
		l.allow("10.0.0.1", now)
	}
	if l.allow("10.0.0.1", now) {
		t.Fatal("drained bucket allowed")
	}
	if !l.allow("10.0.0.1", now.Add(2*time.Second)) {
		t.Fatal("bucket did not refill")
	}
}
