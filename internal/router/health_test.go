package router

import (
	"testing"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/clock"
)

func TestHealthTracker_LazyCreation(t *testing.T) {
	ht := NewHealthTracker(3, 5*time.Second, nil)
	if !ht.IsAvailable("groq") {
		t.Error("expected new provider to be available")
	}
	if ht.GetBreaker("groq") != ht.GetBreaker("groq") {
		t.Error("expected the same breaker on repeated lookups")
	}
}

func TestHealthTracker_RecordFailureOpensCircuit(t *testing.T) {
	ht := NewHealthTracker(2, 5*time.Second, nil)

	ht.RecordFailure("groq")
	ht.RecordFailure("groq")

	if ht.IsAvailable("groq") {
		t.Error("expected groq to be unavailable after 2 failures")
	}
	if !ht.IsAvailable("cerebras") {
		t.Error("expected breakers to be independent per provider")
	}
}

func TestHealthTracker_RecordSuccessCloses(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	ht := NewHealthTracker(1, 10*time.Second, clk)

	ht.RecordFailure("groq")
	if ht.IsAvailable("groq") {
		t.Error("expected groq to be unavailable")
	}

	clk.Advance(10 * time.Second)
	if !ht.IsAvailable("groq") {
		t.Error("expected groq to be available (half-open trial)")
	}

	ht.RecordSuccess("groq")
	if got := ht.States()["groq"]; got != "closed" {
		t.Errorf("expected closed state, got %q", got)
	}
}
