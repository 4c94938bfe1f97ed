package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/clock"
)

type memoryWindow struct {
	start time.Time
	count int64
}

// MemoryStore is a process-local store for tests and single-process development.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string]*memoryWindow
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{clock: clk, windows: make(map[string]*memoryWindow)}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.start.Add(window)) {
		w = &memoryWindow{start: now}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.start.Add(window), nil
}
