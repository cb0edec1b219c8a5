// Package batcher defines the Batcher adapter contract (spec C8, §4.6).
// The Batcher proper — aggregating per-Segment bytes into wire requests —
// is an external collaborator out of scope for this module (spec §1);
// this package holds only the interface the Segmenter Engine depends on
// and a minimal in-memory reference implementation used by tests and by
// the standalone binary.
package batcher

import (
	"sync"

	"github.com/ruleless/ustsegmenter/internal/segment"
	"github.com/ruleless/ustsegmenter/internal/txn"
)

// Adapter receives newly-touched Segments once per schedule/completion
// tick. It must take ownership of each Segment's Incoming queue — drain it
// into its own per-Segment structures — before returning, since the
// Segmenter Engine asserts those queues are empty immediately afterward
// (spec §4.6).
type Adapter interface {
	Schedule(segments []*segment.Segment)
}

// MemoryAdapter is a minimal reference Batcher: it moves each Segment's
// incoming transactions into a per-fingerprint queue of its own and keeps
// running totals. It never sends anything anywhere; it exists so the
// Segmenter Engine has something concrete to call in the standalone
// binary and in tests.
type MemoryAdapter struct {
	mu     sync.Mutex
	queues map[string]*txn.Queue
}

// NewMemoryAdapter creates an empty in-memory Batcher.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{queues: make(map[string]*txn.Queue)}
}

// Schedule drains each Segment's Incoming queue into this adapter's own
// per-fingerprint queue.
func (a *MemoryAdapter) Schedule(segments []*segment.Segment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range segments {
		q, ok := a.queues[s.Fingerprint]
		if !ok {
			q = &txn.Queue{}
			a.queues[s.Fingerprint] = q
		}
		for _, t := range s.Incoming.DrainAll() {
			q.PushBack(t)
		}
	}
}

// Pending reports how many transactions this adapter is holding for a
// given segment fingerprint — useful in tests asserting delivery.
func (a *MemoryAdapter) Pending(fingerprint string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[fingerprint]
	if !ok {
		return 0
	}
	return q.Len()
}

// Take drains and returns everything queued for fingerprint.
func (a *MemoryAdapter) Take(fingerprint string) []*txn.Transaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[fingerprint]
	if !ok {
		return nil
	}
	return q.DrainAll()
}
