// Package holding implements the Holding Queue (spec §3, C3): the bounded
// FIFO of transactions awaiting their first key resolution.
package holding

import "github.com/ruleless/ustsegmenter/internal/txn"

// Queue is the process-wide Holding Queue. Limit is the configured byte
// bound (union_station_segmenter_buffer_limit, spec §6.2); the Segmenter
// Engine is responsible for refusing any transaction whose Push would take
// Bytes() past Limit — this type only tracks contents and totals.
type Queue struct {
	q     txn.Queue
	Limit int
}

// New creates a Holding Queue with the given byte limit.
func New(limit int) *Queue {
	return &Queue{Limit: limit}
}

// Push appends t to the tail of the Holding Queue.
func (q *Queue) Push(t *txn.Transaction) { q.q.PushBack(t) }

// Bytes returns bytes_queued: the sum of body sizes currently held.
func (q *Queue) Bytes() int { return q.q.Bytes() }

// Count returns count_queued: the number of transactions currently held.
func (q *Queue) Count() int { return q.q.Len() }

// DrainMatching removes every queued transaction for which match returns
// true, in FIFO order, leaving the rest of the queue untouched.
func (q *Queue) DrainMatching(match func(*txn.Transaction) bool) []*txn.Transaction {
	return q.q.DrainMatching(match)
}

// DrainAll empties the queue and returns everything it held, in FIFO order.
// Used on shutdown (spec §5): the Holding Queue is drained and its
// transactions destroyed.
func (q *Queue) DrainAll() []*txn.Transaction {
	return q.q.DrainAll()
}
