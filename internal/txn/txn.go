// Package txn defines the Transaction type that flows through the
// segmenter, and a FIFO queue with O(1) append/pop-front used by the
// Holding Queue and each Segment's incoming list.
package txn

import "container/list"

// Transaction is opaque telemetry carried by the segmenter: an immutable
// routing key and a body of known length. Ownership moves by reference as
// it passes from the ingest frontend into the segmenter and on to the
// Batcher; nothing here copies Body.
type Transaction struct {
	Key  []byte
	Body []byte
}

// New builds a Transaction. Key and Body are retained, not copied.
func New(key, body []byte) *Transaction {
	return &Transaction{Key: key, Body: body}
}

// Size returns the transaction's body size in bytes.
func (t *Transaction) Size() int {
	return len(t.Body)
}

// Queue is a FIFO of *Transaction with running byte/count
// totals. The zero value is an empty, ready-to-use queue.
type Queue struct {
	l     list.List
	bytes int
}

// PushBack appends t to the tail of the queue.
func (q *Queue) PushBack(t *Transaction) {
	q.l.PushBack(t)
	q.bytes += t.Size()
}

// PushFront inserts t at the head of the queue.
func (q *Queue) PushFront(t *Transaction) {
	q.l.PushFront(t)
	q.bytes += t.Size()
}

// PopFront removes and returns the transaction at the head of the queue,
// or nil if the queue is empty.
func (q *Queue) PopFront() *Transaction {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	t := e.Value.(*Transaction)
	q.bytes -= t.Size()
	return t
}

// Len returns the number of transactions currently queued.
func (q *Queue) Len() int { return q.l.Len() }

// Bytes returns the sum of body sizes currently queued.
func (q *Queue) Bytes() int { return q.bytes }

// DrainMatching removes, in FIFO order, every transaction for which match
// returns true, leaving the rest of the queue untouched and in order.
func (q *Queue) DrainMatching(match func(*Transaction) bool) []*Transaction {
	var out []*Transaction
	var next *list.Element
	for e := q.l.Front(); e != nil; e = next {
		next = e.Next()
		t := e.Value.(*Transaction)
		if match(t) {
			q.l.Remove(e)
			q.bytes -= t.Size()
			out = append(out, t)
		}
	}
	return out
}

// DrainAll removes and returns every queued transaction in FIFO order.
func (q *Queue) DrainAll() []*Transaction {
	out := make([]*Transaction, 0, q.l.Len())
	for {
		t := q.PopFront()
		if t == nil {
			return out
		}
		out = append(out, t)
	}
}

// SumBytes totals the body size of a transaction slice.
func SumBytes(ts []*Transaction) int {
	n := 0
	for _, t := range ts {
		n += t.Size()
	}
	return n
}
