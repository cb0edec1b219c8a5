// Package keyinfo implements KeyInfo and the Key Directory (spec §3, §4.2):
// the per-routing-key cache of manifest resolution state.
package keyinfo

import (
	"time"

	"github.com/ruleless/ustsegmenter/internal/segment"
)

// Default refresh cadences (spec §3): 300s when healthy, 60s on error.
const (
	DefaultRefreshHealthy = 300 * time.Second
	DefaultRefreshErrors  = 60 * time.Second
)

// Info is the cached manifest state for one routing key. It lives for the
// process lifetime of the segmenter once created; the Directory never
// evicts it (spec §3).
type Info struct {
	// Key is immutable after creation.
	Key []byte

	// Segment is the currently bound Segment, or nil until the first
	// successful resolution completes.
	Segment *segment.Segment

	LastLookupSuccess time.Time
	LastLookupError   time.Time
	LastRejection     time.Time

	RefreshHealthy time.Duration
	RefreshErrors  time.Duration

	LastErrorMessage string
	RejectionActive  bool

	// LookingUp is true while a manifest lookup is in flight for this
	// key; it is the mutual-exclusion guarantee of spec §3 — at most one
	// in-flight lookup per key.
	LookingUp bool

	// NextRefreshAt is the deadline the Refresh Scheduler should use for
	// this key once LookingUp is false. It is maintained explicitly by
	// whichever transition (success / rejection / transport failure)
	// last touched this KeyInfo — see DESIGN.md for why this is kept as
	// an explicit field rather than derived purely from
	// RejectionActive/LastRejection/LastLookupSuccess as spec §4.5's
	// prose formula suggests.
	NextRefreshAt time.Time
}

// NextRefresh returns this KeyInfo's next scheduled refresh deadline, or
// the zero Time if it is not currently eligible (a lookup is in flight).
func (i *Info) NextRefresh() time.Time {
	if i.LookingUp {
		return time.Time{}
	}
	return i.NextRefreshAt
}

// Directory maps routing key -> *Info. It is never shrunk (spec §3).
type Directory struct {
	byKey map[string]*Info
}

// NewDirectory creates an empty Key Directory.
func NewDirectory() *Directory {
	return &Directory{byKey: make(map[string]*Info)}
}

// Get returns the Info for key, or nil if key has never been seen.
func (d *Directory) Get(key []byte) *Info {
	return d.byKey[string(key)]
}

// FindOrCreate looks up key; if present, it is returned unconditionally.
// Otherwise a fresh Info is built with the given default refresh cadences
// and initiate(key) is called to kick off the first manifest lookup. If
// initiate returns false the Info is discarded (not inserted) and
// (nil, false) is returned, so the caller can treat the current
// transaction as droppable and retry initiation on the next sighting of
// the same key (spec §4.2).
func (d *Directory) FindOrCreate(key []byte, healthyDefault, errorsDefault time.Duration, initiate func([]byte) bool) (*Info, bool) {
	if info, ok := d.byKey[string(key)]; ok {
		return info, true
	}
	info := &Info{
		Key:            append([]byte(nil), key...),
		RefreshHealthy: healthyDefault,
		RefreshErrors:  errorsDefault,
	}
	if !initiate(key) {
		return nil, false
	}
	info.LookingUp = true
	d.byKey[string(key)] = info
	return info, true
}

// Len returns the number of distinct keys ever seen.
func (d *Directory) Len() int { return len(d.byKey) }

// All returns every KeyInfo, in no particular order.
func (d *Directory) All() []*Info {
	out := make([]*Info, 0, len(d.byKey))
	for _, info := range d.byKey {
		out = append(out, info)
	}
	return out
}
