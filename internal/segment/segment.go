// Package segment implements Segment and the Segment Registry (spec §3,
// §4.3): the unit of batching shared by every routing key whose manifest
// resolution serializes to the same endpoint-set fingerprint.
package segment

import "github.com/ruleless/ustsegmenter/internal/txn"

// Segment is the set of transactions sharing one endpoint-set fingerprint.
// It is co-owned by the Registry (map entry) and, weakly, by every KeyInfo
// currently bound to it; boundKeyInfos tracks the latter so the Registry
// knows when it is safe to drop its own reference.
type Segment struct {
	// Fingerprint is the canonical serialization of the resolved targets
	// array. Immutable for the Segment's lifetime; Segment identity.
	Fingerprint string

	// Incoming is the FIFO of transactions collected since the last
	// forward to the Batcher.
	Incoming txn.Queue

	// ScheduledForBatching is the idempotency flag guarding the
	// to-forward list: true from the moment a Segment is first touched in
	// a schedule/completion tick until the Batcher adapter returns.
	ScheduledForBatching bool

	boundKeyInfos int
}

// New creates an unbound Segment for the given fingerprint.
func New(fingerprint string) *Segment {
	return &Segment{Fingerprint: fingerprint}
}

// Bind records that one more KeyInfo now references this Segment.
func (s *Segment) Bind() { s.boundKeyInfos++ }

// Unbind records that one KeyInfo no longer references this Segment and
// returns the remaining reference count.
func (s *Segment) Unbind() int {
	s.boundKeyInfos--
	return s.boundKeyInfos
}

// Refs reports how many KeyInfos are currently bound to this Segment.
func (s *Segment) Refs() int { return s.boundKeyInfos }

// Registry maps segment fingerprint to Segment and owns each Segment's
// lifetime: a Segment is removed once no KeyInfo references it (spec §3).
// A map is used as a minor optimization over the source's linear scan;
// spec §4.3 explicitly allows this.
type Registry struct {
	byFingerprint map[string]*Segment
}

// NewRegistry creates an empty Segment Registry.
func NewRegistry() *Registry {
	return &Registry{byFingerprint: make(map[string]*Segment)}
}

// Find returns the Segment for fingerprint, or nil if none is registered.
func (r *Registry) Find(fingerprint string) *Segment {
	return r.byFingerprint[fingerprint]
}

// FindOrCreate returns the existing Segment for fingerprint, or inserts and
// returns a freshly created one. The second return reports whether a new
// Segment was created.
func (r *Registry) FindOrCreate(fingerprint string) (*Segment, bool) {
	if s, ok := r.byFingerprint[fingerprint]; ok {
		return s, false
	}
	s := New(fingerprint)
	r.byFingerprint[fingerprint] = s
	return s, true
}

// Release drops the Registry's own reference to s once no KeyInfo is bound
// to it anymore. No-op if s still has bound KeyInfos.
func (r *Registry) Release(s *Segment) {
	if s.Refs() == 0 {
		delete(r.byFingerprint, s.Fingerprint)
	}
}

// Len returns the number of distinct Segments currently registered.
func (r *Registry) Len() int { return len(r.byFingerprint) }

// All returns every registered Segment, in no particular order.
func (r *Registry) All() []*Segment {
	out := make([]*Segment, 0, len(r.byFingerprint))
	for _, s := range r.byFingerprint {
		out = append(out, s)
	}
	return out
}
