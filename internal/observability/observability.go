// Package observability implements C7: counters, peak sizes, last error,
// and the Snapshot of them that the segmenter package's structured
// state-inspection document (spec §4.7) is built from, plus the Prometheus
// export of the same numbers.
package observability

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exported alongside the plain
// state document. Registered once at process startup.
type Metrics struct {
	BytesQueued    prometheus.Gauge
	PeakSizeBytes  prometheus.Gauge
	ForwardedBytes prometheus.Counter
	ForwardedCount prometheus.Counter
	DroppedBytes   prometheus.Counter
	DroppedCount   prometheus.Counter
	LookupLatency  prometheus.Gauge
	KeyInfoTotal   prometheus.Gauge
	SegmentsTotal  prometheus.Gauge
}

// NewMetrics registers the segmenter's Prometheus collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "segmenter", Name: "bytes_queued", Help: "Bytes currently in the Holding Queue.",
		}),
		PeakSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "segmenter", Name: "peak_size_bytes", Help: "High-water mark of queued+incoming bytes observed in a single schedule call.",
		}),
		ForwardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmenter", Name: "forwarded_bytes_total", Help: "Bytes handed to the Batcher with a Segment forward.",
		}),
		ForwardedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmenter", Name: "forwarded_total", Help: "Transactions handed to the Batcher with a Segment forward.",
		}),
		DroppedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmenter", Name: "dropped_bytes_total", Help: "Bytes dropped due to overload or lookup-initiation failure.",
		}),
		DroppedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmenter", Name: "dropped_total", Help: "Transactions dropped due to overload or lookup-initiation failure.",
		}),
		LookupLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "segmenter", Name: "lookup_latency_ewma_seconds", Help: "Exponentially-weighted moving average of manifest lookup latency (factor 0.5).",
		}),
		KeyInfoTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "segmenter", Name: "keyinfo_total", Help: "Distinct routing keys ever seen.",
		}),
		SegmentsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "segmenter", Name: "segments_total", Help: "Segments currently registered.",
		}),
	}
	reg.MustRegister(
		m.BytesQueued, m.PeakSizeBytes, m.ForwardedBytes, m.ForwardedCount,
		m.DroppedBytes, m.DroppedCount, m.LookupLatency, m.KeyInfoTotal, m.SegmentsTotal,
	)
	return m
}

// Stats is the engine's running counters. Within this module every
// mutation and every Snapshot happens on the engine's own goroutine (the
// HTTP surface reaches the state document through Engine.State); the mutex
// makes each method safe to call from any goroutine regardless.
type Stats struct {
	mu sync.Mutex

	peakSize       int
	bytesForwarded int
	countForwarded int
	bytesDropped   int
	countDropped   int

	lookupLatencyEWMA *float64 // seconds

	lastErrorTime    *time.Time
	lastErrorMessage string

	// forwardAnchors is a per-fingerprint rolling hash of every forward
	// event, the audit-trail counterpart to the attestation package's
	// per-forward signatures: a cheap, append-only digest an operator can
	// compare across two points in time to confirm nothing was replayed or
	// reordered, without keeping the full forward history around.
	forwardAnchors map[string][32]byte

	metrics *Metrics
}

// NewStats creates a Stats tracker, optionally exporting to Prometheus
// metrics (nil is allowed — useful in tests).
func NewStats(metrics *Metrics) *Stats {
	return &Stats{metrics: metrics, forwardAnchors: make(map[string][32]byte)}
}

// UpdatePeak raises the recorded peak_size if candidate exceeds it.
func (s *Stats) UpdatePeak(candidate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if candidate > s.peakSize {
		s.peakSize = candidate
		if s.metrics != nil {
			s.metrics.PeakSizeBytes.Set(float64(s.peakSize))
		}
	}
}

// AddForwarded accumulates the forwarded totals (spec §4.1 step 2c).
func (s *Stats) AddForwarded(bytes, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesForwarded += bytes
	s.countForwarded += count
	if s.metrics != nil {
		s.metrics.ForwardedBytes.Add(float64(bytes))
		s.metrics.ForwardedCount.Add(float64(count))
	}
}

// AddDropped accumulates the dropped totals (spec §4.1 step 3, §7).
func (s *Stats) AddDropped(bytes, count int) {
	if count == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesDropped += bytes
	s.countDropped += count
	if s.metrics != nil {
		s.metrics.DroppedBytes.Add(float64(bytes))
		s.metrics.DroppedCount.Add(float64(count))
	}
}

// ObserveLatency folds a fresh lookup latency sample into the EWMA with
// factor 0.5 (spec §4.4 step 2).
func (s *Stats) ObserveLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secs := d.Seconds()
	if s.lookupLatencyEWMA == nil {
		s.lookupLatencyEWMA = &secs
	} else {
		v := 0.5*secs + 0.5*(*s.lookupLatencyEWMA)
		s.lookupLatencyEWMA = &v
	}
	if s.metrics != nil {
		s.metrics.LookupLatency.Set(*s.lookupLatencyEWMA)
	}
}

// SetError records the most recent lookup error (spec §7: "The user-visible
// surfaces are the logged warning/error lines and the state-inspection
// document's last_error_time/last_error_message fields").
func (s *Stats) SetError(at time.Time, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrorTime = &at
	s.lastErrorMessage = message
}

// RecordForward folds one Segment forward event into that fingerprint's
// rolling anchor: rolling' = H(rolling || fingerprint || bytes || count ||
// forwarded_at), mirroring the teacher's per-path QoS rolling hash but
// keyed by segment fingerprint instead of stream path.
func (s *Stats) RecordForward(fingerprint string, bytesForwarded, countForwarded int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.forwardAnchors[fingerprint]
	h := sha256.New()
	h.Write(prev[:])
	h.Write([]byte(fingerprint))

	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], uint64(bytesForwarded))
	h.Write(b8[:])
	binary.BigEndian.PutUint64(b8[:], uint64(countForwarded))
	h.Write(b8[:])
	binary.BigEndian.PutUint64(b8[:], uint64(at.UnixNano()))
	h.Write(b8[:])

	var next [32]byte
	copy(next[:], h.Sum(nil))
	s.forwardAnchors[fingerprint] = next
}

// ForwardAnchor returns the hex-encoded rolling anchor for fingerprint, or
// "" if nothing has ever been forwarded under it.
func (s *Stats) ForwardAnchor(fingerprint string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.forwardAnchors[fingerprint]
	if !ok {
		return ""
	}
	return hex.EncodeToString(a[:])
}

// GlobalForwardAnchor mixes every fingerprint's rolling anchor into a
// single digest, in fingerprint-sorted order for determinism — the
// process-wide analogue of the teacher's global QoS anchor.
func (s *Stats) GlobalForwardAnchor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.forwardAnchors) == 0 {
		return ""
	}
	fingerprints := make([]string, 0, len(s.forwardAnchors))
	for fp := range s.forwardAnchors {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)

	g := sha256.New()
	for _, fp := range fingerprints {
		a := s.forwardAnchors[fp]
		g.Write([]byte(fp))
		g.Write(a[:])
	}
	return hex.EncodeToString(g.Sum(nil))
}

// Snapshot is a point-in-time, lock-free copy of Stats for assembling the
// state document.
type Snapshot struct {
	PeakSize              int
	BytesForwarded        int
	CountForwarded        int
	BytesDropped          int
	CountDropped          int
	LookupLatencyEWMASecs *float64
	LastErrorTime         *time.Time
	LastErrorMessage      string
}

// Snapshot copies out the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		PeakSize:              s.peakSize,
		BytesForwarded:        s.bytesForwarded,
		CountForwarded:        s.countForwarded,
		BytesDropped:          s.bytesDropped,
		CountDropped:          s.countDropped,
		LookupLatencyEWMASecs: s.lookupLatencyEWMA,
		LastErrorTime:         s.lastErrorTime,
		LastErrorMessage:      s.lastErrorMessage,
	}
}

// SetGauges pushes queue/registry sizes that the engine itself doesn't
// accumulate incrementally into the Prometheus gauges.
func (s *Stats) SetGauges(bytesQueued, keyInfoTotal, segmentsTotal int) {
	if s.metrics == nil {
		return
	}
	s.metrics.BytesQueued.Set(float64(bytesQueued))
	s.metrics.KeyInfoTotal.Set(float64(keyInfoTotal))
	s.metrics.SegmentsTotal.Set(float64(segmentsTotal))
}
