package segmenter

import "time"

// KeyInfoSummary is one KeyInfo's entry in the state document.
type KeyInfoSummary struct {
	Key                string     `json:"key"`
	SegmentFingerprint string     `json:"segment_fingerprint,omitempty"`
	LookingUp          bool       `json:"looking_up"`
	RejectionActive    bool       `json:"rejection_active"`
	LastErrorMessage   string     `json:"last_error_message,omitempty"`
	LastLookupSuccess  *time.Time `json:"last_lookup_success,omitempty"`
	LastLookupError    *time.Time `json:"last_lookup_error,omitempty"`
	NextRefresh        *time.Time `json:"next_refresh,omitempty"`
}

// SegmentSummary is one Segment's entry in the state document.
type SegmentSummary struct {
	Fingerprint          string `json:"fingerprint"`
	BytesIncoming        int    `json:"bytes_incoming"`
	CountIncoming        int    `json:"count_incoming"`
	ScheduledForBatching bool   `json:"scheduled_for_batching"`
	Refs                 int    `json:"refs"`
	ForwardAnchor        string `json:"forward_anchor,omitempty"`
}

// State is the structured document returned by Engine.State (spec §4.7).
type State struct {
	BytesQueued int `json:"bytes_queued"`
	CountQueued int `json:"count_queued"`
	PeakSize    int `json:"peak_size"`
	Limit       int `json:"limit"`

	BytesForwarded int `json:"bytes_forwarded"`
	CountForwarded int `json:"count_forwarded"`
	BytesDropped   int `json:"bytes_dropped"`
	CountDropped   int `json:"count_dropped"`

	NextRefreshTime          *time.Time `json:"next_refresh_time,omitempty"`
	LookupLatencyEWMASeconds *float64   `json:"lookup_latency_ewma_seconds,omitempty"`
	LastErrorTime            *time.Time `json:"last_error_time,omitempty"`
	LastErrorMessage         string     `json:"last_error_message,omitempty"`

	Segments        []SegmentSummary `json:"segments"`
	KeyInfos        []KeyInfoSummary `json:"key_infos"`
	InFlightLookups []string         `json:"in_flight_lookups"`

	GlobalForwardAnchor string `json:"global_forward_anchor,omitempty"`
}

func (e *Engine) buildState() State {
	snap := e.stats.Snapshot()

	s := State{
		BytesQueued:              e.holding.Bytes(),
		CountQueued:              e.holding.Count(),
		PeakSize:                 snap.PeakSize,
		Limit:                    e.holding.Limit,
		BytesForwarded:           snap.BytesForwarded,
		CountForwarded:           snap.CountForwarded,
		BytesDropped:             snap.BytesDropped,
		CountDropped:             snap.CountDropped,
		LookupLatencyEWMASeconds: snap.LookupLatencyEWMASecs,
		LastErrorTime:            snap.LastErrorTime,
		LastErrorMessage:         snap.LastErrorMessage,
		InFlightLookups:          e.manifestClient.InFlightKeys(),
		GlobalForwardAnchor:      e.stats.GlobalForwardAnchor(),
	}

	var earliest *time.Time
	for _, info := range e.directory.All() {
		var next *time.Time
		if n := info.NextRefresh(); !n.IsZero() {
			t := n
			next = &t
			if earliest == nil || t.Before(*earliest) {
				earliest = &t
			}
		}

		ki := KeyInfoSummary{
			Key:              string(info.Key),
			LookingUp:        info.LookingUp,
			RejectionActive:  info.RejectionActive,
			LastErrorMessage: info.LastErrorMessage,
			NextRefresh:      next,
		}
		if info.Segment != nil {
			ki.SegmentFingerprint = info.Segment.Fingerprint
		}
		if !info.LastLookupSuccess.IsZero() {
			t := info.LastLookupSuccess
			ki.LastLookupSuccess = &t
		}
		if !info.LastLookupError.IsZero() {
			t := info.LastLookupError
			ki.LastLookupError = &t
		}
		s.KeyInfos = append(s.KeyInfos, ki)
	}
	s.NextRefreshTime = earliest

	for _, seg := range e.registry.All() {
		s.Segments = append(s.Segments, SegmentSummary{
			Fingerprint:          seg.Fingerprint,
			BytesIncoming:        seg.Incoming.Bytes(),
			CountIncoming:        seg.Incoming.Len(),
			ScheduledForBatching: seg.ScheduledForBatching,
			Refs:                 seg.Refs(),
			ForwardAnchor:        e.stats.ForwardAnchor(seg.Fingerprint),
		})
	}

	return s
}
