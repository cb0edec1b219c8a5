// Package segmenter implements the Segmenter Engine (spec C6): the public
// entry point that routes incoming transactions to a Segment or to the
// Holding Queue, drives the Key Directory, Segment Registry, Manifest
// Client and Refresh Scheduler, and forwards complete Segments to the
// Batcher.
//
// The engine runs as a single goroutine owning all its state (spec §5:
// "single-threaded cooperative"); every external caller — the ingest
// frontend calling Schedule, the HTTP debug surface calling State — talks
// to it over a request/reply channel instead of touching fields directly.
package segmenter

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruleless/ustsegmenter/internal/attestation"
	"github.com/ruleless/ustsegmenter/internal/batcher"
	"github.com/ruleless/ustsegmenter/internal/holding"
	"github.com/ruleless/ustsegmenter/internal/keyinfo"
	"github.com/ruleless/ustsegmenter/internal/manifest"
	"github.com/ruleless/ustsegmenter/internal/observability"
	"github.com/ruleless/ustsegmenter/internal/refresh"
	"github.com/ruleless/ustsegmenter/internal/segment"
	"github.com/ruleless/ustsegmenter/internal/txn"
)

type scheduleRequest struct {
	txns       []*txn.Transaction
	totalBytes int
	reply      chan scheduleResult
}

type scheduleResult struct {
	bytesAccepted int
	countAccepted int
}

type stateRequest struct {
	reply chan State
}

// Engine is the Segmenter's single owning goroutine. Construct with New and
// start with Run; Schedule and State are safe to call concurrently because
// they only ever hand a request across a channel to the Run goroutine.
type Engine struct {
	directory      *keyinfo.Directory
	registry       *segment.Registry
	holding        *holding.Queue
	manifestClient *manifest.Client
	scheduler      *refresh.Scheduler
	batcher        batcher.Adapter
	stats          *observability.Stats
	log            zerolog.Logger

	refreshHealthyDefault time.Duration
	refreshErrorsDefault  time.Duration

	// attestSigner optionally signs a forward attestation for every
	// Segment handed to the Batcher. Nil disables attestation entirely;
	// it is not required for the engine's core contract.
	attestSigner *attestation.Signer
	attestNonce  atomic.Uint64

	requests chan *scheduleRequest
	states   chan *stateRequest
}

// New builds an Engine. holdingLimit is union_station_segmenter_buffer_limit
// (spec §6.2); refreshHealthyDefault/refreshErrorsDefault seed every new
// KeyInfo's refresh cadences (spec §3) before its first lookup completes.
func New(manifestClient *manifest.Client, batcherAdapter batcher.Adapter, holdingLimit int, refreshHealthyDefault, refreshErrorsDefault time.Duration, stats *observability.Stats, log zerolog.Logger) *Engine {
	return &Engine{
		directory:             keyinfo.NewDirectory(),
		registry:              segment.NewRegistry(),
		holding:               holding.New(holdingLimit),
		manifestClient:        manifestClient,
		scheduler:             refresh.New(),
		batcher:               batcherAdapter,
		stats:                 stats,
		log:                   log.With().Str("module", "segmenter").Logger(),
		refreshHealthyDefault: refreshHealthyDefault,
		refreshErrorsDefault:  refreshErrorsDefault,
		requests:              make(chan *scheduleRequest),
		states:                make(chan *stateRequest),
	}
}

// WithAttestation enables signed forward attestations using signer. Call
// before Run; it is not safe to set concurrently with a running engine.
func (e *Engine) WithAttestation(signer *attestation.Signer) *Engine {
	e.attestSigner = signer
	return e
}

// Schedule is the ingest-frontend entry point (spec §4.1): it hands txns to
// the engine goroutine and blocks for the accepted byte/count totals.
func (e *Engine) Schedule(ctx context.Context, txns []*txn.Transaction) (bytesAccepted, countAccepted int, err error) {
	req := &scheduleRequest{
		txns:       txns,
		totalBytes: txn.SumBytes(txns),
		reply:      make(chan scheduleResult, 1),
	}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.bytesAccepted, res.countAccepted, nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// State is the structured state-inspection document (spec §4.7).
func (e *Engine) State(ctx context.Context) (State, error) {
	req := &stateRequest{reply: make(chan State, 1)}
	select {
	case e.states <- req:
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case s := <-req.reply:
		return s, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Run drives the event loop until ctx is cancelled, then shuts down: every
// in-flight manifest lookup is cancelled, the Holding Queue is drained, and
// every Segment is dereferenced (spec §5).
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case req := <-e.requests:
			e.handleSchedule(req)
		case c := <-e.manifestClient.Results():
			e.handleCompletion(c)
		case <-e.scheduler.Fires():
			e.handleRefreshFire()
		case req := <-e.states:
			req.reply <- e.buildState()
		}
	}
}

func (e *Engine) shutdown() {
	e.scheduler.Stop()
	e.manifestClient.Shutdown()
	e.holding.DrainAll()
	for _, s := range e.registry.All() {
		for s.Refs() > 0 {
			s.Unbind()
		}
		e.registry.Release(s)
	}
}

// handleSchedule implements spec §4.1. The loop's admission check departs
// from the spec text's literal "while bytes_queued ≤ limit" in one respect:
// it tests whether *accepting this transaction into the Holding Queue*
// would exceed the limit, not whether the queue was already over it before
// this transaction arrived. The literal reading admits one transaction past
// the limit whenever bytes_queued lands exactly on it, which contradicts
// the scenario in spec §8.3 (two 4-byte transactions exactly fill an
// 8-byte limit and the third is dropped). Transactions that bind directly
// to an already-resolved Segment never consume Holding Queue budget and are
// always admitted.
func (e *Engine) handleSchedule(req *scheduleRequest) {
	txns := req.txns
	e.stats.UpdatePeak(e.holding.Bytes() + req.totalBytes)

	var toForward []*segment.Segment
	bytesAccepted, countAccepted := 0, 0

	i := 0
	for i < len(txns) {
		t := txns[i]

		info, ok := e.directory.FindOrCreate(t.Key, e.refreshHealthyDefault, e.refreshErrorsDefault, e.initiateLookup)
		if !ok {
			break
		}

		if info.Segment != nil {
			seg := info.Segment
			seg.Incoming.PushBack(t)
			if !seg.ScheduledForBatching {
				seg.ScheduledForBatching = true
				toForward = append(toForward, seg)
			}
		} else {
			if e.holding.Bytes()+t.Size() > e.holding.Limit {
				break
			}
			e.holding.Push(t)
		}

		bytesAccepted += t.Size()
		countAccepted++
		i++
	}

	if dropped := txns[i:]; len(dropped) > 0 {
		db, dc := txn.SumBytes(dropped), len(dropped)
		e.stats.AddDropped(db, dc)
		recommended := roundUpToKiB(2 * e.stats.Snapshot().PeakSize)
		e.log.Warn().
			Int("dropped_count", dc).
			Int("dropped_bytes", db).
			Int("recommended_limit_bytes", recommended).
			Msg("holding queue overloaded or lookup initiation failed, dropping newest transactions")
	}

	if len(toForward) > 0 {
		bytesByIndex := make([]int, len(toForward))
		countByIndex := make([]int, len(toForward))
		for idx, seg := range toForward {
			bytesByIndex[idx] = seg.Incoming.Bytes()
			countByIndex[idx] = seg.Incoming.Len()
		}

		e.batcher.Schedule(toForward)

		for idx, seg := range toForward {
			seg.ScheduledForBatching = false
			e.recordForward(seg, bytesByIndex[idx], countByIndex[idx])
		}
	}

	e.stats.SetGauges(e.holding.Bytes(), e.directory.Len(), e.registry.Len())
	req.reply <- scheduleResult{bytesAccepted: bytesAccepted, countAccepted: countAccepted}
}

func (e *Engine) initiateLookup(key []byte) bool {
	return e.manifestClient.InitiateLookup(key)
}

// handleCompletion implements spec §4.4's completion handling.
func (e *Engine) handleCompletion(c manifest.Completion) {
	info := e.directory.Get(c.Key)
	if info == nil {
		// A completion for a key the directory no longer recognizes
		// (there is no eviction, so in practice this means a bug
		// upstream); nothing to update.
		return
	}

	info.LookingUp = false
	e.stats.ObserveLatency(time.Since(c.StartTime))

	if c.TransportErr != nil {
		e.handleLookupFailure(info, c.TransportErr.Error(), nil)
		return
	}

	result, err := manifest.Parse(c.Body)
	if err != nil {
		e.handleLookupFailure(info, err.Error(), nil)
		return
	}
	if c.HTTPStatus != http.StatusOK {
		e.handleLookupFailure(info, fmt.Sprintf("manifest returned http status %d", c.HTTPStatus), result)
		return
	}
	if !result.OK {
		e.handleRejection(info, result)
		return
	}
	e.handleSuccess(info, result)
}

func (e *Engine) handleLookupFailure(info *keyinfo.Info, message string, result *manifest.Result) {
	now := time.Now()
	info.LastLookupError = now
	info.LastErrorMessage = message
	e.stats.SetError(now, message)
	e.log.Warn().Str("key", string(info.Key)).Str("error", message).Msg("manifest lookup failed")

	e.dropHeldIfUnresolved(info)

	if result != nil && result.RetryErrors != nil {
		info.RefreshErrors = *result.RetryErrors
	}
	info.NextRefreshAt = refresh.RoundUp(now.Add(info.RefreshErrors), refresh.CoalesceInterval)
	e.rescheduleRefresh()
}

func (e *Engine) handleRejection(info *keyinfo.Info, result *manifest.Result) {
	now := time.Now()
	info.LastRejection = now
	info.RejectionActive = true
	info.LastErrorMessage = result.Message
	e.stats.SetError(now, result.Message)
	e.log.Warn().
		Str("key", string(info.Key)).
		Str("error_id", result.ErrorID).
		Str("message", result.Message).
		Msg("manifest rejected key")

	e.dropHeldIfUnresolved(info)

	if result.RetryErrors != nil {
		info.RefreshErrors = *result.RetryErrors
	}
	info.NextRefreshAt = refresh.RoundUp(now.Add(info.RefreshErrors), refresh.CoalesceInterval)
	e.rescheduleRefresh()
}

// dropHeldIfUnresolved implements spec §7's distinction: a key that has
// never completed a successful lookup has its matching Holding Queue
// transactions dropped on any error; a key with an already-bound Segment
// keeps its queued transactions untouched (they are not queued at all —
// they already live in that Segment's incoming list).
func (e *Engine) dropHeldIfUnresolved(info *keyinfo.Info) {
	if info.Segment != nil {
		return
	}
	dropped := e.holding.DrainMatching(func(t *txn.Transaction) bool {
		return bytes.Equal(t.Key, info.Key)
	})
	if len(dropped) > 0 {
		e.stats.AddDropped(txn.SumBytes(dropped), len(dropped))
	}
}

func (e *Engine) handleSuccess(info *keyinfo.Info, result *manifest.Result) {
	now := time.Now()
	fp := manifest.Fingerprint(result.Targets)

	if result.RetryHealthy != nil {
		info.RefreshHealthy = *result.RetryHealthy
	}
	if result.RetryErrors != nil {
		info.RefreshErrors = *result.RetryErrors
	}
	info.RejectionActive = false

	switch {
	case info.Segment == nil:
		seg, _ := e.registry.FindOrCreate(fp)
		seg.Bind()
		info.Segment = seg

		matching := e.holding.DrainMatching(func(t *txn.Transaction) bool {
			return bytes.Equal(t.Key, info.Key)
		})
		for _, t := range matching {
			seg.Incoming.PushBack(t)
		}
		e.forwardSegment(seg)

	case info.Segment.Fingerprint != fp:
		oldSeg := info.Segment
		newSeg, _ := e.registry.FindOrCreate(fp)
		newSeg.Bind()
		info.Segment = newSeg
		if oldSeg.Unbind() == 0 {
			e.registry.Release(oldSeg)
		}
		// Transactions already queued on oldSeg stay there; they were
		// already handed downstream on a prior forward (spec §4.4 step 5).

	default:
		// Same fingerprint: nothing to move, only metadata refreshed above.
	}

	info.LastLookupSuccess = now
	info.NextRefreshAt = refresh.RoundUp(now.Add(info.RefreshHealthy), refresh.CoalesceInterval)
	e.rescheduleRefresh()
}

// forwardSegment hands a single newly-resolved Segment to the Batcher
// outside the schedule() to-forward batching (spec §4.4 step 5's own
// forward, distinct from §4.1 step 4's).
func (e *Engine) forwardSegment(seg *segment.Segment) {
	bytesForwarded := seg.Incoming.Bytes()
	countForwarded := seg.Incoming.Len()

	seg.ScheduledForBatching = true
	e.batcher.Schedule([]*segment.Segment{seg})
	seg.ScheduledForBatching = false

	e.recordForward(seg, bytesForwarded, countForwarded)
}

// recordForward asserts that the Batcher drained seg's incoming queue
// (panicking if it did not), accumulates the forwarded totals, folds the
// event into that fingerprint's rolling forward anchor, and — if
// attestation is enabled — signs a record of the forward.
func (e *Engine) recordForward(seg *segment.Segment, bytesForwarded, countForwarded int) {
	if n := seg.Incoming.Len(); n != 0 {
		panic(fmt.Sprintf("segmenter: batcher left %d transactions in segment %q", n, seg.Fingerprint))
	}
	if countForwarded == 0 {
		return
	}
	now := time.Now()
	e.stats.AddForwarded(bytesForwarded, countForwarded)
	e.stats.RecordForward(seg.Fingerprint, bytesForwarded, countForwarded, now)

	if e.attestSigner == nil {
		return
	}
	nonce := e.attestNonce.Add(1)
	att, err := e.attestSigner.Attest(seg.Fingerprint, bytesForwarded, countForwarded, now, nonce)
	if err != nil {
		e.log.Warn().Err(err).Str("fingerprint", seg.Fingerprint).Msg("failed to sign forward attestation")
		return
	}
	e.log.Debug().
		Str("fingerprint", att.Fingerprint).
		Int64("bytes", att.BytesForwarded).
		Int64("count", att.CountForwarded).
		Uint64("nonce", att.Nonce).
		Msg("forward attestation signed")
}

// handleRefreshFire implements spec §4.5's timer-fire behavior: initiate a
// lookup for every eligible KeyInfo, then recompute the next deadline.
func (e *Engine) handleRefreshFire() {
	now := time.Now()
	for _, info := range e.directory.All() {
		if info.LookingUp {
			continue
		}
		if info.NextRefreshAt.IsZero() || info.NextRefreshAt.After(now) {
			continue
		}
		if e.manifestClient.InitiateLookup(info.Key) {
			info.LookingUp = true
		}
	}
	e.rescheduleRefresh()
}

// rescheduleRefresh recomputes the earliest eligible deadline across every
// KeyInfo and arms/disarms/leaves-alone the Refresh Scheduler accordingly.
func (e *Engine) rescheduleRefresh() {
	var next time.Time
	for _, info := range e.directory.All() {
		if info.LookingUp {
			continue
		}
		d := info.NextRefreshAt
		if d.IsZero() {
			continue
		}
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	e.scheduler.Reschedule(next)
}

func roundUpToKiB(n int) int {
	if n <= 0 {
		return 0
	}
	const kib = 1024
	return ((n + kib - 1) / kib) * kib
}
