package segmenter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruleless/ustsegmenter/internal/batcher"
	"github.com/ruleless/ustsegmenter/internal/keyinfo"
	"github.com/ruleless/ustsegmenter/internal/manifest"
	"github.com/ruleless/ustsegmenter/internal/observability"
	"github.com/ruleless/ustsegmenter/internal/txn"
)

// responder produces the HTTP response for one key. A nil responder blocks
// until the request's context is cancelled (simulating a lookup that never
// completes during the test window).
type responder func(w http.ResponseWriter, r *http.Request)

type fakeManifest struct {
	mu        sync.Mutex
	seenOrder []string
	overrides map[string]responder
}

func newFakeManifest() *fakeManifest {
	return &fakeManifest{overrides: make(map[string]responder)}
}

func (f *fakeManifest) set(key string, r responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[key] = r
}

func (f *fakeManifest) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.seenOrder))
	copy(out, f.seenOrder)
	return out
}

func (f *fakeManifest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	f.mu.Lock()
	f.seenOrder = append(f.seenOrder, key)
	override := f.overrides[key]
	f.mu.Unlock()

	if override != nil {
		override(w, r)
		return
	}
	<-r.Context().Done()
}

func okResponse(baseURL string, weight int) responder {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status": "ok",
			"targets": []map[string]any{
				{"base_url": baseURL, "weight": weight},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

// okResponseFastRefresh is okResponse but asks for an immediate (0s, rounded
// up to the next 5s coalescing boundary) healthy-cadence refresh, so tests
// can observe a refresh-triggered rebind without waiting out the real
// 300s default.
func okResponseFastRefresh(baseURL string, weight int) responder {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status": "ok",
			"targets": []map[string]any{
				{"base_url": baseURL, "weight": weight},
			},
			"retry_in": map[string]any{"all_healthy": 0},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func errorResponse(message string) responder {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "error", "message": message}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func transportFailure() responder {
	return func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		conn.Close()
	}
}

type testHarness struct {
	engine  *Engine
	fake    *fakeManifest
	server  *httptest.Server
	batcher *batcher.MemoryAdapter
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, holdingLimit int) *testHarness {
	t.Helper()

	fake := newFakeManifest()
	server := httptest.NewServer(fake)

	client := manifest.NewClient(server.URL, zerolog.Nop())
	mem := batcher.NewMemoryAdapter()
	stats := observability.NewStats(nil)
	engine := New(client, mem, holdingLimit, keyinfo.DefaultRefreshHealthy, keyinfo.DefaultRefreshErrors, stats, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	h := &testHarness{engine: engine, fake: fake, server: server, batcher: mem, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
		server.Close()
	})
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func mustState(t *testing.T, h *testHarness) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := h.engine.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return s
}

func txns(specs ...[2]string) []*txn.Transaction {
	out := make([]*txn.Transaction, len(specs))
	for i, s := range specs {
		out[i] = txn.New([]byte(s[0]), []byte(s[1]))
	}
	return out
}

func schedule(t *testing.T, h *testHarness, ts []*txn.Transaction) (int, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, c, err := h.engine.Schedule(ctx, ts)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	return b, c
}

// Seed scenario 1 (spec §8): unknown keys queue and trigger lookups.
func TestUnknownKeysQueueAndTriggerLookups(t *testing.T) {
	h := newHarness(t, 1024)

	b, c := schedule(t, h, txns(
		[2]string{"k1", "1234"},
		[2]string{"k1", "5678"},
		[2]string{"k2", "9999"},
		[2]string{"k3", "0000"},
	))
	if b != 16 || c != 4 {
		t.Fatalf("accepted = (%d, %d), want (16, 4)", b, c)
	}

	waitFor(t, time.Second, func() bool { return len(h.fake.seen()) >= 3 })
	seen := h.fake.seen()
	if len(seen) != 3 || seen[0] != "k1" || seen[1] != "k2" || seen[2] != "k3" {
		t.Fatalf("lookup order = %v, want [k1 k2 k3]", seen)
	}

	s := mustState(t, h)
	if s.CountQueued != 4 {
		t.Fatalf("CountQueued = %d, want 4", s.CountQueued)
	}
}

// Seed scenario 2: a key already bound to a Segment forwards directly.
func TestKnownKeyForwardsDirectly(t *testing.T) {
	h := newHarness(t, 1024)
	h.fake.set("k1", okResponse("a", 1))

	schedule(t, h, txns([2]string{"k1", "boot"}))
	waitFor(t, time.Second, func() bool {
		return h.batcher.Pending(manifest.Fingerprint([]manifest.Target{{BaseURL: "a", Weight: 1}})) > 0
	})
	fp := manifest.Fingerprint([]manifest.Target{{BaseURL: "a", Weight: 1}})
	h.batcher.Take(fp) // drain the bootstrap forward so Pending starts at 0

	b, c := schedule(t, h, txns(
		[2]string{"k1", "aaaa"},
		[2]string{"k1", "bbbb"},
	))
	if b != 8 || c != 2 {
		t.Fatalf("accepted = (%d, %d), want (8, 2)", b, c)
	}

	s := mustState(t, h)
	if s.CountQueued != 0 {
		t.Fatalf("CountQueued = %d, want 0", s.CountQueued)
	}
	if h.batcher.Pending(fp) != 2 {
		t.Fatalf("batcher pending = %d, want 2", h.batcher.Pending(fp))
	}
	for _, seg := range s.Segments {
		if seg.Fingerprint == fp && seg.ScheduledForBatching {
			t.Fatalf("segment still scheduled_for_batching after forward")
		}
	}
}

// Seed scenario 3: overload drops the newest transactions.
func TestOverloadDropsNewest(t *testing.T) {
	h := newHarness(t, 8)

	b, c := schedule(t, h, txns(
		[2]string{"ka", "aaaa"},
		[2]string{"kb", "bbbb"},
		[2]string{"kc", "cccc"},
	))
	if b != 8 || c != 2 {
		t.Fatalf("accepted = (%d, %d), want (8, 2)", b, c)
	}

	s := mustState(t, h)
	if s.BytesQueued != 8 {
		t.Fatalf("BytesQueued = %d, want 8", s.BytesQueued)
	}
	if s.CountDropped != 1 || s.BytesDropped != 4 {
		t.Fatalf("dropped = (%d, %d), want (4, 1)", s.BytesDropped, s.CountDropped)
	}
}

// Seed scenario 4: a transport failure on a key's first lookup drops its
// queued transactions and reschedules at the error cadence.
func TestTransportFailureDropsQueuedTransactions(t *testing.T) {
	h := newHarness(t, 1024)
	h.fake.set("k1", transportFailure())

	schedule(t, h, txns([2]string{"k1", "body"}))

	waitFor(t, time.Second, func() bool {
		return mustState(t, h).CountDropped == 1
	})

	s := mustState(t, h)
	if s.CountQueued != 0 {
		t.Fatalf("CountQueued = %d, want 0", s.CountQueued)
	}
	if s.NextRefreshTime == nil {
		t.Fatalf("NextRefreshTime is nil, want set")
	}
	if s.NextRefreshTime.Second()%5 != 0 {
		t.Fatalf("NextRefreshTime not rounded to a multiple of 5s: %v", s.NextRefreshTime)
	}
}

// Seed scenario 5: a successful lookup drains the Holding Queue into a new
// Segment and forwards it once.
func TestSuccessfulLookupDrainsQueueAndForwardsSegment(t *testing.T) {
	h := newHarness(t, 1024)
	h.fake.set("k1", okResponse("a", 1))

	schedule(t, h, txns(
		[2]string{"k1", "1111"},
		[2]string{"k1", "2222"},
		[2]string{"k1", "3333"},
	))

	fp := manifest.Fingerprint([]manifest.Target{{BaseURL: "a", Weight: 1}})
	waitFor(t, time.Second, func() bool { return h.batcher.Pending(fp) == 3 })

	s := mustState(t, h)
	if s.CountQueued != 0 {
		t.Fatalf("CountQueued = %d, want 0", s.CountQueued)
	}
	found := false
	for _, seg := range s.Segments {
		if seg.Fingerprint == fp {
			found = true
		}
	}
	if !found {
		t.Fatalf("segment %q not present in state", fp)
	}
}

// Seed scenario 6: a second lookup with a different manifest rebinds the key
// to a (possibly new) Segment without moving any already-forwarded payload.
func TestKeyRebindingWithoutPayloadMovement(t *testing.T) {
	h := newHarness(t, 1024)
	h.fake.set("k1", okResponseFastRefresh("a", 1))

	schedule(t, h, txns([2]string{"k1", "1111"}))
	fpOld := manifest.Fingerprint([]manifest.Target{{BaseURL: "a", Weight: 1}})
	waitFor(t, time.Second, func() bool { return h.batcher.Pending(fpOld) == 1 })
	h.batcher.Take(fpOld)

	// The refresh cadence requested above (rounded up to the next 5s
	// coalescing boundary) fires the Refresh Scheduler on its own; swap in
	// a different manifest before it does so the resulting lookup rebinds
	// k1 to a new fingerprint.
	h.fake.set("k1", okResponse("b", 2))

	fpNew := manifest.Fingerprint([]manifest.Target{{BaseURL: "b", Weight: 2}})
	waitFor(t, 6*time.Second, func() bool {
		s := mustState(t, h)
		for _, ki := range s.KeyInfos {
			if ki.Key == "k1" && ki.SegmentFingerprint == fpNew {
				return true
			}
		}
		return false
	})

	s := mustState(t, h)
	for _, seg := range s.Segments {
		if seg.Fingerprint == fpOld && seg.CountIncoming != 0 {
			t.Fatalf("old segment gained transactions on rebind")
		}
	}
}

// Supplemental scenario: two distinct keys whose manifests resolve to the
// same fingerprint share one Segment.
func TestDistinctKeysShareFingerprint(t *testing.T) {
	h := newHarness(t, 1024)
	h.fake.set("k1", okResponse("shared", 1))
	h.fake.set("k2", okResponse("shared", 1))

	schedule(t, h, txns([2]string{"k1", "aaaa"}, [2]string{"k2", "bbbb"}))

	fp := manifest.Fingerprint([]manifest.Target{{BaseURL: "shared", Weight: 1}})
	waitFor(t, time.Second, func() bool { return h.batcher.Pending(fp) == 2 })

	s := mustState(t, h)
	segCount := 0
	for _, seg := range s.Segments {
		if seg.Fingerprint == fp {
			segCount++
			if seg.Refs != 2 {
				t.Fatalf("refs = %d, want 2", seg.Refs)
			}
		}
	}
	if segCount != 1 {
		t.Fatalf("expected exactly one segment for shared fingerprint, got %d", segCount)
	}
}

// Supplemental scenario: a key rebind that changes fingerprint leaves a
// second key sharing the original Segment untouched (partial migration).
func TestKeyRebindPartialMigration(t *testing.T) {
	h := newHarness(t, 1024)
	h.fake.set("k1", okResponseFastRefresh("shared", 1))
	h.fake.set("k2", okResponse("shared", 1))

	schedule(t, h, txns([2]string{"k1", "aaaa"}, [2]string{"k2", "bbbb"}))

	fpShared := manifest.Fingerprint([]manifest.Target{{BaseURL: "shared", Weight: 1}})
	waitFor(t, time.Second, func() bool { return h.batcher.Pending(fpShared) == 2 })
	h.batcher.Take(fpShared)

	s := mustState(t, h)
	for _, seg := range s.Segments {
		if seg.Fingerprint == fpShared && seg.Refs != 2 {
			t.Fatalf("refs on shared segment = %d, want 2 before rebind", seg.Refs)
		}
	}

	// k1 requested a fast refresh; swap in a different manifest for it alone
	// so the resulting lookup rebinds only k1 to a new fingerprint.
	h.fake.set("k1", okResponse("other", 9))
	fpNew := manifest.Fingerprint([]manifest.Target{{BaseURL: "other", Weight: 9}})

	waitFor(t, 6*time.Second, func() bool {
		s := mustState(t, h)
		for _, ki := range s.KeyInfos {
			if ki.Key == "k1" && ki.SegmentFingerprint == fpNew {
				return true
			}
		}
		return false
	})

	s = mustState(t, h)
	for _, ki := range s.KeyInfos {
		if ki.Key == "k2" && ki.SegmentFingerprint != fpShared {
			t.Fatalf("k2 fingerprint = %s, want unchanged %s", ki.SegmentFingerprint, fpShared)
		}
	}
	for _, seg := range s.Segments {
		if seg.Fingerprint == fpShared {
			if seg.Refs != 1 {
				t.Fatalf("refs on shared segment = %d, want 1 after k1 migrated away", seg.Refs)
			}
			if seg.CountIncoming != 0 {
				t.Fatalf("shared segment gained transactions on k1's rebind")
			}
		}
	}
}

// Supplemental scenario: a completion for a key the Directory no longer
// recognizes is ignored rather than creating phantom state. Exercised by
// calling the unexported completion handler directly, single-threaded, with
// no Run loop started, so there is no concurrent access to race against.
func TestUnknownKeyCompletionIsIgnored(t *testing.T) {
	client := manifest.NewClient("http://127.0.0.1:0", zerolog.Nop())
	engine := New(client, batcher.NewMemoryAdapter(), 1024, keyinfo.DefaultRefreshHealthy, keyinfo.DefaultRefreshErrors, observability.NewStats(nil), zerolog.Nop())

	engine.handleCompletion(manifest.Completion{
		Key:        []byte("ghost"),
		StartTime:  time.Now(),
		HTTPStatus: http.StatusOK,
		Body:       []byte(`{"status":"ok","targets":[{"base_url":"a","weight":1}]}`),
	})

	if n := engine.directory.Len(); n != 0 {
		t.Fatalf("directory.Len() = %d, want 0 (unknown-key completion must not create a KeyInfo)", n)
	}
}
