package manifest

import (
	"container/list"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// userAgent identifies this product and version in every manifest request,
// the Go-native equivalent of the source's CURLOPT_USERAGENT setting.
const userAgent = "ustsegmenter/1.0"

// Completion is what the transport reports back to the engine when a
// lookup finishes — the Go analogue of apiLookupFinished(key, start_time,
// transport_code, http_status, body, error_text) from spec §4.4.
type Completion struct {
	Key          []byte
	LookupID     uuid.UUID
	StartTime    time.Time
	TransportErr error
	HTTPStatus   int
	Body         []byte
}

type inFlight struct {
	key    []byte
	cancel context.CancelFunc
}

// Client launches and completes one asynchronous HTTP lookup per key
// (spec C4, §4.4). The only resource it shares with the rest of the
// process is the underlying HTTP transport (spec §5); inFlight and its
// mutex guard that shared state between the engine goroutine (which calls
// InitiateLookup and Shutdown) and the per-lookup goroutines this Client
// spawns.
type Client struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger

	results chan Completion

	mu       sync.Mutex
	inFlight *list.List // of *inFlight
}

// NewClient builds a Manifest Client targeting apiURL. The transport is
// configured for HTTP/2 multiplexing and follows redirects, matching spec
// §6.1's CURLOPT_HTTP_VERSION_2 / CURLOPT_FOLLOWLOCATION behavior.
func NewClient(apiURL string, log zerolog.Logger) *Client {
	transport := &http.Transport{}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn().Err(err).Msg("manifest: http/2 not available, falling back to http/1.1")
	}
	return &Client{
		url: apiURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
		log:      log.With().Str("module", "manifest").Logger(),
		results:  make(chan Completion, 64),
		inFlight: list.New(),
	}
}

// Results is the channel the engine selects on for lookup completions.
func (c *Client) Results() <-chan Completion { return c.results }

// InitiateLookup starts an asynchronous GET against the manifest URL for
// key. It returns false on immediate failure (bad URL, transport refused
// the enqueue) without registering anything; true once the lookup is
// in flight. The caller (Key Directory / Refresh Scheduler) is responsible
// for setting the owning KeyInfo's LookingUp flag.
func (c *Client) InitiateLookup(key []byte) bool {
	ctx, cancel := context.WithCancel(context.Background())

	reqURL, err := url.Parse(c.url)
	if err != nil {
		cancel()
		return false
	}
	q := reqURL.Query()
	q.Set("key", string(key))
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		cancel()
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	fi := &inFlight{key: append([]byte(nil), key...), cancel: cancel}
	c.mu.Lock()
	elem := c.inFlight.PushBack(fi)
	c.mu.Unlock()

	lookupID := uuid.New()
	start := time.Now()

	go func() {
		resp, doErr := c.httpClient.Do(req)

		var status int
		var body []byte
		if doErr == nil {
			status = resp.StatusCode
			body, doErr = io.ReadAll(resp.Body)
			resp.Body.Close()
		}

		c.mu.Lock()
		c.inFlight.Remove(elem)
		c.mu.Unlock()
		cancel()

		c.results <- Completion{
			Key:          fi.key,
			LookupID:     lookupID,
			StartTime:    start,
			TransportErr: doErr,
			HTTPStatus:   status,
			Body:         body,
		}
	}()

	return true
}

// InFlightKeys returns the routing keys with a lookup currently in flight,
// for the state-inspection document (spec §4.7).
func (c *Client) InFlightKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.inFlight.Len())
	for e := c.inFlight.Front(); e != nil; e = e.Next() {
		out = append(out, string(e.Value.(*inFlight).key))
	}
	return out
}

// InFlightCount reports how many lookups are currently in flight.
func (c *Client) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight.Len()
}

// Shutdown removes every in-flight handle from the transport by cancelling
// its context (spec §5: "every in-flight handle is removed from the
// transport, its per-transfer state is released"). It does not wait for
// the resulting completions; the engine run loop is expected to be
// exiting concurrently and will simply stop reading Results().
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.inFlight.Front(); e != nil; e = e.Next() {
		e.Value.(*inFlight).cancel()
	}
	c.inFlight.Init()
}
