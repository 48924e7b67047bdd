package mcpwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// HTTPConnector talks to a remote server over HTTP. Outgoing calls are
// individual POST requests carrying one envelope; the server answers with
// either an immediate JSON body or a streamed sequence of server-sent events.
// Server-initiated messages arrive on a long-lived GET/SSE stream opened at
// connect time.
//
// If the notification stream drops after connecting, the connector attempts a
// bounded number of reconnects with exponential backoff before declaring
// itself failed. In-flight POST calls are never retried automatically;
// retries of non-idempotent tool calls are unsafe by default, so the caller
// must re-issue.
type HTTPConnector struct {
	endpoint   string
	httpClient *http.Client
	headers    http.Header
	logger     *slog.Logger
	backoff    backoffPolicy

	maxPayloadSize int

	authMu    sync.RWMutex
	authToken string

	urlMu      sync.RWMutex
	messageURL string

	messages chan Envelope
	done     chan struct{}

	closeOnce sync.Once

	errMu   sync.Mutex
	lastErr error
}

// HTTPOption configures an HTTPConnector.
type HTTPOption func(*HTTPConnector)

// WithHTTPClient sets a custom HTTP client, e.g. to configure proxies or
// TLS. If unset, http.DefaultClient is used.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPConnector) {
		h.httpClient = client
	}
}

// WithHTTPHeaders sets custom headers attached to every request.
func WithHTTPHeaders(headers http.Header) HTTPOption {
	return func(h *HTTPConnector) {
		h.headers = headers
	}
}

// WithHTTPLogger sets the logger for the connector.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTPConnector) {
		h.logger = logger
	}
}

// WithHTTPBackoff overrides the reconnect budget for the notification
// stream.
func WithHTTPBackoff(policy backoffPolicy) HTTPOption {
	return func(h *HTTPConnector) {
		h.backoff = policy
	}
}

// WithHTTPMaxPayloadSize caps the size of a single server-sent event. Events
// over the limit fail the stream.
func WithHTTPMaxPayloadSize(size int) HTTPOption {
	return func(h *HTTPConnector) {
		h.maxPayloadSize = size
	}
}

// NewHTTPConnector creates a connector for the given endpoint URL.
func NewHTTPConnector(endpoint string, options ...HTTPOption) *HTTPConnector {
	h := &HTTPConnector{
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		backoff:    defaultBackoff,
		messages:   make(chan Envelope),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(h)
	}
	// Until the server advertises a dedicated message endpoint, POSTs go to
	// the connect URL itself.
	h.messageURL = endpoint
	return h
}

// SetAuthorization sets the bearer credential attached to every subsequent
// request. The Session applies the token obtained from its AuthProvider here.
func (h *HTTPConnector) SetAuthorization(token string) {
	h.authMu.Lock()
	h.authToken = token
	h.authMu.Unlock()
}

// Open establishes the long-lived notification stream. A 401 response
// surfaces as AuthRequiredError carrying the authorization URL from the
// WWW-Authenticate challenge; other failures are fatal to the attempt and
// wrapped in ConnectError.
func (h *HTTPConnector) Open(ctx context.Context) error {
	body, err := h.dialStream(ctx)
	if err != nil {
		return err
	}

	go h.monitorStream(body)
	return nil
}

// Send transmits one envelope via POST. The response is either consumed as a
// single JSON envelope, streamed as SSE until the stream closes, or, for
// accepted notifications, discarded.
func (h *HTTPConnector) Send(ctx context.Context, env Envelope) error {
	select {
	case <-h.done:
		return &SendError{Err: errors.New("connector closed")}
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.currentMessageURL(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	h.decorate(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return &SendError{Err: err}
	}

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusNoContent:
		resp.Body.Close()
		return nil
	case http.StatusOK:
	default:
		resp.Body.Close()
		return &SendError{Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		// The stream completes once the response to this call is delivered;
		// consume it in the background so Send stays non-blocking for the
		// caller's read loop.
		go h.consumeResponseStream(resp.Body)
		return nil
	default:
		defer resp.Body.Close()
		var msg Envelope
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return &SendError{Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		h.deliver(msg)
		return nil
	}
}

// Messages yields inbound envelopes until the connector fails or closes.
func (h *HTTPConnector) Messages() iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		// The messages channel is never closed; response streams keep
		// delivering into it concurrently, so termination is signalled
		// through done alone.
		for {
			select {
			case <-h.done:
				return
			case msg := <-h.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Err returns the terminal channel error after the reconnect budget is
// exhausted, or nil if the connector closed cleanly.
func (h *HTTPConnector) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.lastErr
}

// Close stops the notification stream. Safe to call twice.
func (h *HTTPConnector) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	return nil
}

// dialStream opens the GET/SSE notification stream.
func (h *HTTPConnector) dialStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return nil, &ConnectError{Endpoint: h.endpoint, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	h.decorate(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectError{Endpoint: h.endpoint, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusUnauthorized:
		authURL := authorizationURL(resp.Header.Get("WWW-Authenticate"))
		resp.Body.Close()
		return nil, &AuthRequiredError{AuthorizationURL: authURL}
	default:
		resp.Body.Close()
		return nil, &ConnectError{
			Endpoint: h.endpoint,
			Err:      fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}
}

// monitorStream reads the notification stream and reconnects with bounded
// backoff when it drops. Exhausting the budget records the error and shuts
// the connector down.
func (h *HTTPConnector) monitorStream(body io.ReadCloser) {
	for {
		h.readStream(body)

		select {
		case <-h.done:
			return
		default:
		}

		reconnected := false
		var lastErr error
		for attempt := 0; attempt < h.backoff.Attempts; attempt++ {
			if !h.backoff.sleep(context.Background(), h.done, attempt) {
				return
			}

			next, err := h.dialStream(context.Background())
			if err != nil {
				lastErr = err
				h.logger.Warn("failed to reconnect event stream",
					"attempt", attempt+1, "err", err)
				continue
			}
			body = next
			reconnected = true
			break
		}

		if !reconnected {
			if lastErr == nil {
				lastErr = errors.New("event stream closed")
			}
			h.setErr(fmt.Errorf("event stream reconnect budget exhausted: %w", lastErr))
			// Ends the message sequence and fails subsequent sends fast
			// instead of delivering into a dead connector.
			_ = h.Close()
			return
		}
	}
}

// readStream consumes one SSE stream until it ends.
func (h *HTTPConnector) readStream(body io.ReadCloser) {
	defer body.Close()

	var config *sse.ReadConfig
	if h.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: h.maxPayloadSize}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Warn("failed to read event stream", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// The server advertised a dedicated message endpoint; route
			// all subsequent POSTs there.
			u, err := url.Parse(ev.Data)
			if err != nil || u.String() == "" {
				h.logger.Error("invalid message endpoint", "data", ev.Data, "err", err)
				continue
			}
			h.urlMu.Lock()
			h.messageURL = h.resolveURL(u)
			h.urlMu.Unlock()
		case "message", "":
			var msg Envelope
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				h.logger.Error("failed to unmarshal message", "err", err)
				continue
			}
			h.deliver(msg)
		default:
			h.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}
}

// consumeResponseStream reads the SSE body of one POST response.
func (h *HTTPConnector) consumeResponseStream(body io.ReadCloser) {
	defer body.Close()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			h.logger.Warn("failed to read response stream", "err", err)
			return
		}
		if ev.Type != "message" && ev.Type != "" {
			continue
		}
		var msg Envelope
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			h.logger.Error("failed to unmarshal message", "err", err)
			continue
		}
		h.deliver(msg)
	}
}

func (h *HTTPConnector) deliver(msg Envelope) {
	select {
	case <-h.done:
	case h.messages <- msg:
	}
}

func (h *HTTPConnector) decorate(req *http.Request) {
	for k, values := range h.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	h.authMu.RLock()
	if h.authToken != "" {
		req.Header.Set("Authorization", h.authToken)
	}
	h.authMu.RUnlock()
}

func (h *HTTPConnector) currentMessageURL() string {
	h.urlMu.RLock()
	defer h.urlMu.RUnlock()
	return h.messageURL
}

// resolveURL makes a relative message endpoint absolute against the connect
// URL.
func (h *HTTPConnector) resolveURL(u *url.URL) string {
	if u.IsAbs() {
		return u.String()
	}
	base, err := url.Parse(h.endpoint)
	if err != nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func (h *HTTPConnector) setErr(err error) {
	h.errMu.Lock()
	if h.lastErr == nil {
		h.lastErr = err
	}
	h.errMu.Unlock()
}

// authorizationURL extracts the authorization endpoint from a
// WWW-Authenticate challenge. It understands the authorization_uri and
// resource_metadata parameters; failing both, the raw challenge is returned
// so the caller still has something to act on.
func authorizationURL(challenge string) string {
	for _, key := range []string{"authorization_uri", "resource_metadata"} {
		marker := key + `="`
		if idx := strings.Index(challenge, marker); idx >= 0 {
			rest := challenge[idx+len(marker):]
			if end := strings.Index(rest, `"`); end >= 0 {
				return rest[:end]
			}
		}
	}
	return challenge
}
