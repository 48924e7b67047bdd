package mcpwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConnector talks to a remote server over a single persistent
// socket carrying both directions, one envelope per text frame. Ping/pong
// keepalive with a read deadline detects half-open connections; on an
// unexpected close, Err exposes the last known close code and reason.
type WebSocketConnector struct {
	url     string
	dialer  *websocket.Dialer
	headers http.Header
	logger  *slog.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration

	authMu    sync.RWMutex
	authToken string

	conn    *websocket.Conn
	writeMu sync.Mutex

	messages chan Envelope
	done     chan struct{}

	closeOnce sync.Once

	errMu   sync.Mutex
	lastErr error
}

var (
	defaultWSPingInterval = 30 * time.Second
	defaultWSPongTimeout  = 10 * time.Second
)

// WebSocketOption configures a WebSocketConnector.
type WebSocketOption func(*WebSocketConnector)

// WithWSHeaders sets custom headers sent with the opening handshake.
func WithWSHeaders(headers http.Header) WebSocketOption {
	return func(w *WebSocketConnector) {
		w.headers = headers
	}
}

// WithWSDialer sets a custom dialer, e.g. to configure proxies or TLS.
func WithWSDialer(dialer *websocket.Dialer) WebSocketOption {
	return func(w *WebSocketConnector) {
		w.dialer = dialer
	}
}

// WithWSLogger sets the logger for the connector.
func WithWSLogger(logger *slog.Logger) WebSocketOption {
	return func(w *WebSocketConnector) {
		w.logger = logger
	}
}

// WithWSKeepalive sets the ping interval and the deadline for the matching
// pong.
func WithWSKeepalive(interval, pongTimeout time.Duration) WebSocketOption {
	return func(w *WebSocketConnector) {
		w.pingInterval = interval
		w.pongTimeout = pongTimeout
	}
}

// NewWebSocketConnector creates a connector for the given ws:// or wss://
// URL.
func NewWebSocketConnector(url string, options ...WebSocketOption) *WebSocketConnector {
	w := &WebSocketConnector{
		url:          url,
		dialer:       websocket.DefaultDialer,
		logger:       slog.Default(),
		pingInterval: defaultWSPingInterval,
		pongTimeout:  defaultWSPongTimeout,
		messages:     make(chan Envelope),
		done:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// SetAuthorization sets the bearer credential attached to the opening
// handshake of every subsequent dial. The Session applies the token obtained
// from its AuthProvider here before re-opening.
func (w *WebSocketConnector) SetAuthorization(token string) {
	w.authMu.Lock()
	w.authToken = token
	w.authMu.Unlock()
}

// Open dials the socket and starts the read and keepalive loops.
func (w *WebSocketConnector) Open(ctx context.Context) error {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.dialHeaders())
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &AuthRequiredError{
				AuthorizationURL: authorizationURL(resp.Header.Get("WWW-Authenticate")),
			}
		}
		return &ConnectError{Endpoint: w.url, Err: err}
	}
	w.conn = conn

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.pingInterval + w.pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(w.pingInterval + w.pongTimeout))

	go w.readLoop()
	go w.pingLoop()

	return nil
}

// Send transmits one envelope as a text frame. It fails with SendError if the
// channel is closed.
func (w *WebSocketConnector) Send(ctx context.Context, env Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return &SendError{Err: errors.New("connector closed")}
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// gorilla/websocket allows one concurrent writer only.
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	} else {
		_ = w.conn.SetWriteDeadline(time.Time{})
	}

	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// Messages yields inbound envelopes until the socket closes.
func (w *WebSocketConnector) Messages() iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		for msg := range w.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

// Err returns the terminal channel error. For an unexpected remote close it
// is a WSCloseError carrying the close code and reason.
func (w *WebSocketConnector) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.lastErr
}

// Close sends a close frame and tears down the socket. Safe to call twice.
func (w *WebSocketConnector) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)

		if w.conn != nil {
			w.writeMu.Lock()
			_ = w.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			w.writeMu.Unlock()
			_ = w.conn.Close()
		}
	})
	return nil
}

func (w *WebSocketConnector) readLoop() {
	defer close(w.messages)

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
			default:
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					w.setErr(&WSCloseError{Code: closeErr.Code, Reason: closeErr.Text})
				} else {
					w.setErr(fmt.Errorf("failed to read frame: %w", err))
				}
			}
			return
		}

		var msg Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		select {
		case <-w.done:
			return
		case w.messages <- msg:
		}
	}
}

func (w *WebSocketConnector) pingLoop() {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := w.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(w.pongTimeout))
			w.writeMu.Unlock()
			if err != nil {
				w.logger.Warn("failed to send ping", "err", err)
				// A failed ping means the socket is half-open; force the
				// read loop to observe the failure.
				_ = w.conn.Close()
				return
			}
		}
	}
}

func (w *WebSocketConnector) dialHeaders() http.Header {
	w.authMu.RLock()
	token := w.authToken
	w.authMu.RUnlock()
	if token == "" {
		return w.headers
	}

	headers := w.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Authorization", token)
	return headers
}

func (w *WebSocketConnector) setErr(err error) {
	w.errMu.Lock()
	if w.lastErr == nil {
		w.lastErr = err
	}
	w.errMu.Unlock()
}
