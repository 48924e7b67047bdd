package mcpwire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TransportType selects which connector an endpoint uses.
type TransportType string

const (
	TransportStdio     TransportType = "stdio"
	TransportHTTP      TransportType = "http"
	TransportWebSocket TransportType = "websocket"
)

// Endpoint is the persistable description of one remote server. For stdio
// endpoints URL holds the command and Args its arguments; for the network
// transports URL is the dial target.
type Endpoint struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Transport TransportType     `json:"transport"`
	Auth      *AuthConfig       `json:"auth,omitempty"`
}

// StateChange is one session lifecycle transition, fanned out to
// subscribers.
type StateChange struct {
	SessionID string
	From      SessionState
	To        SessionState
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for the manager and its sessions.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerStore sets the persistence backend for the endpoint list.
// Without a store the registry is in-memory only.
func WithManagerStore(store *EndpointStore) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// WithManagerCallTimeout sets the per-call deadline applied to every session
// the manager creates.
func WithManagerCallTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.callTimeout = timeout
	}
}

// Manager owns a registry of sessions, one per configured endpoint. Sessions
// are independent: a failure in one never cascades to another, and the
// manager only orchestrates registration, lookup, events, and shutdown.
type Manager struct {
	info        Info
	logger      *slog.Logger
	store       *EndpointStore
	callTimeout time.Duration

	mu        sync.RWMutex
	order     []string
	sessions  map[string]*Session
	endpoints map[string]Endpoint
	subs      []chan StateChange
	closed    bool
}

// NewManager creates a manager that identifies itself to remotes with the
// given client info.
func NewManager(info Info, options ...ManagerOption) *Manager {
	m := &Manager{
		info:      info,
		logger:    slog.Default(),
		sessions:  make(map[string]*Session),
		endpoints: make(map[string]Endpoint),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Restore loads the persisted endpoint list and connects each one. Endpoints
// that fail to connect are kept in the registry in their failed state; the
// first such error is returned after every endpoint has been attempted.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	endpoints, err := m.store.Load()
	if err != nil {
		return err
	}

	var firstErr error
	for _, ep := range endpoints {
		if _, err := m.add(ctx, ep, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Add registers an endpoint and connects a session for it. Adding an
// endpoint whose URL is already registered is a no-op returning the existing
// session. On a connect failure the session stays registered in its failed
// state, available for inspection and Retry, and both the session and the
// error are returned.
func (m *Manager) Add(ctx context.Context, ep Endpoint) (*Session, error) {
	return m.add(ctx, ep, true)
}

func (m *Manager) add(ctx context.Context, ep Endpoint, persist bool) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager closed")
	}
	for _, id := range m.order {
		if m.endpoints[id].URL == ep.URL {
			sess := m.sessions[id]
			m.mu.Unlock()
			return sess, nil
		}
	}
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}

	opts := []SessionOption{
		WithSessionLogger(m.logger),
		WithStateChangeFunc(m.publish),
	}
	if m.callTimeout > 0 {
		opts = append(opts, WithCallTimeout(m.callTimeout))
	}
	if ep.Auth != nil {
		opts = append(opts, WithAuthProvider(ep.Auth.BuildProvider()))
	}
	sess := NewSession(ep.ID, m.info, m.connectorFactory(ep), opts...)

	m.order = append(m.order, ep.ID)
	m.sessions[ep.ID] = sess
	m.endpoints[ep.ID] = ep
	m.mu.Unlock()

	if persist {
		if err := m.persist(); err != nil {
			m.logger.Warn("failed to persist endpoint list", "err", err)
		}
	}

	if err := sess.Connect(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

// Remove disconnects the session and evicts the endpoint from the registry.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown session: %s", id)
	}
	delete(m.sessions, id)
	delete(m.endpoints, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("failed to persist endpoint list", "err", err)
	}
	return sess.Disconnect(ctx)
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns all sessions in registration order.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	return sessions
}

// Endpoints returns the registered endpoint records in registration order.
func (m *Manager) Endpoints() []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	endpoints := make([]Endpoint, 0, len(m.order))
	for _, id := range m.order {
		endpoints = append(endpoints, m.endpoints[id])
	}
	return endpoints
}

// Subscribe returns a channel of session state transitions. Slow consumers
// have events dropped rather than blocking the sessions. The channel closes
// when the manager closes.
func (m *Manager) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Close disconnects every session concurrently and closes all subscriber
// channels. The manager accepts no further registrations afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			return sess.Disconnect(gCtx)
		})
	}
	err := g.Wait()

	for _, ch := range subs {
		close(ch)
	}
	return err
}

func (m *Manager) connectorFactory(ep Endpoint) ConnectorFactory {
	return func() (Connector, error) {
		switch ep.Transport {
		case TransportStdio:
			return NewStdioConnector(ep.URL, ep.Args,
				WithStdioEnv(ep.Env),
				WithStdioLogger(m.logger),
			), nil
		case TransportHTTP:
			return NewHTTPConnector(ep.URL,
				WithHTTPHeaders(toHeader(ep.Headers)),
				WithHTTPLogger(m.logger),
			), nil
		case TransportWebSocket:
			return NewWebSocketConnector(ep.URL,
				WithWSHeaders(toHeader(ep.Headers)),
				WithWSLogger(m.logger),
			), nil
		default:
			return nil, fmt.Errorf("unknown transport: %s", ep.Transport)
		}
	}
}

func (m *Manager) publish(sessionID string, from, to SessionState) {
	m.mu.RLock()
	subs := make([]chan StateChange, len(m.subs))
	copy(subs, m.subs)
	m.mu.RUnlock()

	change := StateChange{SessionID: sessionID, From: from, To: to}
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			m.logger.Warn("dropping state change for slow subscriber",
				"session", sessionID, "to", to)
		}
	}
}

func (m *Manager) persist() error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(m.Endpoints())
}

func toHeader(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}
