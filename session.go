package mcpwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qri-io/jsonschema"
)

// SessionState identifies where a session is in its lifecycle.
type SessionState string

// Session lifecycle states. StateReady and StateDisconnected are terminal in
// the sense that only an explicit caller action leaves them; StateFailed is
// left only through Retry.
const (
	StateDiscovering    SessionState = "discovering"
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StatePendingAuth    SessionState = "pending_auth"
	StateLoading        SessionState = "loading"
	StateReady          SessionState = "ready"
	StateFailed         SessionState = "failed"
	StateDisconnected   SessionState = "disconnected"
)

// ConnectorFactory constructs the transport channel for one connection
// attempt. The session calls it on Connect and again on Retry, so a factory
// must return a fresh Connector each time.
type ConnectorFactory func() (Connector, error)

// StateChangeFunc observes session state transitions. It is called outside
// any session lock.
type StateChangeFunc func(sessionID string, from, to SessionState)

// ResourceUpdatedWatcher receives notifications when the server reports that
// a resource changed.
type ResourceUpdatedWatcher interface {
	OnResourceUpdated(uri string)
}

// SessionOption configures a session.
type SessionOption func(*Session)

// Session is one live, stateful connection to a single remote endpoint. It
// exclusively owns its Connector, Correlator, and Catalog; nothing outside
// the session writes to them. The session drives the handshake state machine
// and exposes the uniform call interface regardless of transport.
//
// Create sessions with NewSession and establish them with Connect. Every
// operation that requires the ready state fails fast with NotConnectedError
// rather than queuing silently.
type Session struct {
	id   string
	info Info
	dial ConnectorFactory

	correlator *Correlator
	catalog    *Catalog

	authProvider    AuthProvider
	onStateChange   StateChangeFunc
	resourceWatcher ResourceUpdatedWatcher
	logger          *slog.Logger

	callTimeout  time.Duration
	writeTimeout time.Duration

	mu         sync.RWMutex
	state      SessionState
	lastErr    error
	authURL    string
	connector  Connector
	readDone   chan struct{}
	serverInfo Info
	serverCaps ServerCapabilities

	refreshMu sync.Mutex
}

var (
	defaultCallTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithAuthProvider sets the authorization collaborator invoked when the
// endpoint demands a credential exchange.
func WithAuthProvider(provider AuthProvider) SessionOption {
	return func(s *Session) {
		s.authProvider = provider
	}
}

// WithStateChangeFunc sets the observer for state transitions.
func WithStateChangeFunc(fn StateChangeFunc) SessionOption {
	return func(s *Session) {
		s.onStateChange = fn
	}
}

// WithResourceUpdatedWatcher sets the watcher for resource update
// notifications.
func WithResourceUpdatedWatcher(watcher ResourceUpdatedWatcher) SessionOption {
	return func(s *Session) {
		s.resourceWatcher = watcher
	}
}

// WithCallTimeout sets the per-call response deadline.
func WithCallTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.callTimeout = timeout
	}
}

// WithWriteTimeout sets the deadline for writing one envelope.
func WithWriteTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.writeTimeout = timeout
	}
}

// NewSession creates a session for the given endpoint. The dial factory is
// invoked on Connect; the session starts in StateDiscovering.
func NewSession(id string, info Info, dial ConnectorFactory, options ...SessionOption) *Session {
	s := &Session{
		id:      id,
		info:    info,
		dial:    dial,
		catalog: NewCatalog(),
		logger:  slog.Default(),
		state:   StateDiscovering,
	}
	for _, opt := range options {
		opt(s)
	}

	if s.callTimeout == 0 {
		s.callTimeout = defaultCallTimeout
	}
	if s.writeTimeout == 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	s.correlator = NewCorrelator(s.logger)

	return s
}

// ID returns the session's stable identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the error that moved the session to StateFailed. A failed
// session remains inspectable until explicitly retried or removed.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// AuthorizationURL returns the URL a caller must act on while the session is
// in StatePendingAuth.
func (s *Session) AuthorizationURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authURL
}

// ServerInfo returns the identification the remote sent during the handshake.
func (s *Session) ServerInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// ServerCapabilities returns the capability groups the remote advertised.
func (s *Session) ServerCapabilities() ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverCaps
}

// Catalog returns the session's capability catalog. The catalog stays
// readable after a failure, holding the last known descriptor set.
func (s *Session) Catalog() *Catalog { return s.catalog }

// ListCapabilities returns the current catalog snapshot.
func (s *Session) ListCapabilities() CatalogSnapshot {
	return s.catalog.Snapshot()
}

// Connect resolves the endpoint, opens the transport, runs the protocol
// handshake, and loads the initial capability catalog. On success the session
// is in StateReady; any failure moves it to StateFailed with the cause
// available through LastError.
func (s *Session) Connect(ctx context.Context) error {
	// Check and transition atomically so two concurrent Connect calls
	// cannot both pass the guard and race on the connector.
	if !s.transition(StateDiscovering, StateConnecting) {
		return fmt.Errorf("connect not allowed from state %s", s.State())
	}
	return s.connect(ctx)
}

// Retry re-attempts a failed connection. All pending calls from the prior
// attempt are cancelled first.
func (s *Session) Retry(ctx context.Context) error {
	if !s.transition(StateFailed, StateConnecting) {
		return fmt.Errorf("retry only allowed from %s state, current: %s", StateFailed, s.State())
	}

	s.mu.Lock()
	conn := s.connector
	s.connector = nil
	s.mu.Unlock()

	s.correlator.CancelAll(&CancelledError{Reason: "session retrying"})
	if conn != nil {
		_ = conn.Close()
	}

	return s.connect(ctx)
}

// Disconnect closes the connector, cancels every pending call with
// CancelledError, and moves the session to its disconnected terminal state.
// Other sessions are never affected.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	conn := s.connector
	readDone := s.readDone
	s.mu.Unlock()

	s.setState(StateDisconnected)
	s.correlator.CancelAll(&CancelledError{Reason: "session disconnected"})

	if conn != nil {
		_ = conn.Close()
	}
	if readDone != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readDone:
		}
	}
	return nil
}

// CallTool invokes a named tool on the remote. Arguments are validated
// against the tool's advertised input schema before anything is written to
// the wire. A remote error envelope surfaces as RemoteError and is never
// retried automatically, since the remote operation's side effects are
// unknown.
func (s *Session) CallTool(ctx context.Context, name string, args any) (CallToolResult, error) {
	if err := s.requireReady(); err != nil {
		return CallToolResult{}, err
	}

	tool, ok := s.catalog.Tool(name)
	if !ok {
		return CallToolResult{}, &NotFoundError{Kind: KindTool, Name: name}
	}

	raw := json.RawMessage("{}")
	if args != nil {
		bs, err := json.Marshal(args)
		if err != nil {
			return CallToolResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		raw = bs
	}

	if len(tool.InputSchema) > 0 {
		if err := validateToolArgs(ctx, tool.InputSchema, raw); err != nil {
			return CallToolResult{}, err
		}
	}

	res, err := s.sendRequest(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: raw})
	if err != nil {
		return CallToolResult{}, err
	}
	if res.Error != nil {
		return CallToolResult{}, &RemoteError{Method: MethodToolsCall, Obj: res.Error}
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// ReadResource retrieves the contents of a resource. The URI must match an
// advertised resource or resource template, otherwise NotFoundError is
// returned without a network call.
func (s *Session) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	if err := s.requireReady(); err != nil {
		return ReadResourceResult{}, err
	}

	if !s.catalog.MatchesURI(uri) {
		return ReadResourceResult{}, &NotFoundError{Kind: KindResource, Name: uri}
	}

	res, err := s.sendRequest(ctx, MethodResourcesRead, ReadResourceParams{URI: uri})
	if err != nil {
		return ReadResourceResult{}, err
	}
	if res.Error != nil {
		return ReadResourceResult{}, &RemoteError{Method: MethodResourcesRead, Obj: res.Error}
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// GetPrompt retrieves a rendered prompt by name. Required arguments from the
// advertised descriptor are checked before sending.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
	if err := s.requireReady(); err != nil {
		return GetPromptResult{}, err
	}

	prompt, ok := s.catalog.Prompt(name)
	if !ok {
		return GetPromptResult{}, &NotFoundError{Kind: KindPrompt, Name: name}
	}
	for _, arg := range prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			return GetPromptResult{}, fmt.Errorf("missing required argument: %s", arg.Name)
		}
	}

	res, err := s.sendRequest(ctx, MethodPromptsGet, GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return GetPromptResult{}, err
	}
	if res.Error != nil {
		return GetPromptResult{}, &RemoteError{Method: MethodPromptsGet, Obj: res.Error}
	}

	var result GetPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// Ping checks connection health with a protocol-level round trip.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.requireReady(); err != nil {
		return err
	}

	res, err := s.sendRequest(ctx, methodPing, nil)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &RemoteError{Method: methodPing, Obj: res.Error}
	}
	return nil
}

// RefreshCatalog re-fetches the full capability catalog on caller request. A
// failed refresh keeps the previous catalog and flags it through
// Catalog().LastRefreshErr.
func (s *Session) RefreshCatalog(ctx context.Context) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.refreshCatalog(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	conn, err := s.dial()
	if err != nil {
		return s.fail(fmt.Errorf("failed to construct connector: %w", err))
	}

	s.mu.Lock()
	s.connector = conn
	s.mu.Unlock()

	err = conn.Open(ctx)
	var authErr *AuthRequiredError
	if errors.As(err, &authErr) {
		if err := s.authenticate(ctx, conn, authErr); err != nil {
			return s.fail(err)
		}
	} else if err != nil {
		return s.fail(err)
	}

	// readDone exists only once the loop is running; Disconnect must not
	// wait on a loop that never started.
	s.mu.Lock()
	s.readDone = make(chan struct{})
	s.mu.Unlock()
	go s.readLoop(conn)

	if err := s.initialize(ctx); err != nil {
		_ = conn.Close()
		return s.fail(err)
	}

	s.setState(StateLoading)
	if err := s.refreshCatalog(ctx); err != nil {
		_ = conn.Close()
		return s.fail(fmt.Errorf("failed to load capability catalog: %w", err))
	}

	s.setState(StateReady)
	return nil
}

func (s *Session) authenticate(ctx context.Context, conn Connector, authErr *AuthRequiredError) error {
	s.mu.Lock()
	s.authURL = authErr.AuthorizationURL
	s.mu.Unlock()
	s.setState(StateAuthenticating)

	if s.authProvider == nil {
		return authErr
	}

	// The provider may block on an out-of-band callback; the session waits
	// in pending_auth with the authorization URL exposed.
	s.setState(StatePendingAuth)
	token, err := s.authProvider.Authorize(ctx, authErr.AuthorizationURL)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	setter, ok := conn.(authSetter)
	if !ok {
		return errors.New("connector does not accept credentials")
	}
	setter.SetAuthorization("Bearer " + token.AccessToken)

	// Credentials accepted; resume the transport. The connector keeps what
	// the first attempt already negotiated.
	return conn.Open(ctx)
}

func (s *Session) initialize(ctx context.Context) error {
	res, err := s.sendRequest(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      s.info,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if res.Error != nil {
		return &RemoteError{Method: methodInitialize, Obj: res.Error}
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s",
			result.ProtocolVersion, protocolVersion)
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.serverCaps = result.Capabilities
	s.mu.Unlock()

	return s.notify(ctx, methodNotificationsInitialized, nil)
}

// readLoop is the single consumer of the connector's inbound sequence. It
// runs until the channel closes, then turns an unexpected closure into a
// state transition rather than a silently swallowed error.
func (s *Session) readLoop(conn Connector) {
	s.mu.RLock()
	done := s.readDone
	s.mu.RUnlock()
	defer close(done)

	for msg := range conn.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch msg.Method {
		case methodPing:
			go s.respondPing(msg.ID)
		case methodNotificationsToolsListChanged,
			methodNotificationsResourcesListChanged,
			methodNotificationsPromptsListChanged:
			go s.refreshOnNotify()
		case methodNotificationsResourcesUpdated:
			if s.resourceWatcher == nil {
				continue
			}
			var params resourceUpdatedParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Error("failed to unmarshal resource update params", "err", err)
				continue
			}
			s.resourceWatcher.OnResourceUpdated(params.URI)
		case "":
			s.correlator.Resolve(msg)
		default:
			s.logger.Warn("unhandled method", "method", msg.Method)
		}
	}

	s.mu.RLock()
	superseded := s.connector != conn
	s.mu.RUnlock()
	if superseded || s.State() == StateDisconnected {
		return
	}

	err := conn.Err()
	if err == nil {
		err = errors.New("connection closed by remote")
	}
	s.correlator.CancelAll(&SendError{Err: err})
	_ = s.fail(err)
}

// sendRequest issues one request and suspends the caller until the correlator
// resolves the matching id or the deadline fires. It never blocks other calls
// on the same session.
func (s *Session) sendRequest(ctx context.Context, method string, params any) (Envelope, error) {
	var raw json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = bs
	}

	s.mu.RLock()
	conn := s.connector
	s.mu.RUnlock()
	if conn == nil {
		return Envelope{}, &NotConnectedError{State: s.State()}
	}

	id := s.correlator.Issue()
	if err := s.correlator.Track(id); err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      RequestID(id),
		Method:  method,
		Params:  raw,
	}

	wCtx, wCancel := context.WithTimeout(ctx, s.writeTimeout)
	err := conn.Send(wCtx, env)
	wCancel()
	if err != nil {
		s.correlator.Release(id)
		return Envelope{}, err
	}

	res, err := s.correlator.Wait(ctx, id, s.callTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Tell the remote to stop working on a call nobody waits for.
			if nErr := s.notify(context.Background(), methodNotificationsCancelled, cancelledParams{
				RequestID: id,
				Reason:    userCancelledReason,
			}); nErr != nil {
				s.logger.Warn("failed to send cancellation", "err", nErr)
			}
		}
		return Envelope{}, err
	}
	return res, nil
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = bs
	}

	s.mu.RLock()
	conn := s.connector
	s.mu.RUnlock()
	if conn == nil {
		return &NotConnectedError{State: s.State()}
	}

	sCtx, sCancel := context.WithTimeout(ctx, s.writeTimeout)
	defer sCancel()

	if err := conn.Send(sCtx, Envelope{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
	}); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (s *Session) respondPing(id RequestID) {
	s.mu.RLock()
	conn := s.connector
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := conn.Send(ctx, Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage("{}"),
	}); err != nil {
		s.logger.Error("failed to respond to ping", "err", err)
	}
}

func (s *Session) refreshOnNotify() {
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()

	if err := s.refreshCatalog(ctx); err != nil {
		s.logger.Warn("failed to refresh catalog after change notification", "err", err)
	}
}

// refreshCatalog fetches all advertised capability lists and swaps in the new
// snapshot atomically. Any failure leaves the previous catalog intact.
func (s *Session) refreshCatalog(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	caps := s.serverCaps
	s.mu.RUnlock()

	var snap CatalogSnapshot
	var err error

	if caps.Tools != nil {
		if snap.Tools, err = s.listAllTools(ctx); err != nil {
			return s.refreshFailed(err)
		}
	}
	if caps.Resources != nil {
		if snap.Resources, err = s.listAllResources(ctx); err != nil {
			return s.refreshFailed(err)
		}
		if snap.ResourceTemplates, err = s.listAllResourceTemplates(ctx); err != nil {
			return s.refreshFailed(err)
		}
	}
	if caps.Prompts != nil {
		if snap.Prompts, err = s.listAllPrompts(ctx); err != nil {
			return s.refreshFailed(err)
		}
	}

	s.catalog.Replace(snap)
	return nil
}

func (s *Session) refreshFailed(err error) error {
	s.catalog.SetRefreshError(err)
	s.logger.Warn("catalog refresh failed, keeping previous catalog", "err", err)
	return err
}

func (s *Session) listAllTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		res, err := s.sendRequest(ctx, MethodToolsList, ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, &RemoteError{Method: MethodToolsList, Obj: res.Error}
		}

		var result ListToolsResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

func (s *Session) listAllResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	cursor := ""
	for {
		res, err := s.sendRequest(ctx, MethodResourcesList, ListResourcesParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, &RemoteError{Method: MethodResourcesList, Obj: res.Error}
		}

		var result ListResourcesResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		resources = append(resources, result.Resources...)
		if result.NextCursor == "" {
			return resources, nil
		}
		cursor = result.NextCursor
	}
}

func (s *Session) listAllResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	var templates []ResourceTemplate
	cursor := ""
	for {
		res, err := s.sendRequest(ctx, MethodResourcesTemplatesList, ListResourceTemplatesParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, &RemoteError{Method: MethodResourcesTemplatesList, Obj: res.Error}
		}

		var result ListResourceTemplatesResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		templates = append(templates, result.ResourceTemplates...)
		if result.NextCursor == "" {
			return templates, nil
		}
		cursor = result.NextCursor
	}
}

func (s *Session) listAllPrompts(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	cursor := ""
	for {
		res, err := s.sendRequest(ctx, MethodPromptsList, ListPromptsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, &RemoteError{Method: MethodPromptsList, Obj: res.Error}
		}

		var result ListPromptsResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		prompts = append(prompts, result.Prompts...)
		if result.NextCursor == "" {
			return prompts, nil
		}
		cursor = result.NextCursor
	}
}

func (s *Session) requireReady() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return &NotConnectedError{State: s.state}
	}
	return nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	// The first failure is the cause; a late read-loop exit must not
	// clobber it.
	if s.state != StateFailed {
		s.lastErr = err
	}
	s.mu.Unlock()
	s.setState(StateFailed)
	return err
}

// transition moves the session from one specific state to another, reporting
// whether the session actually was in the expected state. The check and the
// move are one atomic step.
func (s *Session) transition(from, to SessionState) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	if s.onStateChange != nil {
		s.onStateChange(s.id, from, to)
	}
	return true
}

func (s *Session) setState(to SessionState) {
	s.mu.Lock()
	from := s.state
	// Disconnected is terminal; a late connector failure must not revive
	// the session.
	if from == to || from == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	if s.onStateChange != nil {
		s.onStateChange(s.id, from, to)
	}
}

func validateToolArgs(ctx context.Context, schemaRaw, args json.RawMessage) error {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(schemaRaw, rs); err != nil {
		return fmt.Errorf("failed to parse input schema: %w", err)
	}

	keyErrs, err := rs.ValidateBytes(ctx, args)
	if err != nil {
		return fmt.Errorf("failed to validate arguments: %w", err)
	}
	if len(keyErrs) > 0 {
		msgs := make([]string, 0, len(keyErrs))
		for _, ke := range keyErrs {
			msgs = append(msgs, ke.Message)
		}
		return fmt.Errorf("arguments validation failed: %s", strings.Join(msgs, ", "))
	}
	return nil
}
