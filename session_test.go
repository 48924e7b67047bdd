package mcpwire_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/skalbe/mcpwire"
)

// fakeConnector is an in-memory duplex channel. Outbound envelopes are
// recorded and passed to Handler; inbound envelopes are pushed by the test.
type fakeConnector struct {
	Handler func(env mcpwire.Envelope)

	mu       sync.Mutex
	sent     []mcpwire.Envelope
	openErrs []error
	token    string
	err      error

	inbound chan mcpwire.Envelope
	done    chan struct{}
	once    sync.Once
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		inbound: make(chan mcpwire.Envelope, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeConnector) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return err
	}
	return nil
}

func (f *fakeConnector) Send(_ context.Context, env mcpwire.Envelope) error {
	select {
	case <-f.done:
		return &mcpwire.SendError{Err: errors.New("connector closed")}
	default:
	}

	f.mu.Lock()
	f.sent = append(f.sent, env)
	handler := f.Handler
	f.mu.Unlock()

	if handler != nil {
		handler(env)
	}
	return nil
}

func (f *fakeConnector) Messages() iter.Seq[mcpwire.Envelope] {
	return func(yield func(mcpwire.Envelope) bool) {
		for {
			select {
			case <-f.done:
				return
			case msg := <-f.inbound:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (f *fakeConnector) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConnector) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConnector) SetAuthorization(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeConnector) push(env mcpwire.Envelope) {
	select {
	case f.inbound <- env:
	case <-f.done:
	}
}

// fail simulates a transport-level failure: the terminal error is recorded
// and the message sequence ends.
func (f *fakeConnector) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	_ = f.Close()
}

func (f *fakeConnector) sentEnvelopes() []mcpwire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mcpwire.Envelope(nil), f.sent...)
}

func (f *fakeConnector) authToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

// fakeServer scripts the remote side of the protocol over a fakeConnector.
type fakeServer struct {
	conn *fakeConnector

	mu        sync.Mutex
	protocol  string
	tools     []mcpwire.Tool
	resources []mcpwire.Resource
	templates []mcpwire.ResourceTemplate
	prompts   []mcpwire.Prompt
	pageSize  int
	errs      map[string]*mcpwire.ErrorObject
}

func newFakeServer() (*fakeServer, *fakeConnector) {
	conn := newFakeConnector()
	srv := &fakeServer{
		conn:     conn,
		protocol: "2024-11-05",
		tools: []mcpwire.Tool{
			{Name: "echo", Description: "echo back"},
		},
		errs: make(map[string]*mcpwire.ErrorObject),
	}
	conn.Handler = srv.handle
	return srv, conn
}

func (s *fakeServer) setTools(tools ...mcpwire.Tool) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

func (s *fakeServer) handle(env mcpwire.Envelope) {
	if env.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if eo, ok := s.errs[env.Method]; ok {
		s.conn.push(mcpwire.Envelope{
			JSONRPC: mcpwire.JSONRPCVersion,
			ID:      env.ID,
			Error:   eo,
		})
		return
	}

	var result any
	switch env.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": s.protocol,
			"capabilities": map[string]any{
				"tools":     map[string]any{"listChanged": true},
				"resources": map[string]any{"listChanged": true},
				"prompts":   map[string]any{"listChanged": true},
			},
			"serverInfo": map[string]any{"name": "fake-server", "version": "0.1.0"},
		}
	case "ping":
		result = map[string]any{}
	case mcpwire.MethodToolsList:
		var params mcpwire.ListToolsParams
		_ = json.Unmarshal(env.Params, &params)
		tools, next := s.toolPage(params.Cursor)
		result = mcpwire.ListToolsResult{Tools: tools, NextCursor: next}
	case mcpwire.MethodResourcesList:
		result = mcpwire.ListResourcesResult{Resources: s.resources}
	case mcpwire.MethodResourcesTemplatesList:
		result = mcpwire.ListResourceTemplatesResult{ResourceTemplates: s.templates}
	case mcpwire.MethodPromptsList:
		result = mcpwire.ListPromptsResult{Prompts: s.prompts}
	case mcpwire.MethodToolsCall:
		result = mcpwire.CallToolResult{
			Content: []mcpwire.Content{{Type: mcpwire.ContentTypeText, Text: "ok"}},
		}
	case mcpwire.MethodResourcesRead:
		var params mcpwire.ReadResourceParams
		_ = json.Unmarshal(env.Params, &params)
		result = mcpwire.ReadResourceResult{
			Contents: []mcpwire.ResourceContents{{URI: params.URI, Text: "contents"}},
		}
	case mcpwire.MethodPromptsGet:
		result = mcpwire.GetPromptResult{
			Messages: []mcpwire.PromptMessage{{
				Role:    mcpwire.RoleUser,
				Content: mcpwire.Content{Type: mcpwire.ContentTypeText, Text: "hello"},
			}},
		}
	default:
		return
	}

	data, _ := json.Marshal(result)
	s.conn.push(mcpwire.Envelope{
		JSONRPC: mcpwire.JSONRPCVersion,
		ID:      env.ID,
		Result:  data,
	})
}

func (s *fakeServer) toolPage(cursor string) ([]mcpwire.Tool, string) {
	if s.pageSize <= 0 || s.pageSize >= len(s.tools) {
		return s.tools, ""
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + s.pageSize
	if end >= len(s.tools) {
		return s.tools[start:], ""
	}
	return s.tools[start:end], strconv.Itoa(end)
}

func connectSession(t *testing.T, conn *fakeConnector, options ...mcpwire.SessionOption) *mcpwire.Session {
	t.Helper()
	sess := mcpwire.NewSession("s1", mcpwire.Info{Name: "test-client", Version: "0.0.1"},
		func() (mcpwire.Connector, error) { return conn, nil }, options...)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sess.State(); got != mcpwire.StateReady {
		t.Fatalf("state = %s, want %s", got, mcpwire.StateReady)
	}
	return sess
}

func TestSessionConnectReady(t *testing.T) {
	srv, conn := newFakeServer()
	srv.setTools(mcpwire.Tool{Name: "echo"}, mcpwire.Tool{Name: "search"})

	var mu sync.Mutex
	var transitions []mcpwire.SessionState
	sess := connectSession(t, conn, mcpwire.WithStateChangeFunc(
		func(_ string, _, to mcpwire.SessionState) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		}))
	defer sess.Disconnect(context.Background())

	if sess.ServerInfo().Name != "fake-server" {
		t.Errorf("server info = %+v", sess.ServerInfo())
	}
	if len(sess.Catalog().Tools()) != 2 {
		t.Errorf("catalog holds %d tools, want 2", len(sess.Catalog().Tools()))
	}

	mu.Lock()
	got := append([]mcpwire.SessionState(nil), transitions...)
	mu.Unlock()
	want := []mcpwire.SessionState{
		mcpwire.StateConnecting, mcpwire.StateLoading, mcpwire.StateReady,
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}

	// The handshake ends with the initialized notification before any list
	// call goes out.
	var sawInitialized bool
	for _, env := range conn.sentEnvelopes() {
		if env.Method == mcpwire.MethodToolsList && !sawInitialized {
			t.Fatal("list call sent before initialized notification")
		}
		if env.Method == "notifications/initialized" {
			sawInitialized = true
		}
	}
	if !sawInitialized {
		t.Error("initialized notification never sent")
	}
}

func TestSessionProtocolVersionMismatch(t *testing.T) {
	srv, conn := newFakeServer()
	srv.protocol = "1999-01-01"

	sess := mcpwire.NewSession("s1", mcpwire.Info{Name: "test-client", Version: "0.0.1"},
		func() (mcpwire.Connector, error) { return conn, nil })
	err := sess.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "protocol version mismatch") {
		t.Fatalf("got %v, want protocol version mismatch", err)
	}
	if sess.State() != mcpwire.StateFailed {
		t.Errorf("state = %s, want %s", sess.State(), mcpwire.StateFailed)
	}
	if sess.LastError() == nil {
		t.Error("LastError() = nil after failed connect")
	}
}

func TestSessionCallToolPagination(t *testing.T) {
	srv, conn := newFakeServer()
	srv.setTools(
		mcpwire.Tool{Name: "a"}, mcpwire.Tool{Name: "b"},
		mcpwire.Tool{Name: "c"}, mcpwire.Tool{Name: "d"}, mcpwire.Tool{Name: "e"},
	)
	srv.pageSize = 2

	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	if got := len(sess.Catalog().Tools()); got != 5 {
		t.Fatalf("catalog holds %d tools, want 5", got)
	}

	result, err := sess.CallTool(context.Background(), "c", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Errorf("result = %+v", result)
	}
}

func TestSessionCallToolUnknown(t *testing.T) {
	_, conn := newFakeServer()
	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	before := len(conn.sentEnvelopes())
	_, err := sess.CallTool(context.Background(), "missing", nil)

	var notFound *mcpwire.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
	if notFound.Kind != mcpwire.KindTool {
		t.Errorf("kind = %s", notFound.Kind)
	}
	if after := len(conn.sentEnvelopes()); after != before {
		t.Error("unknown tool call reached the wire")
	}
}

func TestSessionCallToolArgumentValidation(t *testing.T) {
	srv, conn := newFakeServer()
	srv.setTools(mcpwire.Tool{
		Name: "fs_read",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`),
	})

	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	before := len(conn.sentEnvelopes())
	_, err := sess.CallTool(context.Background(), "fs_read", map[string]any{"path": 42})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if after := len(conn.sentEnvelopes()); after != before {
		t.Error("invalid arguments reached the wire")
	}

	if _, err := sess.CallTool(context.Background(), "fs_read", map[string]any{"path": "/etc/motd"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionCallToolRemoteError(t *testing.T) {
	srv, conn := newFakeServer()
	srv.errs[mcpwire.MethodToolsCall] = &mcpwire.ErrorObject{
		Code:    -32603,
		Message: "tool exploded",
	}

	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	_, err := sess.CallTool(context.Background(), "echo", nil)
	var remoteErr *mcpwire.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("got %v, want RemoteError", err)
	}
	if remoteErr.Obj.Code != -32603 {
		t.Errorf("code = %d", remoteErr.Obj.Code)
	}
	if sess.State() != mcpwire.StateReady {
		t.Errorf("state = %s, remote error must not affect the session", sess.State())
	}
}

func TestSessionOutOfOrderResponses(t *testing.T) {
	srv, conn := newFakeServer()
	srv.setTools(mcpwire.Tool{Name: "slow"}, mcpwire.Tool{Name: "fast"})

	var mu sync.Mutex
	var heldID mcpwire.RequestID
	conn.Handler = func(env mcpwire.Envelope) {
		if env.Method == mcpwire.MethodToolsCall {
			var params mcpwire.CallToolParams
			_ = json.Unmarshal(env.Params, &params)
			switch params.Name {
			case "slow":
				mu.Lock()
				heldID = env.ID
				mu.Unlock()
				return
			case "fast":
				data, _ := json.Marshal(mcpwire.CallToolResult{
					Content: []mcpwire.Content{{Type: mcpwire.ContentTypeText, Text: "fast"}},
				})
				conn.push(mcpwire.Envelope{JSONRPC: mcpwire.JSONRPCVersion, ID: env.ID, Result: data})

				mu.Lock()
				id := heldID
				mu.Unlock()
				data, _ = json.Marshal(mcpwire.CallToolResult{
					Content: []mcpwire.Content{{Type: mcpwire.ContentTypeText, Text: "slow"}},
				})
				conn.push(mcpwire.Envelope{JSONRPC: mcpwire.JSONRPCVersion, ID: id, Result: data})
				return
			}
		}
		srv.handle(env)
	}

	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	slowDone := make(chan mcpwire.CallToolResult, 1)
	go func() {
		result, err := sess.CallTool(context.Background(), "slow", nil)
		if err != nil {
			t.Errorf("slow call failed: %v", err)
		}
		slowDone <- result
	}()

	// The fast call goes out only after the slow one is in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		held := heldID != ""
		mu.Unlock()
		if held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("slow call never reached the wire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fast, err := sess.CallTool(context.Background(), "fast", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fast.Content[0].Text != "fast" {
		t.Errorf("fast call got %q", fast.Content[0].Text)
	}

	select {
	case slow := <-slowDone:
		if slow.Content[0].Text != "slow" {
			t.Errorf("slow call got %q", slow.Content[0].Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow call never resolved")
	}
}

func TestSessionCallTimeoutIsolation(t *testing.T) {
	srv, conn := newFakeServer()
	srv.setTools(mcpwire.Tool{Name: "never"}, mcpwire.Tool{Name: "echo"})
	conn.Handler = func(env mcpwire.Envelope) {
		if env.Method == mcpwire.MethodToolsCall {
			var params mcpwire.CallToolParams
			_ = json.Unmarshal(env.Params, &params)
			if params.Name == "never" {
				return
			}
		}
		srv.handle(env)
	}

	sess := connectSession(t, conn, mcpwire.WithCallTimeout(50*time.Millisecond))
	defer sess.Disconnect(context.Background())

	_, err := sess.CallTool(context.Background(), "never", nil)
	var timeoutErr *mcpwire.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got %v, want TimeoutError", err)
	}

	// A timed-out call is not a dead channel; the session stays ready and
	// other calls succeed.
	if sess.State() != mcpwire.StateReady {
		t.Fatalf("state = %s, want %s", sess.State(), mcpwire.StateReady)
	}
	if _, err := sess.CallTool(context.Background(), "echo", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionDisconnectCancelsPending(t *testing.T) {
	srv, conn := newFakeServer()
	srv.setTools(mcpwire.Tool{Name: "never"})
	conn.Handler = func(env mcpwire.Envelope) {
		if env.Method == mcpwire.MethodToolsCall {
			return
		}
		srv.handle(env)
	}

	sess := connectSession(t, conn)

	callDone := make(chan error, 1)
	go func() {
		_, err := sess.CallTool(context.Background(), "never", nil)
		callDone <- err
	}()

	// Wait until the call is on the wire before disconnecting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var pending bool
		for _, env := range conn.sentEnvelopes() {
			if env.Method == mcpwire.MethodToolsCall {
				pending = true
			}
		}
		if pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call never reached the wire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sess.Disconnect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case err := <-callDone:
		var cancelled *mcpwire.CancelledError
		if !errors.As(err, &cancelled) {
			t.Fatalf("got %v, want CancelledError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not cancelled on disconnect")
	}

	if sess.State() != mcpwire.StateDisconnected {
		t.Errorf("state = %s, want %s", sess.State(), mcpwire.StateDisconnected)
	}
	if _, err := sess.CallTool(context.Background(), "never", nil); err == nil {
		t.Error("call after disconnect must fail")
	}
}

func TestSessionConnectorFailureThenRetry(t *testing.T) {
	srv1, conn1 := newFakeServer()
	srv1.setTools(mcpwire.Tool{Name: "never"})
	conn1.Handler = func(env mcpwire.Envelope) {
		if env.Method == mcpwire.MethodToolsCall {
			return
		}
		srv1.handle(env)
	}
	srv2, conn2 := newFakeServer()
	srv2.setTools(mcpwire.Tool{Name: "echo"})

	conns := []*fakeConnector{conn1, conn2}
	var dialCount int
	sess := mcpwire.NewSession("s1", mcpwire.Info{Name: "test-client", Version: "0.0.1"},
		func() (mcpwire.Connector, error) {
			c := conns[dialCount]
			dialCount++
			return c, nil
		})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	callDone := make(chan error, 1)
	go func() {
		_, err := sess.CallTool(context.Background(), "never", nil)
		callDone <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		var pending bool
		for _, env := range conn1.sentEnvelopes() {
			if env.Method == mcpwire.MethodToolsCall {
				pending = true
			}
		}
		if pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call never reached the wire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn1.fail(errors.New("pipe broke"))

	select {
	case err := <-callDone:
		var sendErr *mcpwire.SendError
		if !errors.As(err, &sendErr) {
			t.Fatalf("got %v, want SendError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on connector loss")
	}

	deadline = time.Now().Add(2 * time.Second)
	for sess.State() != mcpwire.StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", sess.State(), mcpwire.StateFailed)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sess.Retry(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State() != mcpwire.StateReady {
		t.Fatalf("state = %s, want %s", sess.State(), mcpwire.StateReady)
	}
	if _, err := sess.CallTool(context.Background(), "echo", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess.Disconnect(context.Background())
}

func TestSessionConnectGuardsConcurrentCalls(t *testing.T) {
	_, conn := newFakeServer()

	var dials atomic.Int32
	sess := mcpwire.NewSession("s1", mcpwire.Info{Name: "test-client", Version: "0.0.1"},
		func() (mcpwire.Connector, error) {
			dials.Add(1)
			return conn, nil
		})

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sess.Connect(context.Background())
		}()
	}
	wg.Wait()
	defer sess.Disconnect(context.Background())

	var ok, rejected int
	for range 2 {
		if err := <-errs; err == nil {
			ok++
		} else {
			rejected++
		}
	}
	if ok != 1 || rejected != 1 {
		t.Errorf("got %d successes and %d rejections, want exactly one of each", ok, rejected)
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("connector dialed %d times, want 1", got)
	}
	if sess.State() != mcpwire.StateReady {
		t.Errorf("state = %s, want %s", sess.State(), mcpwire.StateReady)
	}
}

func TestSessionRetryOnlyFromFailed(t *testing.T) {
	_, conn := newFakeServer()
	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	if err := sess.Retry(context.Background()); err == nil {
		t.Error("retry from ready state must fail")
	}
}

func TestSessionListChangedTriggersRefresh(t *testing.T) {
	srv, conn := newFakeServer()
	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	srv.setTools(mcpwire.Tool{Name: "echo"}, mcpwire.Tool{Name: "extra"})
	conn.push(mcpwire.Envelope{
		JSONRPC: mcpwire.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := sess.Catalog().Tool("extra"); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("catalog never picked up the new tool")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionResourceUpdatedWatcher(t *testing.T) {
	_, conn := newFakeServer()

	updates := make(chan string, 1)
	sess := connectSession(t, conn,
		mcpwire.WithResourceUpdatedWatcher(watcherFunc(func(uri string) { updates <- uri })))
	defer sess.Disconnect(context.Background())

	conn.push(mcpwire.Envelope{
		JSONRPC: mcpwire.JSONRPCVersion,
		Method:  "notifications/resources/updated",
		Params:  json.RawMessage(`{"uri":"file:///etc/motd"}`),
	})

	select {
	case uri := <-updates:
		if uri != "file:///etc/motd" {
			t.Errorf("uri = %q", uri)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never notified")
	}
}

type watcherFunc func(uri string)

func (f watcherFunc) OnResourceUpdated(uri string) { f(uri) }

func TestSessionRespondsToServerPing(t *testing.T) {
	_, conn := newFakeServer()
	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	conn.push(mcpwire.Envelope{
		JSONRPC: mcpwire.JSONRPCVersion,
		ID:      "srv-ping-1",
		Method:  "ping",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, env := range conn.sentEnvelopes() {
			if env.ID == "srv-ping-1" && env.Result != nil {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("ping never answered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionReadResource(t *testing.T) {
	srv, conn := newFakeServer()
	srv.resources = []mcpwire.Resource{{URI: "file:///etc/motd", Name: "motd"}}
	srv.templates = []mcpwire.ResourceTemplate{{URITemplate: "file:///logs/{name}", Name: "log"}}

	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{name: "exact match", uri: "file:///etc/motd"},
		{name: "template match", uri: "file:///logs/app"},
		{name: "no match", uri: "file:///secrets/key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := sess.ReadResource(context.Background(), tt.uri)
			if tt.wantErr {
				var notFound *mcpwire.NotFoundError
				if !errors.As(err, &notFound) {
					t.Fatalf("got %v, want NotFoundError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result.Contents) != 1 || result.Contents[0].URI != tt.uri {
				t.Errorf("result = %+v", result)
			}
		})
	}
}

func TestSessionGetPrompt(t *testing.T) {
	srv, conn := newFakeServer()
	srv.prompts = []mcpwire.Prompt{{
		Name: "summarize",
		Arguments: []mcpwire.PromptArgument{
			{Name: "text", Required: true},
			{Name: "style"},
		},
	}}

	sess := connectSession(t, conn)
	defer sess.Disconnect(context.Background())

	if _, err := sess.GetPrompt(context.Background(), "summarize", nil); err == nil {
		t.Error("expected error for missing required argument")
	}
	if _, err := sess.GetPrompt(context.Background(), "missing", nil); err == nil {
		t.Error("expected error for unknown prompt")
	}

	result, err := sess.GetPrompt(context.Background(), "summarize",
		map[string]string{"text": "hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestSessionOperationsRequireReady(t *testing.T) {
	_, conn := newFakeServer()
	sess := mcpwire.NewSession("s1", mcpwire.Info{Name: "test-client", Version: "0.0.1"},
		func() (mcpwire.Connector, error) { return conn, nil })

	_, err := sess.CallTool(context.Background(), "echo", nil)
	var notConnected *mcpwire.NotConnectedError
	if !errors.As(err, &notConnected) {
		t.Fatalf("got %v, want NotConnectedError", err)
	}
	if notConnected.State != mcpwire.StateDiscovering {
		t.Errorf("state = %s", notConnected.State)
	}
}

func TestSessionAuthFlow(t *testing.T) {
	_, conn := newFakeServer()
	conn.openErrs = []error{
		&mcpwire.AuthRequiredError{AuthorizationURL: "https://auth.example.com/authorize"},
	}

	var mu sync.Mutex
	var transitions []mcpwire.SessionState
	sess := connectSession(t, conn,
		mcpwire.WithAuthProvider(&mcpwire.StaticTokenProvider{
			Token: &oauth2.Token{AccessToken: "secret-token"},
		}),
		mcpwire.WithStateChangeFunc(func(_ string, _, to mcpwire.SessionState) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		}))
	defer sess.Disconnect(context.Background())

	if got := conn.authToken(); got != "Bearer secret-token" {
		t.Errorf("token = %q", got)
	}
	if sess.AuthorizationURL() != "https://auth.example.com/authorize" {
		t.Errorf("authorization URL = %q", sess.AuthorizationURL())
	}

	mu.Lock()
	defer mu.Unlock()
	var sawAuth, sawPending bool
	for _, st := range transitions {
		if st == mcpwire.StateAuthenticating {
			sawAuth = true
		}
		if st == mcpwire.StatePendingAuth {
			sawPending = true
		}
	}
	if !sawAuth || !sawPending {
		t.Errorf("transitions = %v, want authenticating and pending_auth", transitions)
	}
}

func TestSessionAuthWithoutProvider(t *testing.T) {
	_, conn := newFakeServer()
	conn.openErrs = []error{
		&mcpwire.AuthRequiredError{AuthorizationURL: "https://auth.example.com/authorize"},
	}

	sess := mcpwire.NewSession("s1", mcpwire.Info{Name: "test-client", Version: "0.0.1"},
		func() (mcpwire.Connector, error) { return conn, nil })
	err := sess.Connect(context.Background())

	var authErr *mcpwire.AuthRequiredError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want AuthRequiredError", err)
	}
	if sess.State() != mcpwire.StateFailed {
		t.Errorf("state = %s, want %s", sess.State(), mcpwire.StateFailed)
	}
	if sess.AuthorizationURL() != "https://auth.example.com/authorize" {
		t.Errorf("authorization URL = %q", sess.AuthorizationURL())
	}
}
