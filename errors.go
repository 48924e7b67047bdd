package mcpwire

import (
	"fmt"
	"time"
)

// ConnectError reports that an endpoint was unreachable or rejected the
// transport handshake. It is fatal to the connection attempt.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports that the channel closed while writing an outgoing
// envelope. It is treated like a connector failure.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send message: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// TimeoutError reports that no response arrived within the per-call deadline.
// A timed out call does not imply the channel is dead; other pending calls
// are unaffected.
type TimeoutError struct {
	ID      string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.ID, e.Elapsed)
}

// RemoteError reports that the remote explicitly returned an error envelope.
// The error object is surfaced verbatim and the call is never retried, since
// the remote operation's side effects are unknown.
type RemoteError struct {
	Method string
	Obj    *ErrorObject
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Obj)
}

func (e *RemoteError) Unwrap() error { return e.Obj }

// NotConnectedError reports that an operation requiring the ready state was
// invoked while the session was in some other state. Callers get deterministic
// feedback instead of an indefinite hang.
type NotConnectedError struct {
	State SessionState
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("session not connected, state: %s", e.State)
}

// CancelledError reports that a pending call was resolved by a disconnect or
// an explicit cancellation rather than a response.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("call cancelled: %s", e.Reason)
}

// NotFoundError reports that a tool, resource URI, or prompt has no matching
// descriptor in the session's capability catalog.
type NotFoundError struct {
	Kind CapabilityKind
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// AuthRequiredError reports that the endpoint demands a credential exchange
// before the session can proceed. AuthorizationURL is the URL the caller (or
// the injected AuthProvider) must act on.
type AuthRequiredError struct {
	AuthorizationURL string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authorization required: %s", e.AuthorizationURL)
}

// WSCloseError carries the last known close code and reason of an
// unexpectedly closed WebSocket connection.
type WSCloseError struct {
	Code   int
	Reason string
}

func (e *WSCloseError) Error() string {
	return fmt.Sprintf("websocket closed, code: %d, reason: %s", e.Code, e.Reason)
}
