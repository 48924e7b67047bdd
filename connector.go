package mcpwire

import (
	"context"
	"iter"
	"math/rand/v2"
	"time"
)

// Connector provides a transport-specific duplex channel to one remote
// endpoint. Implementations exist for child-process stdio pipes
// (StdioConnector), HTTP with SSE streaming (HTTPConnector), and persistent
// WebSocket sockets (WebSocketConnector). A Connector is exclusively owned by
// one Session and never shared.
type Connector interface {
	// Open establishes the channel. Failures are fatal to the attempt and
	// reported synchronously, wrapped in ConnectError, or as
	// AuthRequiredError when the endpoint demands a credential exchange.
	Open(ctx context.Context) error

	// Send transmits one envelope. It fails with SendError if the channel
	// is closed.
	Send(ctx context.Context, env Envelope) error

	// Messages returns an iterator over inbound envelopes. The sequence is
	// finite only when the channel closes; post-connect failures (socket
	// drop, process exit, stream error) end the iteration rather than
	// surfacing as a synchronous error. Err reports the cause afterwards.
	Messages() iter.Seq[Envelope]

	// Err returns the terminal channel error after Messages stops, or nil
	// if the channel closed cleanly.
	Err() error

	// Close tears down the channel and releases owned resources. It is
	// idempotent and always safe to call twice.
	Close() error
}

// authSetter is implemented by connectors that can carry an Authorization
// credential on subsequent traffic. The Session applies the token obtained
// from its AuthProvider through this interface.
type authSetter interface {
	SetAuthorization(token string)
}

// backoffPolicy bounds reconnection attempts with exponential backoff.
// Attempts is the total retry budget; delays start at Initial, double per
// attempt, and are capped at Max with a small jitter applied.
type backoffPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

var defaultBackoff = backoffPolicy{
	Attempts: 5,
	Initial:  500 * time.Millisecond,
	Max:      10 * time.Second,
}

// delay returns the wait before the given zero-based attempt.
func (b backoffPolicy) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	// Jitter of up to ±10% keeps reconnecting clients from synchronizing.
	jitter := time.Duration(rand.Int64N(int64(d)/5+1)) - d/10
	return d + jitter
}

// sleep waits for the given attempt's delay, returning early with false if
// the context is cancelled or the done channel closes.
func (b backoffPolicy) sleep(ctx context.Context, done <-chan struct{}, attempt int) bool {
	timer := time.NewTimer(b.delay(attempt))
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}
