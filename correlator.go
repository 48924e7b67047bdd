package mcpwire

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Correlator matches asynchronous responses to their originating requests by
// id. It owns all pending-call bookkeeping for one Session: issuing unique
// ids, delivering each response to the caller that issued the request, timing
// out callers whose response never arrives, and failing every outstanding
// call deterministically on disconnect.
//
// Responses arrive out of order when round-trip latencies differ, which is
// why correlation by id rather than FIFO matching is used throughout.
type Correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// pendingCall tracks one outstanding request. The outcome channel is buffered
// so resolution never blocks the read loop.
type pendingCall struct {
	id        string
	createdAt time.Time
	outcome   chan callOutcome
}

type callOutcome struct {
	env Envelope
	err error
}

// NewCorrelator creates a Correlator. A nil logger falls back to
// slog.Default().
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		logger:  logger,
		pending: make(map[string]*pendingCall),
	}
}

// Issue returns a fresh id guaranteed not to collide with any currently
// pending id.
func (c *Correlator) Issue() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		id := uuid.New().String()
		if _, ok := c.pending[id]; !ok {
			return id
		}
	}
}

// Track registers a pending call for the given id. It fails if the id is
// already pending; ids are never reused while a response is outstanding.
func (c *Correlator) Track(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		return fmt.Errorf("id already pending: %s", id)
	}
	c.pending[id] = &pendingCall{
		id:        id,
		createdAt: time.Now(),
		outcome:   make(chan callOutcome, 1),
	}
	return nil
}

// Release removes a pending call without delivering anything, used when the
// request could not be written to the channel in the first place.
func (c *Correlator) Release(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Wait blocks until the tracked call resolves, the timeout fires, or the
// context is cancelled. Expiry removes the pending call and returns
// TimeoutError; a slow call is not evidence of a dead channel, so no other
// state is touched.
func (c *Correlator) Wait(ctx context.Context, id string, timeout time.Duration) (Envelope, error) {
	c.mu.Lock()
	call, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return Envelope{}, fmt.Errorf("no pending call for id: %s", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-call.outcome:
		if out.err != nil {
			return Envelope{}, out.err
		}
		return out.env, nil
	case <-timer.C:
		c.Release(id)
		return Envelope{}, &TimeoutError{ID: id, Elapsed: timeout}
	case <-ctx.Done():
		c.Release(id)
		return Envelope{}, ctx.Err()
	}
}

// Resolve delivers a response envelope to the caller waiting on its id and
// removes the pending call atomically. A response whose id has no matching
// pending entry is logged and discarded, which defends against duplicate or
// late responses after a timeout already fired.
func (c *Correlator) Resolve(env Envelope) bool {
	c.mu.Lock()
	call, ok := c.pending[string(env.ID)]
	if ok {
		delete(c.pending, string(env.ID))
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("discarding response with no pending call", "id", string(env.ID))
		return false
	}

	call.outcome <- callOutcome{env: env}
	return true
}

// CancelAll fails every outstanding call with the given error. Used on
// disconnect so no caller is left waiting forever.
func (c *Correlator) CancelAll(err error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.outcome <- callOutcome{err: err}
	}
}

// PendingCount returns the number of outstanding calls.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
