package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// PendingCalls correlates outbound requests with the callers awaiting them.
//
// Each registered call ends in exactly one outcome: a resolved value, a timeout,
// or a connection-closed failure. Whichever path removes the entry from the
// table first owns the outcome; the others become no-ops.
type PendingCalls[T any] struct {
	clock clock.Clock

	mu       sync.Mutex
	calls    map[int]*PendingCall[T]
	closeErr error
}

// PendingCall is one outstanding request.
type PendingCall[T any] struct {
	Seq      int
	Command  string
	Deadline time.Time

	result chan outcome[T]
	table  *PendingCalls[T]
}

type outcome[T any] struct {
	value T
	err   error
}

// NewPendingCalls creates an empty table. A nil clock means the wall clock.
func NewPendingCalls[T any](clk clock.Clock) *PendingCalls[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &PendingCalls[T]{
		clock: clk,
		calls: make(map[int]*PendingCall[T]),
	}
}

// Add registers a call under seq. A zero deadline means the call waits until
// resolved or the table closes. Sequence numbers must be unique while pending.
func (p *PendingCalls[T]) Add(seq int, command string, deadline time.Time) (*PendingCall[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closeErr != nil {
		return nil, p.closeErr
	}
	if _, exists := p.calls[seq]; exists {
		return nil, fmt.Errorf("sequence number %d is already pending", seq)
	}

	call := &PendingCall[T]{
		Seq:      seq,
		Command:  command,
		Deadline: deadline,
		result:   make(chan outcome[T], 1),
		table:    p,
	}
	p.calls[seq] = call
	return call, nil
}

// Resolve delivers v to the call registered under seq.
// It returns false when no such call is pending (unknown, late, or already failed).
func (p *PendingCalls[T]) Resolve(seq int, v T) bool {
	call := p.take(seq)
	if call == nil {
		return false
	}
	call.result <- outcome[T]{value: v}
	return true
}

// Fail completes the call registered under seq with err.
func (p *PendingCalls[T]) Fail(seq int, err error) bool {
	call := p.take(seq)
	if call == nil {
		return false
	}
	call.result <- outcome[T]{err: err}
	return true
}

// Close fails every pending call with err (ErrConnectionClosed when nil) and
// rejects further registrations. Closing twice keeps the first error.
func (p *PendingCalls[T]) Close(err error) {
	if err == nil {
		err = ErrConnectionClosed
	} else if !errors.Is(err, ErrConnectionClosed) {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}

	p.mu.Lock()
	if p.closeErr != nil {
		p.mu.Unlock()
		return
	}
	p.closeErr = err
	calls := p.calls
	p.calls = make(map[int]*PendingCall[T])
	p.mu.Unlock()

	for _, call := range calls {
		call.result <- outcome[T]{err: err}
	}
}

// Len returns the number of calls still awaiting an outcome.
func (p *PendingCalls[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *PendingCalls[T]) take(seq int) *PendingCall[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[seq]
	if !ok {
		return nil
	}
	delete(p.calls, seq)
	return call
}

// Wait blocks until the call has an outcome. When the deadline elapses or ctx
// ends first, the entry is removed and a timeout (or cancellation) error is
// returned; a response arriving afterwards is dropped by Resolve.
func (c *PendingCall[T]) Wait(ctx context.Context) (T, error) {
	var zero T

	var expired <-chan time.Time
	if !c.Deadline.IsZero() {
		remaining := c.Deadline.Sub(c.table.clock.Now())
		if remaining <= 0 {
			return c.expire()
		}
		timer := c.table.clock.Timer(remaining)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case o := <-c.result:
		return o.value, o.err
	case <-expired:
		return c.expire()
	case <-ctx.Done():
		if c.table.take(c.Seq) == nil {
			o := <-c.result
			return o.value, o.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %s (seq %d)", ErrTimeout, c.Command, c.Seq)
		}
		return zero, fmt.Errorf("%s (seq %d) abandoned: %w", c.Command, c.Seq, ctx.Err())
	}
}

func (c *PendingCall[T]) expire() (T, error) {
	var zero T
	if c.table.take(c.Seq) == nil {
		// Another outcome won the race and is already buffered.
		o := <-c.result
		return o.value, o.err
	}
	return zero, fmt.Errorf("%w: %s (seq %d)", ErrTimeout, c.Command, c.Seq)
}
