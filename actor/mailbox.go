package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// HandlerFunc is invoked with the bindings extracted by the clause's pattern
// when a receive selects a buffered message. Its return value becomes the
// return value of the receive. A receive is not complete until its handler
// returns; the mailbox lock is never held across the invocation, so handlers
// are free to suspend.
type HandlerFunc func(ctx context.Context, binds ...any) (any, error)

// ReceiveClause pairs a compiled pattern with the handler to run when the
// pattern selects a message.
type ReceiveClause struct {
	// Pattern selects messages this clause consumes.
	Pattern *Pattern

	// Handler consumes the selected message's bindings.
	Handler HandlerFunc
}

// When is shorthand for constructing a ReceiveClause from a static pattern.
func When(pattern any, handler HandlerFunc) ReceiveClause {
	return ReceiveClause{
		Pattern: MustCompile(pattern),
		Handler: handler,
	}
}

// Mailbox is a FIFO message buffer with selective receive. Messages are
// never reordered by enqueue; a receive may remove any single matching
// message, leaving the rest in their original relative order.
//
// Concurrency discipline: any number of producers may Put concurrently, but
// a mailbox has exactly one logical consumer (the owning process, or the
// ephemeral waiter of a call). Concurrent Receive calls on one mailbox are
// undefined behavior.
//
// The receive scan is O(N*P) over buffered messages and clauses. That cost
// is inherent to selective receive and intentionally not indexed away;
// mailbox depths are expected to stay small.
type Mailbox struct {
	mu     sync.Mutex
	buf    []any
	closed bool

	// wake is a capacity-1 signal channel. Put posts to it without
	// blocking; the consumer drains it before re-scanning the buffer.
	wake chan struct{}
}

// NewMailbox creates an empty mailbox. The capacity is only a pre-allocation
// hint for the buffer; the mailbox itself is unbounded.
func NewMailbox(capacity int) *Mailbox {
	if capacity < 0 {
		capacity = 0
	}

	return &Mailbox{
		buf:  make([]any, 0, capacity),
		wake: make(chan struct{}, 1),
	}
}

// Put enqueues a message at the tail of the buffer and wakes the consumer if
// it is suspended. Put never blocks and never fails; a message put into a
// closed mailbox is silently dropped, matching the contract that sends to a
// dead process vanish without backpressure.
func (m *Mailbox) Put(msg any) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		log.TraceS(context.Background(),
			"Dropping message for closed mailbox")

		return
	}
	m.buf = append(m.buf, msg)
	m.mu.Unlock()

	// Post the wake signal without blocking. A single pending signal is
	// enough: the consumer re-scans the entire buffer on each wake.
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of buffered messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.buf)
}

// Closed reports whether the mailbox has been closed.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// Close closes the mailbox, discarding any buffered messages and turning
// future puts into no-ops. Closing is idempotent. A crash erases in-flight
// messages: there is no persistent mailbox.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	dropped := len(m.buf)
	m.buf = nil
	m.mu.Unlock()

	if dropped > 0 {
		log.DebugS(context.Background(), "Mailbox closed",
			"dropped_messages", dropped)
	}

	// Nudge a suspended consumer so it observes the closure promptly.
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Receive performs one selective receive against the mailbox:
//
//  1. Scan the buffer head to tail. For each message, try the clauses in
//     order; the first clause whose pattern matches removes the message,
//     runs its handler with the extracted bindings, and the handler's value
//     is returned.
//  2. If nothing buffered matches, suspend until a new message arrives
//     (then rescan), the timeout elapses (ErrReceiveTimeout), or the
//     context is cancelled.
//
// A timeout of fn.None means wait indefinitely. Timeout expiry leaves the
// buffer untouched. Exactly one handler runs per successful receive.
func (m *Mailbox) Receive(ctx context.Context,
	timeout fn.Option[time.Duration], clauses ...ReceiveClause,
) (any, error) {

	if len(clauses) == 0 {
		return nil, fmt.Errorf("receive requires at least one clause")
	}
	for i, cl := range clauses {
		if cl.Pattern == nil || cl.Handler == nil {
			return nil, fmt.Errorf("receive clause %d is "+
				"incomplete", i)
		}
	}

	// Arm the deadline once, up front: a wake that doesn't produce a
	// match must not extend the wait.
	var (
		deadline <-chan time.Time
		timer    *time.Timer
	)
	timeout.WhenSome(func(d time.Duration) {
		timer = time.NewTimer(d)
		deadline = timer.C
	})
	if timer != nil {
		defer timer.Stop()
	}

	for {
		matched, value, err := m.tryReceive(ctx, clauses)
		if matched {
			return value, err
		}
		if err != nil {
			return nil, err
		}

		select {
		case <-m.wake:
			// New message (or closure); rescan.

		case <-deadline:
			return nil, ErrReceiveTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryReceive performs a single scan pass. It reports whether a clause
// matched; when it did, the handler's result is returned. An error with
// matched=false aborts the receive (closed mailbox).
func (m *Mailbox) tryReceive(ctx context.Context,
	clauses []ReceiveClause,
) (bool, any, error) {

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, nil, ErrMailboxClosed
	}

	for i, msg := range m.buf {
		for _, cl := range clauses {
			binds, ok := cl.Pattern.Match(msg)
			if !ok {
				continue
			}

			// Remove the message, preserving the relative order
			// of everything else, then run the handler without
			// the lock held so it may suspend freely.
			m.buf = append(m.buf[:i], m.buf[i+1:]...)
			m.mu.Unlock()

			value, err := cl.Handler(ctx, binds...)

			return true, value, err
		}
	}
	m.mu.Unlock()

	return false, nil, nil
}
