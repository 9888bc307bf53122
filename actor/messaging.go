package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Reserved protocol tags. Conventional protocol messages are tagged tuples
// whose first element is one of these strings; user code must not send
// messages whose first element collides with them unless deliberately
// impersonating the protocol.
const (
	// TagCast tags a fire-and-forget request: ($cast, request).
	TagCast = "$cast"

	// TagCall tags a request expecting a reply:
	// ($call, ref, replyTo, request).
	TagCall = "$call"

	// TagReply tags a call reply: ($reply, ref, value).
	TagReply = "$reply"

	// TagChildDown tags a supervisor child-exit notification:
	// ($child_down, childID, pid, reason).
	TagChildDown = "$child_down"

	// TagTerminateChild tags the supervisor command to stop a child:
	// ($terminate_child, childID).
	TagTerminateChild = "$terminate_child"

	// TagRestartChild tags the supervisor command to bounce a child:
	// ($restart_child, childID).
	TagRestartChild = "$restart_child"

	// TagWhichChildren tags the supervisor query for the child listing:
	// ($which_children,), carried inside a $call envelope.
	TagWhichChildren = "$which_children"

	// TagCountChildren tags the supervisor query for the child count:
	// ($count_children,), carried inside a $call envelope.
	TagCountChildren = "$count_children"

	// TagTaskSuccess tags a background task completion:
	// ($task_success, taskPID, result).
	TagTaskSuccess = "$task_success"

	// TagTaskFailure tags a background task failure:
	// ($task_failure, taskPID, reason).
	TagTaskFailure = "$task_failure"
)

// DefaultCallTimeout is how long Call waits for a reply when no override is
// given.
const DefaultCallTimeout = 5 * time.Second

// Send enqueues a message into the destination's mailbox. It never blocks
// and never fails: if the destination has exited (or the PID is zero), the
// message is dropped silently. There is no backpressure.
func Send(pid PID, msg any) {
	if pid.mailbox == nil {
		return
	}

	pid.mailbox.Put(msg)
}

// Cast sends a fire-and-forget request to a GenServer, wrapped in the $cast
// envelope.
func Cast(pid PID, req any) {
	Send(pid, Tuple{TagCast, req})
}

// callConfig holds per-call options.
type callConfig struct {
	timeout time.Duration
}

// CallOption is a functional option for Call.
type CallOption func(*callConfig)

// WithCallTimeout overrides the call's reply deadline.
func WithCallTimeout(d time.Duration) CallOption {
	return func(cfg *callConfig) {
		cfg.timeout = d
	}
}

// Call sends a request to a GenServer and awaits its reply:
//
//  1. An ephemeral mailbox and one-shot reply PID are allocated, along with
//     a fresh Ref.
//  2. ($call, ref, replyTo, request) is sent to the destination.
//  3. The caller blocks on the ephemeral mailbox for ($reply, ref, _),
//     correlating strictly on the ref, so replies can never race messages
//     on the caller's primary mailbox.
//
// On timeout the error is ErrReceiveTimeout and the ephemeral mailbox is
// reclaimed immediately; a late reply to it is dropped silently.
func Call(ctx context.Context, pid PID, req any, opts ...CallOption,
) (any, error) {

	cfg := callConfig{timeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	replyMb := NewMailbox(1)
	defer replyMb.Close()

	replyTo := newPID(replyMb)
	ref := NewRef()

	log.TraceS(ctx, "Issuing call", "dest", pid, "ref", ref)

	Send(pid, Tuple{TagCall, ref, replyTo, req})

	replyPattern, err := Compile(Tuple{TagReply, ref, Any})
	if err != nil {
		// The reply pattern is built from runtime values only; this
		// is unreachable short of a matcher bug.
		return nil, fmt.Errorf("reply pattern: %w", err)
	}

	return replyMb.Receive(ctx, fn.Some(cfg.timeout), ReceiveClause{
		Pattern: replyPattern,
		Handler: func(_ context.Context, binds ...any) (any, error) {
			return binds[0], nil
		},
	})
}
