// Package actor implements an OTP-flavored actor runtime on top of
// cooperative task groups: addressable processes with private mailboxes and
// selective receive, a generic server template for request/reply and
// fire-and-forget interactions, supervisors that restart failed children
// under declarative policies, and a process-local name registry.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gotp/task"
)

// LifecycleState is the coarse state of a process as driven by its runtime
// driver. It is exposed for introspection and tests; the driver alone
// advances it.
type LifecycleState uint32

const (
	// StatePreInit is the state before the driver has begun executing.
	StatePreInit LifecycleState = iota

	// StateInitializing is the state while Init runs.
	StateInitializing

	// StateRunning is the steady state: Run is invoked repeatedly.
	StateRunning

	// StateTerminating is the state while Terminate runs.
	StateTerminating

	// StateExited is the terminal state. The mailbox is closed and the
	// on-exit callback (if any) has fired.
	StateExited
)

// String returns the state name.
func (s LifecycleState) String() string {
	switch s {
	case StatePreInit:
		return "pre_init"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Behavior defines the logic of a process through three lifecycle hooks. The
// driver owns the loop; user code enters only through these hooks.
type Behavior interface {
	// Init runs once and returns the initial state. A failure skips the
	// run loop entirely and drives the process to termination with a nil
	// state.
	Init(ctx context.Context, ac *ActorContext) (any, error)

	// Run is invoked repeatedly with the current state and returns the
	// next one. Each invocation must perform at least one receive (or
	// other suspension) so the scheduler can make progress and
	// cancellation can be delivered. Returning an error drives the
	// process to termination.
	Run(ctx context.Context, ac *ActorContext, state any) (any, error)

	// Terminate is invoked on every exit path the runtime controls, with
	// the most recently returned state (nil if Init never completed).
	// The context is detached from the process's own scope so cleanup
	// can proceed during cancellation, bounded by a deadline.
	Terminate(ctx context.Context, ac *ActorContext, reason *ExitReason,
		state any)
}

// BaseBehavior provides no-op Init and Terminate hooks so behaviors that
// only need a run loop can embed it.
type BaseBehavior struct{}

// Init returns a nil initial state.
func (BaseBehavior) Init(context.Context, *ActorContext) (any, error) {
	return nil, nil
}

// Terminate does nothing.
func (BaseBehavior) Terminate(context.Context, *ActorContext, *ExitReason,
	any) {
}

// OnExitFunc is the parent-facing exit notification registered at start
// time. It is invoked exactly once, after Terminate, with the process's PID
// and structured exit reason. The runtime swallows anything it panics with:
// from the process's point of view the callback is infallible.
type OnExitFunc func(pid PID, reason *ExitReason)

// terminateTimeout bounds how long a Terminate hook may run once the
// process's own scope is already dead.
const terminateTimeout = 5 * time.Second

// startConfig holds the options applied at process start.
type startConfig struct {
	name        string
	mailboxCap  int
	onExit      fn.Option[OnExitFunc]
	parentScope fn.Option[*task.Scope]
}

// StartOption is a functional option for Start and StartLink.
type StartOption func(*startConfig)

// WithName attaches a human-readable name to the process for log output.
// Names carry no routing semantics; use the registry for discovery.
func WithName(name string) StartOption {
	return func(cfg *startConfig) {
		cfg.name = name
	}
}

// WithMailboxCapacity pre-sizes the process's mailbox buffer.
func WithMailboxCapacity(n int) StartOption {
	return func(cfg *startConfig) {
		cfg.mailboxCap = n
	}
}

// WithOnExit registers the exit notification callback.
func WithOnExit(cb OnExitFunc) StartOption {
	return func(cfg *startConfig) {
		cfg.onExit = fn.Some(cb)
	}
}

// WithParentScope nests the process's cancel scope under the given scope
// instead of directly under the task group. Supervisors use this so that
// cancelling the supervisor cancels all of its descendants.
func WithParentScope(s *task.Scope) StartOption {
	return func(cfg *startConfig) {
		cfg.parentScope = fn.Some(s)
	}
}

// ActorContext is the driver-owned record of a live process: its PID,
// mailbox, task group, and cancel scope. It is handed to every behavior hook
// and mutated only by the owning task.
type ActorContext struct {
	pid     PID
	name    string
	mailbox *Mailbox
	group   *task.Group
	scope   *task.Scope
	state   atomic.Uint32
}

// Self returns the process's own PID.
func (ac *ActorContext) Self() PID {
	return ac.pid
}

// Name returns the process's log name.
func (ac *ActorContext) Name() string {
	return ac.name
}

// Group returns the task group the process was started into. Sub-tasks
// belonging to the process must be spawned through it.
func (ac *ActorContext) Group() *task.Group {
	return ac.group
}

// Scope returns the process's cancel scope.
func (ac *ActorContext) Scope() *task.Scope {
	return ac.scope
}

// State returns the process's current lifecycle state.
func (ac *ActorContext) State() LifecycleState {
	return LifecycleState(ac.state.Load())
}

// Receive performs one selective receive on the process's own mailbox. Only
// the owning task may call this.
func (ac *ActorContext) Receive(ctx context.Context,
	timeout fn.Option[time.Duration], clauses ...ReceiveClause,
) (any, error) {

	return ac.mailbox.Receive(ctx, timeout, clauses...)
}

func (ac *ActorContext) setState(s LifecycleState) {
	ac.state.Store(uint32(s))
}

// Handle is the linked view of a started process: its PID plus the cancel
// scope, completion signal, and final exit reason.
type Handle struct {
	pid   PID
	scope *task.Scope

	done chan struct{}

	mu     sync.Mutex
	reason *ExitReason
}

// PID returns the process's address.
func (h *Handle) PID() PID {
	return h.pid
}

// Cancel cancels the process's scope. The driver observes the cancellation
// at the next suspension point, runs Terminate, and reports reason "normal".
func (h *Handle) Cancel() {
	h.scope.Cancel()
}

// Scope returns the process's cancel scope.
func (h *Handle) Scope() *task.Scope {
	return h.scope
}

// Done returns a channel closed once the process has fully exited (after
// Terminate and the on-exit callback).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitReason returns the process's final exit reason, or nil if it has not
// exited yet.
func (h *Handle) ExitReason() *ExitReason {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.reason
}

func (h *Handle) complete(reason *ExitReason) {
	h.mu.Lock()
	h.reason = reason
	h.mu.Unlock()

	close(h.done)
}

// Start spawns a process driving the given behavior inside the provided task
// group and blocks until Init has either succeeded or failed. On failure the
// init error is returned and the process never enters the run loop (its
// Terminate hook and on-exit callback still fire). The PID and mailbox exist
// before Start returns, so messages sent afterwards are never lost.
func Start(g *task.Group, b Behavior, opts ...StartOption) (PID, error) {
	h, err := StartLink(g, b, opts...)
	if err != nil {
		return ZeroPID, err
	}

	return h.PID(), nil
}

// StartLink is Start, additionally returning the Handle exposing the
// process's cancel scope and exit signal.
func StartLink(g *task.Group, b Behavior, opts ...StartOption,
) (*Handle, error) {

	cfg := startConfig{mailboxCap: 16}
	for _, opt := range opts {
		opt(&cfg)
	}

	mb := NewMailbox(cfg.mailboxCap)
	pid := newPID(mb)

	name := cfg.name
	if name == "" {
		name = pid.String()
	}

	// The scope nests under the parent scope when one was supplied so an
	// ancestor's cancellation cascades here; otherwise directly under
	// the group.
	scope := cfg.parentScope.UnwrapOr(nil)
	if scope != nil {
		scope = scope.Child()
	} else {
		scope = g.NewScope()
	}

	ac := &ActorContext{
		pid:     pid,
		name:    name,
		mailbox: mb,
		group:   g,
		scope:   scope,
	}

	h := &Handle{
		pid:   pid,
		scope: scope,
		done:  make(chan struct{}),
	}

	initDone := make(chan error, 1)

	g.Go(func(context.Context) error {
		return runActor(ac, b, cfg, h, initDone)
	})

	// Block until Init has completed one way or the other. The driver
	// keeps going on failure (Terminate, on-exit) while we surface the
	// error to the caller here.
	if err := <-initDone; err != nil {
		return h, fmt.Errorf("init failed: %w", err)
	}

	return h, nil
}

// runActor is the driver: it walks the behavior through the lifecycle,
// translating every failure mode into a structured exit reason. Handler
// failures are contained here; they never tear down the owning task group.
func runActor(ac *ActorContext, b Behavior, cfg startConfig, h *Handle,
	initDone chan<- error,
) error {

	ctx := ac.scope.Context()

	var (
		state  any
		reason *ExitReason
	)

	ac.setState(StateInitializing)
	log.DebugS(ctx, "Actor initializing", "actor", ac.name,
		"pid", ac.pid)

	state, err := guardInit(ctx, b, ac)
	initDone <- err

	switch {
	case err != nil:
		reason = reasonFromRunError(ctx, err)
		state = nil

		log.WarnS(ctx, "Actor init failed", err, "actor", ac.name)

	default:
		ac.setState(StateRunning)

		// The run loop: each iteration performs at least one
		// suspension inside Run, which is where cancellation is
		// delivered.
		for reason == nil {
			var next any
			next, err = guardRun(ctx, b, ac, state)
			switch {
			case err == nil:
				state = next

			default:
				reason = reasonFromRunError(ctx, err)
			}
		}
	}

	ac.setState(StateTerminating)

	if reason.Abnormal() {
		log.WarnS(ctx, "Actor terminating", reason.Err(),
			"actor", ac.name, "pid", ac.pid)
	} else {
		log.DebugS(ctx, "Actor terminating", "actor", ac.name,
			"pid", ac.pid, "reason", reason)
	}

	// Terminate runs detached from the (possibly dead) scope, bounded by
	// a deadline so a stuck cleanup cannot wedge shutdown.
	termCtx, termCancel := context.WithTimeout(
		context.Background(), terminateTimeout,
	)
	guardTerminate(termCtx, b, ac, reason, state)
	termCancel()

	// Drop the mailbox with the record: unread messages are discarded
	// and later sends to this PID vanish.
	ac.mailbox.Close()

	// The exit notification fires exactly once and must be infallible
	// from this side: anything it panics with is swallowed.
	cfg.onExit.WhenSome(func(onExit OnExitFunc) {
		defer func() {
			if r := recover(); r != nil {
				log.ErrorS(ctx, "on-exit callback panicked",
					fmt.Errorf("%v", r),
					"actor", ac.name)
			}
		}()

		onExit(ac.pid, reason)
	})

	ac.setState(StateExited)
	h.complete(reason)

	// A supervisor that dies of restart overload without a parent to
	// notify surfaces the failure to the root task group; every other
	// failure is contained.
	if cfg.onExit.IsNone() &&
		errors.Is(reason.Err(), ErrMaxRestartsExceeded) {

		return reason.Err()
	}

	return nil
}

// guardInit invokes Init, converting a panic into an error.
func guardInit(ctx context.Context, b Behavior, ac *ActorContext,
) (state any, err error) {

	defer func() {
		if r := recover(); r != nil {
			state = nil
			err = fmt.Errorf("init panic: %v", r)
		}
	}()

	return b.Init(ctx, ac)
}

// guardRun invokes one Run iteration, converting a panic into an error.
func guardRun(ctx context.Context, b Behavior, ac *ActorContext, state any,
) (next any, err error) {

	defer func() {
		if r := recover(); r != nil {
			next = nil
			err = fmt.Errorf("run panic: %v", r)
		}
	}()

	return b.Run(ctx, ac, state)
}

// guardTerminate invokes Terminate, swallowing panics: termination must
// always complete.
func guardTerminate(ctx context.Context, b Behavior, ac *ActorContext,
	reason *ExitReason, state any,
) {

	defer func() {
		if r := recover(); r != nil {
			log.ErrorS(ctx, "Terminate hook panicked",
				fmt.Errorf("%v", r), "actor", ac.name)
		}
	}()

	b.Terminate(ctx, ac, reason, state)
}
