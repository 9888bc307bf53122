package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gotp/task"
)

// GenServerBehavior is the hook set of a generic server: a process whose run
// loop consumes the $call/$cast protocol shapes and dispatches to these
// handlers. Embed BaseGenServer to inherit defaults for the hooks a server
// does not care about.
type GenServerBehavior interface {
	// InitServer runs once and returns the server's initial state. The
	// *GenServer gives access to the server's own PID and to
	// StartBackgroundTask.
	InitServer(ctx context.Context, srv *GenServer) (any, error)

	// HandleCall serves one request/reply interaction. The returned
	// reply is routed back to the caller correlated by ref; the second
	// value becomes the server's next state. An error fails the server.
	HandleCall(ctx context.Context, req any, ref Ref, state any,
	) (any, any, error)

	// HandleCast serves one fire-and-forget request and returns the next
	// state.
	HandleCast(ctx context.Context, req any, state any) (any, error)

	// HandleInfo consumes any message that is neither a protocol
	// envelope nor a task notification.
	HandleInfo(ctx context.Context, msg any, state any) (any, error)

	// HandleTaskSuccess consumes the completion notification of a
	// background task started via StartBackgroundTask.
	HandleTaskSuccess(ctx context.Context, taskPID PID, result any,
		state any) (any, error)

	// HandleTaskFailure consumes the failure notification of a
	// background task.
	HandleTaskFailure(ctx context.Context, taskPID PID, taskErr error,
		state any) (any, error)

	// TerminateServer runs on every exit path, after the run loop has
	// stopped and all background tasks have been cancelled.
	TerminateServer(ctx context.Context, reason *ExitReason, state any)
}

// BaseGenServer supplies the default hook implementations: casts, infos and
// task notifications leave the state untouched, and an unhandled call fails
// the server to surface the missing branch as a bug rather than swallowing
// the request. No reply is sent, so the caller still times out.
type BaseGenServer struct{}

// InitServer returns a nil initial state.
func (BaseGenServer) InitServer(context.Context, *GenServer) (any, error) {
	return nil, nil
}

// HandleCall fails the server with ErrUnhandledCall.
func (BaseGenServer) HandleCall(_ context.Context, req any, _ Ref,
	_ any) (any, any, error) {

	return nil, nil, fmt.Errorf("%w: %T", ErrUnhandledCall, req)
}

// HandleCast returns the state unchanged.
func (BaseGenServer) HandleCast(_ context.Context, _ any, state any,
) (any, error) {

	return state, nil
}

// HandleInfo returns the state unchanged.
func (BaseGenServer) HandleInfo(_ context.Context, _ any, state any,
) (any, error) {

	return state, nil
}

// HandleTaskSuccess returns the state unchanged.
func (BaseGenServer) HandleTaskSuccess(_ context.Context, _ PID, _ any,
	state any) (any, error) {

	return state, nil
}

// HandleTaskFailure returns the state unchanged.
func (BaseGenServer) HandleTaskFailure(_ context.Context, _ PID, _ error,
	state any) (any, error) {

	return state, nil
}

// TerminateServer does nothing.
func (BaseGenServer) TerminateServer(context.Context, *ExitReason, any) {}

// The generic server's receive clauses, compiled once. Order matters: the
// protocol envelopes are tried before the catch-all info clause.
var (
	callPattern = MustCompile(
		Tuple{TagCall, TypeOf[Ref](), TypeOf[PID](), Any},
	)
	castPattern        = MustCompile(Tuple{TagCast, Any})
	taskSuccessPattern = MustCompile(
		Tuple{TagTaskSuccess, TypeOf[PID](), Any},
	)
	taskFailurePattern = MustCompile(
		Tuple{TagTaskFailure, TypeOf[PID](), Any},
	)
	infoPattern = MustCompile(Any)
)

// TaskFunc is the body of a background task. It runs in its own goroutine
// inside the server's task group, under a cancel scope nested in the
// server's own.
type TaskFunc func(ctx context.Context) (any, error)

// GenServer adapts a GenServerBehavior to the core Behavior contract: its
// Run performs exactly one selective receive per iteration, dispatching the
// protocol shapes to the behavior's handlers. It also owns the server's
// background sub-tasks.
type GenServer struct {
	behavior GenServerBehavior
	ac       *ActorContext

	mu    sync.Mutex
	tasks map[PID]*task.Scope
}

// NewGenServer wraps a behavior for use with Start/StartLink.
func NewGenServer(b GenServerBehavior) *GenServer {
	return &GenServer{
		behavior: b,
		tasks:    make(map[PID]*task.Scope),
	}
}

// StartGenServer starts a generic server in the given task group and returns
// its PID once initialization completed.
func StartGenServer(g *task.Group, b GenServerBehavior, opts ...StartOption,
) (PID, error) {

	return Start(g, NewGenServer(b), opts...)
}

// StartGenServerLink is StartGenServer, returning the linked Handle.
func StartGenServerLink(g *task.Group, b GenServerBehavior,
	opts ...StartOption,
) (*Handle, error) {

	return StartLink(g, NewGenServer(b), opts...)
}

// Self returns the server's own PID. Valid once InitServer has been entered.
func (s *GenServer) Self() PID {
	return s.ac.Self()
}

// Context returns the server's actor context.
func (s *GenServer) Context() *ActorContext {
	return s.ac
}

// StartBackgroundTask spawns fn as a sub-task bound to the server's
// lifetime and returns the task's address-only PID. On completion the task
// posts ($task_success, taskPID, result) or ($task_failure, taskPID, err)
// into the server's own mailbox. Outstanding tasks are cancelled when the
// server terminates.
func (s *GenServer) StartBackgroundTask(fnc TaskFunc) PID {
	scope := s.ac.Scope().Child()
	taskPID := newPID(nil)
	self := s.ac.Self()

	s.mu.Lock()
	s.tasks[taskPID] = scope
	s.mu.Unlock()

	s.ac.Group().Go(func(context.Context) error {
		result := runTask(scope.Context(), fnc)

		s.mu.Lock()
		delete(s.tasks, taskPID)
		s.mu.Unlock()
		scope.Cancel()

		value, err := result.Unpack()
		if err != nil {
			Send(self, Tuple{TagTaskFailure, taskPID, err})
		} else {
			Send(self, Tuple{TagTaskSuccess, taskPID, value})
		}

		return nil
	})

	log.DebugS(s.ac.Scope().Context(), "Started background task",
		"server", s.ac.Name(), "task_pid", taskPID)

	return taskPID
}

// runTask invokes the task body, converting a panic into a failed result.
func runTask(ctx context.Context, fnc TaskFunc) (result fn.Result[any]) {
	defer func() {
		if r := recover(); r != nil {
			result = fn.Err[any](fmt.Errorf("task panic: %v", r))
		}
	}()

	value, err := fnc(ctx)
	if err != nil {
		return fn.Err[any](err)
	}

	return fn.Ok(value)
}

// Init implements Behavior.
func (s *GenServer) Init(ctx context.Context, ac *ActorContext) (any, error) {
	s.ac = ac

	return s.behavior.InitServer(ctx, s)
}

// Run implements Behavior: one selective receive per iteration with the
// protocol clauses in order — $call, $cast, the task notifications, then
// the catch-all routed to HandleInfo.
func (s *GenServer) Run(ctx context.Context, ac *ActorContext, state any,
) (any, error) {

	return ac.Receive(ctx, fn.None[time.Duration](),
		ReceiveClause{
			Pattern: callPattern,
			Handler: func(ctx context.Context, binds ...any,
			) (any, error) {

				ref := binds[0].(Ref)
				from := binds[1].(PID)
				req := binds[2]

				reply, next, err := s.behavior.HandleCall(
					ctx, req, ref, state,
				)
				if err != nil {
					return nil, err
				}

				Send(from, Tuple{TagReply, ref, reply})

				return next, nil
			},
		},
		ReceiveClause{
			Pattern: castPattern,
			Handler: func(ctx context.Context, binds ...any,
			) (any, error) {

				return s.behavior.HandleCast(
					ctx, binds[0], state,
				)
			},
		},
		ReceiveClause{
			Pattern: taskSuccessPattern,
			Handler: func(ctx context.Context, binds ...any,
			) (any, error) {

				return s.behavior.HandleTaskSuccess(
					ctx, binds[0].(PID), binds[1], state,
				)
			},
		},
		ReceiveClause{
			Pattern: taskFailurePattern,
			Handler: func(ctx context.Context, binds ...any,
			) (any, error) {

				taskErr, ok := binds[1].(error)
				if !ok {
					taskErr = fmt.Errorf("%v", binds[1])
				}

				return s.behavior.HandleTaskFailure(
					ctx, binds[0].(PID), taskErr, state,
				)
			},
		},
		ReceiveClause{
			Pattern: infoPattern,
			Handler: func(ctx context.Context, binds ...any,
			) (any, error) {

				return s.behavior.HandleInfo(
					ctx, binds[0], state,
				)
			},
		},
	)
}

// Terminate implements Behavior: cancels all outstanding background tasks,
// then hands off to the behavior's TerminateServer.
func (s *GenServer) Terminate(ctx context.Context, _ *ActorContext,
	reason *ExitReason, state any,
) {

	s.mu.Lock()
	for _, scope := range s.tasks {
		scope.Cancel()
	}
	s.tasks = make(map[PID]*task.Scope)
	s.mu.Unlock()

	s.behavior.TerminateServer(ctx, reason, state)
}
