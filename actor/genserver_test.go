package actor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// counterServer is the canonical stateful server: it sums integers, answers
// reads, and resets on command.
type counterServer struct {
	BaseGenServer
}

func (counterServer) InitServer(context.Context, *GenServer) (any, error) {
	return 0, nil
}

func (counterServer) HandleCall(_ context.Context, req any, _ Ref,
	state any) (any, any, error) {

	count := state.(int)

	switch r := req.(type) {
	case Tuple:
		if len(r) == 2 && r[0] == "add" {
			count += r[1].(int)
			return count, count, nil
		}

	case string:
		switch r {
		case "get":
			return count, count, nil
		case "echo-state":
			return count, count, nil
		}
	}

	return nil, nil, fmt.Errorf("%w: %v", ErrUnhandledCall, req)
}

func (counterServer) HandleCast(_ context.Context, req any, state any,
) (any, error) {

	if req == "reset" {
		return 0, nil
	}

	return state, nil
}

func (counterServer) HandleInfo(_ context.Context, msg any, state any,
) (any, error) {

	// A bare int folds into the count; anything else is dropped.
	if n, ok := msg.(int); ok {
		return state.(int) + n, nil
	}

	return state, nil
}

// TestGenServerCounter walks the counter scenario end to end: add 5 -> 5,
// add 3 -> 8, cast reset, get -> 0. Every call's reply equals the state the
// handler returned, which is the round-trip law for call.
func TestGenServerCounter(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	pid, err := StartGenServer(g, counterServer{}, WithName("counter"))
	require.NoError(t, err)

	reply, err := Call(ctx, pid, Tuple{"add", 5})
	require.NoError(t, err)
	require.Equal(t, 5, reply)

	reply, err = Call(ctx, pid, Tuple{"add", 3})
	require.NoError(t, err)
	require.Equal(t, 8, reply)

	Cast(pid, "reset")

	reply, err = Call(ctx, pid, "get")
	require.NoError(t, err)
	require.Equal(t, 0, reply)
}

// TestGenServerInfoDispatch verifies that messages outside the protocol
// envelopes reach HandleInfo.
func TestGenServerInfoDispatch(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	pid, err := StartGenServer(g, counterServer{})
	require.NoError(t, err)

	Send(pid, 40)
	Send(pid, 2)

	require.Eventually(t, func() bool {
		reply, err := Call(ctx, pid, "get")
		return err == nil && reply == 42
	}, time.Second, 5*time.Millisecond)
}

// TestGenServerCallReplyCorrelation verifies that concurrent callers each
// get a well-formed reply without error or timeout, which requires every
// reply to be routed back to its own caller.
func TestGenServerCallReplyCorrelation(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	pid, err := StartGenServer(g, counterServer{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			reply, err := Call(ctx, pid, Tuple{"add", 0})
			require.NoError(t, err)

			// The reply is whatever the counter held when our
			// request was served; it must at least be a well
			// formed int, proving the reply routed to us and
			// not to a sibling caller.
			require.IsType(t, 0, reply)
		}(i)
	}
	wg.Wait()
}

// slowServer blocks inside HandleCall until its scope dies, simulating a
// handler that suspends indefinitely.
type slowServer struct {
	BaseGenServer
}

func (slowServer) HandleCall(ctx context.Context, _ any, _ Ref, state any,
) (any, any, error) {

	<-ctx.Done()

	return nil, state, ctx.Err()
}

// TestGenServerCallTimeout verifies the caller-side deadline: a server that
// never replies produces ErrReceiveTimeout at the caller while the server
// itself keeps running.
func TestGenServerCallTimeout(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	h, err := StartGenServerLink(g, slowServer{})
	require.NoError(t, err)

	_, err = Call(ctx, h.PID(), "x",
		WithCallTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, ErrReceiveTimeout)

	// The server is unaffected by the caller's timeout.
	select {
	case <-h.Done():
		t.Fatal("server died from a caller timeout")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestGenServerUnhandledCall verifies the default HandleCall surfaces the
// missing branch as an abnormal server exit.
func TestGenServerUnhandledCall(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	type bareServer struct{ BaseGenServer }

	h, err := StartGenServerLink(g, bareServer{})
	require.NoError(t, err)

	_, err = Call(ctx, h.PID(), "anything",
		WithCallTimeout(100*time.Millisecond))
	require.ErrorIs(t, err, ErrReceiveTimeout)

	<-h.Done()
	reason := h.ExitReason()
	require.True(t, reason.Abnormal())
	require.ErrorIs(t, reason.Err(), ErrUnhandledCall)
}

// taskServer records background task outcomes so tests can query them.
type taskServer struct {
	BaseGenServer

	srv *GenServer
}

func (ts *taskServer) InitServer(_ context.Context, srv *GenServer,
) (any, error) {

	ts.srv = srv

	// State is the last observed task outcome.
	return "pending", nil
}

func (ts *taskServer) HandleCall(_ context.Context, req any, _ Ref,
	state any) (any, any, error) {

	if req == "outcome" {
		return state, state, nil
	}

	return nil, nil, fmt.Errorf("%w: %v", ErrUnhandledCall, req)
}

func (ts *taskServer) HandleCast(_ context.Context, req any, state any,
) (any, error) {

	switch req {
	case "spawn-ok":
		ts.srv.StartBackgroundTask(
			func(context.Context) (any, error) {
				return 42, nil
			},
		)

	case "spawn-fail":
		ts.srv.StartBackgroundTask(
			func(context.Context) (any, error) {
				return nil, fmt.Errorf("task exploded")
			},
		)

	case "spawn-block":
		ts.srv.StartBackgroundTask(
			func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		)
	}

	return state, nil
}

func (ts *taskServer) HandleTaskSuccess(_ context.Context, taskPID PID,
	result any, _ any) (any, error) {

	return Tuple{"ok", taskPID, result}, nil
}

func (ts *taskServer) HandleTaskFailure(_ context.Context, _ PID,
	taskErr error, _ any) (any, error) {

	return Tuple{"failed", taskErr.Error()}, nil
}

// TestGenServerBackgroundTaskSuccess verifies a completed background task
// posts its result back into the server's mailbox as a $task_success.
func TestGenServerBackgroundTaskSuccess(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	pid, err := StartGenServer(g, &taskServer{})
	require.NoError(t, err)

	Cast(pid, "spawn-ok")

	require.Eventually(t, func() bool {
		outcome, err := Call(ctx, pid, "outcome")
		if err != nil {
			return false
		}

		tup, ok := outcome.(Tuple)
		return ok && len(tup) == 3 && tup[0] == "ok" && tup[2] == 42
	}, time.Second, 5*time.Millisecond)
}

// TestGenServerBackgroundTaskFailure verifies a failing background task is
// delivered through HandleTaskFailure.
func TestGenServerBackgroundTaskFailure(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	pid, err := StartGenServer(g, &taskServer{})
	require.NoError(t, err)

	Cast(pid, "spawn-fail")

	require.Eventually(t, func() bool {
		outcome, err := Call(ctx, pid, "outcome")
		if err != nil {
			return false
		}

		tup, ok := outcome.(Tuple)
		return ok && len(tup) == 2 && tup[0] == "failed" &&
			tup[1] == "task exploded"
	}, time.Second, 5*time.Millisecond)
}

// TestGenServerBackgroundTaskCancelledOnExit verifies an outstanding
// blocked task is cancelled when its server terminates; the goleak check in
// TestMain would flag the leak otherwise.
func TestGenServerBackgroundTaskCancelledOnExit(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)

	h, err := StartGenServerLink(g, &taskServer{})
	require.NoError(t, err)

	Cast(h.PID(), "spawn-block")

	// Let the cast land before cancelling so the task actually exists.
	time.Sleep(20 * time.Millisecond)

	h.Cancel()
	<-h.Done()
}
