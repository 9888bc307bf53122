package actorutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gotp/actor"
	"github.com/roasbeef/gotp/task"
	"github.com/stretchr/testify/require"
)

// newTestGroup creates a task group torn down automatically at the end of
// the test.
func newTestGroup(t *testing.T) *task.Group {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	g := task.NewGroup(ctx)

	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
	})

	return g
}

// echoServer answers every call with its own tag and the request.
type echoServer struct {
	actor.BaseGenServer

	tag  string
	fail bool
}

func (e *echoServer) HandleCall(_ context.Context, req any, _ actor.Ref,
	state any) (any, any, error) {

	if e.fail {
		return nil, nil, fmt.Errorf("%s refuses", e.tag)
	}

	return actor.Tuple{e.tag, req}, state, nil
}

// startEcho starts an echo server and returns its PID.
func startEcho(t *testing.T, g *task.Group, tag string, fail bool) actor.PID {
	t.Helper()

	pid, err := actor.StartGenServer(g, &echoServer{tag: tag, fail: fail})
	require.NoError(t, err)

	return pid
}

// TestCallTyped verifies the reply type assertion on both the matching and
// mismatching paths.
func TestCallTyped(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	pid := startEcho(t, g, "a", false)

	reply, err := CallTyped[actor.Tuple](ctx, pid, "ping")
	require.NoError(t, err)
	require.Equal(t, actor.Tuple{"a", "ping"}, reply)

	_, err = CallTyped[int](ctx, pid, "ping")
	require.ErrorContains(t, err, "unexpected reply type")
}

// TestParallelCallSame verifies the fan-out collects every reply in member
// order.
func TestParallelCallSame(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	pids := []actor.PID{
		startEcho(t, g, "a", false),
		startEcho(t, g, "b", true),
		startEcho(t, g, "c", false),
	}

	results := ParallelCallSame(ctx, pids, "req",
		actor.WithCallTimeout(time.Second))
	require.Len(t, results, 3)

	require.True(t, AllSucceeded(results[:1]))
	require.False(t, AllSucceeded(results))

	// The failing member times out (its server died without replying).
	_, err := results[1].Unpack()
	require.Error(t, err)

	okReplies := CollectSuccesses(results)
	require.ElementsMatch(t, []any{
		actor.Tuple{"a", "req"},
		actor.Tuple{"c", "req"},
	}, okReplies)

	require.Error(t, FirstError(results))
}

// TestFirstSuccess verifies the race returns a successful reply even when
// some members fail.
func TestFirstSuccess(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	pids := []actor.PID{
		startEcho(t, g, "dead", true),
		startEcho(t, g, "live", false),
	}

	reply, err := FirstSuccess(ctx, pids, "req",
		actor.WithCallTimeout(500*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, actor.Tuple{"live", "req"}, reply)
}

// TestMapResponses verifies successful results transform while errors pass
// through.
func TestMapResponses(t *testing.T) {
	t.Parallel()

	results := []fn.Result[any]{
		fn.Ok[any](2),
		fn.Err[any](fmt.Errorf("nope")),
	}

	mapped := MapResponses(results, func(v any) any {
		return v.(int) * 10
	})

	v, err := mapped[0].Unpack()
	require.NoError(t, err)
	require.Equal(t, 20, v)

	_, err = mapped[1].Unpack()
	require.Error(t, err)
}
