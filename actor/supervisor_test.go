package actor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/roasbeef/gotp/task"
	"github.com/stretchr/testify/require"
)

// crashableServer idles until commanded: a "crash" cast fails it, a "stop"
// cast cancels its own scope for a clean exit.
type crashableServer struct {
	BaseGenServer
}

func (crashableServer) InitServer(_ context.Context, srv *GenServer,
) (any, error) {

	return srv, nil
}

func (crashableServer) HandleCast(_ context.Context, req any, state any,
) (any, error) {

	switch req {
	case "crash":
		return nil, fmt.Errorf("commanded crash")

	case "stop":
		state.(*GenServer).Context().Scope().Cancel()
	}

	return state, nil
}

// crashSpec builds a ChildSpec for a crashableServer child.
func crashSpec(id string, restart RestartType) ChildSpec {
	return ChildSpec{
		ID:      id,
		Restart: restart,
		New: func() Behavior {
			return NewGenServer(crashableServer{})
		},
	}
}

// childPIDs snapshots the supervisor's children as an id -> PID map.
func childPIDs(t *testing.T, sup PID) map[string]PID {
	t.Helper()

	infos, err := WhichChildren(context.Background(), sup)
	require.NoError(t, err)

	pids := make(map[string]PID, len(infos))
	for _, info := range infos {
		pids[info.ID] = info.PID
	}

	return pids
}

// TestSupervisorOneForOne verifies the one-for-one strategy: a crashing
// child is restarted under a fresh PID while its sibling is untouched.
func TestSupervisorOneForOne(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)

	sup, err := StartSupervisor(g, SupervisorConfig{
		Strategy: OneForOne,
		Specs: []ChildSpec{
			crashSpec("c1", Permanent),
			crashSpec("c2", Permanent),
		},
	})
	require.NoError(t, err)

	before := childPIDs(t, sup)
	require.Len(t, before, 2)

	Cast(before["c1"], "crash")

	require.Eventually(t, func() bool {
		after := childPIDs(t, sup)
		return len(after) == 2 &&
			after["c1"] != before["c1"] &&
			after["c2"] == before["c2"]
	}, 2*time.Second, 10*time.Millisecond)
}

// TestSupervisorOneForAll verifies the one-for-all strategy: one crash
// replaces every child.
func TestSupervisorOneForAll(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)

	sup, err := StartSupervisor(g, SupervisorConfig{
		Strategy:    OneForAll,
		MaxRestarts: 10,
		Specs: []ChildSpec{
			crashSpec("c1", Permanent),
			crashSpec("c2", Permanent),
			crashSpec("c3", Permanent),
		},
	})
	require.NoError(t, err)

	before := childPIDs(t, sup)

	Cast(before["c2"], "crash")

	require.Eventually(t, func() bool {
		after := childPIDs(t, sup)
		return len(after) == 3 &&
			after["c1"] != before["c1"] &&
			after["c2"] != before["c2"] &&
			after["c3"] != before["c3"]
	}, 2*time.Second, 10*time.Millisecond)
}

// TestSupervisorRestForOne verifies the rest-for-one strategy: the
// triggering child and everything after it restart, the prefix survives.
func TestSupervisorRestForOne(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)

	sup, err := StartSupervisor(g, SupervisorConfig{
		Strategy:    RestForOne,
		MaxRestarts: 10,
		Specs: []ChildSpec{
			crashSpec("c1", Permanent),
			crashSpec("c2", Permanent),
			crashSpec("c3", Permanent),
		},
	})
	require.NoError(t, err)

	before := childPIDs(t, sup)

	Cast(before["c2"], "crash")

	require.Eventually(t, func() bool {
		after := childPIDs(t, sup)
		return len(after) == 3 &&
			after["c1"] == before["c1"] &&
			after["c2"] != before["c2"] &&
			after["c3"] != before["c3"]
	}, 2*time.Second, 10*time.Millisecond)
}

// TestSupervisorTransientPolicy verifies the transient restart decision:
// a clean exit removes the child for good, an abnormal one restarts it.
func TestSupervisorTransientPolicy(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	sup, err := StartSupervisor(g, SupervisorConfig{
		Strategy: OneForOne,
		Specs: []ChildSpec{
			crashSpec("worker", Transient),
		},
	})
	require.NoError(t, err)

	before := childPIDs(t, sup)

	// An abnormal exit restarts the transient child.
	Cast(before["worker"], "crash")
	require.Eventually(t, func() bool {
		after := childPIDs(t, sup)
		return len(after) == 1 && after["worker"] != before["worker"]
	}, 2*time.Second, 10*time.Millisecond)

	// A clean exit removes it permanently.
	restarted := childPIDs(t, sup)
	Cast(restarted["worker"], "stop")

	require.Eventually(t, func() bool {
		count, err := CountChildren(ctx, sup)
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestSupervisorTemporaryPolicy verifies a temporary child is never
// restarted, whatever the exit reason.
func TestSupervisorTemporaryPolicy(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	sup, err := StartSupervisor(g, SupervisorConfig{
		Strategy: OneForOne,
		Specs: []ChildSpec{
			crashSpec("oneshot", Temporary),
		},
	})
	require.NoError(t, err)

	before := childPIDs(t, sup)
	Cast(before["oneshot"], "crash")

	require.Eventually(t, func() bool {
		count, err := CountChildren(ctx, sup)
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// alwaysCrash fails in its first run iteration, immediately after a
// successful init.
type alwaysCrash struct {
	BaseBehavior
}

func (alwaysCrash) Run(context.Context, *ActorContext, any) (any, error) {
	return nil, fmt.Errorf("instant crash")
}

// TestSupervisorRestartStorm verifies the rate limit: a child that always
// crashes blows the (3, 1s) budget on the fourth restart attempt, failing
// the supervisor with MaxRestartsExceeded and propagating the failure to
// the root task group.
func TestSupervisorRestartStorm(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := task.NewGroup(ctx)

	h, err := StartSupervisorLink(g, SupervisorConfig{
		Strategy:    OneForOne,
		MaxRestarts: 3,
		MaxSeconds:  time.Second,
		Specs: []ChildSpec{
			{
				ID:      "doomed",
				Restart: Permanent,
				New: func() Behavior {
					return alwaysCrash{}
				},
			},
		},
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor survived the restart storm")
	}

	reason := h.ExitReason()
	require.True(t, reason.Abnormal())
	require.ErrorIs(t, reason.Err(), ErrMaxRestartsExceeded)
	require.Contains(t, reason.String(), "error")

	// Unsupervised supervisor overload surfaces through the task group.
	require.ErrorIs(t, g.Wait(), ErrMaxRestartsExceeded)
}

// TestSupervisorStaleDown verifies stale-exit filtering: a $child_down
// carrying a replaced instance's PID is discarded without another restart.
func TestSupervisorStaleDown(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	sup, err := StartSupervisor(g, SupervisorConfig{
		Strategy: OneForOne,
		Specs: []ChildSpec{
			crashSpec("c1", Permanent),
		},
	})
	require.NoError(t, err)

	before := childPIDs(t, sup)
	oldPID := before["c1"]

	Cast(oldPID, "crash")
	require.Eventually(t, func() bool {
		return childPIDs(t, sup)["c1"] != oldPID
	}, 2*time.Second, 10*time.Millisecond)

	current := childPIDs(t, sup)["c1"]

	// Replay a delayed exit notification for the dead instance. The
	// follow-up CountChildren call is the sync point: once it answers,
	// the stale message has been dispatched.
	Send(sup, Tuple{TagChildDown, "c1", oldPID, "error: late"})

	count, err := CountChildren(ctx, sup)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Equal(t, current, childPIDs(t, sup)["c1"])
}

// TestSupervisorChildCommands exercises the command protocol: terminate a
// child, then bring it back with a fresh PID.
func TestSupervisorChildCommands(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)
	ctx := context.Background()

	sup, err := StartSupervisor(g, SupervisorConfig{
		Strategy: OneForOne,
		Specs: []ChildSpec{
			crashSpec("a", Permanent),
			crashSpec("b", Permanent),
		},
	})
	require.NoError(t, err)

	before := childPIDs(t, sup)

	TerminateChild(sup, "a")
	require.Eventually(t, func() bool {
		count, err := CountChildren(ctx, sup)
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)

	RestartChild(sup, "a")
	require.Eventually(t, func() bool {
		after := childPIDs(t, sup)
		return len(after) == 2 && !after["a"].IsZero() &&
			after["a"] != before["a"]
	}, 2*time.Second, 10*time.Millisecond)
}

// TestSupervisorWhichChildrenOrder verifies the listing preserves spec
// order.
func TestSupervisorWhichChildrenOrder(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)

	sup, err := StartSupervisor(g, SupervisorConfig{
		Strategy: OneForOne,
		Specs: []ChildSpec{
			crashSpec("first", Permanent),
			crashSpec("second", Transient),
			crashSpec("third", Temporary),
		},
	})
	require.NoError(t, err)

	infos, err := WhichChildren(context.Background(), sup)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	require.Equal(t, "first", infos[0].ID)
	require.Equal(t, "second", infos[1].ID)
	require.Equal(t, "third", infos[2].ID)
	require.Equal(t, Permanent, infos[0].Restart)
	require.Equal(t, Transient, infos[1].Restart)
	require.Equal(t, Temporary, infos[2].Restart)
}

// TestSupervisorChildInitFailure verifies that a child failing its init
// during supervisor startup fails the supervisor start as a whole.
func TestSupervisorChildInitFailure(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)

	_, err := StartSupervisor(g, SupervisorConfig{
		Strategy: OneForOne,
		Specs: []ChildSpec{
			crashSpec("fine", Permanent),
			{
				ID:      "broken",
				Restart: Permanent,
				New: func() Behavior {
					return &funcBehavior{
						init: func(context.Context,
							*ActorContext,
						) (any, error) {

							return nil,
								errors.New(
									"bad init")
						},
					}
				},
			},
		},
	})
	require.ErrorContains(t, err, "broken")
}

// TestSupervisorConfigValidation verifies malformed specs are rejected at
// startup.
func TestSupervisorConfigValidation(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)

	_, err := StartSupervisor(g, SupervisorConfig{
		Specs: []ChildSpec{
			crashSpec("dup", Permanent),
			crashSpec("dup", Permanent),
		},
	})
	require.ErrorContains(t, err, "duplicate")

	_, err = StartSupervisor(g, SupervisorConfig{
		Specs: []ChildSpec{{ID: "nofactory"}},
	})
	require.ErrorContains(t, err, "factory")
}

// TestSupervisorCancelCascades verifies cancelling the supervisor's scope
// takes down every descendant; goleak would flag surviving children.
func TestSupervisorCancelCascades(t *testing.T) {
	t.Parallel()

	g := newTestGroup(t)

	h, err := StartSupervisorLink(g, SupervisorConfig{
		Strategy: OneForOne,
		Specs: []ChildSpec{
			crashSpec("x", Permanent),
			crashSpec("y", Permanent),
		},
	})
	require.NoError(t, err)

	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor never exited")
	}
	require.False(t, h.ExitReason().Abnormal())
}
