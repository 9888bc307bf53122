package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gotp/task"
)

// Strategy selects which siblings are affected when a supervised child
// fails.
type Strategy uint8

const (
	// OneForOne restarts only the failed child.
	OneForOne Strategy = iota

	// OneForAll cancels all remaining children, then restarts every
	// child from the spec list in its original order.
	OneForAll

	// RestForOne cancels the failed child and every child listed after
	// it, then restarts that suffix in order.
	RestForOne
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case OneForOne:
		return "one_for_one"
	case OneForAll:
		return "one_for_all"
	case RestForOne:
		return "rest_for_one"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// RestartType is the per-child policy deciding whether a given exit
// triggers a restart.
type RestartType uint8

const (
	// Permanent children are always restarted.
	Permanent RestartType = iota

	// Transient children are restarted only after an abnormal exit.
	Transient

	// Temporary children are never restarted.
	Temporary
)

// String returns the restart type name.
func (r RestartType) String() string {
	switch r {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Temporary:
		return "temporary"
	default:
		return fmt.Sprintf("restart(%d)", uint8(r))
	}
}

// ChildSpec declares how a supervisor starts one child: a stable ID (unique
// within the supervisor), a factory producing a fresh Behavior per start,
// and the restart policy.
type ChildSpec struct {
	// ID identifies the child within its supervisor.
	ID string

	// New produces a fresh behavior instance for every (re)start.
	New func() Behavior

	// Restart is the per-child restart policy.
	Restart RestartType
}

// ChildInfo is one row of a WhichChildren listing.
type ChildInfo struct {
	// ID is the child's spec ID.
	ID string

	// PID is the child's current address.
	PID PID

	// Restart is the child's restart policy.
	Restart RestartType
}

const (
	// DefaultMaxRestarts is the default restart budget of the sliding
	// window.
	DefaultMaxRestarts = 3

	// DefaultMaxSeconds is the default width of the sliding window.
	DefaultMaxSeconds = 5 * time.Second
)

// SupervisorConfig declares a supervisor: its ordered children, strategy,
// and restart rate limit.
type SupervisorConfig struct {
	// Specs lists the children in start order. Order is semantic for
	// RestForOne and for the listing operations.
	Specs []ChildSpec

	// Strategy selects the sibling blast radius of a failure.
	Strategy Strategy

	// MaxRestarts is the number of restart events tolerated within any
	// MaxSeconds window before the supervisor gives up. Zero means use
	// the default.
	MaxRestarts int

	// MaxSeconds is the width of the restart window. Zero means use the
	// default.
	MaxSeconds time.Duration
}

// validate normalizes defaults and rejects malformed specs.
func (cfg *SupervisorConfig) validate() error {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.MaxSeconds == 0 {
		cfg.MaxSeconds = DefaultMaxSeconds
	}

	seen := make(map[string]struct{}, len(cfg.Specs))
	for i, spec := range cfg.Specs {
		if spec.ID == "" {
			return fmt.Errorf("child spec %d has empty ID", i)
		}
		if spec.New == nil {
			return fmt.Errorf("child spec %q has no factory",
				spec.ID)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("duplicate child spec ID %q",
				spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}

	return nil
}

// The supervisor's receive clauses. The two listing queries arrive inside
// $call envelopes so the reply plumbing is uniform with every other server.
var (
	childDownPattern = MustCompile(
		Tuple{TagChildDown, TypeOf[string](), TypeOf[PID](), Any},
	)
	terminateChildPattern = MustCompile(
		Tuple{TagTerminateChild, TypeOf[string]()},
	)
	restartChildPattern = MustCompile(
		Tuple{TagRestartChild, TypeOf[string]()},
	)
	whichChildrenPattern = MustCompile(
		Tuple{TagCall, TypeOf[Ref](), TypeOf[PID](),
			Tuple{TagWhichChildren}},
	)
	countChildrenPattern = MustCompile(
		Tuple{TagCall, TypeOf[Ref](), TypeOf[PID](),
			Tuple{TagCountChildren}},
	)
)

// childRecord tracks one live child instance.
type childRecord struct {
	pid    PID
	handle *Handle
	spec   ChildSpec
}

// Supervisor is a server-shaped process owning the lifecycle and restart
// policy of a set of children. Children are started inside the supervisor's
// own task group with cancel scopes nested under the supervisor's, so
// cancelling the supervisor cancels every descendant. All fields are
// mutated only by the owning task.
type Supervisor struct {
	cfg SupervisorConfig

	ac       *ActorContext
	children map[string]*childRecord

	// restarts is the bounded history of restart timestamps inside the
	// sliding window.
	restarts []time.Time
}

// NewSupervisor creates a supervisor behavior from the given config. Start
// it with Start/StartLink (or the StartSupervisor helpers).
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		children: make(map[string]*childRecord),
	}
}

// StartSupervisor starts a supervisor in the given task group, returning its
// PID once every child has been started.
func StartSupervisor(g *task.Group, cfg SupervisorConfig,
	opts ...StartOption,
) (PID, error) {

	return Start(g, NewSupervisor(cfg), opts...)
}

// StartSupervisorLink is StartSupervisor, returning the linked Handle.
func StartSupervisorLink(g *task.Group, cfg SupervisorConfig,
	opts ...StartOption,
) (*Handle, error) {

	return StartLink(g, NewSupervisor(cfg), opts...)
}

// Init implements Behavior: it starts every child in spec order. If any
// start fails, the already-started children are cancelled and the failure
// is surfaced, driving the supervisor straight to termination.
func (s *Supervisor) Init(ctx context.Context, ac *ActorContext,
) (any, error) {

	s.ac = ac

	if err := s.cfg.validate(); err != nil {
		return nil, err
	}

	log.InfoS(ctx, "Supervisor starting children",
		"supervisor", ac.Name(),
		"strategy", s.cfg.Strategy,
		"num_children", len(s.cfg.Specs))

	for _, spec := range s.cfg.Specs {
		if err := s.startChild(spec); err != nil {
			s.cancelAllChildren()

			return nil, fmt.Errorf("starting child %q: %w",
				spec.ID, err)
		}
	}

	return nil, nil
}

// startChild starts one child from its spec and records it. The on-exit
// closure routes the child's eventual exit back through the supervisor's
// own mailbox as a $child_down message carrying the wire-form reason.
//
// The record is installed even when the child's init fails: the abnormal
// exit notification is already in flight at that point, and recording the
// PID lets the normal restart path (and its rate limit) deal with the
// failure instead of losing the child silently.
func (s *Supervisor) startChild(spec ChildSpec) error {
	supPID := s.ac.Self()
	childID := spec.ID

	h, err := StartLink(
		s.ac.Group(), spec.New(),
		WithName(childID),
		WithParentScope(s.ac.Scope()),
		WithOnExit(func(pid PID, reason *ExitReason) {
			Send(supPID, Tuple{
				TagChildDown, childID, pid, reason.String(),
			})
		}),
	)

	s.children[childID] = &childRecord{
		pid:    h.PID(),
		handle: h,
		spec:   spec,
	}

	if err != nil {
		return err
	}

	log.DebugS(s.ac.Scope().Context(), "Child started",
		"supervisor", s.ac.Name(), "child", childID,
		"pid", h.PID(), "restart", spec.Restart)

	return nil
}

// Run implements Behavior: one receive per iteration over the supervisor
// protocol. Unknown messages are logged and dropped.
func (s *Supervisor) Run(ctx context.Context, ac *ActorContext, state any,
) (any, error) {

	return ac.Receive(ctx, fn.None[time.Duration](),
		ReceiveClause{
			Pattern: childDownPattern,
			Handler: func(ctx context.Context, binds ...any,
			) (any, error) {

				err := s.handleChildDown(
					ctx, binds[0].(string),
					binds[1].(PID),
					fmt.Sprintf("%v", binds[2]),
				)

				return nil, err
			},
		},
		ReceiveClause{
			Pattern: terminateChildPattern,
			Handler: func(ctx context.Context, binds ...any,
			) (any, error) {

				s.handleTerminateChild(
					ctx, binds[0].(string),
				)

				return nil, nil
			},
		},
		ReceiveClause{
			Pattern: restartChildPattern,
			Handler: func(ctx context.Context, binds ...any,
			) (any, error) {

				err := s.handleRestartChild(
					ctx, binds[0].(string),
				)

				return nil, err
			},
		},
		ReceiveClause{
			Pattern: whichChildrenPattern,
			Handler: func(_ context.Context, binds ...any,
			) (any, error) {

				ref := binds[0].(Ref)
				from := binds[1].(PID)

				Send(from, Tuple{
					TagReply, ref, s.listChildren(),
				})

				return nil, nil
			},
		},
		ReceiveClause{
			Pattern: countChildrenPattern,
			Handler: func(_ context.Context, binds ...any,
			) (any, error) {

				ref := binds[0].(Ref)
				from := binds[1].(PID)

				Send(from, Tuple{
					TagReply, ref, len(s.children),
				})

				return nil, nil
			},
		},
		ReceiveClause{
			Pattern: infoPattern,
			Handler: func(ctx context.Context, binds ...any,
			) (any, error) {

				log.DebugS(ctx,
					"Supervisor dropping message",
					"supervisor", s.ac.Name(),
					"msg", fmt.Sprintf("%v", binds[0]))

				return nil, nil
			},
		},
	)
}

// Terminate implements Behavior: every remaining child is cancelled. The
// scope nesting already covers external cancellation of the supervisor;
// the explicit pass covers the supervisor dying of its own failure.
func (s *Supervisor) Terminate(ctx context.Context, _ *ActorContext,
	reason *ExitReason, _ any,
) {

	log.InfoS(ctx, "Supervisor terminating",
		"supervisor", s.ac.Name(), "reason", reason,
		"num_children", len(s.children))

	s.cancelAllChildren()
}

// handleChildDown applies the restart decision for one child exit. Exits
// whose PID does not match the current record are stale — leftovers of an
// instance already replaced — and are discarded; the PID is the sole
// discriminator.
func (s *Supervisor) handleChildDown(ctx context.Context, childID string,
	pid PID, reasonStr string,
) error {

	rec, ok := s.children[childID]
	if !ok || rec.pid != pid {
		log.DebugS(ctx, "Ignoring stale child exit",
			"supervisor", s.ac.Name(), "child", childID,
			"pid", pid)

		return nil
	}

	log.InfoS(ctx, "Child exited",
		"supervisor", s.ac.Name(), "child", childID,
		"pid", pid, "reason", reasonStr)

	var restart bool
	switch rec.spec.Restart {
	case Permanent:
		restart = true
	case Transient:
		restart = abnormalReasonString(reasonStr)
	case Temporary:
		restart = false
	}

	if !restart {
		delete(s.children, childID)

		return nil
	}

	switch s.cfg.Strategy {
	case OneForOne:
		return s.restartSet(ctx, childID)

	case OneForAll:
		// Cancel every remaining sibling, then bring the whole spec
		// list back up in its original order.
		ids := s.liveSpecOrder(0)
		for _, id := range ids {
			if id == childID {
				continue
			}
			s.children[id].handle.Cancel()
		}

		return s.restartSet(ctx, ids...)

	case RestForOne:
		// Cancel the triggering child and everything listed after
		// it, then restart that suffix in order.
		idx := s.specIndex(childID)
		ids := s.liveSpecOrder(idx)
		for _, id := range ids {
			if id == childID {
				continue
			}
			s.children[id].handle.Cancel()
		}

		return s.restartSet(ctx, ids...)

	default:
		return fmt.Errorf("unknown strategy %v", s.cfg.Strategy)
	}
}

// restartSet restarts the given children in order. Each individual child
// restart counts as one event against the sliding window; blowing the
// budget aborts the set and fails the supervisor.
func (s *Supervisor) restartSet(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		rec, ok := s.children[id]
		if !ok {
			continue
		}

		if err := s.recordRestart(); err != nil {
			log.ErrorS(ctx, "Supervisor restart budget exhausted",
				err, "supervisor", s.ac.Name(), "child", id)

			return err
		}

		delete(s.children, id)
		if err := s.startChild(rec.spec); err != nil {
			// The failed start already produced a $child_down
			// for the recorded PID; the next dispatch round
			// applies the policy (and the rate limit) to it.
			log.WarnS(ctx, "Child restart failed", err,
				"supervisor", s.ac.Name(), "child", id)

			continue
		}

		log.InfoS(ctx, "Child restarted",
			"supervisor", s.ac.Name(), "child", id,
			"pid", s.children[id].pid)
	}

	return nil
}

// recordRestart pushes a restart event onto the sliding window, dropping
// entries older than the window width first. Exceeding the budget returns
// ErrMaxRestartsExceeded.
func (s *Supervisor) recordRestart() error {
	now := time.Now()
	cutoff := now.Add(-s.cfg.MaxSeconds)

	kept := s.restarts[:0]
	for _, ts := range s.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.restarts = append(kept, now)

	if len(s.restarts) > s.cfg.MaxRestarts {
		return fmt.Errorf("%w: %d restarts within %v",
			ErrMaxRestartsExceeded, len(s.restarts),
			s.cfg.MaxSeconds)
	}

	return nil
}

// handleTerminateChild cancels a child and forgets it. Later exits from the
// cancelled instance miss the record and are discarded as stale.
func (s *Supervisor) handleTerminateChild(ctx context.Context,
	childID string,
) {

	rec, ok := s.children[childID]
	if !ok {
		return
	}

	log.InfoS(ctx, "Terminating child on command",
		"supervisor", s.ac.Name(), "child", childID,
		"pid", rec.pid)

	rec.handle.Cancel()
	delete(s.children, childID)
}

// handleRestartChild cancels the current instance (if any) and starts a
// fresh one from the spec. A commanded restart counts against the window
// like any other restart event.
func (s *Supervisor) handleRestartChild(ctx context.Context,
	childID string,
) error {

	idx := s.specIndex(childID)
	if idx < 0 {
		log.WarnS(ctx, "Restart of unknown child requested", nil,
			"supervisor", s.ac.Name(), "child", childID)

		return nil
	}

	if rec, ok := s.children[childID]; ok {
		rec.handle.Cancel()
		delete(s.children, childID)
	}

	if err := s.recordRestart(); err != nil {
		return err
	}

	return s.startChild(s.cfg.Specs[idx])
}

// listChildren returns the live children as (id, pid, restart) rows in spec
// order.
func (s *Supervisor) listChildren() []ChildInfo {
	infos := make([]ChildInfo, 0, len(s.children))
	for _, spec := range s.cfg.Specs {
		rec, ok := s.children[spec.ID]
		if !ok {
			continue
		}

		infos = append(infos, ChildInfo{
			ID:      spec.ID,
			PID:     rec.pid,
			Restart: spec.Restart,
		})
	}

	return infos
}

// liveSpecOrder returns the IDs of currently-recorded children at spec
// index from and later, in spec order. Children that already exited for
// good (temporary, or removed on command) are not resurrected by a mass
// restart.
func (s *Supervisor) liveSpecOrder(from int) []string {
	ids := make([]string, 0, len(s.children))
	for _, spec := range s.cfg.Specs[from:] {
		if _, ok := s.children[spec.ID]; ok {
			ids = append(ids, spec.ID)
		}
	}

	return ids
}

// specIndex returns the position of a child ID in the spec list, or -1.
func (s *Supervisor) specIndex(childID string) int {
	for i, spec := range s.cfg.Specs {
		if spec.ID == childID {
			return i
		}
	}

	return -1
}

// cancelAllChildren cancels every recorded child scope.
func (s *Supervisor) cancelAllChildren() {
	for _, rec := range s.children {
		rec.handle.Cancel()
	}
}

// WhichChildren asks a supervisor for its live children, in spec order.
func WhichChildren(ctx context.Context, sup PID, opts ...CallOption,
) ([]ChildInfo, error) {

	reply, err := Call(ctx, sup, Tuple{TagWhichChildren}, opts...)
	if err != nil {
		return nil, err
	}

	infos, ok := reply.([]ChildInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T", reply)
	}

	return infos, nil
}

// CountChildren asks a supervisor for its live child count.
func CountChildren(ctx context.Context, sup PID, opts ...CallOption,
) (int, error) {

	reply, err := Call(ctx, sup, Tuple{TagCountChildren}, opts...)
	if err != nil {
		return 0, err
	}

	count, ok := reply.(int)
	if !ok {
		return 0, fmt.Errorf("unexpected reply type %T", reply)
	}

	return count, nil
}

// TerminateChild commands a supervisor to stop one child and forget it.
// Fire-and-forget.
func TerminateChild(sup PID, childID string) {
	Send(sup, Tuple{TagTerminateChild, childID})
}

// RestartChild commands a supervisor to bounce one child. Fire-and-forget.
func RestartChild(sup PID, childID string) {
	Send(sup, Tuple{TagRestartChild, childID})
}
