// Package task provides the structured-concurrency substrate the actor
// runtime is built on. Every actor driver and background task runs inside a
// Group, and each one is handed a Scope derived from that group so it can be
// cancelled individually without tearing down its siblings.
package task

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group owns a set of goroutines. No goroutine in the runtime is ever spawned
// outside a group; callers create one at the application root, start actors
// into it, and block on Wait until the tree has fully unwound. The first
// non-nil error returned by any member cancels the group's context, which
// cascades through every scope derived from it.
type Group struct {
	eg  *errgroup.Group
	ctx context.Context
}

// NewGroup creates a group rooted at the given context. Cancelling the parent
// context cancels the group and, transitively, every scope derived from it.
func NewGroup(ctx context.Context) *Group {
	eg, groupCtx := errgroup.WithContext(ctx)

	return &Group{
		eg:  eg,
		ctx: groupCtx,
	}
}

// Go spawns fn as a member of the group. The function receives the group
// context and should return promptly once that context is cancelled. A
// non-nil return value cancels the whole group; members that want to contain
// their failures must translate them before returning.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		return fn(g.ctx)
	})
}

// Wait blocks until every member spawned via Go has returned, then reports
// the first error (if any). It is the single join point for the tree of
// tasks rooted at this group.
func (g *Group) Wait() error {
	return g.eg.Wait()
}

// Context returns the group's context. It is cancelled when the parent
// context is cancelled or when any member returns a non-nil error.
func (g *Group) Context() context.Context {
	return g.ctx
}

// NewScope derives a fresh cancel scope from the group's context.
func (g *Group) NewScope() *Scope {
	return newScope(g.ctx)
}

// Scope is a cancellation handle for a single task. Cancelling a scope
// delivers cooperative cancellation at the owning task's next suspension
// point; it never preempts a running handler. Scopes form a tree: a scope
// derived from another is cancelled whenever its parent is.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)

	return &Scope{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Child derives a new scope nested under this one. Cancelling the receiver
// cancels the child; cancelling the child leaves the receiver untouched.
func (s *Scope) Child() *Scope {
	return newScope(s.ctx)
}

// Cancel requests cancellation of the scope. It is safe to call multiple
// times and from any goroutine.
func (s *Scope) Cancel() {
	s.cancel()
}

// Context returns the context governed by this scope.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Done returns a channel closed once the scope has been cancelled, either
// directly or through an ancestor.
func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cancelled reports whether the scope has been cancelled.
func (s *Scope) Cancelled() bool {
	return s.ctx.Err() != nil
}
