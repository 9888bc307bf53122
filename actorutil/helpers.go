// Package actorutil provides convenience functions on top of the core actor
// runtime: typed calls, broadcast casts, parallel call fan-outs, and server
// pools.
package actorutil

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gotp/actor"
)

// CallTyped issues a call and type-asserts the reply. This is useful when a
// server's reply is a union and the caller expects one concrete shape.
func CallTyped[T any](ctx context.Context, pid actor.PID, req any,
	opts ...actor.CallOption,
) (T, error) {

	reply, err := actor.Call(ctx, pid, req, opts...)
	if err != nil {
		var zero T
		return zero, err
	}

	typed, ok := reply.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected reply type: got %T, "+
			"want %T", reply, zero)
	}

	return typed, nil
}

// CastAll sends the same fire-and-forget request to every PID in the slice.
func CastAll(pids []actor.PID, req any) {
	for _, pid := range pids {
		actor.Cast(pid, req)
	}
}

// ParallelCall issues one call per (pid, request) pair concurrently and
// collects the results in input order. The pids and reqs slices must have
// the same length.
func ParallelCall(ctx context.Context, pids []actor.PID, reqs []any,
	opts ...actor.CallOption,
) []fn.Result[any] {

	if len(pids) != len(reqs) {
		panic("pids and reqs must have same length")
	}

	type indexed struct {
		idx    int
		result fn.Result[any]
	}
	ch := make(chan indexed, len(pids))

	for i := range pids {
		go func(idx int) {
			reply, err := actor.Call(
				ctx, pids[idx], reqs[idx], opts...,
			)
			if err != nil {
				ch <- indexed{idx, fn.Err[any](err)}
				return
			}
			ch <- indexed{idx, fn.Ok(reply)}
		}(i)
	}

	results := make([]fn.Result[any], len(pids))
	for range pids {
		res := <-ch
		results[res.idx] = res.result
	}

	return results
}

// ParallelCallSame issues the same request to every PID concurrently and
// collects the results in input order.
func ParallelCallSame(ctx context.Context, pids []actor.PID, req any,
	opts ...actor.CallOption,
) []fn.Result[any] {

	reqs := make([]any, len(pids))
	for i := range reqs {
		reqs[i] = req
	}

	return ParallelCall(ctx, pids, reqs, opts...)
}

// FirstSuccess issues the same request to every PID concurrently and
// returns the first successful reply. If every call fails, the last error
// is returned.
func FirstSuccess(ctx context.Context, pids []actor.PID, req any,
	opts ...actor.CallOption,
) (any, error) {

	if len(pids) == 0 {
		return nil, fmt.Errorf("no pids provided")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		reply any
		err   error
	}
	ch := make(chan outcome, len(pids))

	for _, pid := range pids {
		go func(pid actor.PID) {
			reply, err := actor.Call(ctx, pid, req, opts...)
			select {
			case ch <- outcome{reply, err}:
			case <-ctx.Done():
			}
		}(pid)
	}

	var lastErr error
	for received := 0; received < len(pids); received++ {
		select {
		case out := <-ch:
			if out.err == nil {
				cancel()
				return out.reply, nil
			}
			lastErr = out.err

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// MapResponses transforms successful results with mapFn, passing errors
// through unchanged.
func MapResponses[R any, T any](results []fn.Result[R],
	mapFn func(R) T,
) []fn.Result[T] {

	mapped := make([]fn.Result[T], len(results))
	for i, r := range results {
		val, err := r.Unpack()
		if err != nil {
			mapped[i] = fn.Err[T](err)
		} else {
			mapped[i] = fn.Ok(mapFn(val))
		}
	}

	return mapped
}

// CollectSuccesses returns only the successful values, discarding errors.
func CollectSuccesses[R any](results []fn.Result[R]) []R {
	var successes []R
	for _, r := range results {
		if val, err := r.Unpack(); err == nil {
			successes = append(successes, val)
		}
	}

	return successes
}

// AllSucceeded reports whether every result is a success.
func AllSucceeded[R any](results []fn.Result[R]) bool {
	for _, r := range results {
		if _, err := r.Unpack(); err != nil {
			return false
		}
	}

	return true
}

// FirstError returns the first error among the results, or nil.
func FirstError[R any](results []fn.Result[R]) error {
	for _, r := range results {
		if _, err := r.Unpack(); err != nil {
			return err
		}
	}

	return nil
}
