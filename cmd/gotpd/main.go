// gotpd is a small demonstration daemon for the gotp actor runtime. It
// wires structured logging, starts a supervised server tree, and shuts the
// tree down cleanly on SIGINT/SIGTERM. It is a caller of the runtime's
// contracts, not part of them.
package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	btclogv1 "github.com/btcsuite/btclog"
	btclog "github.com/btcsuite/btclog/v2"
	"github.com/roasbeef/gotp/actor"
	"github.com/roasbeef/gotp/build"
	"github.com/roasbeef/gotp/task"
)

// counter is a minimal stateful server: it sums numbers and answers reads.
type counter struct {
	actor.BaseGenServer
}

func (counter) InitServer(context.Context, *actor.GenServer) (any, error) {
	return 0, nil
}

func (counter) HandleCall(ctx context.Context, req any, ref actor.Ref,
	state any) (any, any, error) {

	count := state.(int)

	switch r := req.(type) {
	case actor.Tuple:
		if len(r) == 2 && r[0] == "add" {
			count += r[1].(int)
			return count, count, nil
		}

	case string:
		if r == "get" {
			return count, count, nil
		}
	}

	return actor.BaseGenServer{}.HandleCall(ctx, req, ref, state)
}

func (counter) HandleCast(_ context.Context, req any, state any,
) (any, error) {

	if req == "reset" {
		return 0, nil
	}

	return state, nil
}

// ticker casts an increment to the registered counter once per interval
// using a chain of background tasks.
type ticker struct {
	actor.BaseGenServer

	interval time.Duration

	srv *actor.GenServer
}

func (t *ticker) InitServer(_ context.Context, srv *actor.GenServer,
) (any, error) {

	t.srv = srv
	t.srv.StartBackgroundTask(t.tick)

	return nil, nil
}

func (t *ticker) tick(ctx context.Context) (any, error) {
	select {
	case <-time.After(t.interval):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *ticker) HandleTaskSuccess(_ context.Context, _ actor.PID, _ any,
	state any) (any, error) {

	if pid, ok := actor.WhereIs("counter"); ok {
		actor.Cast(pid, actor.Tuple{"add", 1})
	}
	t.srv.StartBackgroundTask(t.tick)

	return state, nil
}

func main() {
	var (
		logDir         = flag.String("log-dir", "", "Directory for log files (empty to disable file logging)")
		maxLogFiles    = flag.Int("max-log-files", build.DefaultMaxLogFiles, "Maximum number of rotated log files to keep")
		maxLogFileSize = flag.Int("max-log-file-size", build.DefaultMaxLogFileSize, "Maximum log file size in MB before rotation")
		debug          = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	// Initialize the rotating log file writer if a log directory is
	// configured.
	var logRotator *build.RotatingLogWriter
	if *logDir != "" {
		logRotator = build.NewRotatingLogWriter()
		err := logRotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:         *logDir,
			MaxLogFiles:    *maxLogFiles,
			MaxLogFileSize: *maxLogFileSize,
		})
		if err != nil {
			stdlog.Printf("Failed to init log rotator: %v "+
				"(continuing without file logging)", err)
			logRotator = nil
		} else {
			defer logRotator.Close()
		}
	}

	// Fan each record out to the console and, when enabled, the rotating
	// log file.
	handlers := []btclog.Handler{btclog.NewDefaultHandler(os.Stderr)}
	if logRotator != nil {
		handlers = append(
			handlers, btclog.NewDefaultHandler(logRotator),
		)
	}
	handlerSet := build.NewHandlerSet(handlers...)
	if *debug {
		handlerSet.SetLevel(btclogv1.LevelDebug)
	}

	logger := btclog.NewSLogger(handlerSet)
	actor.UseLogger(logger.WithPrefix("ACTR"))

	stdlog.Printf("gotpd version %s go=%s", build.Version(),
		build.GoVersion)

	// The root context is cancelled by SIGINT/SIGTERM; everything below
	// unwinds through the task group from there.
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	group := task.NewGroup(ctx)

	// The ticker resolves its target through the registry on every
	// increment. The name is registered once, below, and the registry
	// does no liveness tracking, so after a counter restart the name
	// still points at the old address and increments are dropped.
	supCfg := actor.SupervisorConfig{
		Strategy: actor.RestForOne,
		Specs: []actor.ChildSpec{
			{
				ID:      "counter",
				Restart: actor.Permanent,
				New: func() actor.Behavior {
					return actor.NewGenServer(counter{})
				},
			},
			{
				ID:      "ticker",
				Restart: actor.Permanent,
				New: func() actor.Behavior {
					return actor.NewGenServer(&ticker{
						interval: time.Second,
					})
				},
			},
		},
	}

	supPID, err := actor.StartSupervisor(
		group, supCfg, actor.WithName("root-sup"),
	)
	if err != nil {
		stdlog.Fatalf("Failed to start supervisor: %v", err)
	}

	// Publish the counter's address under a stable name.
	children, err := actor.WhichChildren(ctx, supPID)
	if err != nil {
		stdlog.Fatalf("Failed to list children: %v", err)
	}
	for _, child := range children {
		if child.ID == "counter" {
			actor.Register("counter", child.PID)
		}
	}

	stdlog.Printf("Supervision tree running: sup=%s", supPID)

	// Periodically report the counter value until shutdown.
	group.Go(func(ctx context.Context) error {
		for {
			select {
			case <-time.After(10 * time.Second):
				pid, ok := actor.WhereIs("counter")
				if !ok {
					continue
				}

				value, err := actor.Call(ctx, pid, "get")
				if err != nil {
					continue
				}
				stdlog.Printf("counter=%v", value)

			case <-ctx.Done():
				return nil
			}
		}
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		stdlog.Fatalf("Task group failed: %v", err)
	}

	stdlog.Println("Shutdown complete")
}
