package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
)

type workerFn func(ctx context.Context, d *deps) error

func workerProbe(ctx context.Context, d *deps) error    { return d.newProbe().Run(ctx) }
func workerManager(ctx context.Context, d *deps) error  { return d.newManager().Run(ctx) }
func workerApprover(ctx context.Context, d *deps) error { return d.newApprover().Run(ctx) }
func workerExecutor(ctx context.Context, d *deps) error { return d.newExecutor().Run(ctx) }
func workerReaper(ctx context.Context, d *deps) error   { return d.newReaper().Run(ctx) }

// runWorker runs a single pipeline stage in its own process. Stages share
// nothing but the store and the audit chain, so any of them can be scaled
// or restarted independently of the API server.
func runWorker(args []string, stdout, stderr io.Writer, fn workerFn) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "startup failed:", err)
		return 1
	}
	defer func() { _ = d.nonces.Close() }()
	defer func() { _ = d.obs.Shutdown(context.Background()) }()

	if d.cfg.RedisURL == "" {
		_, _ = fmt.Fprintln(stderr, "standalone workers need REDIS_URL: in-memory state is per-process")
		return 1
	}

	if err := fn(ctx, d); err != nil && ctx.Err() == nil {
		_, _ = fmt.Fprintln(stderr, "worker failed:", err)
		return 1
	}
	return 0
}
