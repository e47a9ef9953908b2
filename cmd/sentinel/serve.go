package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/sentinel/pkg/api"
	"github.com/Mindburn-Labs/sentinel/pkg/audit"
	"github.com/Mindburn-Labs/sentinel/pkg/auth"
	"github.com/Mindburn-Labs/sentinel/pkg/config"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
	"github.com/Mindburn-Labs/sentinel/pkg/freeze"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
	"github.com/Mindburn-Labs/sentinel/pkg/ops"
	"github.com/Mindburn-Labs/sentinel/pkg/policy"
	"github.com/Mindburn-Labs/sentinel/pkg/replay"
	"github.com/Mindburn-Labs/sentinel/pkg/reputation"
)

// deps is everything a running node needs, wired once from config.
type deps struct {
	cfg      *config.Config
	pipeline *config.PipelineProfile
	guard    *auth.Guard
	engine   *policy.Engine
	rep      reputation.Store
	chain    *audit.Chain
	entries  audit.Store
	frozen   *freeze.Controller
	store    ops.Store
	nonces   replay.Store
	obs      *observability.Provider
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if cfg.MasterSecret == "" {
		return nil, fmt.Errorf("SENTINEL_MASTER_SECRET is required")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	keyring, err := crypto.NewKeyring([]byte(cfg.MasterSecret))
	if err != nil {
		return nil, err
	}
	signer, err := crypto.NewEd25519Signer("sentinel-audit")
	if err != nil {
		return nil, err
	}

	var auditStore audit.Store
	var repStore reputation.Store
	var opsStore ops.Store
	var freezeStore freeze.Store
	if rdb != nil {
		auditStore = audit.NewRedisStore(rdb)
		repStore = reputation.NewRedisStore(rdb, reputation.DecayPolicy{
			Period: 24 * time.Hour,
			Step:   1,
		})
		opsStore = ops.NewRedisStore(rdb)
		freezeStore = freeze.NewRedisStore(rdb)
	} else {
		slog.Warn("REDIS_URL not set, using in-memory stores (single node only)")
		auditStore = audit.NewMemoryStore()
		repStore = reputation.NewMemoryStore(reputation.DecayPolicy{
			Period: 24 * time.Hour,
			Step:   1,
		})
		opsStore = ops.NewMemoryStore()
		freezeStore = freeze.NewMemoryStore()
	}

	chain := audit.NewChain(auditStore, signer)
	frozen := freeze.NewController(freezeStore, chain)

	nonces, err := replay.NewSQLiteStore(cfg.ReplayDBPath, cfg.ReplayRetention)
	if err != nil {
		return nil, fmt.Errorf("open replay store: %w", err)
	}

	guard := auth.NewGuard(auth.Config{
		APIKey:          cfg.APIKey,
		SigningRequired: cfg.SigningRequired,
		TimestampWindow: cfg.TimestampWindow,
		RateLimitRPM:    cfg.RateLimitRPM,
		RateLimitBurst:  cfg.RateLimitBurst,
	}, keyring, nonces, repStore)

	profile := policy.DefaultProfile()
	if cfg.PolicyProfilePath != "" {
		profile, err = policy.LoadProfile(cfg.PolicyProfilePath)
		if err != nil {
			return nil, err
		}
	}
	engine, err := policy.NewEngine(profile)
	if err != nil {
		return nil, err
	}

	pipeline := config.DefaultPipelineProfile()
	if cfg.PipelinePath != "" {
		pipeline, err = config.LoadPipelineProfile(cfg.PipelinePath)
		if err != nil {
			return nil, err
		}
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "sentinel-gateway",
		OTLPEndpoint: cfg.OTELEndpoint,
		SampleRate:   1.0,
		Enabled:      cfg.OTELEnabled,
		Insecure:     true,
	})
	if err != nil {
		return nil, err
	}

	return &deps{
		cfg:      cfg,
		pipeline: pipeline,
		guard:    guard,
		engine:   engine,
		rep:      repStore,
		chain:    chain,
		entries:  auditStore,
		frozen:   frozen,
		store:    opsStore,
		nonces:   nonces,
		obs:      obs,
	}, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// webhookDriver restarts a service by POSTing its name to an operator-run
// endpoint. When no endpoint is configured the driver logs and succeeds,
// which keeps development nodes side-effect free.
type webhookDriver struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

func newRestartDriver() ops.RestartDriver {
	return &webhookDriver{
		url:    os.Getenv("RESTART_WEBHOOK_URL"),
		client: &http.Client{Timeout: 30 * time.Second},
		log:    slog.Default().With("component", "restart-driver"),
	}
}

func (d *webhookDriver) Restart(ctx context.Context, target string) (string, error) {
	if d.url == "" {
		d.log.Warn("RESTART_WEBHOOK_URL not set, restart is a no-op", "target", target)
		return "noop restart of " + target, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, strings.NewReader(target))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return string(body), fmt.Errorf("restart webhook returned %d", resp.StatusCode)
	}
	return string(body), nil
}

func (d *deps) probeTargets() []ops.ProbeTarget {
	targets := make([]ops.ProbeTarget, 0, len(d.pipeline.Probe.Targets))
	for _, t := range d.pipeline.Probe.Targets {
		targets = append(targets, ops.ProbeTarget{Service: t.Service, URL: t.URL})
	}
	return targets
}

func pairsOf(specs []config.PairSpec) []ops.Pair {
	pairs := make([]ops.Pair, 0, len(specs))
	for _, p := range specs {
		pairs = append(pairs, ops.Pair{Type: p.Type, Target: p.Target})
	}
	return pairs
}

func (d *deps) newProbe() *ops.Probe {
	return ops.NewProbe(ops.ProbeConfig{
		Interval:  d.pipeline.Probe.Interval.Std(),
		Timeout:   d.pipeline.Probe.Timeout.Std(),
		Threshold: d.pipeline.Probe.Threshold,
	}, d.probeTargets(), d.store, d.chain)
}

func (d *deps) newManager() *ops.Manager {
	return ops.NewManager(ops.ManagerConfig{
		Cooldown:     d.pipeline.Manager.Cooldown.Std(),
		BudgetLimit:  d.pipeline.Manager.BudgetLimit,
		BudgetWindow: d.pipeline.Manager.BudgetWindow.Std(),
	}, d.store, d.chain)
}

func (d *deps) newApprover() *ops.Approver {
	return ops.NewApprover(ops.ApproverConfig{
		AutoApprove: d.pipeline.Approver.AutoApprove,
		AutoPairs:   pairsOf(d.pipeline.Approver.AutoPairs),
	}, d.store, d.chain, nil)
}

func (d *deps) newExecutor() *ops.Executor {
	host, _ := os.Hostname()
	return ops.NewExecutor(ops.ExecutorConfig{
		Owner:     "executor@" + host,
		Allowlist: pairsOf(d.pipeline.Executor.Allowlist),
	}, d.store, d.chain, d.frozen, d.rep, newRestartDriver())
}

func (d *deps) newReaper() *ops.Reaper {
	return ops.NewReaper(ops.ReaperConfig{
		Staleness:  d.pipeline.Reaper.Staleness.Std(),
		MaxRetries: d.pipeline.Reaper.MaxRetries,
		Interval:   d.pipeline.Reaper.Interval.Std(),
	}, d.store, d.chain)
}

// runServe starts the API server plus every worker in one process.
func runServe(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "startup failed:", err)
		return 1
	}
	defer func() { _ = d.nonces.Close() }()
	defer func() { _ = d.obs.Shutdown(context.Background()) }()

	server := api.NewServer(api.ServerConfig{
		Guard:          d.guard,
		Engine:         d.engine,
		Reputation:     d.rep,
		Chain:          d.chain,
		Freeze:         d.frozen,
		Approver:       d.newApprover(),
		OperatorSecret: []byte(d.cfg.OperatorSecret),
		Observability:  d.obs,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx, ":"+d.cfg.Port, api.NewGlobalRateLimiter(50, 100))
	})
	g.Go(func() error { return d.newProbe().Run(ctx) })
	g.Go(func() error { return d.newManager().Run(ctx) })
	g.Go(func() error { return d.newApprover().Run(ctx) })
	g.Go(func() error { return d.newExecutor().Run(ctx) })
	g.Go(func() error { return d.newReaper().Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		_, _ = fmt.Fprintln(stderr, "node failed:", err)
		return 1
	}
	return 0
}
