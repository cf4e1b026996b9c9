package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/tradegate/backend/internal/api"
	"github.com/tradegate/backend/internal/approval"
	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/config"
	"github.com/tradegate/backend/internal/killswitch"
	"github.com/tradegate/backend/internal/metrics"
	"github.com/tradegate/backend/internal/risk"
	"github.com/tradegate/backend/internal/scheduler"
	"github.com/tradegate/backend/internal/sim"
	"github.com/tradegate/backend/internal/stats"
	"github.com/tradegate/backend/internal/submit"
	"github.com/tradegate/backend/internal/tools"
	"github.com/tradegate/backend/internal/websocket"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(unwrapAll(err)) {
			log.Fatalf("config: %v", err)
		}
		log.Printf("no %s, using built-in defaults", cfgPath)
		cfg = config.Default()
		cfg.ApplyEnv()
	}

	policy, err := risk.LoadPolicy(cfg.Risk.PolicyPath)
	if err != nil {
		if !os.IsNotExist(unwrapAll(err)) {
			log.Fatalf("risk policy: %v", err)
		}
		log.Printf("no %s, using default risk limits", cfg.Risk.PolicyPath)
		policy = &risk.Policy{
			Limits:       risk.DefaultLimits(),
			Hours:        risk.DefaultTradingHours(),
			RulesEnabled: map[string]bool{},
		}
	}

	for _, p := range []string{cfg.Audit.Path, cfg.KillSwitch.StatePath, cfg.Stats.SnapshotPath} {
		if p != "" {
			os.MkdirAll(filepath.Dir(p), 0o755)
		}
	}

	store, err := audit.NewSQLiteStore(cfg.Audit.Path)
	if err != nil {
		log.Fatalf("audit store: %v", err)
	}
	defer store.Close()

	kill := killswitch.New(cfg.KillSwitch.StatePath)

	adapter := broker.NewAuditedAdapter(buildAdapter(cfg), store)
	ctx := context.Background()
	if err := adapter.Connect(ctx); err != nil {
		log.Fatalf("broker connect: %v", err)
	}
	defer adapter.Disconnect(ctx)

	var advanced *risk.AdvancedEngine
	if policy.Advanced != nil {
		advanced = risk.NewAdvancedEngine(*policy.Advanced, policy.Hours)
	}
	engine := risk.NewEngine(policy.Limits, policy.Hours, policy.RulesEnabled, advanced)

	simulator := sim.New(sim.DefaultConfig())

	approvals := approval.NewService(store, approval.Config{
		TokenTTL:     cfg.Approval.TokenTTL(),
		MaxProposals: cfg.Approval.MaxProposals,
	})

	submitter := submit.NewSubmitter(approvals, adapter, kill, store, submit.Config{
		MaxRetries:     cfg.Submit.MaxRetries,
		InitialBackoff: cfg.Submit.InitialBackoff(),
		MaxPolls:       cfg.Submit.MaxPolls,
		PollInterval:   cfg.Submit.PollInterval(),
	})
	if flagged := submitter.Reconcile(ctx); flagged > 0 {
		log.Printf("reconcile flagged %d proposals, see audit log", flagged)
	}

	tracker := risk.NewTracker()

	registry := tools.NewRegistry(tools.Deps{
		Broker:      adapter,
		Simulator:   simulator,
		Risk:        engine,
		Approvals:   approvals,
		Kill:        kill,
		AutoApprove: autoApprovePolicy(cfg),
		Audit:       store,
		Limiter:     tools.NewLimiter(rateLimits(cfg)),
		Counters:    tracker.Current,
	})

	collector := stats.NewCollector(cfg.Stats.SnapshotPath)
	gatewayMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	hub := websocket.NewHub()
	go hub.Run()

	store.Subscribe(collector.Observe)
	store.Subscribe(gatewayMetrics.Observe)
	store.Subscribe(hub.Publish)
	store.Subscribe(tracker.Observe)
	store.ObserveAppends(gatewayMetrics.ObserveAuditAppend)
	engine.OnEvaluate(gatewayMetrics.ObserveRiskEval)
	gatewayMetrics.SetKillSwitch(kill.IsEnabled())

	sched := scheduler.New(store)
	registered, errs := scheduler.RegisterReportJobs(sched, adapter, reportJobs(cfg))
	for _, rerr := range errs {
		log.Printf("report job rejected: %v", rerr)
	}
	if registered > 0 {
		log.Printf("registered %d scheduled report jobs", registered)
	}
	sched.Start()

	server := api.NewServer(api.Deps{
		Simulator: simulator,
		Risk:      engine,
		Approvals: approvals,
		Submitter: submitter,
		Adapter:   adapter,
		Kill:      kill,
		Store:     store,
		Registry:  registry,
		Collector: collector,
		Hub:       hub,
		Gatherer:  prometheus.DefaultGatherer,
		Counters:  tracker.Current,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(":" + cfg.Server.Port) }()

	// SIGHUP reloads the risk policy in place; the engine swaps limits
	// atomically so in-flight evaluations finish on the old policy.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			p, err := risk.LoadPolicy(cfg.Risk.PolicyPath)
			if err != nil {
				log.Printf("policy reload failed, keeping current policy: %v", err)
				continue
			}
			engine.SetPolicy(p.Limits, p.Hours, p.RulesEnabled)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	sched.Stop(5 * time.Second)
	if err := collector.Save(); err != nil {
		log.Printf("saving statistics snapshot: %v", err)
	}
}

// buildAdapter returns the paper adapter unless live trading is
// explicitly configured. Live connectivity uses the same interface, so
// the rest of the process does not care which one it got.
func buildAdapter(cfg *config.Config) broker.Adapter {
	if !cfg.Broker.Paper {
		log.Printf("live broker requested (%s:%d client=%d); live adapter not built in, using paper",
			cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.ClientID)
	}
	fake := broker.NewFakeAdapter()
	if cfg.Broker.AccountID != "" && cfg.Broker.AccountID != broker.DefaultFakeAccount {
		p, _ := fake.GetPortfolio(context.Background(), broker.DefaultFakeAccount)
		p.AccountID = cfg.Broker.AccountID
		fake.SetPortfolio(p)
	}
	return fake
}

func autoApprovePolicy(cfg *config.Config) *approval.AutoApprovePolicy {
	aa := cfg.Approval.AutoApprove
	if !aa.Enabled {
		return nil
	}
	return &approval.AutoApprovePolicy{
		Enabled:           true,
		MaxNotional:       decimal.NewFromFloat(aa.MaxNotional),
		AllowedSymbols:    aa.AllowedSymbols,
		AllowedSides:      aa.AllowedSides,
		AllowedOrderTypes: aa.AllowedOrderTypes,
	}
}

func rateLimits(cfg *config.Config) tools.RateLimitConfig {
	rl := cfg.Tools.RateLimit
	return tools.RateLimitConfig{
		ToolCallsPerMinute:    rl.ToolCallsPerMinute,
		ToolCallsPerHour:      rl.ToolCallsPerHour,
		SessionCallsPerMinute: rl.SessionCallsPerMinute,
		SessionCallsPerHour:   rl.SessionCallsPerHour,
		GlobalCallsPerMinute:  rl.GlobalCallsPerMinute,
		GlobalCallsPerHour:    rl.GlobalCallsPerHour,
		BreakerThreshold:      rl.BreakerThreshold,
		BreakerCooldown:       rl.BreakerCooldown(),
	}
}

func reportJobs(cfg *config.Config) []scheduler.ReportJobConfig {
	out := make([]scheduler.ReportJobConfig, 0, len(cfg.Reports))
	for _, r := range cfg.Reports {
		out = append(out, scheduler.ReportJobConfig{
			QueryID:  r.QueryID,
			Schedule: r.Schedule,
			Enabled:  r.Enabled,
		})
	}
	return out
}

func unwrapAll(err error) error {
	for {
		next, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = next.Unwrap()
	}
}
