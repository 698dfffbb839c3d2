// Command server runs the account-pool proxy: an Anthropic-compatible
// endpoint backed by a pool of Google accounts.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/sx2000cn/antigravity-pool/internal/auth"
	"github.com/sx2000cn/antigravity-pool/internal/cloudcode"
	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/format"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
	"github.com/sx2000cn/antigravity-pool/internal/pool"
	"github.com/sx2000cn/antigravity-pool/internal/pool/scheduler"
	"github.com/sx2000cn/antigravity-pool/internal/quota"
	"github.com/sx2000cn/antigravity-pool/internal/refresh"
	"github.com/sx2000cn/antigravity-pool/internal/server"
)

func main() {
	cfg := config.FromEnv()

	port := flag.Int("port", cfg.Port, "listen port")
	host := flag.String("host", cfg.Host, "listen host")
	devMode := flag.Bool("dev-mode", cfg.DevMode, "pretty console logs and gin debug mode")
	fallback := flag.Bool("fallback", cfg.FallbackEnabled, "retry persistent server errors on the fallback model")
	mode := flag.String("scheduling-mode", "", "account scheduling policy (sticky, refresh-priority, drain-highest, round-robin)")
	autoRefresh := flag.Bool("auto-refresh", cfg.AutoRefresh, "run the periodic quota-reset sweep")
	triggerReset := flag.Bool("trigger-reset", cfg.TriggerReset, "fire one quota-reset sweep at startup")
	accountsPath := flag.String("accounts", cfg.AccountsPath, "accounts file path")
	flag.Parse()

	cfg.Port = *port
	cfg.Host = *host
	cfg.DevMode = *devMode
	cfg.FallbackEnabled = *fallback
	cfg.AutoRefresh = *autoRefresh
	cfg.TriggerReset = *triggerReset
	cfg.AccountsPath = *accountsPath

	logging.Setup(cfg.DevMode)
	log := logging.For("Main")

	if *mode != "" {
		if !config.IsValidSchedulingMode(*mode) {
			log.Fatal().Str("mode", *mode).Msg("unknown scheduling mode")
		}
		cfg.SchedulingMode = *mode
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional Redis: shares the token cache and thought signatures
	// across proxy instances. Absent, both caches stay in-process.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, using in-process caches")
			rdb = nil
		}
	}

	store, err := quota.OpenStore(cfg.SnapshotDB)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.SnapshotDB).Msg("quota snapshot store unavailable, burn rates disabled")
		store = nil
	} else {
		defer store.Close()
		store.StartJanitor(ctx)
	}

	storage := pool.NewStorage(cfg.AccountsPath)
	state, err := storage.Load()
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.AccountsPath).Msg("load accounts")
	}

	// Flag and environment win over the accounts file's saved mode.
	if *mode == "" && config.SchedulingModeFromEnv() == "" &&
		config.IsValidSchedulingMode(state.Settings.SchedulingMode) {
		cfg.SchedulingMode = state.Settings.SchedulingMode
	}
	policy, err := scheduler.New(cfg.SchedulingMode)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduling policy")
	}

	p := pool.New(pool.Options{
		Broker:    auth.NewBroker(rdb),
		Client:    quota.NewClient(),
		Trigger:   quota.NewTrigger(),
		Snapshots: store,
		Policy:    policy,
	})
	p.Reload(state)
	log.Info().Int("accounts", len(state.Accounts)).Str("mode", cfg.SchedulingMode).Msg("pool loaded")
	if len(state.Accounts) == 0 {
		log.Warn().Str("path", cfg.AccountsPath).Msg("no accounts configured; every request will fail until some are added")
	}
	if err := storage.Watch(p.Reload); err != nil {
		log.Warn().Err(err).Msg("accounts file watch unavailable")
	}

	conv := format.NewConverter(format.NewSignatureCache(rdb))
	// No client-level timeout: streaming responses stay open well past
	// any sane request deadline. Per-call contexts bound the rest.
	upstream := cloudcode.NewUpstream(&http.Client{})
	handler := cloudcode.NewHandler(p, conv, upstream, cfg)

	if cfg.TriggerReset {
		go func() {
			summary, err := p.TriggerQuotaReset(ctx, pool.GroupAll)
			if err != nil {
				log.Warn().Err(err).Msg("startup quota reset failed")
				return
			}
			log.Info().Int("accounts", summary.AccountsAffected).Msg("startup quota reset done")
		}()
	}
	go p.RefreshAllCapacities(ctx)

	if cfg.AutoRefresh {
		sched := refresh.New(p)
		sched.Start()
		defer sched.Stop()
	}

	if err := server.New(cfg, handler, p).Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}
