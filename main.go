package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kisaragi/loopbot/agent"
	"github.com/kisaragi/loopbot/aggregator"
	"github.com/kisaragi/loopbot/bot"
	"github.com/kisaragi/loopbot/db"
	"github.com/kisaragi/loopbot/gateway"
	"github.com/kisaragi/loopbot/loops"
	"github.com/kisaragi/loopbot/proc"
	"github.com/kisaragi/loopbot/sched"
	"github.com/kisaragi/loopbot/search"
	"github.com/kisaragi/loopbot/tools"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := LoadConfig()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer database.Close()

	client, err := agent.NewGeminiClient(cfg.GeminiKeys, cfg.FastModel, cfg.DeepModel)
	if err != nil {
		slog.Error("inference client unavailable", "err", err)
		os.Exit(1)
	}

	watchdog := sched.NewWatchdog(proc.NewManager(cfg.GatewayDir, cfg.GatewayBin), sched.WatchdogConfig{})

	// The job store fires into the bot, which is built further down;
	// the indirection breaks the construction cycle.
	var b *bot.Bot
	jobs := sched.NewJobStore(database, sched.JobStoreConfig{}, func(j db.Job) {
		b.FireJob(j)
	})

	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken)

	registry := tools.NewRegistry(database, search.NewClient(cfg.TavilyKey), jobs, gw,
		&agent.SearchSummarizer{Client: client})
	pipeline := agent.NewPipeline(database, client, loops.NewInterpreter(registry))
	pipeline.ToolList = tools.Describe()

	b = bot.New(database, pipeline, watchdog, gw, aggregator.Config{
		Threshold:   cfg.GroupThreshold,
		Jitter:      cfg.GroupJitter,
		IdleTimeout: cfg.IdleTimeout,
	}, cfg.ReplyCooldown)
	defer b.Stop()

	gw.OnMessage(b.HandleMessage)
	gw.OnHeartbeat(b.HandleHeartbeat)

	if err := jobs.Start(); err != nil {
		slog.Error("job store failed to start", "err", err)
		os.Exit(1)
	}
	defer jobs.Stop()

	if cfg.GatewayDir != "" {
		if err := watchdog.Start(); err != nil {
			slog.Error("watchdog failed to start", "err", err)
			os.Exit(1)
		}
		defer watchdog.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("loopbot starting", "gateway", cfg.GatewayURL, "db", cfg.DBPath)
	runGateway(ctx, gw)
	slog.Info("loopbot shutting down")
}

// runGateway keeps one connection to the gateway alive, reconnecting
// with a capped backoff until ctx is cancelled.
func runGateway(ctx context.Context, gw *gateway.Client) {
	backoff := time.Second
	for {
		if err := gw.Connect(); err != nil {
			slog.Warn("gateway connect failed", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second

		select {
		case <-gw.Done():
			slog.Warn("gateway connection lost, reconnecting")
		case <-ctx.Done():
			gw.Close()
			return
		}
	}
}
