package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/useorgx/orgx-local/internal/agentctx"
	"github.com/useorgx/orgx-local/internal/autocontinue"
	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/cmn/logger"
	"github.com/useorgx/orgx-local/internal/config"
	"github.com/useorgx/orgx-local/internal/dispatch"
	"github.com/useorgx/orgx-local/internal/frontend"
	"github.com/useorgx/orgx-local/internal/graph"
	"github.com/useorgx/orgx-local/internal/hub"
	"github.com/useorgx/orgx-local/internal/mediator"
	"github.com/useorgx/orgx-local/internal/nextup"
	"github.com/useorgx/orgx-local/internal/outbox"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control plane HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	cmd.Flags().String("host", "127.0.0.1", "interface to bind")
	cmd.Flags().Int("port", 4519, "port to listen on")
	cmd.Flags().String("dashboard-dir", "", "dashboard bundle to serve at /")
	return cmd
}

func runServe(cmd *cobra.Command) error {
	loader := config.NewLoader(config.WithFlags(cmd.Flags()))
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logOpts := []logger.Option{logger.WithFormat(cfg.LogFormat)}
	if cfg.Debug {
		logOpts = append(logOpts, logger.WithDebug())
	}
	log := logger.NewLogger(logOpts...)
	ctx := logger.WithLogger(cmd.Context(), log)

	for _, warning := range loader.Warnings() {
		logger.Warn(ctx, "Configuration clamped", "detail", warning)
	}

	if err := cfg.Paths.EnsureDataDir(); err != nil {
		return err
	}

	ob, err := outbox.New(cfg.Paths.OutboxDir())
	if err != nil {
		return err
	}
	contexts := agentctx.New(cfg.Paths.AgentContextsFile())

	client := cloud.NewHTTPClient(cfg.Cloud)
	med := mediator.New(client, ob, contexts, cfg.Paths.AgentsDir())
	builder := graph.NewBuilder(med, cfg.Budget)

	registry := hub.NewRegistry(cfg.Hub.StaleAfter)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := hub.NewMetrics(promReg)
	events := hub.New(hub.Config{
		KeepaliveInterval: cfg.Hub.KeepaliveInterval,
		SweepInterval:     cfg.Hub.SweepInterval,
		MaxClients:        cfg.Hub.MaxClients,
	}, registry, metrics)

	engine := dispatch.New(med, contexts, events, cfg.AgentBinary)
	sched := autocontinue.New(*cfg, builder, engine, med, contexts, events)
	pins := nextup.NewPinStore(cfg.Paths.PinsFile())
	ranker := nextup.NewRanker(builder, med, pins, sched, contexts, cfg.Paths.AgentsDir())

	srv := frontend.NewServer(frontend.Deps{
		Config:       *cfg,
		Mediator:     med,
		Builder:      builder,
		Ranker:       ranker,
		Pins:         pins,
		Engine:       engine,
		Scheduler:    sched,
		Registry:     registry,
		Hub:          events,
		Metrics:      metrics,
		Gatherer:     promReg,
		DashboardDir: cfg.Server.DashboardDir,
		Version:      version,
	})

	go sched.Loop(ctx)
	return srv.Serve(ctx)
}
