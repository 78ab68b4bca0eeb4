package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/spendguard/pkg/audit"
	"github.com/pario-ai/spendguard/pkg/budget"
	"github.com/pario-ai/spendguard/pkg/events/amqp"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/override"
	"github.com/pario-ai/spendguard/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the budget guard HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if listen != "" {
				a.cfg.Listen = listen
			}

			m := metrics.New()
			bus := override.NewBus()
			bus.SubscribeAll(func(ev override.Event) {
				m.ObserveResolution(string(ev.Signal.Outcome()))
			})

			var auditor *audit.Logger
			if a.cfg.Audit.Enabled {
				auditor, err = audit.New(a.cfg.Audit, a.log)
				if err != nil {
					return fmt.Errorf("init audit: %w", err)
				}
				defer func() { _ = auditor.Close() }()
				bus.SubscribeAll(auditor.OnOverride)
			}

			if a.cfg.Events.AMQPURL != "" {
				pub, err := amqp.NewPublisher(a.cfg.Events.AMQPURL, a.cfg.Events.Exchange, a.log)
				if err != nil {
					return fmt.Errorf("init event publisher: %w", err)
				}
				defer func() { _ = pub.Close() }()
				bus.SubscribeAll(pub.Handle)
			}

			registry := override.NewRegistry(bus, a.cfg.Override.PendingTTL, a.log)
			m.RegisterPending(registry.Pending)

			srv := server.New(server.Options{
				Listen:   a.cfg.Listen,
				Guard:    budget.NewGuard(a.store, a.tracker, a.log, m),
				Tracker:  a.tracker,
				Registry: registry,
				Auditor:  auditor,
				Metrics:  m,
				Logger:   a.log,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			g.Go(func() error { return registry.Run(gctx, a.cfg.Override.SweepInterval) })

			a.log.Info("starting spendguard",
				zap.String("config", *configPath),
				zap.Bool("audit", auditor != nil),
				zap.Duration("pending_ttl", a.cfg.Override.PendingTTL))
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}
