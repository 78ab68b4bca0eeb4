package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/spendguard/pkg/budget"
	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/logging"
	"github.com/pario-ai/spendguard/pkg/store"
	"github.com/pario-ai/spendguard/pkg/tracker"
)

// app bundles what every subcommand needs: config, logger and the two databases.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *store.SQLiteStore
	tracker *tracker.SQLiteTracker
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openApp(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init budget store: %w", err)
	}
	tr, err := tracker.New(cfg.DBPath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init tracker: %w", err)
	}

	a := &app{cfg: cfg, log: logger, store: st, tracker: tr}
	if err := a.seed(context.Background()); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// seed creates configured budgets whose targets have none yet.
func (a *app) seed(ctx context.Context) error {
	for i, s := range a.cfg.Budget.Budgets {
		b, err := s.ToBudget(a.cfg.Budget.DefaultWarningThreshold)
		if err != nil {
			return fmt.Errorf("budget seed %d: %w", i, err)
		}
		created, ok, err := a.store.Ensure(ctx, b)
		if err != nil {
			return fmt.Errorf("budget seed %d: %w", i, err)
		}
		if ok {
			a.log.Info("seeded budget", zap.Stringer("target", created.Target), zap.Int64("id", created.ID))
		}
	}
	return nil
}

func (a *app) guard() *budget.Guard {
	return budget.NewGuard(a.store, a.tracker, a.log, nil)
}

func (a *app) close() {
	_ = a.tracker.Close()
	_ = a.store.Close()
	_ = a.log.Sync()
}

// idFlag returns a pointer to v when the named flag was set on the command line.
func idFlag(cmd *cobra.Command, name string, v int64) *int64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errors.New("invalid date (use YYYY-MM-DD)")
	}
	return t, nil
}
