// Command eventhandler consumes sample/tag/repo mutation events and
// creates Reactions for every pipeline whose trigger matches.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/config"
	"github.com/gabaker/thorium/internal/events"
	"github.com/gabaker/thorium/internal/ledger"
	"github.com/gabaker/thorium/internal/store"
)

var configPath string

func main() {
	cmd := &cobra.Command{
		Use:   "eventhandler",
		Short: "Thorium pipeline trigger event handler",
		RunE:  run,
	}
	config.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&configPath, "config", "", "optional config file merged under flags/env")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags(), configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.RegistrationPath == "" {
		return fmt.Errorf("--registration-path is required: the event handler matches triggers against registered pipelines")
	}

	zapCfg := zap.NewProductionConfig()
	zlog, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	logger := zapr.NewLogger(zlog)
	log.SetLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = log.IntoContext(ctx, logger)

	reg, err := api.LoadRegistrations(cfg.RegistrationPath)
	if err != nil {
		return fmt.Errorf("loading registrations: %w", err)
	}
	catalog := store.NewCatalog()
	for _, img := range reg.Images {
		catalog.PutImage(img)
	}
	for _, p := range reg.Pipelines {
		catalog.PutPipeline(p)
	}
	logger.Info("loaded registrations", "images", len(reg.Images), "pipelines", len(reg.Pipelines))

	// This process's ledger only tracks reactions created here, separate
	// from the scaler process's own ledger -- see DESIGN.md on the
	// split-process topology. Declaring into it keeps a single-binary
	// composition (or a future shared-store deployment) correct without
	// requiring a second plumbing pass.
	l := ledger.New(cfg.Quotas())
	handler, err := events.NewHandler(clock.RealClock{}, catalog.Pipelines, catalog, l)
	if err != nil {
		return fmt.Errorf("building event handler: %w", err)
	}

	logger.Info("starting event handler, reading newline-delimited JSON events from stdin")
	return handler.Run(ctx, events.NewStdinSource(os.Stdin))
}
