// Command scaler runs the fair-share scheduler tick loop: it polls
// live workers, enforces SLAs, ranks candidates through the Fair-share
// Ledger, and spawns workers onto whichever backend driver fits.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/gabaker/thorium/internal/agent"
	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/bans"
	"github.com/gabaker/thorium/internal/cloudprovider"
	"github.com/gabaker/thorium/internal/cloudprovider/baremetal"
	"github.com/gabaker/thorium/internal/cloudprovider/external"
	"github.com/gabaker/thorium/internal/cloudprovider/k8s"
	"github.com/gabaker/thorium/internal/config"
	"github.com/gabaker/thorium/internal/ledger"
	"github.com/gabaker/thorium/internal/metrics"
	"github.com/gabaker/thorium/internal/scheduling"
	"github.com/gabaker/thorium/internal/stats"
	"github.com/gabaker/thorium/internal/store"
)

var configPath string

func main() {
	cmd := &cobra.Command{
		Use:   "scaler",
		Short: "Thorium fair-share scheduler",
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

	zapLevel := zap.NewAtomicLevel()
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		zapLevel.SetLevel(zap.InfoLevel)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zapLevel
	zlog, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	logger := zapr.NewLogger(zlog)
	log.SetLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = log.IntoContext(ctx, logger)
	ctx = config.ToContext(ctx, cfg)

	m := metrics.New()
	catalog := store.NewCatalog()
	if cfg.RegistrationPath != "" {
		reg, err := api.LoadRegistrations(cfg.RegistrationPath)
		if err != nil {
			return fmt.Errorf("loading registrations: %w", err)
		}
		for _, img := range reg.Images {
			catalog.PutImage(img)
		}
		for _, p := range reg.Pipelines {
			catalog.PutPipeline(p)
		}
		logger.Info("loaded registrations", "images", len(reg.Images), "pipelines", len(reg.Pipelines))
	}

	banRegistry := bans.New(catalog.PipelinesContaining)
	l := ledger.New(cfg.Quotas())

	drivers, err := buildDrivers(cfg)
	if err != nil {
		return fmt.Errorf("building backend drivers: %w", err)
	}

	sched := scheduling.NewScheduler(clock.RealClock{}, catalog, l, banRegistry, drivers, scheduling.Config{
		TickPeriod:         cfg.TickPeriod,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		DefaultMaxRetries:  cfg.DefaultMaxRetries,
		GlobalCPUBudget:    cfg.GlobalCPUBudgetMilli,
		GlobalMemoryBudget: cfg.GlobalMemoryBudget,
		UserQuota: func(string) int {
			return cfg.PerUserMaxRunning
		},
	}).WithMetrics(m)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.Handle("/stats", statsHandler(catalog, sched))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server stopped")
		}
	}()

	sink := agent.NewStoreReportSink(catalog, l, cfg.DefaultMaxRetries)
	reportServer := agent.NewReportServer(sink, sched).WithMetrics(m)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/v1/report", reportServer)
		reportAddr := reportListenAddr(cfg.ReportAddr)
		if err := http.ListenAndServe(reportAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "report server stopped")
		}
	}()

	logger.Info("starting scaler", "tick-period", cfg.TickPeriod, "metrics-addr", cfg.MetricsAddr, "report-addr", cfg.ReportAddr)
	return sched.Run(ctx)
}

// reportListenAddr strips a report-addr's scheme/host, keeping only the
// ":port" a worker's configured report-addr resolves to from outside --
// the scaler always listens on all interfaces for that port.
func reportListenAddr(reportAddr string) string {
	for i := len(reportAddr) - 1; i >= 0; i-- {
		if reportAddr[i] == ':' {
			return reportAddr[i:]
		}
	}
	return ":9091"
}

// statsHandler serves the scaler's full stats snapshot: ledger/backend
// counters plus the per-group/pipeline/stage/user breakdown, recomputed
// fresh from the catalog on every request.
func statsHandler(catalog *store.Catalog, sched *scheduling.Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats.Build(catalog, sched)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func buildDrivers(cfg config.Config) (map[string]cloudprovider.Driver, error) {
	drivers := map[string]cloudprovider.Driver{
		"external": external.New(),
	}
	if cfg.KubeNamespace != "" && cfg.AgentImage != "" {
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("resolving kubeconfig: %w", err)
		}
		client, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes client: %w", err)
		}
		drivers["k8s"] = k8s.New(client, cfg.KubeNamespace, cfg.AgentImage, cfg.ReportAddr)
	}
	drivers["baremetal"] = baremetal.New(nil)
	return drivers, nil
}
