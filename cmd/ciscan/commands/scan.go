package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"net/http"

	"github.com/flakehunter/ciscan/internal/ciclient"
	"github.com/flakehunter/ciscan/internal/config"
	"github.com/flakehunter/ciscan/internal/coordinator"
	"github.com/flakehunter/ciscan/internal/db"
	"github.com/flakehunter/ciscan/internal/lifecycle"
	"github.com/flakehunter/ciscan/internal/logcache"
	"github.com/flakehunter/ciscan/internal/logging"
	"github.com/flakehunter/ciscan/internal/metrics"
	"github.com/flakehunter/ciscan/internal/tracing"
)

var (
	fetchLimit   int
	whitelistRaw []int64
	once         bool
	pollInterval time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run incremental scan batches against the CI build history",
	Run:   runScan,
}

func init() {
	scanCmd.Flags().IntVar(&fetchLimit, "fetch-limit", 0, "Max unvisited builds per batch (0 = unbounded)")
	scanCmd.Flags().Int64SliceVar(&whitelistRaw, "build", nil, "Restrict this batch to specific build numbers (repeatable)")
	scanCmd.Flags().BoolVar(&once, "once", false, "Run a single batch and exit instead of polling")
	scanCmd.Flags().DurationVar(&pollInterval, "poll-interval", 60*time.Second, "Delay between batches when not running --once")
}

func runScan(cmd *cobra.Command, args []string) {
	if err := setupLog(logLevelFlags); err != nil {
		HandleError(err, "failed to set up logging")
	}
	logger := logging.GetLogger("cmd.scan")

	cfg, err := config.Load(configFile)
	if err != nil {
		HandleError(err, "configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, err := tracing.Init(ctx, "ciscan", tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		TLSCAPath:   cfg.TracingTLSCAPath,
		TLSInsecure: cfg.TracingTLSInsecure,
	})
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing: %v", err)
	} else {
		defer shutdown(context.Background())
	}

	pool, err := db.Open(ctx, cfg.DatabaseDSN, cfg.DatabaseMaxConns)
	if err != nil {
		HandleError(err, "failed to connect to database")
	}
	defer pool.Close()

	cache, err := logcache.New(cfg.CacheDir, cfg.CacheMemEntries, pool)
	if err != nil {
		HandleError(err, "failed to open log cache")
	}

	ciClient := ciclient.NewClient(cfg.CIBaseURL, cfg.RequestTimeout)

	registry := prometheus.NewRegistry()
	var recorder *metrics.Recorder
	if cfg.MetricsEnabled {
		recorder = metrics.New(registry)
	}

	coord := coordinator.New(pool, ciClient, cache, cfg.Workers, recorder)

	manager := lifecycle.NewManager()
	if cfg.MetricsEnabled {
		metricsComponent := newMetricsServer(cfg.MetricsPort, registry)
		if err := manager.Register(metricsComponent); err != nil {
			HandleError(err, "failed to register metrics server")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, finishing in-flight batch")
		cancel()
	}()

	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := manager.Start(startCtx); err != nil {
		startCancel()
		HandleError(err, "failed to start components")
	}
	startCancel()

	policy := coordinator.Policy{FetchLimit: fetchLimit, Whitelist: whitelistRaw}

	for {
		result, err := coord.Run(ctx, policy)
		if err != nil {
			logger.Error("batch failed: %v", err)
		} else {
			logger.InfoWithFields("batch complete",
				logging.ScanField(result.ScanID),
				logging.Field("builds_visited", result.BuildsVisited),
				logging.Field("builds_revisited", result.BuildsRevisited),
				logging.MatchCountField(result.MatchesRecorded),
				logging.Field("errors", len(result.Errors)))
			if recorder != nil {
				recorder.ObserveCache(cache.Stats())
			}
		}

		if once || ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(pollInterval):
		}
		if ctx.Err() != nil {
			break
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := manager.Stop(stopCtx); err != nil {
		logger.Error("error during shutdown: %v", err)
	}
	logger.Info("shutdown complete")
}

// metricsServer is a lifecycle.Component wrapping the Prometheus HTTP
// endpoint, grounded on the teacher's pattern of registering every
// long-running subsystem with the lifecycle manager.
type metricsServer struct {
	addr   string
	reg    prometheus.Gatherer
	server *http.Server
}

func newMetricsServer(port int, reg prometheus.Gatherer) *metricsServer {
	return &metricsServer{addr: fmt.Sprintf(":%d", port), reg: reg}
}

func (m *metricsServer) Name() string { return "metrics-server" }

func (m *metricsServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: m.addr, Handler: mux}
	go func() {
		_ = m.server.ListenAndServe()
	}()
	return nil
}

func (m *metricsServer) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
