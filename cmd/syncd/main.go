package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/cloud"
	"github.com/tidemark/ledger/internal/config"
	"github.com/tidemark/ledger/internal/encryption"
	"github.com/tidemark/ledger/internal/merge"
	"github.com/tidemark/ledger/internal/metrics"
	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/p2p"
	"github.com/tidemark/ledger/internal/server"
	"github.com/tidemark/ledger/internal/storage"
	ledgersync "github.com/tidemark/ledger/internal/sync"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("device_id", cfg.Device.DeviceID),
		zap.String("app_id", cfg.Device.AppID),
		zap.Strings("pages", cfg.Sync.Pages))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Device.DeviceID, registry)

	provider := cloud.NewInMemoryProvider(logger)
	enc := encryption.Passthrough{}

	ledgerSync := ledgersync.NewLedgerSync(
		ledgersync.Params{
			AppID:                  cfg.Device.AppID,
			DownloadBackoffInitial: cfg.Sync.DownloadBackoffInitial,
			DownloadBackoffMax:     cfg.Sync.DownloadBackoffMax,
			UploadBackoffInitial:   cfg.Sync.UploadBackoffInitial,
			UploadBackoffMax:       cfg.Sync.UploadBackoffMax,
		},
		provider,
		enc,
		m,
		logger,
	)
	ledgerSync.SetWatcher(&stateLogger{logger: logger})

	// Metrics server
	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(
			&server.MetricsServerConfig{
				Port:  cfg.Metrics.Port,
				Path:  cfg.Metrics.Path,
				Ready: func() bool { return ledgerSync.ActivePageCount() > 0 },
			},
			registry,
			m,
			logger,
		)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
		defer metricsServer.Stop()
	}

	// Device mesh
	var mesh *p2p.DeviceMesh
	if cfg.Mesh.Enabled {
		mesh, err = p2p.NewDeviceMesh(
			&p2p.MeshConfig{
				Enabled:        cfg.Mesh.Enabled,
				BindPort:       cfg.Mesh.BindPort,
				SeedDevices:    cfg.Mesh.SeedDevices,
				GossipInterval: cfg.Mesh.GossipInterval,
				ProbeTimeout:   cfg.Mesh.ProbeTimeout,
				ProbeInterval:  cfg.Mesh.ProbeInterval,
			},
			cfg.Device.DeviceID,
			cfg.Device.AppID,
			m,
			logger,
		)
		if err != nil {
			logger.Error("Failed to initialize device mesh", zap.Error(err))
		} else {
			defer mesh.Shutdown()
			logger.Info("Device mesh initialized", zap.Int("members", mesh.Members()))
		}
	}

	resolver, err := merge.NewResolver(cfg.Merge.Policy)
	if err != nil {
		logger.Fatal("Failed to select merge resolver", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Per-page plumbing: storage, sync, merger.
	pageSyncByID := make(map[string]*ledgersync.PageSync, len(cfg.Sync.Pages))
	var pageSyncs []*ledgersync.PageSync
	var mergers []*merge.PageMerger
	for _, pageID := range cfg.Sync.Pages {
		st := storage.NewStore(pageID, logger)

		strategy := merge.NewStrategy(resolver, m, logger)
		merger := merge.NewPageMerger(st, strategy, logger)
		merger.Start(ctx)
		mergers = append(mergers, merger)

		if mesh != nil {
			st.AddCommitWatcher(&headAnnouncer{mesh: mesh, pageID: pageID})
		}

		pageLogger := logger
		ps := ledgerSync.CreatePageSync(st, func(err error) {
			pageLogger.Error("Page sync failed", zap.String("page_id", pageID), zap.Error(err))
		})
		ps.Start(ctx)
		pageSyncs = append(pageSyncs, ps)
		pageSyncByID[pageID] = ps
	}

	// Peer notices are poll hints; the commits themselves come from the
	// cloud.
	if mesh != nil {
		mesh.SetNoticeHandler(func(notice p2p.CommitNotice) {
			if ps, ok := pageSyncByID[notice.PageID]; ok {
				ps.PollRemote()
			}
		})
	}

	if cfg.Sync.UploadEnabled {
		ledgerSync.EnableUpload()
	}

	logger.Info("Sync daemon started",
		zap.Int("page_syncs", ledgerSync.ActivePageCount()),
		zap.Bool("upload_enabled", cfg.Sync.UploadEnabled))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	for _, merger := range mergers {
		merger.Stop()
	}
	for _, ps := range pageSyncs {
		ps.Close()
	}
	ledgerSync.Close()
	logger.Info("Shutdown complete")
}

// stateLogger surfaces the aggregated sync state in the logs.
type stateLogger struct {
	logger *zap.Logger
}

func (w *stateLogger) Notify(state model.SyncState) {
	w.logger.Info("Sync state changed",
		zap.String("download", state.Download.String()),
		zap.String("upload", state.Upload.String()))
}

// headAnnouncer broadcasts locally created heads to the device mesh.
type headAnnouncer struct {
	mesh   *p2p.DeviceMesh
	pageID string
}

func (a *headAnnouncer) OnNewCommits(commits []model.Commit, source model.ChangeSource) {
	if source != model.ChangeSourceLocal {
		return
	}
	for _, c := range commits {
		a.mesh.Announce(a.pageID, c)
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
	}
	return zapCfg.Build()
}
