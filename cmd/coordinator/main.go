// Command coordinator runs the control plane of a shardcast cluster. It owns
// the routing table, detects failed nodes, routes document traffic to shard
// copies and coordinates force merge broadcasts.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/config"
	"github.com/dreamware/shardcast/internal/coordinator"
	"github.com/dreamware/shardcast/internal/forcemerge"
	"github.com/dreamware/shardcast/internal/logging"
	"github.com/dreamware/shardcast/internal/metrics"
	"github.com/dreamware/shardcast/internal/transport"
)

// logFatal is swapped out by tests.
var logFatal = func(logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Fatal(msg, fields...)
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (overrides $SHARDCAST_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal(zap.NewExample(), "load config", zap.Error(err))
		return
	}
	logger, err := logging.New(cfg.Log.Level, "coordinator")
	if err != nil {
		logFatal(zap.NewExample(), "build logger", zap.Error(err))
		return
	}
	defer func() { _ = logger.Sync() }()

	srv := newServer(cfg, logger, prometheus.NewRegistry())

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.monitor.Start(ctx, srv.registry.Nodes)

	go func() {
		logger.Info("coordinator listening", zap.String("addr", cfg.Coordinator.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal(logger, "listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	srv.monitor.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("coordinator stopped")
}

type server struct {
	registry   *coordinator.ShardRegistry
	monitor    *coordinator.HealthMonitor
	forceMerge *forcemerge.Action
	metrics    *metrics.PrometheusCollector
	client     *http.Client
	logger     *zap.Logger
	cfg        config.Config
}

func newServer(cfg config.Config, logger *zap.Logger, reg *prometheus.Registry) *server {
	logger = logging.OrNop(logger)
	s := &server{
		registry: coordinator.NewShardRegistry(),
		monitor:  coordinator.NewHealthMonitor(cfg.Coordinator.HealthInterval, logger),
		metrics:  metrics.NewPrometheus(reg, ""),
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		cfg:      cfg,
	}

	tr := transport.New(transport.Config[forcemerge.Params]{
		Path:   forcemerge.BatchPath,
		Logger: logger.Named("transport"),
	})
	s.forceMerge = forcemerge.NewAction(s.registry, tr, logger, s.metrics)
	s.monitor.SetOnUnhealthy(s.markNodeUnhealthy)
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/shards", s.handleShards)
	mux.HandleFunc("/shards/assign", s.handleShardAssign)
	mux.HandleFunc("/indices/", s.handleIndex)
	mux.HandleFunc("/blocks", s.handleBlocks)
	mux.HandleFunc("/data/", s.handleData)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/", withTimeout(s.cfg.Broadcast.RequestTimeout, forcemerge.Handler(s.forceMerge, s.logger)))
	return mux
}

// withTimeout bounds the request context of h.
func withTimeout(d time.Duration, h http.Handler) http.Handler {
	if d <= 0 {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// markNodeUnhealthy takes a failed node out of the routing table and tells
// the remaining nodes about their new copies.
func (s *server) markNodeUnhealthy(nodeID string) {
	lost := s.registry.RemoveNode(nodeID)
	if lost == nil {
		return
	}
	s.logger.Warn("removed unhealthy node from routing",
		zap.String("node", nodeID),
		zap.Int("lost_copies", len(lost)),
		zap.Int64("version", s.registry.Version()))
	s.syncNodes(context.Background())
}

// syncNodes pushes every node the copies it is expected to host. Failures
// are logged; the health monitor deals with nodes that stay unreachable.
func (s *server) syncNodes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Version and placements must come from the same snapshot.
	snap := s.registry.Snapshot()
	var g errgroup.Group
	for _, n := range snap.Nodes {
		msg := cluster.ControlMessage{
			Type:    cluster.ControlSyncShards,
			Version: snap.Version,
			Shards:  snap.PlacementsForNode(n.ID),
		}
		g.Go(func() error {
			url := n.Addr + "/control"
			if err := cluster.DoJSON(ctx, s.client, http.MethodPost, url, msg, nil); err != nil {
				s.logger.Warn("shard sync failed", zap.String("node", n.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
