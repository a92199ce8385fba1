// Command node runs a shardcast storage node. It hosts the shard copies the
// coordinator assigns to it, serves document traffic for them, executes
// force merge batches on a dedicated pool and can coordinate a force merge
// itself.
//
// Endpoints:
//
//	GET    /health                         liveness check
//	POST   /control                        shard sync from the coordinator
//	GET    /info                           node and copy overview
//	*      /shard/{index}/{id}/store/{key} document operations
//	GET    /shard/{index}/{id}/store       key listing
//	GET    /shard/{index}/{id}/stats       copy statistics
//	POST   /broadcast/forcemerge           node batch from a coordinating process
//	POST   /{index}/_forcemerge            coordinate a force merge from this node
//	GET    /metrics                        Prometheus metrics
//
// Configuration comes from config.Load; NODE_ID is required.
//
// Example:
//
//	NODE_ID=node-1 NODE_LISTEN=:8081 NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 ./node
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/broadcast"
	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/config"
	"github.com/dreamware/shardcast/internal/forcemerge"
	"github.com/dreamware/shardcast/internal/logging"
	"github.com/dreamware/shardcast/internal/metrics"
	"github.com/dreamware/shardcast/internal/pool"
	"github.com/dreamware/shardcast/internal/transport"
)

// logFatal is swapped out by tests.
var logFatal = func(logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Fatal(msg, fields...)
}

// registerAttempts and registerDelay bound registration retries.
var (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (overrides $SHARDCAST_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal(zap.NewExample(), "load config", zap.Error(err))
		return
	}
	if cfg.Node.ID == "" {
		logFatal(zap.NewExample(), "missing node id (NODE_ID)")
		return
	}
	logger, err := logging.New(cfg.Log.Level, "node")
	if err != nil {
		logFatal(zap.NewExample(), "build logger", zap.Error(err))
		return
	}
	logger = logger.With(zap.String("node", cfg.Node.ID))
	defer func() { _ = logger.Sync() }()

	srv := newNodeServer(cfg, logger, prometheus.NewRegistry())
	defer srv.close()

	httpSrv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("node listening",
			zap.String("listen", cfg.Node.Listen),
			zap.String("public", cfg.Node.PublicAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal(logger, "listen", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := cluster.NodeInfo{ID: cfg.Node.ID, Addr: cfg.Node.PublicAddr}
	if err := register(ctx, cfg.Coordinator.URL, info, logger); err != nil {
		logFatal(logger, "failed to register with coordinator", zap.Error(err))
		return
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	logger.Info("node stopped")
}

type nodeServer struct {
	node       *Node
	pool       *pool.Pool
	executor   *broadcast.Executor[forcemerge.Params]
	forceMerge *forcemerge.Action
	metrics    *metrics.PrometheusCollector
	logger     *zap.Logger
	cfg        config.Config
}

func newNodeServer(cfg config.Config, logger *zap.Logger, reg *prometheus.Registry) *nodeServer {
	logger = logging.OrNop(logger)
	collector := metrics.NewPrometheus(reg, "")
	node := NewNode(cfg.Node.ID, logger)

	p := pool.New(pool.ForceMerge, cfg.Broadcast.ForceMergePoolSize,
		pool.WithLogger(logger),
		pool.WithObserver(collector))
	exec := forcemerge.NewExecutor(cfg.Node.ID, node, p, cfg.Broadcast.ShardConcurrency, logger)

	tr := transport.New(transport.Config[forcemerge.Params]{
		Path:        forcemerge.BatchPath,
		LocalNodeID: cfg.Node.ID,
		Local:       exec.Execute,
		Logger:      logger.Named("transport"),
	})
	state := remoteState(cfg.Coordinator.URL)

	return &nodeServer{
		node:       node,
		pool:       p,
		executor:   exec,
		forceMerge: forcemerge.NewAction(state, tr, logger, collector),
		metrics:    collector,
		logger:     logger,
		cfg:        cfg,
	}
}

func (s *nodeServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/control", s.handleControl)
	mux.HandleFunc("/info", s.handleNodeInfo)
	mux.HandleFunc("/shard/", s.handleShardRequest)
	mux.Handle(forcemerge.BatchPath, transport.Handler[forcemerge.Params](s.cfg.Node.ID, s.executor.Execute, s.logger))
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/", withTimeout(s.cfg.Broadcast.RequestTimeout, forcemerge.Handler(s.forceMerge, s.logger)))
	return mux
}

func (s *nodeServer) close() {
	s.pool.Close()
}

// remoteState fetches the coordinator's current snapshot for every request
// this node coordinates.
func remoteState(coordinatorURL string) broadcast.StateProvider {
	url := strings.TrimSuffix(coordinatorURL, "/") + "/state"
	return broadcast.StateProviderFunc(func(ctx context.Context) (*cluster.Snapshot, error) {
		var snap cluster.Snapshot
		if err := cluster.GetJSON(ctx, url, &snap); err != nil {
			return nil, err
		}
		return &snap, nil
	})
}

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

// register announces the node to the coordinator, retrying while the
// coordinator starts up.
func register(ctx context.Context, coord string, info cluster.NodeInfo, logger *zap.Logger) error {
	body := cluster.RegisterRequest{Node: info}
	url := strings.TrimSuffix(coord, "/") + "/register"

	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		if lastErr = cluster.PostJSON(ctx, url, body, nil); lastErr == nil {
			logger.Info("registered with coordinator", zap.String("coordinator", coord))
			return nil
		}
		logger.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerDelay):
		}
	}
	return fmt.Errorf("after %d attempts: %w", registerAttempts, lastErr)
}
