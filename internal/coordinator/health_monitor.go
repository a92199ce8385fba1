package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/cluster"
)

// Node health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DefaultMaxFailures is how many consecutive failed checks mark a node
// unhealthy.
const DefaultMaxFailures = 3

// NodeHealth tracks the health of a single node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// CheckFunc checks one node and returns nil when it is healthy.
type CheckFunc func(ctx context.Context, node cluster.NodeInfo) error

// HealthMonitor periodically checks every registered node. A node that
// fails DefaultMaxFailures checks in a row is reported once through the
// unhealthy callback, which the coordinator uses to take its shard copies
// out of the routing table so broadcasts stop targeting it.
//
// Thread Safety: all methods are safe for concurrent use. Callbacks run on
// their own goroutine without the monitor's lock held.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   CheckFunc
	onUnhealthy func(nodeID string)
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that checks every interval. A nil
// logger disables logging.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger)
//	monitor.SetOnUnhealthy(func(id string) { registry.RemoveNode(id) })
//	go monitor.Start(ctx, registry.Nodes)
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: DefaultMaxFailures,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger.Named("health"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy registers the callback invoked when a node turns
// unhealthy. Set it before Start.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the HTTP health check. Set it before Start.
func (h *HealthMonitor) SetCheckFunction(fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = fn
}

// Start checks all nodes immediately and then every interval until ctx is
// done or Stop is called. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	h.mu.Lock()
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}
	h.mu.Unlock()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))
	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopping", zap.Error(ctx.Err()))
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping")
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes checks the given nodes concurrently and forgets nodes that
// are no longer registered.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	var wg sync.WaitGroup
	for _, node := range nodes {
		current[node.ID] = true
		wg.Add(1)
		go func(n cluster.NodeInfo) {
			defer wg.Done()
			h.checkNode(ctx, n)
		}(node)
	}
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.logger.Info("stopped monitoring node", zap.String("node", id))
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := check(checkCtx, node)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info("node recovered", zap.String("node", node.ID))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed",
		zap.String("node", node.ID),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max_failures", h.maxFailures),
		zap.Error(err))

	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return
	}
	health.Status = StatusUnhealthy
	h.logger.Error("node marked unhealthy",
		zap.String("node", node.ID),
		zap.Int("failures", health.ConsecutiveFails))
	if h.onUnhealthy != nil {
		go h.onUnhealthy(node.ID)
	}
}

// defaultHealthCheck GETs {addr}/health and expects 200.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, node cluster.NodeInfo) error {
	url := node.Addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of a node's health record, or nil when the
// node is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every health record keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		out[id] = &cp
	}
	return out
}

// IsHealthy reports whether the node's last checks succeeded.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}
