package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/shardcast/internal/cluster"
)

// flakyCheck fails for every node ID in down.
type flakyCheck struct {
	down  map[string]bool
	mu    sync.Mutex
	calls atomic.Int64
}

func (f *flakyCheck) set(id string, isDown bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[id] = isDown
}

func (f *flakyCheck) check(_ context.Context, n cluster.NodeInfo) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[n.ID] {
		return errors.New("node is down")
	}
	return nil
}

var twoNodes = []cluster.NodeInfo{
	{ID: "node-1", Addr: "http://localhost:8081"},
	{ID: "node-2", Addr: "http://localhost:8082"},
}

// TestNewHealthMonitor verifies defaults.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, nil)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, DefaultMaxFailures, monitor.maxFailures)
	assert.Empty(t, monitor.GetAllNodeHealth())
	assert.Nil(t, monitor.GetNodeHealth("node-1"))
	assert.False(t, monitor.IsHealthy("node-1"))
}

// TestHealthMonitorTransitions walks one node through healthy, failing,
// unhealthy and recovered, checking the callback fires exactly once.
func TestHealthMonitorTransitions(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, zaptest.NewLogger(t))
	checks := &flakyCheck{down: map[string]bool{}}
	monitor.SetCheckFunction(checks.check)

	unhealthy := make(chan string, 4)
	monitor.SetOnUnhealthy(func(id string) { unhealthy <- id })

	ctx := context.Background()
	monitor.checkAllNodes(ctx, twoNodes)
	assert.True(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))

	checks.set("node-1", true)
	for i := 1; i < DefaultMaxFailures; i++ {
		monitor.checkAllNodes(ctx, twoNodes)
		h := monitor.GetNodeHealth("node-1")
		require.NotNil(t, h)
		assert.Equal(t, StatusHealthy, h.Status, "still healthy after %d failures", i)
		assert.Equal(t, i, h.ConsecutiveFails)
	}

	monitor.checkAllNodes(ctx, twoNodes)
	monitor.checkAllNodes(ctx, twoNodes)
	assert.False(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))
	assert.Equal(t, StatusUnhealthy, monitor.GetNodeHealth("node-1").Status)

	select {
	case id := <-unhealthy:
		assert.Equal(t, "node-1", id)
	case <-time.After(time.Second):
		t.Fatal("unhealthy callback not invoked")
	}

	checks.set("node-1", false)
	monitor.checkAllNodes(ctx, twoNodes)
	h := monitor.GetNodeHealth("node-1")
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Zero(t, h.ConsecutiveFails)
	assert.Empty(t, unhealthy, "callback fires once per transition")
}

// TestHealthMonitorForgetsRemovedNodes verifies deregistered nodes are
// dropped from tracking.
func TestHealthMonitorForgetsRemovedNodes(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)
	checks := &flakyCheck{down: map[string]bool{}}
	monitor.SetCheckFunction(checks.check)

	monitor.checkAllNodes(context.Background(), twoNodes)
	require.Len(t, monitor.GetAllNodeHealth(), 2)

	monitor.checkAllNodes(context.Background(), twoNodes[1:])
	all := monitor.GetAllNodeHealth()
	assert.Len(t, all, 1)
	assert.Contains(t, all, "node-2")
}

// TestHealthMonitorStartStop runs the loop and verifies Stop returns.
func TestHealthMonitorStartStop(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, zaptest.NewLogger(t))
	checks := &flakyCheck{down: map[string]bool{}}
	monitor.SetCheckFunction(checks.check)

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), func() []cluster.NodeInfo { return twoNodes })
		close(done)
	}()

	require.Eventually(t, func() bool { return checks.calls.Load() >= 6 }, 2*time.Second, 10*time.Millisecond)
	monitor.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

// TestHealthMonitorContextCancel verifies Start honours its context.
func TestHealthMonitorContextCancel(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)
	monitor.SetCheckFunction((&flakyCheck{down: map[string]bool{}}).check)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Start(ctx, func() []cluster.NodeInfo { return nil })
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

// TestDefaultHealthCheck exercises the HTTP health check against real servers.
func TestDefaultHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	monitor := NewHealthMonitor(time.Hour, nil)
	ctx := context.Background()

	assert.NoError(t, monitor.defaultHealthCheck(ctx, cluster.NodeInfo{ID: "a", Addr: healthy.URL}))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, cluster.NodeInfo{ID: "a", Addr: healthy.URL + "/"}))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, cluster.NodeInfo{ID: "a", Addr: healthy.Listener.Addr().String()}))

	err := monitor.defaultHealthCheck(ctx, cluster.NodeInfo{ID: "b", Addr: failing.URL})
	assert.ErrorContains(t, err, "status 503")

	err = monitor.defaultHealthCheck(ctx, cluster.NodeInfo{ID: "c", Addr: "http://127.0.0.1:1"})
	assert.ErrorContains(t, err, "request failed")
}
