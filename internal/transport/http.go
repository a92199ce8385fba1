// Package transport carries broadcast node batches between processes over
// HTTP with JSON bodies. Batches owned by the local node never leave the
// process.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/broadcast"
	"github.com/dreamware/shardcast/internal/cluster"
)

// LocalFunc executes a batch in-process. *broadcast.Executor's Execute
// method satisfies it.
type LocalFunc[P any] func(ctx context.Context, batch broadcast.NodeBatch[P]) []broadcast.ShardOutcome

// Config configures an HTTP transport.
type Config[P any] struct {
	// Client defaults to a client without its own timeout; the caller's
	// context deadline bounds each call.
	Client *http.Client
	// Local runs batches for LocalNodeID without a network hop. Nil sends
	// every batch over HTTP.
	Local       LocalFunc[P]
	Logger      *zap.Logger
	Path        string
	LocalNodeID string
}

// HTTP sends node batches as JSON POST requests to Path on the owning node.
type HTTP[P any] struct {
	client      *http.Client
	local       LocalFunc[P]
	logger      *zap.Logger
	path        string
	localNodeID string
}

var _ broadcast.Transport[struct{}] = (*HTTP[struct{}])(nil)

func New[P any](cfg Config[P]) *HTTP[P] {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTP[P]{
		client:      cfg.Client,
		local:       cfg.Local,
		logger:      cfg.Logger,
		path:        "/" + strings.TrimPrefix(cfg.Path, "/"),
		localNodeID: cfg.LocalNodeID,
	}
}

func (t *HTTP[P]) Send(ctx context.Context, node cluster.NodeInfo, batch broadcast.NodeBatch[P]) ([]broadcast.ShardOutcome, error) {
	if t.local != nil && node.ID == t.localNodeID {
		return t.local(ctx, batch), nil
	}

	start := time.Now()
	url := strings.TrimSuffix(node.Addr, "/") + t.path
	var resp broadcast.NodeResponse
	if err := cluster.DoJSON(ctx, t.client, http.MethodPost, url, batch, &resp); err != nil {
		return nil, fmt.Errorf("send batch to node [%s]: %w", node.ID, err)
	}
	if resp.NodeID != "" && resp.NodeID != node.ID {
		return nil, fmt.Errorf("send batch to node [%s]: answered by node [%s]", node.ID, resp.NodeID)
	}
	t.logger.Debug("node batch completed",
		zap.String("node", node.ID),
		zap.String("request_id", batch.RequestID),
		zap.Int("shards", len(batch.Shards)),
		zap.Duration("took", time.Since(start)))
	return resp.Outcomes, nil
}

// Handler serves node batches on the owning node. Batches addressed to a
// different node are refused with 409 so the sender records a node failure.
func Handler[P any](nodeID string, exec LocalFunc[P], logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var batch broadcast.NodeBatch[P]
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if batch.NodeID != nodeID {
			logger.Warn("refusing batch for another node",
				zap.String("target", batch.NodeID),
				zap.String("request_id", batch.RequestID))
			http.Error(w, fmt.Sprintf("batch for node [%s] delivered to [%s]", batch.NodeID, nodeID), http.StatusConflict)
			return
		}

		outcomes := exec(r.Context(), batch)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(broadcast.NodeResponse{NodeID: nodeID, Outcomes: outcomes}); err != nil {
			logger.Warn("write batch response", zap.Error(err))
		}
	}
}
