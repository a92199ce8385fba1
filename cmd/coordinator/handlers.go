package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/coordinator"
)

// namedBlocks are the blocks operators can install through /blocks.
var namedBlocks = map[string]cluster.Block{
	"read_only":         cluster.BlockReadOnly,
	"metadata":          cluster.BlockMetadata,
	"cluster_read_only": cluster.BlockClusterReadOnly,
	"no_coordinator":    cluster.BlockNoCoordinator,
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if s.registry.RegisterNode(req.Node) {
		s.logger.Info("node registered",
			zap.String("node", req.Node.ID),
			zap.String("addr", req.Node.Addr),
			zap.Int64("version", s.registry.Version()))
	}
	// A restarted node re-registers with the same identity and needs its
	// copies back, so sync unconditionally.
	s.syncNodes(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Health map[string]*coordinator.NodeHealth `json:"health"`
		Nodes  []cluster.NodeInfo                 `json:"nodes"`
	}{
		Health: s.monitor.GetAllNodeHealth(),
		Nodes:  s.registry.Nodes(),
	})
}

// handleState serves the current snapshot. Nodes use it as their state
// provider when they coordinate a broadcast themselves.
func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	byNode := make(map[string][]cluster.ShardPlacement)
	if id := r.URL.Query().Get("node"); id != "" {
		byNode[id] = s.registry.PlacementsForNode(id)
	} else {
		for _, n := range s.registry.Nodes() {
			byNode[n.ID] = s.registry.PlacementsForNode(n.ID)
		}
	}
	s.writeJSON(w, http.StatusOK, struct {
		Nodes   map[string][]cluster.ShardPlacement `json:"nodes"`
		Version int64                               `json:"version"`
	}{Nodes: byNode, Version: s.registry.Version()})
}

// handleShardAssign moves one shard copy to a node (admin operation).
func (s *server) handleShardAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Project cluster.ProjectID `json:"project"`
		Index   string            `json:"index"`
		NodeID  string            `json:"node_id"`
		ShardID int               `json:"shard_id"`
		Primary bool              `json:"primary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.AssignShard(req.Project, req.Index, req.ShardID, req.NodeID, req.Primary); err != nil {
		http.Error(w, err.Error(), registryStatus(err))
		return
	}
	s.syncNodes(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleIndex serves index administration:
//
//	PUT    /indices/{name}?shards=N&replicas=M
//	GET    /indices/{name}
//	DELETE /indices/{name}
//	POST   /indices/{name}/_open
//	POST   /indices/{name}/_close
//
// Every form accepts ?project=.
func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	name, op, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/indices/"), "/")
	if name == "" {
		http.Error(w, "index name required", http.StatusBadRequest)
		return
	}
	project := cluster.ProjectID(r.URL.Query().Get("project"))

	var err error
	status := http.StatusOK
	switch {
	case op == "" && r.Method == http.MethodGet:
		snap := s.registry.Snapshot()
		if project == "" {
			project = cluster.DefaultProject
		}
		idx, ok := snap.Index(project, name)
		if !ok {
			http.Error(w, fmt.Sprintf("%v: [%s]", coordinator.ErrIndexNotFound, name), http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, struct {
			Blocks []cluster.Block `json:"blocks,omitempty"`
			cluster.IndexRouting
		}{Blocks: snap.Project(project).IndexBlocks[name], IndexRouting: idx})
		return
	case op == "" && r.Method == http.MethodPut:
		shards, replicas := 1, 0
		if shards, err = intParam(r.URL.Query(), "shards", shards); err == nil {
			replicas, err = intParam(r.URL.Query(), "replicas", replicas)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.registry.CreateIndex(project, name, shards, replicas)
		status = http.StatusCreated
	case op == "" && r.Method == http.MethodDelete:
		err = s.registry.DeleteIndex(project, name)
	case op == "_open" && r.Method == http.MethodPost:
		err = s.registry.SetIndexState(project, name, cluster.IndexOpen)
	case op == "_close" && r.Method == http.MethodPost:
		err = s.registry.SetIndexState(project, name, cluster.IndexClosed)
	case op == "" || op == "_open" || op == "_close":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), registryStatus(err))
		return
	}

	s.logger.Info("index updated",
		zap.String("index", name),
		zap.String("method", r.Method),
		zap.String("op", op),
		zap.Int64("version", s.registry.Version()))
	s.syncNodes(r.Context())
	s.writeJSON(w, status, map[string]any{"acknowledged": true, "index": name})
}

// handleBlocks adds (POST) or removes (DELETE) a named block. An empty
// index targets the global block list.
func (s *server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Project cluster.ProjectID `json:"project"`
		Index   string            `json:"index"`
		Block   string            `json:"block"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	block, ok := namedBlocks[req.Block]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown block %q", req.Block), http.StatusBadRequest)
		return
	}

	var err error
	if r.Method == http.MethodPost {
		err = s.registry.AddBlock(req.Project, req.Index, block)
	} else {
		err = s.registry.RemoveBlock(req.Project, req.Index, block.ID)
	}
	if err != nil {
		http.Error(w, err.Error(), registryStatus(err))
		return
	}
	s.logger.Info("blocks updated",
		zap.String("method", r.Method),
		zap.String("block", block.String()),
		zap.String("index", req.Index),
		zap.String("project", string(req.Project)))
	w.WriteHeader(http.StatusNoContent)
}

// handleData routes /data/{index}/{key}. Reads go to the primary; writes go
// to the primary and then to every replica.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	index, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/data/"), "/")
	if index == "" || key == "" {
		http.Error(w, "index and key required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	project := cluster.ProjectID(r.URL.Query().Get("project"))
	copies, err := s.registry.CopiesForKey(project, index, key)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, coordinator.ErrIndexNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	if r.Method == http.MethodGet {
		copies = copies[:1]
	}

	var body []byte
	if r.Method == http.MethodPut {
		if body, err = io.ReadAll(r.Body); err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
	}

	snap := s.registry.Snapshot()
	var primaryStatus int
	var primaryBody []byte
	for i, p := range copies {
		node, ok := snap.Node(p.NodeID)
		if !ok {
			if i == 0 {
				http.Error(w, fmt.Sprintf("node %s not found", p.NodeID), http.StatusServiceUnavailable)
				return
			}
			continue
		}
		target := fmt.Sprintf("%s/shard/%s/%d/store/%s", strings.TrimSuffix(node.Addr, "/"), url.PathEscape(p.Index), p.Shard, url.PathEscape(key))
		status, respBody, err := s.forward(r.Context(), r.Method, target, body)
		if i == 0 {
			if err != nil {
				http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
				return
			}
			if status >= 300 {
				w.WriteHeader(status)
				_, _ = w.Write(respBody)
				return
			}
			primaryStatus, primaryBody = status, respBody
			continue
		}
		if err != nil || status >= 300 {
			s.logger.Warn("replica write failed",
				zap.Stringer("copy", p),
				zap.Int("status", status),
				zap.Error(err))
		}
	}
	w.WriteHeader(primaryStatus)
	_, _ = w.Write(primaryBody)
}

func (s *server) forward(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, err
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func registryStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrIndexNotFound), errors.Is(err, coordinator.ErrBlockNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrIndexExists):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a number", name, v)
	}
	return n, nil
}
