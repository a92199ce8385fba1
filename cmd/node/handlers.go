package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/pool"
	"github.com/dreamware/shardcast/internal/shard"
	"github.com/dreamware/shardcast/internal/storage"
)

// handleControl applies a shard sync pushed by the coordinator.
func (s *nodeServer) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg cluster.ControlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	res, err := s.node.Sync(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if res.Stale {
		s.logger.Debug("ignored stale shard sync",
			zap.Int64("version", msg.Version),
			zap.Int64("applied", s.node.Version()))
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleShardRequest serves /shard/{index}/{id}/store[/{key}] and
// /shard/{index}/{id}/stats. Keys may contain slashes.
func (s *nodeServer) handleShardRequest(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/shard/"), "/", 4)
	if len(parts) < 3 {
		http.Error(w, "invalid path format", http.StatusBadRequest)
		return
	}
	index, rest := parts[0], parts[2]
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		http.Error(w, "invalid shard ID", http.StatusBadRequest)
		return
	}
	sh := s.node.GetShard(index, id)
	if sh == nil {
		http.Error(w, "shard not hosted on this node", http.StatusNotFound)
		return
	}

	switch {
	case rest == "stats" && len(parts) == 3 && r.Method == http.MethodGet:
		s.writeJSON(w, http.StatusOK, struct {
			shard.ShardStats
			Index string `json:"index"`
			ID    int    `json:"shard"`
		}{ShardStats: sh.GetStats(), Index: sh.Index, ID: sh.ID})
	case rest == "store" && (len(parts) == 3 || parts[3] == "") && r.Method == http.MethodGet:
		keys := sh.ListKeys()
		s.writeJSON(w, http.StatusOK, struct {
			Keys  []string `json:"keys"`
			Count int      `json:"count"`
		}{Keys: keys, Count: len(keys)})
	case rest == "store" && len(parts) == 4 && parts[3] != "":
		s.handleKey(sh, parts[3], w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *nodeServer) handleKey(sh *shard.Shard, key string, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		value, err := sh.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(value); err != nil {
			s.logger.Warn("write response", zap.Error(err))
		}
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if err := sh.Put(key, body); err != nil {
			http.Error(w, err.Error(), shardErrorStatus(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := sh.Delete(key); err != nil {
			http.Error(w, err.Error(), shardErrorStatus(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func shardErrorStatus(err error) int {
	if errors.Is(err, shard.ErrShardClosed) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *nodeServer) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shards := s.node.Shards()
	infos := make([]shard.ShardInfo, 0, len(shards))
	for _, sh := range shards {
		infos = append(infos, sh.Info())
	}
	s.writeJSON(w, http.StatusOK, struct {
		NodeID  string            `json:"node_id"`
		Shards  []shard.ShardInfo `json:"shards"`
		Pool    pool.Stats        `json:"force_merge_pool"`
		Count   int               `json:"shard_count"`
		Version int64             `json:"routing_version"`
	}{
		NodeID:  s.node.ID,
		Shards:  infos,
		Pool:    s.pool.Stats(),
		Count:   len(infos),
		Version: s.node.Version(),
	})
}

func (s *nodeServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}
