// Package forcemerge wires the force merge maintenance operation into the
// broadcast core: request parsing, the coordinating HTTP entry point and the
// node-side shard adapter.
package forcemerge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/broadcast"
	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/metrics"
	"github.com/dreamware/shardcast/internal/shard"
)

// ActionName labels force merge requests in logs, metrics and node batches.
const ActionName = "force_merge"

// BatchPath is where nodes accept force merge batches.
const BatchPath = "/broadcast/forcemerge"

// Params are the per-shard options carried to every node.
type Params = shard.ForceMergeRequest

// Request is a force merge broadcast request.
type Request = broadcast.Request[Params]

// Action is the coordinating side of a force merge.
type Action = broadcast.Action[Params]

// NewAction builds a force merge action. Force merge changes index
// metadata, so it honours metadata_write blocks.
func NewAction(state broadcast.StateProvider, transport broadcast.Transport[Params], logger *zap.Logger, m metrics.Collector) *Action {
	return broadcast.NewAction(broadcast.ActionConfig[Params]{
		Name:      ActionName,
		State:     state,
		Blocks:    broadcast.LevelBlockChecker{Level: cluster.LevelMetadataWrite},
		Transport: transport,
		Validate:  Params.Validate,
		Logger:    logger,
		Metrics:   m,
	})
}

// ParseRequest builds a request from the index path segment and the query
// string. Unknown query parameters are ignored.
func ParseRequest(indexExpr string, r *http.Request) (Request, error) {
	var indices []string
	for _, part := range strings.Split(indexExpr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			indices = append(indices, part)
		}
	}
	req := broadcast.NewRequest(shard.DefaultForceMergeRequest(), indices...)

	q := r.URL.Query()
	var err error
	if v := q.Get("max_num_segments"); v != "" {
		if req.Params.MaxNumSegments, err = strconv.Atoi(v); err != nil {
			return Request{}, fmt.Errorf("%w: max_num_segments %q is not a number", broadcast.ErrInvalidRequest, v)
		}
	}
	boolParams := []struct {
		name string
		dst  *bool
	}{
		{"only_expunge_deletes", &req.Params.OnlyExpungeDeletes},
		{"flush", &req.Params.Flush},
		{"ignore_unavailable", &req.Options.IgnoreUnavailable},
		{"allow_no_indices", &req.Options.AllowNoIndices},
	}
	for _, p := range boolParams {
		if err := parseBool(q.Get(p.name), p.dst); err != nil {
			return Request{}, fmt.Errorf("%w: %s: %v", broadcast.ErrInvalidRequest, p.name, err)
		}
	}
	if project := q.Get("project"); project != "" {
		req.Project = cluster.ProjectID(project)
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		req.ID = id
	}
	return req, nil
}

// parseBool leaves dst untouched for an empty value.
func parseBool(v string, dst *bool) error {
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

// Handler serves POST /{index}/_forcemerge and POST /_forcemerge.
func Handler(action *Action, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		indexExpr, ok := IndexExpression(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		req, err := ParseRequest(indexExpr, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp, err := action.Execute(r.Context(), req)
		if err != nil {
			status := StatusFor(err)
			if status >= http.StatusInternalServerError {
				logger.Error("force merge failed", zap.Error(err))
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, resp, logger)
	}
}

// IndexExpression extracts the index expression from /{index}/_forcemerge.
// The bare /_forcemerge form targets every open index.
func IndexExpression(path string) (string, bool) {
	rest, ok := strings.CutSuffix(strings.TrimPrefix(path, "/"), "_forcemerge")
	if !ok || (rest != "" && !strings.HasSuffix(rest, "/")) {
		return "", false
	}
	rest = strings.TrimSuffix(rest, "/")
	if strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// StatusFor maps a pre-dispatch error to an HTTP status.
func StatusFor(err error) int {
	var rej *broadcast.RejectionError
	var res *broadcast.ResolutionError
	switch {
	case errors.As(err, &rej):
		return http.StatusForbidden
	case errors.As(err, &res):
		if res.IsNotFound() {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case errors.Is(err, broadcast.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}
