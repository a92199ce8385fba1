package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// ControlMessage is pushed by the coordinator to a node whenever the routing
// table changes. Shards lists every copy the node is expected to host.
type ControlMessage struct {
	Type    string           `json:"type"`
	Version int64            `json:"version"`
	Shards  []ShardPlacement `json:"shards"`
}

// ControlSyncShards asks a node to reconcile its local shard copies.
const ControlSyncShards = "sync_shards"

// HTTPError is returned by the JSON helpers for non-2xx responses.
type HTTPError struct {
	URL        string
	Message    string
	StatusCode int
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Message)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return DoJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	return DoJSON(ctx, httpClient, http.MethodGet, url, nil, out)
}

// DoJSON issues a request with an optional JSON body and decodes a JSON
// response into out when out is non-nil. A 204 or an empty body leaves out
// untouched. The client's own timeout and the context deadline both apply.
func DoJSON(ctx context.Context, client *http.Client, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{URL: url, StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
