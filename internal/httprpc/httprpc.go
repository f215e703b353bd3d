// Package httprpc is this module's own default implementation of
// internal/rpcif's collaborator ports over JSON/HTTP. The wire codec and RPC
// transport are explicitly out of scope for the transaction-execution
// runtime itself (spec.md §1); this package exists so the module is
// runnable and testable end to end against a real process rather than only
// against internal/fakestorage.
//
// Grounded on torua's cmd/node/main.go GetJSON/PostJSON helpers: a
// timeout-bounded http.Client, context-first signatures, and plain
// encoding/json request/response bodies.
package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/option"
)

// defaultTimeout bounds a single HTTP round trip the way torua's own
// client helpers do.
const defaultTimeout = 5 * time.Second

// Client implements rpcif.StorageServer, rpcif.GRVProxy, rpcif.CommitProxy,
// and rpcif.Coordinator against a JSON/HTTP backend, addressed by the
// Endpoint/proxy-address strings the collaborator ports already carry.
type Client struct {
	http *http.Client
}

// New returns a Client with a bounded-timeout *http.Client, matching the
// teacher's own transport construction.
func New() *Client {
	return &Client{http: &http.Client{Timeout: defaultTimeout}}
}

func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("httprpc: %s: %s", resp.Status, string(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetValue implements rpcif.StorageServer.
func (c *Client) GetValue(ctx context.Context, req rpcif.GetValueRequest) (kv.Value, bool, error) {
	var out struct {
		Value []byte `json:"value"`
		Found bool   `json:"found"`
	}
	url := fmt.Sprintf("http://%s/storage/%s/getValue", req.Endpoint.ServerID, req.Endpoint.Token)
	if err := c.postJSON(ctx, url, req, &out); err != nil {
		return nil, false, err
	}
	return out.Value, out.Found, nil
}

// GetKey implements rpcif.StorageServer.
func (c *Client) GetKey(ctx context.Context, req rpcif.GetKeyRequest) (rpcif.GetKeyResponse, error) {
	var out rpcif.GetKeyResponse
	url := fmt.Sprintf("http://%s/storage/%s/getKey", req.Endpoint.ServerID, req.Endpoint.Token)
	err := c.postJSON(ctx, url, req, &out)
	return out, err
}

// GetKeyValues implements rpcif.StorageServer.
func (c *Client) GetKeyValues(ctx context.Context, req rpcif.GetKeyValuesRequest) (rpcif.GetKeyValuesResponse, error) {
	var out rpcif.GetKeyValuesResponse
	url := fmt.Sprintf("http://%s/storage/%s/getKeyValues", req.Endpoint.ServerID, req.Endpoint.Token)
	err := c.postJSON(ctx, url, req, &out)
	return out, err
}

// WatchValue implements rpcif.StorageServer. The server is expected to hold
// the HTTP request open until the value changes or the client cancels ctx.
func (c *Client) WatchValue(ctx context.Context, endpoint rpcif.Endpoint, key kv.Key, value kv.Value, version kv.Version) (kv.Value, kv.Version, error) {
	var out struct {
		Value   []byte     `json:"value"`
		Version kv.Version `json:"version"`
	}
	body := struct {
		Key     kv.Key     `json:"key"`
		Value   kv.Value   `json:"value"`
		Version kv.Version `json:"version"`
	}{Key: key, Value: value, Version: version}
	url := fmt.Sprintf("http://%s/storage/%s/watchValue", endpoint.ServerID, endpoint.Token)
	if err := c.postJSON(ctx, url, body, &out); err != nil {
		return nil, 0, err
	}
	return out.Value, out.Version, nil
}

// SplitMetrics implements rpcif.StorageServer.
func (c *Client) SplitMetrics(ctx context.Context, endpoint rpcif.Endpoint, r kv.KeyRange, chunkBytes int64) ([]kv.Key, error) {
	var out struct {
		SplitPoints []kv.Key `json:"splitPoints"`
	}
	body := struct {
		Range      kv.KeyRange `json:"range"`
		ChunkBytes int64       `json:"chunkBytes"`
	}{Range: r, ChunkBytes: chunkBytes}
	url := fmt.Sprintf("http://%s/storage/%s/splitMetrics", endpoint.ServerID, endpoint.Token)
	err := c.postJSON(ctx, url, body, &out)
	return out.SplitPoints, err
}

// GetRangeSplitPoints implements rpcif.StorageServer.
func (c *Client) GetRangeSplitPoints(ctx context.Context, endpoint rpcif.Endpoint, r kv.KeyRange, chunkBytes int64) ([]kv.Key, error) {
	return c.SplitMetrics(ctx, endpoint, r, chunkBytes)
}

// GetReadVersion implements rpcif.GRVProxy.
func (c *Client) GetReadVersion(ctx context.Context, class option.Class, count int, tags []string) (kv.Version, kv.Version, map[string]float64, error) {
	var out struct {
		Version         kv.Version         `json:"version"`
		MetadataVersion kv.Version         `json:"metadataVersion"`
		TagRates        map[string]float64 `json:"tagRates"`
	}
	body := struct {
		Priority option.Priority `json:"priority"`
		Count    int             `json:"count"`
		Tags     []string        `json:"tags"`
	}{Priority: class.Priority, Count: count, Tags: tags}
	if err := c.postJSON(ctx, "http://grvproxy/getReadVersion", body, &out); err != nil {
		return 0, 0, nil, err
	}
	return out.Version, out.MetadataVersion, out.TagRates, nil
}

// CommitTransaction implements rpcif.CommitProxy.
func (c *Client) CommitTransaction(ctx context.Context, req rpcif.CommitRequest) (rpcif.CommitResponse, error) {
	var out rpcif.CommitResponse
	err := c.postJSON(ctx, "http://commitproxy/commit", req, &out)
	return out, err
}

// GRVProxies implements rpcif.Coordinator.
func (c *Client) GRVProxies(ctx context.Context) ([]string, error) {
	var out struct {
		Addresses []string `json:"addresses"`
	}
	err := c.postJSON(ctx, "http://coordinator/grvProxies", struct{}{}, &out)
	return out.Addresses, err
}

// CommitProxies implements rpcif.Coordinator.
func (c *Client) CommitProxies(ctx context.Context) ([]string, error) {
	var out struct {
		Addresses []string `json:"addresses"`
	}
	err := c.postJSON(ctx, "http://coordinator/commitProxies", struct{}{}, &out)
	return out.Addresses, err
}

// LocateKey implements rpcif.Coordinator.
func (c *Client) LocateKey(ctx context.Context, key kv.Key) (kv.KeyRange, []rpcif.Endpoint, error) {
	var out struct {
		Range     kv.KeyRange      `json:"range"`
		Endpoints []rpcif.Endpoint `json:"endpoints"`
	}
	body := struct {
		Key kv.Key `json:"key"`
	}{Key: key}
	err := c.postJSON(ctx, "http://coordinator/locateKey", body, &out)
	return out.Range, out.Endpoints, err
}

// LocateRange implements rpcif.Coordinator.
func (c *Client) LocateRange(ctx context.Context, r kv.KeyRange, limit int) ([]rpcif.LocatedRange, error) {
	var out struct {
		Ranges []rpcif.LocatedRange `json:"ranges"`
	}
	body := struct {
		Range kv.KeyRange `json:"range"`
		Limit int         `json:"limit"`
	}{Range: r, Limit: limit}
	err := c.postJSON(ctx, "http://coordinator/locateRange", body, &out)
	return out.Ranges, err
}
