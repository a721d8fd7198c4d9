// Package storage talks to the IPFS Cluster HTTP API that replicates
// encoded outputs. The gateway only ever needs two calls: request a pin and
// read back a pin's status, both safe to repeat.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"encoder-gateway/internal/gateway"
)

// Cluster implements gateway.Pinner against an IPFS Cluster REST endpoint.
type Cluster struct {
	baseURL    string
	httpClient *http.Client
}

// NewCluster builds a pin client with retries; transient cluster hiccups
// are common during replication storms.
func NewCluster(baseURL string) *Cluster {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	return &Cluster{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: retryClient.StandardClient(),
	}
}

// RequestPin asks the cluster to pin cid. Extra metadata travels as meta-*
// query parameters, matching the cluster API's pin options encoding.
// Re-pinning an already pinned cid is a no-op on the cluster side.
func (c *Cluster) RequestPin(ctx context.Context, cid, name string, meta map[string]string) error {
	params := url.Values{}
	if name != "" {
		params.Set("name", name)
	}
	for k, v := range meta {
		params.Set("meta-"+k, v)
	}

	endpoint := fmt.Sprintf("%s/pins/%s", c.baseURL, url.PathEscape(cid))
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build pin request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pin %s: %w", cid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pin %s: cluster returned status %d", cid, resp.StatusCode)
	}
	return nil
}

// pinInfo mirrors the per-peer entries of the cluster's GET /pins/{cid}
// response; only the status string matters here.
type pinInfo struct {
	Status string `json:"status"`
}

type pinStatusResponse struct {
	PeerMap map[string]pinInfo `json:"peer_map"`
}

// PinStatus reduces the cluster's per-peer view to the gateway's
// three-valued signal: pinned somewhere, actively pinning somewhere, or
// neither.
func (c *Cluster) PinStatus(ctx context.Context, cid string) (gateway.PinState, error) {
	endpoint := fmt.Sprintf("%s/pins/%s", c.baseURL, url.PathEscape(cid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gateway.PinState{}, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gateway.PinState{}, fmt.Errorf("pin status %s: %w", cid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The cluster has never seen this cid; the caller re-requests.
		return gateway.PinState{}, nil
	}
	if resp.StatusCode >= 400 {
		return gateway.PinState{}, fmt.Errorf("pin status %s: cluster returned status %d", cid, resp.StatusCode)
	}

	var status pinStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return gateway.PinState{}, fmt.Errorf("decode pin status %s: %w", cid, err)
	}

	var state gateway.PinState
	for _, info := range status.PeerMap {
		switch info.Status {
		case "pinned":
			state.Pinned = true
		case "pinning", "pin_queued", "queued":
			state.Pinning = true
		}
	}
	return state, nil
}

var _ gateway.Pinner = (*Cluster)(nil)
