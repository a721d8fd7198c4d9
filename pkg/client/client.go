// Package client is the worker-side library for talking to the gateway.
// Every mutating call is wrapped in a signed envelope so the gateway can
// attribute it to a stable worker identity.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"encoder-gateway/internal/identity"
	"encoder-gateway/pkg/models"
)

type GatewayClient struct {
	baseURL    string
	signer     *identity.Signer
	httpClient *http.Client
}

// New creates a robust HTTP client with retries.
func New(baseURL string, signer *identity.Signer) *GatewayClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil // Silence default debug logger

	return &GatewayClient{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: retryClient.StandardClient(),
	}
}

// DID returns the identity this client signs with.
func (c *GatewayClient) DID() string {
	return c.signer.DID()
}

// APIError carries the status code of a rejected request so callers can
// tell ownership conflicts apart from transient failures.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Message)
}

// doSigned signs the payload and POSTs the envelope.
func (c *GatewayClient) doSigned(ctx context.Context, path string, payload interface{}, response interface{}) error {
	jws, err := c.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign payload: %w", err)
	}

	body, err := json.Marshal(map[string]string{"jws": jws})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return c.do(ctx, "POST", path, bytes.NewBuffer(body), response)
}

func (c *GatewayClient) do(ctx context.Context, method, path string, body io.Reader, response interface{}) error {
	url := fmt.Sprintf("%s%s", c.baseURL, path)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if response != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// UpdateNode reports the worker's hardware profile. Called once on startup
// and again whenever the profile changes.
func (c *GatewayClient) UpdateNode(ctx context.Context, info models.NodeInfo) error {
	payload := struct {
		NodeInfo models.NodeInfo `json:"node_info"`
	}{NodeInfo: info}
	return c.doSigned(ctx, "/api/v0/gateway/updateNode", payload, nil)
}

// AskJob requests a job offer scored against this worker's identity.
func (c *GatewayClient) AskJob(ctx context.Context) (models.JobOffer, error) {
	var offer models.JobOffer
	err := c.doSigned(ctx, "/api/v0/gateway/askJob", struct{}{}, &offer)
	return offer, err
}

// AcceptJob claims an offered job. Exactly one worker wins a given job;
// losers get a conflict status and should ask again.
func (c *GatewayClient) AcceptJob(ctx context.Context, jobID string) error {
	return c.doSigned(ctx, "/api/v0/gateway/acceptJob", jobIDPayload{JobID: jobID}, nil)
}

// RejectJob returns an accepted job to the queue without penalty.
func (c *GatewayClient) RejectJob(ctx context.Context, jobID string) error {
	return c.doSigned(ctx, "/api/v0/gateway/rejectJob", jobIDPayload{JobID: jobID}, nil)
}

// FailJob reports that the job cannot be completed by this worker.
func (c *GatewayClient) FailJob(ctx context.Context, jobID string) error {
	return c.doSigned(ctx, "/api/v0/gateway/failJob", jobIDPayload{JobID: jobID}, nil)
}

// PingJob reports transcoding progress and keeps the lease alive.
func (c *GatewayClient) PingJob(ctx context.Context, jobID string, progressPct, downloadPct float64) error {
	payload := struct {
		JobID       string  `json:"job_id"`
		ProgressPct float64 `json:"progressPct"`
		DownloadPct float64 `json:"downloadPct"`
	}{JobID: jobID, ProgressPct: progressPct, DownloadPct: downloadPct}
	return c.doSigned(ctx, "/api/v0/gateway/pingJob", payload, nil)
}

// FinishJob reports the uploaded output for a job.
func (c *GatewayClient) FinishJob(ctx context.Context, jobID, outputCID string) error {
	payload := struct {
		JobID  string `json:"job_id"`
		Output struct {
			CID string `json:"cid"`
		} `json:"output"`
	}{JobID: jobID}
	payload.Output.CID = outputCID
	return c.doSigned(ctx, "/api/v0/gateway/finishJob", payload, nil)
}

// JobStatus fetches the public view of a job, including its queue rank.
func (c *GatewayClient) JobStatus(ctx context.Context, jobID string) (models.JobStatusInfo, error) {
	var info models.JobStatusInfo
	err := c.do(ctx, "GET", "/api/v0/gateway/jobstatus/"+jobID, nil, &info)
	return info, err
}

// Stats fetches the gateway's headline counters.
func (c *GatewayClient) Stats(ctx context.Context) (models.GatewayStats, error) {
	var stats models.GatewayStats
	err := c.do(ctx, "GET", "/api/v0/gateway/stats", nil, &stats)
	return stats, err
}

// NodeScore fetches the gateway's current score for this worker.
func (c *GatewayClient) NodeScore(ctx context.Context) (models.NodeScore, error) {
	var score models.NodeScore
	err := c.do(ctx, "GET", "/api/v0/gateway/nodestats/"+c.signer.DID(), nil, &score)
	return score, err
}

type jobIDPayload struct {
	JobID string `json:"job_id"`
}
