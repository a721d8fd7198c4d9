// Package probe resolves a job source URI to its byte size at creation
// time. The size only feeds throughput scoring, so every failure mode here
// degrades to "unknown" rather than blocking job creation.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTP probes sizes with a HEAD request.
type HTTP struct {
	httpClient *http.Client
}

func NewHTTP() *HTTP {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = 10 * time.Second

	return &HTTP{httpClient: retryClient.StandardClient()}
}

// HeadSize returns the source's Content-Length in bytes. Zero with a nil
// error means the server would not say.
func (p *HTTP) HeadSize(ctx context.Context, uri string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return 0, fmt.Errorf("build head request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("head %s: status %d", uri, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}
