// Package admin holds the operational commands behind the harvest admin
// CLI: schema migration, full engine reset, and driving the ranking
// pipeline against a running API.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/seedcommons/harvest/utils/pkg/retry"
)

// Client drives the privileged pipeline surface of a harvest API.
type Client struct {
	log         *slog.Logger
	baseURL     string
	systemToken string
	httpClient  *http.Client
	retry       retry.Config
}

func NewClient(log *slog.Logger, baseURL, systemToken string) *Client {
	return &Client{
		log:         log,
		baseURL:     strings.TrimRight(baseURL, "/"),
		systemToken: systemToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		retry:       retry.DefaultConfig(),
	}
}

type stageResult struct {
	Done      bool `json:"done"`
	Processed int  `json:"processed"`
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api responded %d: %s", e.status, e.body)
}

func (e *apiError) StatusCode() int { return e.status }

func (c *Client) post(ctx context.Context, path string, into any) error {
	return retry.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.systemToken)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}
		if into == nil {
			return nil
		}
		return json.Unmarshal(body, into)
	})
}

// RunStage re-invokes one stage until its current pass completes.
func (c *Client) RunStage(ctx context.Context, stage string, maxInvocations int) (int, error) {
	if maxInvocations <= 0 {
		maxInvocations = 10000
	}
	processed := 0
	for i := 0; i < maxInvocations; i++ {
		var res stageResult
		if err := c.post(ctx, "/v1/stages/"+stage, &res); err != nil {
			return processed, fmt.Errorf("stage %s: %w", stage, err)
		}
		processed += res.Processed
		if res.Done {
			c.log.Info("stage complete", "stage", stage, "processed", processed, "invocations", i+1)
			return processed, nil
		}
	}
	return processed, fmt.Errorf("stage %s did not complete within %d invocations", stage, maxInvocations)
}

// RunPipeline drives every stage, in order, to completion.
func (c *Client) RunPipeline(ctx context.Context, stages []string, maxInvocations int) error {
	start := time.Now()
	for _, stage := range stages {
		if _, err := c.RunStage(ctx, stage, maxInvocations); err != nil {
			return err
		}
	}
	c.log.Info("pipeline complete", "stages", len(stages), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Reset wipes all engine state through the API.
func (c *Client) Reset(ctx context.Context) error {
	return c.post(ctx, "/v1/reset", nil)
}
