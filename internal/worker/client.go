// Package worker talks to the modeling-engine worker: a single long-lived
// process reachable at a fixed local endpoint. One script executes at a time;
// completion is observed by polling.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBusy means a previous script is still executing in the worker.
	ErrBusy = errors.New("worker busy")
	// ErrUnavailable means the worker endpoint could not be reached.
	ErrUnavailable = errors.New("worker unavailable")
)

type ResultState string

const (
	ResultPending   ResultState = "pending"
	ResultSucceeded ResultState = "succeeded"
	ResultFailed    ResultState = "failed"
)

// Result is one observation of the worker's execution state.
type Result struct {
	State         ResultState `json:"state"`
	ExportedFiles []string    `json:"exported_files"`
	PreviewName   string      `json:"preview"`
	Reason        string      `json:"reason"`
}

// Client is the port the orchestrator consumes.
type Client interface {
	Execute(ctx context.Context, script string) error
	Poll(ctx context.Context) (Result, error)
	Abort(ctx context.Context) error
	Ping(ctx context.Context) error
}

// HTTPClient implements Client over the worker's local HTTP interface.
type HTTPClient struct {
	endpoint string
	httpc    *http.Client
	logger   *zap.Logger
}

func NewHTTPClient(endpoint string, logger *zap.Logger) *HTTPClient {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8001"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpc:    &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

type executeRequest struct {
	Script string `json:"script"`
}

// Execute submits the script for execution. Acceptance does not imply
// completion; the caller observes that via Poll. There is no queue: a busy
// worker rejects the dispatch.
func (c *HTTPClient) Execute(ctx context.Context, script string) error {
	payload, err := json.Marshal(executeRequest{Script: script})
	if err != nil {
		return fmt.Errorf("marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/execute", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("dispatching script to worker", zap.Int("script_len", len(script)))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrBusy
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Poll reports the state of the most recent execution.
func (c *HTTPClient) Poll(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/status", nil)
	if err != nil {
		return Result{}, fmt.Errorf("create status request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode status response: %w", err)
	}
	return res, nil
}

// Abort asks the worker to stop the current execution. Cooperative only:
// the worker may run to completion regardless.
func (c *HTTPClient) Abort(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/abort", nil)
	if err != nil {
		return fmt.Errorf("create abort request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Body.Close()
	return nil
}

// Ping probes worker liveness.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/ping", nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
