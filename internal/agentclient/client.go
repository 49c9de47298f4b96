// Package agentclient is the controller-side client for the capture agent's
// control protocol.
package agentclient

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

	"github.com/tapline-labs/tapline/internal/capture"
	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/platform/retry"
)

var (
	// ErrStateConflict maps the agent's 409: a start against a busy agent or
	// a stop outside the capturing phase.
	ErrStateConflict = errors.New("agent session state conflict")
	// ErrRunMismatch maps the agent's 404: a stop naming a run the agent is
	// not capturing.
	ErrRunMismatch = errors.New("agent run id mismatch")
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("agent base url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type startRequest struct {
	RunID   string   `json:"run_id"`
	Runners []string `json:"runners"`
}

type stopRequest struct {
	RunID string `json:"run_id"`
}

// Start instructs the agent to begin capturing for runID.
func (c *Client) Start(ctx context.Context, runID string, runners []domain.Runner) error {
	names := make([]string, len(runners))
	for i, r := range runners {
		names[i] = string(r)
	}
	return c.post(ctx, "/start", startRequest{RunID: runID, Runners: names})
}

// Stop instructs the agent to flush and hand the session to its pipeline.
func (c *Client) Stop(ctx context.Context, runID string) error {
	return c.post(ctx, "/stop", stopRequest{RunID: runID})
}

// Status fetches the agent's current session snapshot.
func (c *Client) Status(ctx context.Context) (capture.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return capture.Status{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return capture.Status{}, fmt.Errorf("agent status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return capture.Status{}, fmt.Errorf("agent status: unexpected http %d", resp.StatusCode)
	}
	var st capture.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return capture.Status{}, fmt.Errorf("decode agent status: %w", err)
	}
	return st, nil
}

// WaitReachable polls /healthz until the agent answers or the bound runs out.
func (c *Client) WaitReachable(ctx context.Context, cfg retry.Config) error {
	_, err := retry.Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("healthz http %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("agent unreachable at %s: %w", c.baseURL, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrStateConflict, readErrorDetail(resp.Body))
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrRunMismatch, readErrorDetail(resp.Body))
	default:
		return fmt.Errorf("agent %s: unexpected http %d: %s", path, resp.StatusCode, readErrorDetail(resp.Body))
	}
}

func readErrorDetail(r io.Reader) string {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil {
		return "unreadable error body"
	}
	if body.Detail != "" {
		return body.Error + ": " + body.Detail
	}
	return body.Error
}
