// Package notify delivers the end-of-run artifact manifest to the
// configured offsite endpoint. One call per run.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tapline-labs/tapline/internal/domain"
)

const (
	headerTimestamp = "X-Tapline-Ts"
	headerSignature = "X-Tapline-Sig"
)

// Manifest is the notification payload. Artifacts that failed upload are
// included with their error so the receiver sees the full picture.
type Manifest struct {
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Artifacts []domain.Artifact `json:"artifacts"`
	Note      string            `json:"note,omitempty"`
}

type Client struct {
	endpoint string
	secret   string
	http     *http.Client
	now      func() time.Time
}

func NewClient(endpoint, secret string, timeout time.Duration) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook endpoint is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		secret:   strings.TrimSpace(secret),
		http:     &http.Client{Timeout: timeout},
		now:      time.Now,
	}, nil
}

// Notify posts the manifest. A non-2xx response is an error; the caller
// decides whether that fails the session.
func (c *Client) Notify(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.secret != "" {
		ts := strconv.FormatInt(c.now().UTC().Unix(), 10)
		req.Header.Set(headerTimestamp, ts)
		req.Header.Set(headerSignature, Sign(c.secret, ts, http.MethodPost, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 over timestamp, method and body.
func Sign(secret, ts, method string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("\n"))
	mac.Write([]byte(method))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the shared secret.
func Verify(secret, ts, method string, body []byte, signature string) error {
	expected := Sign(secret, ts, method, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return errors.New("signature mismatch")
	}
	return nil
}
