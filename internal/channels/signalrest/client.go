// Package signalrest provides the fallback transport for sigcourier: a
// client for the signal-cli REST API daemon. Sends go straight to a phone
// number through the configured account, with no bridge involved.
package signalrest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/channels/types"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
)

// Client wraps the signal-cli REST API.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	account string
	client  *http.Client

	running   bool
	connected bool
	startedAt time.Time
	lastErr   error
}

// New creates a signal-cli REST client from config.
func New(cfg *config.SignalConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("signal: base_url not configured")
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("signal: account not configured")
	}

	c := &Client{}
	c.apply(cfg)
	L_debug("signal: client created", "url", c.baseURL, "account", c.account, "timeout", cfg.Timeout())
	return c, nil
}

// apply sets the connection parameters from a config section.
func (c *Client) apply(cfg *config.SignalConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	c.account = cfg.Account
	c.client = &http.Client{Timeout: cfg.Timeout()}
}

// Account returns the sender number the client is configured with.
func (c *Client) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// SendByPhone sends a message directly to a phone number. The request is
// made exactly once; delivery retries are the caller's policy, not ours.
func (c *Client) SendByPhone(ctx context.Context, phone, message string) error {
	c.mu.RLock()
	account := c.account
	c.mu.RUnlock()

	payload := map[string]any{
		"message":    message,
		"number":     account,
		"recipients": []string{phone},
	}

	body, err := c.post(ctx, "/v2/send", payload)
	if err != nil {
		return fmt.Errorf("signal: send to %s: %w", phone, err)
	}

	var resp struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.Timestamp > 0 {
		L_debug("signal: message accepted", "recipient", phone, "timestamp", resp.Timestamp)
	}
	return nil
}

// Group is one entry from the gateway's group list.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// ListGroups returns the groups the configured account belongs to.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	c.mu.RLock()
	account := c.account
	c.mu.RUnlock()

	body, err := c.get(ctx, "/v1/groups/"+account)
	if err != nil {
		return nil, fmt.Errorf("signal: list groups: %w", err)
	}

	var groups []Group
	if err := json.Unmarshal(body, &groups); err != nil {
		return nil, fmt.Errorf("signal: parse group list: %w", err)
	}
	return groups, nil
}

// Health checks that the REST daemon is reachable.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.get(ctx, "/v1/health"); err != nil {
		return fmt.Errorf("signal: health: %w", err)
	}
	return nil
}

// get performs a GET request and returns the raw response body.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// post performs a POST request with a JSON body and returns the raw response.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, payload)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	c.mu.RLock()
	url := c.baseURL + path
	client := c.client
	c.mu.RUnlock()

	var reqBody io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = strings.NewReader(string(jsonBody))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	L_trace("signal: request", "method", method, "path", path)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, body)
	}

	L_trace("signal: request completed", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}

// Error represents an error response from the signal-cli REST API.
type Error struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
	return e.Status
}

// parseError creates an Error from an HTTP error response. The daemon
// reports failures as {"error": "..."}.
func parseError(statusCode int, body []byte) error {
	status := http.StatusText(statusCode)
	if status == "" {
		status = fmt.Sprintf("%d", statusCode)
	} else {
		status = fmt.Sprintf("%d %s", statusCode, status)
	}

	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &Error{StatusCode: statusCode, Status: status, Message: errResp.Error}
	}

	if len(body) > 0 && len(body) < 200 {
		return &Error{StatusCode: statusCode, Status: status, Message: strings.TrimSpace(string(body))}
	}
	return &Error{StatusCode: statusCode, Status: status}
}

// Name returns the channel name (implements ManagedChannel)
func (c *Client) Name() string {
	return "signal"
}

// Start probes the daemon and marks the channel running (implements
// ManagedChannel). An unreachable daemon fails the start so the manager's
// retry loop keeps trying in the background.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Health(ctx); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.running = true
	c.connected = true
	c.startedAt = time.Now()
	c.lastErr = nil
	url, account := c.baseURL, c.account
	c.mu.Unlock()

	L_info("signal: gateway reachable", "url", url, "account", account)
	return nil
}

// Stop marks the channel stopped (implements ManagedChannel). There is no
// connection to tear down.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.connected = false
	return nil
}

// Reload applies new configuration in place (implements ManagedChannel).
// The client is stateless so a swap of URL, account and timeout is enough.
func (c *Client) Reload(cfg any) error {
	newCfg, ok := cfg.(*config.SignalConfig)
	if !ok {
		return fmt.Errorf("expected *config.SignalConfig, got %T", cfg)
	}
	if newCfg.BaseURL == "" || newCfg.Account == "" {
		return fmt.Errorf("signal: base_url and account are required")
	}

	c.apply(newCfg)
	L_info("signal: config reloaded", "url", newCfg.BaseURL, "account", newCfg.Account)
	return nil
}

// Status returns current channel status (implements ManagedChannel)
func (c *Client) Status() types.ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return types.ChannelStatus{
		Running:   c.running,
		Connected: c.connected,
		Error:     c.lastErr,
		StartedAt: c.startedAt,
		Info:      c.account + " via " + c.baseURL,
	}
}
