// Package remote provides the client for the cloud control plane: the
// service that holds per-user model overrides, system default models,
// quota profiles, and playbook definitions. All lookups are best
// effort at turn start; the engine keeps running on local settings
// when the control plane is unreachable.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/httpkit"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/llm"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/playbook"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/usage"
)

// Client talks to the control plane API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a control plane client. baseURL may be empty, in
// which case every lookup returns ErrNotConfigured.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// ErrNotConfigured is returned when no control plane URL is set.
var ErrNotConfigured = fmt.Errorf("control plane not configured")

// modelConfigPayload is the wire shape of a model selection.
type modelConfigPayload struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

func (p *modelConfigPayload) toModelConfig() *llm.ModelConfig {
	if p == nil || (p.Provider == "" && p.Model == "") {
		return nil
	}
	return &llm.ModelConfig{
		ProviderType: p.Provider,
		ModelID:      p.Model,
		APIKey:       p.APIKey,
		BaseURL:      p.BaseURL,
	}
}

// ModelOverride fetches the user's cloud-side model override. A 404
// means no override is set and returns (nil, nil).
func (c *Client) ModelOverride(ctx context.Context, token string) (*llm.ModelConfig, error) {
	var p modelConfigPayload
	found, err := c.get(ctx, "/api/v1/model/override", token, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return p.toModelConfig(), nil
}

// SystemDefault fetches the fleet-wide default model selection.
func (c *Client) SystemDefault(ctx context.Context, token string) (*llm.ModelConfig, error) {
	var p modelConfigPayload
	found, err := c.get(ctx, "/api/v1/model/default", token, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return p.toModelConfig(), nil
}

// QuotaProfile fetches the user's quota profile.
func (c *Client) QuotaProfile(ctx context.Context, token string) (*usage.Profile, error) {
	var p struct {
		DailyLimit int  `json:"daily_limit"`
		Unmetered  bool `json:"unmetered"`
	}
	found, err := c.get(ctx, "/api/v1/quota", token, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &usage.Profile{DailyLimit: p.DailyLimit, Unmetered: p.Unmetered}, nil
}

// PlaybookGraph fetches and validates a playbook definition by id.
func (c *Client) PlaybookGraph(ctx context.Context, token, playbookID string) (*playbook.Graph, error) {
	var raw json.RawMessage
	found, err := c.get(ctx, "/api/v1/playbooks/"+playbookID, token, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("playbook %s not found", playbookID)
	}
	return playbook.Parse(raw)
}

// get performs an authenticated GET. Returns found=false for a 404 so
// callers can distinguish absence from failure.
func (c *Client) get(ctx context.Context, path, token string, result any) (bool, error) {
	if c.baseURL == "" {
		return false, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return false, fmt.Errorf("control plane error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
	}
	return true, nil
}
