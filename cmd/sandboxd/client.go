package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/config"
)

// apiClient is a thin HTTP client against a running serve instance's
// loopback listen address, used by the status/restart/reset/logs
// subcommands. It reads the same config file serve did (for
// HTTPListenAddr), so an operator running `sandboxd status -c foo.yaml`
// against a `sandboxd serve -c foo.yaml` talks to the right port.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(configPath string) (*apiClient, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &apiClient{
		baseURL: "http://" + cfg.HTTPListenAddr,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// getJSON issues a GET request against path and decodes the JSON response
// body into out.
func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, out)
}

// postJSON issues a POST request (no body) against path and decodes the
// JSON response into out.
func (c *apiClient) postJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, out)
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w (is `sandboxd serve` running?)", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Error, resp.Status)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
