// Package remote implements the Remote MCP Connector (C5): a thin client
// for MCPs reached by streamable-HTTP + bearer OAuth instead of a local
// container (spec.md §4.5).
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sdkclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// expiryWarnWindow is how close to expiry a token must be before connect()
// logs a warning (spec.md §4.5: "within 5 minutes of now").
const expiryWarnWindow = 5 * time.Minute

// connectRetries and connectBackoff implement the spec's fixed retry
// schedule: up to 3 retries with exponential backoff 1s, 2s, 4s (capped at
// 5s, though the schedule never reaches the cap at 3 retries).
const connectRetries = 3

var connectBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Tool is the subset of MCP tool metadata the wrapper needs to build a
// ToolDescriptor, independent of the SDK's wire representation.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Connector is a single remote MCP's streamable-HTTP/OAuth client. Safe for
// concurrent use; Connect/Close are idempotent-ish but are expected to be
// driven by a single owning wrapper instance.
type Connector struct {
	mcpID  string
	url    string
	logger logging.Logger

	mu     sync.RWMutex
	tokens model.OAuthTokens
	inner  sdkclient.MCPClient
}

// New constructs a Connector for the given remote MCP.
func New(mcpID, url string, tokens model.OAuthTokens) *Connector {
	return &Connector{
		mcpID:  mcpID,
		url:    url,
		tokens: tokens,
		logger: logging.NewComponentLogger("remote-connector").With("mcp_id", mcpID),
	}
}

// Connect builds a bearer-authenticated streamable-HTTP transport and
// performs the MCP initialize handshake, retrying transport-level failures
// per the spec's backoff schedule.
func (c *Connector) Connect(ctx context.Context) error {
	c.warnIfNearExpiry()

	tokenType := c.tokens.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	authHeader := fmt.Sprintf("%s %s", tokenType, c.tokens.AccessToken)

	var lastErr error
	for attempt := 0; attempt <= connectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(connectBackoff[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		inner, err := c.connectOnce(ctx, authHeader)
		if err == nil {
			c.mu.Lock()
			c.inner = inner
			c.mu.Unlock()
			return nil
		}
		lastErr = err
		c.logger.Warn("connect attempt %d/%d failed: %v", attempt+1, connectRetries+1, err)
	}
	return fmt.Errorf("remote: connect %q after %d attempts: %w", c.mcpID, connectRetries+1, lastErr)
}

func (c *Connector) connectOnce(ctx context.Context, authHeader string) (sdkclient.MCPClient, error) {
	cli, err := sdkclient.NewStreamableHttpClient(c.url, transport.WithHTTPHeaders(map[string]string{
		"Authorization": authHeader,
	}))
	if err != nil {
		return nil, fmt.Errorf("create streamable-http client: %w", err)
	}

	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("start transport: %w", err)
	}

	_, err = cli.Initialize(ctx, sdkmcp.InitializeRequest{
		Params: sdkmcp.InitializeParams{
			ProtocolVersion: sdkmcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdkmcp.Implementation{
				Name:    "mcp-sandbox-supervisor",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}
	return cli, nil
}

func (c *Connector) warnIfNearExpiry() {
	if c.tokens.ExpiresAt.IsZero() {
		return
	}
	if time.Until(c.tokens.ExpiresAt) < expiryWarnWindow {
		c.logger.Warn("access token for %s expires at %s (within %s) — refresh is handled externally", c.mcpID, c.tokens.ExpiresAt, expiryWarnWindow)
	}
}

// ListTools returns the remote MCP's tool catalog.
func (c *Connector) ListTools(ctx context.Context) ([]Tool, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return nil, fmt.Errorf("remote: %q not connected", c.mcpID)
	}

	result, err := inner.ListTools(ctx, sdkmcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools %q: %w", c.mcpID, err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return tools, nil
}

// Close releases the underlying transport, if connected.
func (c *Connector) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Close()
}
