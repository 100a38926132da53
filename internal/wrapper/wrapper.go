// Package wrapper implements the Sandboxed MCP Wrapper (C6): the uniform
// façade that hides local-vs-remote differences behind one surface
// (spec.md §4.6). A local wrapper owns a container.Controller (C2), a
// stream.Manager connection (C3) and a logs.Pipe (C4); a remote wrapper
// owns a remote.Connector (C5). Both maintain a tool catalog and a
// tool-analysis cache kept coherent with the Persistence Adapter (C10).
package wrapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/container"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/dockerapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/events"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logs"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/remote"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/store"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/stream"
)

// readinessBaseDelay, readinessBackoffMultiplier, readinessMaxDelay and
// readinessJitter implement spec.md §4.6.1's probe schedule: 1s interval,
// ×1.2 exponential backoff, capped at 5s, ±200ms jitter. The attempt count
// itself is per-Wrapper (Options.ReadinessProbeMax, default
// defaultReadinessMaxAttempts) rather than fixed here, so config.Config can
// shrink it for tests without waiting out a real ~30s probe.
var (
	readinessBaseDelay         = 1 * time.Second
	readinessBackoffMultiplier = 1.2
	readinessMaxDelay          = 5 * time.Second
	readinessJitter            = 200 * time.Millisecond
)

// defaultReadinessMaxAttempts is spec.md §4.6.1's probe attempt count, used
// whenever Options.ReadinessProbeMax is left at its zero value.
const defaultReadinessMaxAttempts = 30

// analysisCacheSize bounds the per-wrapper tool-analysis LRU; a single MCP
// realistically exposes dozens of tools, so this is generous headroom
// rather than a tuned production value.
const analysisCacheSize = 512

// defaultAnalysisRefreshInterval is how often the wrapper re-polls C10 for
// tool analysis rows once running (spec.md §4.6.2), used whenever
// Options.AnalysisRefreshEvery is left at its zero value.
const defaultAnalysisRefreshInterval = 5 * time.Second

// ErrStreamingUnsupported is returned by StreamToContainer for a remote
// wrapper. C8 does not reach it: it checks Type() first and answers a
// remote MCP's proxy request with "connect directly" (spec.md §4.8).
var ErrStreamingUnsupported = errors.New("mcp: streaming not supported for remote mcps")

// Tool is the tool shape returned by an MCP's tools/list, shared between
// the local (raw JSON-RPC over C3) and remote (C5) fetch paths.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Options carries the collaborators and per-deployment configuration a
// Wrapper needs; shared collaborators (Docker client, stream manager,
// store, bus) are constructed once by the Sandbox Manager (C7) and handed
// to every Wrapper it creates.
type Options struct {
	Docker        dockerapi.DockerAPI
	StreamManager *stream.Manager
	Store         store.Store
	Bus           *events.Bus

	ProductName  string
	DefaultImage string
	MountRoot    string
	TempDir      string

	LogDir      string
	LogMaxSize  int64
	LogMaxFiles int

	// ReadinessProbeMax and AnalysisRefreshEvery override
	// defaultReadinessMaxAttempts/defaultAnalysisRefreshInterval when
	// non-zero (config.Config's readiness_probe_max_attempts and
	// analysis_refresh_interval).
	ReadinessProbeMax    int
	AnalysisRefreshEvery time.Duration
}

// analysisEntry is the wrapper's in-memory view of one ToolAnalysisRow,
// keyed by tool name only per spec.md §4.6.2.
type analysisEntry struct {
	IsRead     *bool
	IsWrite    *bool
	AnalyzedAt *time.Time
}

// Wrapper is one MCP's façade: local MCPs drive a container through C2/C3/C4,
// remote MCPs drive an HTTP client through C5. Exactly one of the
// local-only or remote-only collaborator groups below is populated,
// selected by mcp.Type.
type Wrapper struct {
	mcp    model.InstalledMCP
	opts   Options
	logger logging.Logger
	store  store.Store
	bus    *events.Bus

	containerName string
	controller    *container.Controller
	logPipe       *logs.Pipe

	remoteConn *remote.Connector

	mu           sync.RWMutex
	tools        []Tool
	remoteStatus model.ContainerState

	readinessMaxAttempts    int
	analysisRefreshInterval time.Duration

	cache *lru.Cache[string, analysisEntry]

	cancel context.CancelFunc
	wg     sync.WaitGroup

	requestSeq atomic.Int64
}

// New constructs a Wrapper for mcp. It does not start anything; call
// Start to bring the MCP up.
func New(mcp model.InstalledMCP, opts Options) *Wrapper {
	cache, err := lru.New[string, analysisEntry](analysisCacheSize)
	if err != nil {
		// lru.New only errors for size <= 0, which analysisCacheSize never is.
		panic(fmt.Sprintf("wrapper: build analysis cache: %v", err))
	}

	readinessMaxAttempts := opts.ReadinessProbeMax
	if readinessMaxAttempts <= 0 {
		readinessMaxAttempts = defaultReadinessMaxAttempts
	}
	analysisRefreshInterval := opts.AnalysisRefreshEvery
	if analysisRefreshInterval <= 0 {
		analysisRefreshInterval = defaultAnalysisRefreshInterval
	}

	w := &Wrapper{
		mcp:    mcp,
		opts:   opts,
		logger: logging.NewComponentLogger("wrapper").With("mcp_id", mcp.ID),
		store:  opts.Store,
		bus:    opts.Bus,
		cache:  cache,
		remoteStatus: model.ContainerState{
			State:         model.ContainerNotCreated,
			ContainerName: mcp.ID,
		},
		readinessMaxAttempts:    readinessMaxAttempts,
		analysisRefreshInterval: analysisRefreshInterval,
	}

	if mcp.Type == model.MCPTypeLocal {
		w.containerName = container.DeriveContainerName(opts.ProductName, mcp.DisplayName)
		w.controller = container.New(opts.Docker, w.containerName, w.onContainerStateChange)
		w.logPipe = logs.New(opts.Docker, opts.LogDir, w.containerName, opts.LogMaxSize, opts.LogMaxFiles)
	}

	return w
}

// onContainerStateChange is the container.Controller's OnStateChange hook;
// it republishes this MCP's status fragment immediately on every mutation
// (spec.md §3: StatusSummary is "recomputed on any state mutation"). The
// Sandbox Manager (C7) is responsible for assembling the full aggregate
// summary; this is a best-effort single-MCP nudge so UIs relying solely on
// the event stream never miss a container transition between C7 polls.
func (w *Wrapper) onContainerStateChange(cs model.ContainerState) {
	if w.bus == nil {
		return
	}
	w.bus.PublishStatusSummary(model.StatusSummary{
		Servers: []model.MCPStatusFragment{{
			MCPID:     w.mcp.ID,
			Container: cs,
			Tools:     w.AvailableTools(),
		}},
	})
}

// Start brings the MCP up: local MCPs create/start a container, wait for
// readiness, and fetch tools over C3; remote MCPs connect via C5 and fetch
// tools. Either way it then starts the periodic analysis-cache poller.
// Start is not safe to call concurrently with itself for the same Wrapper.
func (w *Wrapper) Start(ctx context.Context) error {
	w.refreshAnalysisCache(ctx)

	var err error
	if w.mcp.Type == model.MCPTypeLocal {
		err = w.startLocal(ctx)
	} else {
		err = w.startRemote(ctx)
	}
	if err != nil {
		return err
	}

	w.refreshAnalysisCache(ctx)

	pollCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.runAnalysisPoller(pollCtx)

	return nil
}

func (w *Wrapper) startLocal(ctx context.Context) error {
	if w.mcp.OAuthConfig != nil {
		if w.mcp.OAuthTokens == nil || w.mcp.OAuthTokens.AccessToken == "" {
			return fmt.Errorf("mcp %s: oauth configured but no access token present", w.mcp.ID)
		}
	}

	buildOpts := container.BuildOpts{
		ProductName:   w.opts.ProductName,
		MountRoot:     w.opts.MountRoot,
		DefaultImage:  w.opts.DefaultImage,
		ContainerName: w.containerName,
		TempDir:       w.opts.TempDir,
	}
	if w.mcp.OAuthTokens != nil {
		buildOpts.AccessToken = w.mcp.OAuthTokens.AccessToken
	}

	spec, err := container.BuildSpec(w.mcp, buildOpts)
	if err != nil {
		return fmt.Errorf("mcp %s: build container spec: %w", w.mcp.ID, err)
	}

	if err := w.controller.StartOrCreate(ctx, spec); err != nil {
		return fmt.Errorf("mcp %s: start container: %w", w.mcp.ID, err)
	}

	if w.mcp.OAuthConfig != nil && w.mcp.OAuthConfig.StreamableHTTPPort > 0 {
		if _, err := w.controller.DiscoverAssignedPort(ctx, w.containerName, w.mcp.OAuthConfig.StreamableHTTPPort); err != nil {
			w.removeAfterFailure(ctx)
			return fmt.Errorf("mcp %s: discover assigned port: %w", w.mcp.ID, err)
		}
	}

	if err := w.opts.StreamManager.GetOrCreateSocket(ctx, w.containerName); err != nil {
		w.removeAfterFailure(ctx)
		return fmt.Errorf("mcp %s: open attach stream: %w", w.mcp.ID, err)
	}

	if err := w.logPipe.StartStreaming(ctx); err != nil {
		w.logger.Warn("start log pipe: %v", err)
	}

	tools, err := w.probeUntilHealthy(ctx, w.fetchToolsLocal)
	if err != nil {
		w.removeAfterFailure(ctx)
		return fmt.Errorf("mcp %s: readiness probe: %w", w.mcp.ID, err)
	}

	w.mu.Lock()
	w.tools = tools
	w.mu.Unlock()
	w.enqueueToolAnalysis(ctx, tools)
	return nil
}

func (w *Wrapper) removeAfterFailure(ctx context.Context) {
	if err := w.controller.Remove(ctx, w.containerName, true); err != nil {
		w.logger.Warn("remove container after failed start: %v", err)
	}
}

func (w *Wrapper) startRemote(ctx context.Context) error {
	var tokens model.OAuthTokens
	if w.mcp.OAuthTokens != nil {
		tokens = *w.mcp.OAuthTokens
	}
	w.remoteConn = remote.New(w.mcp.ID, w.mcp.RemoteURL, tokens)

	if err := w.remoteConn.Connect(ctx); err != nil {
		w.setRemoteStatus(model.ContainerError, fmt.Sprintf("connect: %v", err))
		return fmt.Errorf("mcp %s: connect: %w", w.mcp.ID, err)
	}

	tools, err := w.probeUntilHealthy(ctx, w.fetchToolsRemote)
	if err != nil {
		w.setRemoteStatus(model.ContainerError, err.Error())
		return fmt.Errorf("mcp %s: readiness probe: %w", w.mcp.ID, err)
	}

	w.mu.Lock()
	w.tools = tools
	w.mu.Unlock()
	w.enqueueToolAnalysis(ctx, tools)
	w.setRemoteStatus(model.ContainerRunning, "connected")
	return nil
}

// enqueueToolAnalysis hands the newly-discovered tool names to C10 as an
// analysis job (spec.md §4.10's SaveToolAnalysisJob), so the external
// analyzer has a producer to work from. A 0-tool catalog schedules nothing,
// matching spec.md §8's boundary rule.
func (w *Wrapper) enqueueToolAnalysis(ctx context.Context, tools []Tool) {
	if w.store == nil || len(tools) == 0 {
		return
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	if err := w.store.SaveToolAnalysisJob(ctx, w.mcp.ID, names); err != nil {
		w.logger.Warn("save tool analysis job for %s: %v", w.mcp.ID, err)
	}
}

func (w *Wrapper) setRemoteStatus(state model.ContainerStatus, message string) {
	w.mu.Lock()
	w.remoteStatus.State = state
	w.remoteStatus.Message = message
	if state == model.ContainerRunning {
		w.remoteStatus.StartupPercentage = 100
		w.remoteStatus.Error = ""
	} else {
		w.remoteStatus.StartupPercentage = 0
		if state == model.ContainerError {
			w.remoteStatus.Error = message
		}
	}
	w.mu.Unlock()
	if w.bus != nil {
		w.bus.PublishStatusSummary(model.StatusSummary{
			Servers: []model.MCPStatusFragment{w.Status()},
		})
	}
}

// probeUntilHealthy retries fetch on the schedule described in spec.md
// §4.6.1, returning the first successful tool list.
func (w *Wrapper) probeUntilHealthy(ctx context.Context, fetch func(context.Context) ([]Tool, error)) ([]Tool, error) {
	delay := readinessBaseDelay
	var lastErr error
	for attempt := 0; attempt < w.readinessMaxAttempts; attempt++ {
		tools, err := fetch(ctx)
		if err == nil {
			return tools, nil
		}
		lastErr = err

		jitter := time.Duration(0)
		if readinessJitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(2*readinessJitter))) - readinessJitter
		}
		wait := delay + jitter
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		delay = time.Duration(float64(delay) * readinessBackoffMultiplier)
		if delay > readinessMaxDelay {
			delay = readinessMaxDelay
		}
	}
	return nil, fmt.Errorf("exhausted %d attempts, last error: %w", w.readinessMaxAttempts, lastErr)
}

// toolsListRPCResponse is the JSON-RPC envelope shape for a tools/list
// reply read back off C3.
type toolsListRPCResponse struct {
	Result *struct {
		Tools []Tool `json:"tools"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (w *Wrapper) nextRequestID() string {
	return fmt.Sprintf("wrapper-%s-%d", w.mcp.ID, w.requestSeq.Add(1))
}

func (w *Wrapper) fetchToolsLocal(ctx context.Context) ([]Tool, error) {
	var buf strings.Builder
	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      w.nextRequestID(),
		"method":  "tools/list",
	}
	if err := w.opts.StreamManager.SendRequest(ctx, w.containerName, body, &buf); err != nil {
		return nil, err
	}

	var resp toolsListRPCResponse
	if err := json.Unmarshal([]byte(buf.String()), &resp); err != nil {
		return nil, fmt.Errorf("parse tools/list response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list: %s", resp.Error.Message)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("tools/list: empty result")
	}
	return resp.Result.Tools, nil
}

func (w *Wrapper) fetchToolsRemote(ctx context.Context) ([]Tool, error) {
	remoteTools, err := w.remoteConn.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]Tool, len(remoteTools))
	for i, t := range remoteTools {
		tools[i] = Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return tools, nil
}

// Stop tears the MCP down: stops the analysis poller, stops the container
// (local) or leaves it alone (remote), and always closes the MCP client.
func (w *Wrapper) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}

	if w.mcp.Type == model.MCPTypeLocal {
		if w.logPipe != nil {
			w.logPipe.Stop()
		}
		if w.controller != nil {
			if err := w.controller.Stop(ctx, w.containerName); err != nil {
				w.logger.Warn("stop container: %v", err)
			}
		}
		if w.opts.StreamManager != nil {
			w.opts.StreamManager.CloseSocket(w.containerName)
		}
		return
	}

	if w.remoteConn != nil {
		if err := w.remoteConn.Close(); err != nil {
			w.logger.Warn("close remote connector: %v", err)
		}
	}
	w.setRemoteStatus(model.ContainerStopped, "disconnected")
}

// StreamToContainer proxies a single JSON-RPC request over this MCP's
// multiplexed socket (local only); spec.md §4.6 "remote wrappers fail this
// request with an explicit 'streaming not supported' error".
func (w *Wrapper) StreamToContainer(ctx context.Context, body map[string]any, respWriter io.Writer) error {
	if w.mcp.Type != model.MCPTypeLocal {
		return fmt.Errorf("mcp %s: %w", w.mcp.ID, ErrStreamingUnsupported)
	}
	return w.opts.StreamManager.SendRequest(ctx, w.containerName, body, respWriter)
}

// RecentLogs returns up to nLines of this MCP's rotated log output. Remote
// MCPs have no C4 log pipe and always error.
func (w *Wrapper) RecentLogs(nLines int) (string, error) {
	if w.logPipe == nil {
		return "", fmt.Errorf("mcp %s: no log pipe (remote mcp)", w.mcp.ID)
	}
	return w.logPipe.GetRecent(nLines)
}

// cacheKeyForToolName derives the analysis-cache key per spec.md §4.6.2:
// the substring after the last composite-separator occurrence, or the
// full name if the separator is absent.
func cacheKeyForToolName(name string) string {
	if idx := strings.LastIndex(name, model.ToolCompositeSeparator); idx >= 0 {
		return name[idx+len(model.ToolCompositeSeparator):]
	}
	return name
}

func analysisEqual(a, b analysisEntry) bool {
	return boolPtrEqual(a.IsRead, b.IsRead) &&
		boolPtrEqual(a.IsWrite, b.IsWrite) &&
		timePtrEqual(a.AnalyzedAt, b.AnalyzedAt)
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// refreshAnalysisCache polls C10 for this MCP's latest tool-analysis rows
// and updates the cache iff a row differs from its cached value, publishing
// a single "tools-updated" event per changed batch (spec.md §4.6.2).
func (w *Wrapper) refreshAnalysisCache(ctx context.Context) {
	if w.store == nil {
		return
	}
	rows, err := w.store.GetToolAnalysis(ctx, w.mcp.ID)
	if err != nil {
		w.logger.Warn("refresh analysis cache: %v", err)
		return
	}

	changed := false
	for _, row := range rows {
		key := cacheKeyForToolName(row.ToolName)
		entry := analysisEntry{IsRead: row.IsRead, IsWrite: row.IsWrite, AnalyzedAt: row.AnalyzedAt}
		if existing, ok := w.cache.Get(key); !ok || !analysisEqual(existing, entry) {
			w.cache.Add(key, entry)
			changed = true
		}
	}

	if changed && w.bus != nil {
		w.bus.PublishToolsUpdated(w.mcp.ID, fmt.Sprintf("tool analysis updated for %d tool(s)", len(rows)))
	}
}

func (w *Wrapper) runAnalysisPoller(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.analysisRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.refreshAnalysisCache(ctx)
		}
	}
}

// AvailableTools derives the externally-exposed tool catalog: composite IDs
// plus attached analysis state (spec.md §4.6 "available_tools").
func (w *Wrapper) AvailableTools() []model.ToolDescriptor {
	w.mu.RLock()
	tools := make([]Tool, len(w.tools))
	copy(tools, w.tools)
	w.mu.RUnlock()

	out := make([]model.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		analysis := model.ToolAnalysis{Status: model.AnalysisAwaiting}
		if entry, ok := w.cache.Get(cacheKeyForToolName(t.Name)); ok {
			analysis.IsRead = entry.IsRead
			analysis.IsWrite = entry.IsWrite
			analysis.AnalyzedAt = entry.AnalyzedAt
			if entry.AnalyzedAt != nil {
				analysis.Status = model.AnalysisCompleted
			}
		}

		var schema any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				w.logger.Warn("unmarshal input schema for tool %s: %v", t.Name, err)
			}
		}

		out = append(out, model.ToolDescriptor{
			CompositeID:    model.CompositeToolID(w.mcp.ID, t.Name),
			Name:           t.Name,
			Description:    t.Description,
			InputSchema:    schema,
			MCPID:          w.mcp.ID,
			MCPDisplayName: w.mcp.DisplayName,
			Analysis:       analysis,
		})
	}
	return out
}

// Status returns this MCP's contribution to a StatusSummary.
func (w *Wrapper) Status() model.MCPStatusFragment {
	var cs model.ContainerState
	if w.controller != nil {
		cs = w.controller.State()
	} else {
		w.mu.RLock()
		cs = w.remoteStatus.Clone()
		w.mu.RUnlock()
	}
	return model.MCPStatusFragment{
		MCPID:     w.mcp.ID,
		Container: cs,
		Tools:     w.AvailableTools(),
	}
}

// ID returns the wrapped MCP's ID.
func (w *Wrapper) ID() string { return w.mcp.ID }

// Type returns the wrapped MCP's type. C8 uses this to decide whether a
// proxy request should hijack the connection (local) or answer with a
// "connect directly" error without ever touching the response writer
// (remote) — spec.md §4.8.
func (w *Wrapper) Type() model.MCPType { return w.mcp.Type }

// SeedTools installs tools directly, bypassing Start/the readiness probe.
// A reference/test-only hook, analogous to store.MemoryStore.Seed: it lets
// callers in other packages' tests exercise tool-aggregation logic without
// a live MCP client.
func (w *Wrapper) SeedTools(tools ...Tool) {
	w.mu.Lock()
	w.tools = tools
	w.mu.Unlock()
}
