// Package httpapi implements the Proxy Endpoint (C8) and the REST/websocket
// surface built around it (spec.md §4.8, SPEC_FULL.md §6). Routing is gin
// (`github.com/gin-gonic/gin` + `github.com/gin-contrib/cors`), a genuine
// dependency of the teacher's go.mod; gin's ResponseWriter embeds
// http.Hijacker, which is exactly what the proxy handler needs to satisfy
// §4.8's "hijack the response" requirement.
package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/events"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/sandbox"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/store"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/telemetry"
)

// Options carries the collaborators the router dispatches onto.
type Options struct {
	Sandbox *sandbox.Manager
	Store   store.Store
	Bus     *events.Bus

	// Metrics is optional; a nil Metrics just skips recording (unit tests
	// that don't care about the telemetry surface leave it unset).
	Metrics *telemetry.Metrics

	// AllowedOrigins configures gin-contrib/cors; empty means "allow any
	// origin", appropriate for a desktop shell talking to a loopback port.
	AllowedOrigins []string
}

type handler struct {
	opts   Options
	logger logging.Logger
}

// NewRouter builds the gin engine exposing the C8 surface. It does not
// listen; the caller wraps it in an *http.Server (see cmd/sandboxd).
func NewRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(opts.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = opts.AllowedOrigins
	}
	corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	r.Use(cors.New(corsCfg))

	h := &handler{opts: opts, logger: logging.NewComponentLogger("httpapi")}

	r.POST("/mcp_proxy/:id", h.proxy)
	r.GET("/mcp_proxy/:id/logs", h.logs)
	r.GET("/api/mcp_server/tools", h.tools)
	r.GET("/healthz", h.healthz)
	r.GET("/ws/sandbox-events", h.websocket)
	r.GET("/api/status", h.status)
	r.POST("/api/restart", h.restart)
	r.POST("/api/reset", h.reset)

	return r
}

// rpcEnvelope is the subset of a JSON-RPC request/error object C8 needs to
// read the caller's id and write a matching error object back (spec.md
// §4.8's error-object shape), plus the optional audit-log session fields
// spec.md §6 allows a proxy request body to carry.
type rpcEnvelope struct {
	ID           any    `json:"id"`
	Method       string `json:"method"`
	SessionID    string `json:"sessionId"`
	MCPSessionID string `json:"mcpSessionId"`
}

func writeRPCError(w io.Writer, id any, message string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    -32603,
			"message": message,
		},
	})
}

// teeWriter mirrors every byte written to it into an in-memory buffer, used
// to build the audit-log record's response_body field without buffering the
// entire proxied response in a second pass (spec.md §4.8).
type teeWriter struct {
	dst    *bufio.Writer
	mirror bytes.Buffer
}

func (t *teeWriter) Write(p []byte) (int, error) {
	t.mirror.Write(p)
	return t.dst.Write(p)
}

// proxy implements POST /mcp_proxy/{id} (spec.md §4.8).
func (h *handler) proxy(c *gin.Context) {
	id := c.Param("id")

	w, ok := h.opts.Sandbox.GetWrapper(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("mcp %s not found", id)})
		return
	}
	if w.Type() != model.MCPTypeLocal {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("mcp %s is a remote MCP: connect directly instead of proxying", id)})
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	var env rpcEnvelope
	if raw, err := json.Marshal(body); err == nil {
		_ = json.Unmarshal(raw, &env)
	}

	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = c.GetHeader("X-Session-Id")
	}
	start := time.Now()

	ctx, span := telemetry.StartProxyRequestSpanFrom(c.Request.Context(), id, env.Method)
	defer span.End()

	hj, ok := c.Writer.(http.Hijacker)
	if !ok {
		telemetry.MarkSpanResult(span, fmt.Errorf("response does not support hijacking"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "response does not support hijacking"})
		return
	}

	conn, bufrw, err := hj.Hijack()
	if err != nil {
		// Headers have not been sent yet: answer with a normal JSON-RPC
		// error object over HTTP 500 (spec.md §4.8 "if headers have not
		// been sent, use HTTP 500").
		telemetry.MarkSpanResult(span, err)
		c.Header("Content-Type", "application/json")
		c.Status(http.StatusInternalServerError)
		writeRPCError(c.Writer, env.ID, fmt.Sprintf("hijack response: %v", err))
		return
	}
	defer conn.Close()

	fmt.Fprint(bufrw, "HTTP/1.1 200 OK\r\n")
	fmt.Fprint(bufrw, "Content-Type: application/json\r\n")
	fmt.Fprint(bufrw, "Cache-Control: no-cache\r\n")
	fmt.Fprint(bufrw, "\r\n")

	tee := &teeWriter{dst: bufrw.Writer}
	streamErr := w.StreamToContainer(ctx, body, tee)
	_ = bufrw.Flush()

	status := "ok"
	if streamErr != nil {
		status = "error"
		// Headers/body have already been written over the hijacked
		// connection: per spec.md §4.8, write the JSON-RPC error object and
		// close the stream rather than attempting a fresh HTTP response.
		writeRPCError(tee, env.ID, streamErr.Error())
		_ = bufrw.Flush()
		h.logger.Warn("proxy mcp %s: stream_to_container: %v", id, streamErr)
	}
	telemetry.MarkSpanResult(span, streamErr)

	duration := time.Since(start)
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordProxyRequest(id, status, duration.Seconds())
	}

	h.saveRequestLog(c.Request.Context(), store.RequestLogRecord{
		RequestID:    fmt.Sprintf("%v", env.ID),
		MCPID:        id,
		SessionID:    sessionID,
		MCPSessionID: env.MCPSessionID,
		Method:       env.Method,
		Status:       status,
		Duration:     duration,
		ResponseBody: tee.mirror.String(),
		At:           start,
	})
}

func (h *handler) saveRequestLog(ctx context.Context, record store.RequestLogRecord) {
	if h.opts.Store == nil {
		return
	}
	if err := h.opts.Store.SaveMCPRequestLog(ctx, record); err != nil {
		h.logger.Warn("save mcp request log for %s: %v", record.MCPID, err)
	}
}

// logs implements GET /mcp_proxy/{id}/logs?lines=N.
func (h *handler) logs(c *gin.Context) {
	id := c.Param("id")
	w, ok := h.opts.Sandbox.GetWrapper(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("mcp %s not found", id)})
		return
	}

	lines := 200
	if raw := c.Query("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines = n
		}
	}

	out, err := w.RecentLogs(lines)
	if err != nil {
		if w.Type() != model.MCPTypeLocal {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": out})
}

// tools implements GET /api/mcp_server/tools.
func (h *handler) tools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": h.opts.Sandbox.AvailableToolsList()})
}

// healthzResponse mirrors SPEC_FULL.md §6's healthz contract: runtime
// status plus a count of MCPs in each ContainerState.
type healthzResponse struct {
	Status               string                        `json:"status"`
	Runtime              model.RuntimeState            `json:"runtime"`
	ContainerStateCounts map[model.ContainerStatus]int `json:"containerStateCounts"`
}

// healthz implements GET /healthz: a liveness probe for the supervisor
// process, used by the desktop shell to know when it's safe to start
// routing traffic (SPEC_FULL.md §6).
func (h *handler) healthz(c *gin.Context) {
	summary := h.opts.Sandbox.StatusSummary()

	counts := make(map[model.ContainerStatus]int)
	for _, s := range summary.Servers {
		counts[s.Container.State]++
	}

	status := "ok"
	if summary.Runtime.Status == model.RuntimeError || summary.Runtime.Status == model.RuntimeNotInstalled {
		status = "degraded"
	}

	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordContainerStateCounts(counts)
	}

	c.JSON(http.StatusOK, healthzResponse{
		Status:             status,
		Runtime:            summary.Runtime,
		ContainerStateCounts: counts,
	})
}

// websocket implements GET /ws/sandbox-events, mirroring the bus to UI
// clients that prefer a persistent socket over polling (SPEC_FULL.md §6).
func (h *handler) websocket(c *gin.Context) {
	events.ServeWebsocket(h.opts.Bus, c.Writer, c.Request)
}

// status implements GET /api/status, the operator-facing counterpart to
// healthz: the full StatusSummary rather than just a liveness verdict.
// cmd/sandboxd's "status" subcommand is a thin client against this route
// (SPEC_FULL.md §9/§11, C7's status_summary exposed over the wire).
func (h *handler) status(c *gin.Context) {
	summary := h.opts.Sandbox.StatusSummary()
	if h.opts.Metrics != nil {
		for _, server := range summary.Servers {
			h.opts.Metrics.RecordToolCount(server.MCPID, len(server.Tools))
		}
	}
	c.JSON(http.StatusOK, summary)
}

// restart implements POST /api/restart: stop every MCP and the runtime,
// then bring everything back up against the same persisted config
// (sandbox.Manager.Restart, spec.md §4.7).
func (h *handler) restart(c *gin.Context) {
	if err := h.opts.Sandbox.Restart(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordRuntimeRestart()
	}
	c.JSON(http.StatusOK, h.opts.Sandbox.StatusSummary())
}

// reset implements POST /api/reset: return the runtime state to
// not_installed (rather than stopped) and bring everything back up
// (sandbox.Manager.Reset, spec.md §4.7 "reset").
func (h *handler) reset(c *gin.Context) {
	if err := h.opts.Sandbox.Reset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordRuntimeRestart()
	}
	c.JSON(http.StatusOK, h.opts.Sandbox.StatusSummary())
}
