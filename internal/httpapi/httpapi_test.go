package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/dockerapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/events"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/sandbox"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/store"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/stream"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/wrapper"
)

// fakeDocker answers just enough of dockerapi.DockerAPI to drive a Manager
// through a no-op cold start and to make stream.Manager's connect attempt
// fail cleanly (rather than panic) when no container is actually running.
type fakeDocker struct {
	dockerapi.DockerAPI
	attachErr error
}

func (fakeDocker) Ping(ctx context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (d fakeDocker) ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error) {
	err := d.attachErr
	if err == nil {
		err = errors.New("no container running")
	}
	return types.HijackedResponse{}, err
}

func newTestRouter(t *testing.T) (*sandbox.Manager, store.Store, *gin.Engine) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus()
	docker := fakeDocker{}
	mgr := sandbox.New(docker, st, bus, wrapper.Options{
		ProductName:  "test-product",
		DefaultImage: "test/base:latest",
		MountRoot:    t.TempDir(),
		LogDir:       t.TempDir(),
		LogMaxSize:   1024,
		LogMaxFiles:  2,
	})

	router := NewRouter(Options{Sandbox: mgr, Store: st, Bus: bus})
	return mgr, st, router
}

func registerLocalWrapper(t *testing.T, mgr *sandbox.Manager, id string, docker dockerapi.DockerAPI) *wrapper.Wrapper {
	t.Helper()
	mcp := model.InstalledMCP{ID: id, DisplayName: id, Type: model.MCPTypeLocal}
	w := wrapper.New(mcp, wrapper.Options{
		Docker:        docker,
		StreamManager: stream.NewManager(docker),
		LogDir:        t.TempDir(),
		LogMaxSize:    1024,
		LogMaxFiles:   2,
	})
	mgr.Register(w)
	return w
}

func registerRemoteWrapper(t *testing.T, mgr *sandbox.Manager, id string) *wrapper.Wrapper {
	t.Helper()
	mcp := model.InstalledMCP{ID: id, DisplayName: id, Type: model.MCPTypeRemote, RemoteURL: "http://example.invalid/mcp"}
	w := wrapper.New(mcp, wrapper.Options{})
	mgr.Register(w)
	return w
}

func TestProxyUnknownMCPReturns404(t *testing.T) {
	_, _, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp_proxy/missing", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyRemoteMCPReturns409WithoutHijacking(t *testing.T) {
	mgr, _, router := newTestRouter(t)
	registerRemoteWrapper(t, mgr, "remote-a")

	req := httptest.NewRequest(http.MethodPost, "/mcp_proxy/remote-a", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogsUnknownMCPReturns404(t *testing.T) {
	_, _, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp_proxy/missing/logs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsRemoteMCPReturns409(t *testing.T) {
	mgr, _, router := newTestRouter(t)
	registerRemoteWrapper(t, mgr, "remote-a")

	req := httptest.NewRequest(http.MethodGet, "/mcp_proxy/remote-a/logs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestToolsEndpointAggregatesAcrossWrappers(t *testing.T) {
	mgr, _, router := newTestRouter(t)
	w := registerRemoteWrapper(t, mgr, "remote-a")
	w.SeedTools(wrapper.Tool{Name: "search"})

	req := httptest.NewRequest(http.MethodGet, "/api/mcp_server/tools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tools []model.ToolDescriptor `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tools, 1)
	require.Equal(t, "remote-a__search", body.Tools[0].CompositeID)
}

func TestHealthzReportsRuntimeAndContainerStateCounts(t *testing.T) {
	mgr, _, router := newTestRouter(t)
	require.NoError(t, mgr.Start(context.Background()))
	registerRemoteWrapper(t, mgr, "remote-a")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, model.RuntimeRunning, resp.Runtime.Status)
	require.Equal(t, 1, resp.ContainerStateCounts[model.ContainerNotCreated])
}

func TestStatusEndpointReturnsStatusSummary(t *testing.T) {
	mgr, _, router := newTestRouter(t)
	require.NoError(t, mgr.Start(context.Background()))
	registerRemoteWrapper(t, mgr, "remote-a")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summary model.StatusSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, model.RuntimeRunning, summary.Runtime.Status)
	require.Len(t, summary.Servers, 1)
}

func TestRestartEndpointRestartsAndReportsFreshStatus(t *testing.T) {
	mgr, _, router := newTestRouter(t)
	require.NoError(t, mgr.Start(context.Background()))

	req := httptest.NewRequest(http.MethodPost, "/api/restart", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summary model.StatusSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, model.RuntimeRunning, summary.Runtime.Status)
}

func TestResetEndpointResetsAndReportsFreshStatus(t *testing.T) {
	mgr, _, router := newTestRouter(t)
	require.NoError(t, mgr.Start(context.Background()))

	req := httptest.NewRequest(http.MethodPost, "/api/reset", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summary model.StatusSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, model.RuntimeRunning, summary.Runtime.Status)
}

// TestProxyLocalMCPHijacksAndWritesJSONRPCErrorOnBridgeFailure exercises the
// full hijack path against a real TCP connection (httptest.ResponseRecorder
// does not implement http.Hijacker). The registered wrapper's container was
// never actually started, so stream_to_container fails once it tries to
// attach — which is exactly the "bridging exception after the hijack" path
// spec.md §4.8 describes: the handler must write a JSON-RPC error object
// over the already-hijacked connection rather than a fresh HTTP response.
func TestProxyLocalMCPHijacksAndWritesJSONRPCErrorOnBridgeFailure(t *testing.T) {
	mgr, st, router := newTestRouter(t)
	docker := fakeDocker{}
	registerLocalWrapper(t, mgr, "local-a", docker)

	srv := httptest.NewServer(router)
	defer srv.Close()

	reqBody, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": "req-1", "method": "tools/call"})
	resp, err := http.Post(srv.URL+"/mcp_proxy/local-a", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var rpcErr struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &rpcErr))
	require.Equal(t, "req-1", rpcErr.ID)
	require.Equal(t, -32603, rpcErr.Error.Code)
	require.NotEmpty(t, rpcErr.Error.Message)

	// The mirrored bytes must have been saved to the persistence adapter as
	// an audit-log record (spec.md §4.8).
	ms, ok := st.(*store.MemoryStore)
	require.True(t, ok)
	records := ms.RequestLogs()
	require.Len(t, records, 1)
	require.Equal(t, "local-a", records[0].MCPID)
	require.Equal(t, "error", records[0].Status)
	require.True(t, records[0].Duration >= 0)
	require.NotZero(t, records[0].At)
	require.True(t, time.Since(records[0].At) < time.Minute)
}
