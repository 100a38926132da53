package stream

import (
	"context"
	"io"
	"sync"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/dockerapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
)

// Manager owns the supervisor-wide map of per-container connections,
// guaranteeing exactly one live attach socket per running container
// (spec.md §5 "Resource policy").
type Manager struct {
	docker dockerapi.DockerAPI
	logger logging.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager constructs a Manager backed by the given Docker API client.
func NewManager(docker dockerapi.DockerAPI) *Manager {
	return &Manager{
		docker: docker,
		conns:  make(map[string]*connection),
		logger: logging.NewComponentLogger("stream-manager"),
	}
}

// GetOrCreateSocket ensures exactly one live connection exists for
// containerName, establishing one if needed (spec.md §4.3
// get_or_create_socket).
func (m *Manager) GetOrCreateSocket(ctx context.Context, containerName string) error {
	conn := m.lookupOrRegister(containerName)
	return conn.ensureConnected(ctx)
}

func (m *Manager) lookupOrRegister(containerName string) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[containerName]
	if !ok {
		conn = newConnection(m.docker, containerName)
		m.conns[containerName] = conn
	}
	return conn
}

// SendRequest proxies a JSON-RPC request/response pair over the container's
// attach socket, implementing spec.md §4.3 send_request end to end
// (connect-if-needed, correlate, timeout, write).
func (m *Manager) SendRequest(ctx context.Context, containerName string, body map[string]any, w io.Writer) error {
	conn := m.lookupOrRegister(containerName)
	return conn.sendRequest(ctx, body, w)
}

// CloseSocket tears down containerName's connection, if any, rejecting all
// of its PendingRequests with a transport error (spec.md §4.2 stop()).
func (m *Manager) CloseSocket(containerName string) {
	m.mu.Lock()
	conn, ok := m.conns[containerName]
	delete(m.conns, containerName)
	m.mu.Unlock()
	if ok {
		conn.close()
	}
}
