package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/google/uuid"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/dockerapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
)

// requestTimeout is the per-request JSON-RPC deadline (spec.md §4.3, §5).
const requestTimeout = 30 * time.Second

// rpcEnvelope is the minimal shape the multiplexer inspects without
// otherwise validating the body (spec.md §9 "Dynamic shapes"): only id and
// method are ever extracted.
type rpcEnvelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
}

// connection is the single persistent hijacked socket for one container.
type connection struct {
	docker        dockerapi.DockerAPI
	containerName string
	logger        logging.Logger

	mu       sync.Mutex
	hijacked *types.HijackedResponse
	connCh   chan struct{} // non-nil while a connect is in flight
	connErr  error

	writeMu sync.Mutex

	accumulator jsonAccumulator
	pending     *pendingTable

	closed bool

	// timeout is the per-request deadline; defaults to requestTimeout and is
	// only overridden by tests.
	timeout time.Duration
}

func newConnection(docker dockerapi.DockerAPI, containerName string) *connection {
	return &connection{
		docker:        docker,
		containerName: containerName,
		pending:       newPendingTable(),
		logger:        logging.NewComponentLogger("stream").With("container_name", containerName),
		timeout:       requestTimeout,
	}
}

// ensureConnected implements get_or_create_socket's single-flight semantics:
// concurrent callers during connection establishment wait for the in-flight
// attempt instead of racing to attach twice (spec.md §4.3).
func (c *connection) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.hijacked != nil {
		c.mu.Unlock()
		return nil
	}
	if c.connCh != nil {
		ch := c.connCh
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.connErr
		c.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	c.connCh = ch
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	c.connErr = err
	c.connCh = nil
	c.mu.Unlock()
	close(ch)
	return err
}

func (c *connection) connect(ctx context.Context) error {
	resp, err := c.docker.ContainerAttach(ctx, c.containerName, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("attach to container %s: %w", c.containerName, err)
	}

	c.mu.Lock()
	c.hijacked = &resp
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(&resp)
	return nil
}

// readLoop is the single dedicated reader for this socket (spec.md §4.3
// "Concurrency": a single dedicated reader loop services each socket).
func (c *connection) readLoop(resp *types.HijackedResponse) {
	fr := NewFrameReader(resp.Reader)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			c.handleDisconnect(fmt.Errorf("read stream: %w", err))
			return
		}

		switch frame.Kind {
		case StreamStdout:
			for _, line := range c.accumulator.Feed(string(frame.Payload)) {
				c.dispatch(line)
			}
		case StreamStderr:
			c.logger.Debug("stderr: %s", strings.TrimSpace(string(frame.Payload)))
		}
	}
}

func (c *connection) dispatch(line string) {
	var env rpcEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		c.logger.Warn("discard malformed stdout line: %v", err)
		return
	}

	if len(env.ID) == 0 {
		// Notification: has a method, no id. Currently ignored (spec.md
		// §4.3: "future: surface to observers").
		return
	}

	key := requestKey(env.ID)
	if !c.pending.resolve(key, []byte(line)) {
		c.logger.Debug("response for unknown/expired request id %s dropped", key)
	}
}

// handleDisconnect is invoked exactly once per connection lifetime, either
// from the reader loop on EOF/error or from Close. It destroys the current
// connection, clears the accumulator, and rejects every outstanding
// PendingRequest with a transport error (spec.md §4.3, P7).
func (c *connection) handleDisconnect(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.hijacked = nil
	c.mu.Unlock()

	c.accumulator.Reset()
	c.pending.rejectAll("transport error: " + err.Error())
	c.logger.Warn("connection closed: %v", err)
}

// close is the caller-initiated counterpart to handleDisconnect, used by
// Manager.CloseSocket when a Wrapper stops its MCP (spec.md §4.2 "close
// attach socket").
func (c *connection) close() {
	c.mu.Lock()
	hijacked := c.hijacked
	c.mu.Unlock()
	if hijacked != nil {
		hijacked.Close()
	}
	c.handleDisconnect(fmt.Errorf("socket closed by caller"))
}

// sendRequest implements send_request (spec.md §4.3). body must contain at
// minimum "id" (for non-notification methods) and "method"; all other
// fields are forwarded verbatim.
func (c *connection) sendRequest(ctx context.Context, body map[string]any, w io.Writer) error {
	if err := c.ensureConnected(ctx); err != nil {
		return fmt.Errorf("connect to container: %w", err)
	}

	method, _ := body["method"].(string)
	rawID, hasID := body["id"]

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	if (!hasID || rawID == nil) && strings.Contains(method, "notification") {
		if err := c.write(encoded); err != nil {
			return err
		}
		_, err := w.Write([]byte("{}"))
		return err
	}

	if !hasID || rawID == nil {
		return fmt.Errorf("send_request: id is required for non-notification method %q", method)
	}

	idJSON, err := json.Marshal(rawID)
	if err != nil {
		return fmt.Errorf("encode request id: %w", err)
	}
	key := requestKey(idJSON)
	req := c.pending.add(key, idJSON)

	if err := c.write(encoded); err != nil {
		c.pending.remove(key)
		return err
	}

	select {
	case payload := <-req.resultCh:
		_, err := w.Write(payload)
		return err

	case <-time.After(c.timeout):
		c.pending.remove(key)
		timeoutResp := jsonRPCError(idJSON, "Timeout waiting for MCP server response")
		req.resolve(timeoutResp) // no-op if a response snuck in first
		_, err := w.Write(timeoutResp)
		return err

	case <-ctx.Done():
		c.pending.remove(key)
		return ctx.Err()
	}
}

func (c *connection) write(data []byte) error {
	c.mu.Lock()
	hijacked := c.hijacked
	c.mu.Unlock()
	if hijacked == nil {
		return fmt.Errorf("write to %s: socket not connected", c.containerName)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := hijacked.Conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to container socket: %w", err)
	}
	return nil
}

// newRequestID generates a fallback request ID. Unused by sendRequest
// itself (spec.md requires callers to supply id for non-notification
// methods — see DESIGN.md's Open Question decision), but kept available
// for callers that want to originate their own correlation ID up front.
func newRequestID() string {
	return uuid.NewString()
}
