package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/require"
)

// fakeAttachDocker's ContainerAttach returns one side of an in-memory pipe,
// handing the other side to the test so it can play the role of the
// container's multiplexed stdio stream.
type fakeAttachDocker struct {
	serverConn net.Conn
}

func newFakeAttachDocker() (*fakeAttachDocker, net.Conn) {
	client, server := net.Pipe()
	return &fakeAttachDocker{serverConn: server}, client
}

func (f *fakeAttachDocker) ContainerAttach(ctx context.Context, id string, opts container.AttachOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{
		Conn:   f.serverConn,
		Reader: bufio.NewReader(f.serverConn),
	}, nil
}

// readWrittenLine reads one newline-delimited JSON-RPC request the
// connection wrote to the socket, as observed from the "container" side.
func readWrittenLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestSendRequestHappyPath(t *testing.T) {
	docker, clientConn := newFakeAttachDocker()
	conn := newConnection(docker, "test-mcp")
	clientReader := bufio.NewReader(clientConn)

	go func() {
		line := readWrittenLine(t, clientReader)
		var req map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &req))
		require.InDelta(t, 7, req["id"], 0)

		resp := []byte(`{"jsonrpc":"2.0","id":7,"result":{"tools":[]}}` + "\n")
		_, err := clientConn.Write(EncodeFrame(StreamStdout, resp))
		require.NoError(t, err)
	}()

	var out bytes.Buffer
	body := map[string]any{"jsonrpc": "2.0", "id": 7, "method": "tools/list"}
	err := conn.sendRequest(context.Background(), body, &out)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{"tools":[]}}`, out.String())
}

func TestSendRequestSplitResponseAcrossFrames(t *testing.T) {
	docker, clientConn := newFakeAttachDocker()
	conn := newConnection(docker, "test-mcp")
	clientReader := bufio.NewReader(clientConn)

	go func() {
		readWrittenLine(t, clientReader)
		_, err := clientConn.Write(EncodeFrame(StreamStdout, []byte(`{"jsonrpc":"2.0","i`)))
		require.NoError(t, err)
		_, err = clientConn.Write(EncodeFrame(StreamStdout, []byte(`d":7,"result":{"ok":true}}`+"\n")))
		require.NoError(t, err)
	}()

	var out bytes.Buffer
	body := map[string]any{"jsonrpc": "2.0", "id": 7, "method": "ping"}
	err := conn.sendRequest(context.Background(), body, &out)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, out.String())
}

func TestSendRequestTimeoutProducesJSONRPCErrorAndClearsPendingEntry(t *testing.T) {
	docker, clientConn := newFakeAttachDocker()
	conn := newConnection(docker, "test-mcp")
	conn.timeout = 50 * time.Millisecond
	clientReader := bufio.NewReader(clientConn)

	go func() {
		readWrittenLine(t, clientReader)
		// Never respond.
	}()

	var out bytes.Buffer
	body := map[string]any{"jsonrpc": "2.0", "id": "abc", "method": "slow"}

	done := make(chan error, 1)
	go func() {
		done <- conn.sendRequest(context.Background(), body, &out)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sendRequest did not return within the connection's request timeout")
	}

	require.Contains(t, out.String(), `"code":-32603`)
	require.Contains(t, out.String(), "Timeout waiting for MCP server response")

	conn.pending.mu.Lock()
	_, exists := conn.pending.entries[`"abc"`]
	conn.pending.mu.Unlock()
	require.False(t, exists)
}

func TestSendRequestWithoutIDOnNonNotificationMethodErrors(t *testing.T) {
	docker, clientConn := newFakeAttachDocker()
	defer clientConn.Close()
	conn := newConnection(docker, "test-mcp")

	go func() {
		r := bufio.NewReader(clientConn)
		_, _ = r.ReadString('\n')
	}()

	var out bytes.Buffer
	body := map[string]any{"jsonrpc": "2.0", "method": "tools/list"}
	err := conn.sendRequest(context.Background(), body, &out)
	require.Error(t, err)
}

func TestSendRequestNotificationWritesEmptyObjectImmediately(t *testing.T) {
	docker, clientConn := newFakeAttachDocker()
	defer clientConn.Close()
	conn := newConnection(docker, "test-mcp")

	go func() {
		r := bufio.NewReader(clientConn)
		_, _ = r.ReadString('\n')
	}()

	var out bytes.Buffer
	body := map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"}
	err := conn.sendRequest(context.Background(), body, &out)
	require.NoError(t, err)
	require.Equal(t, "{}", out.String())
}

func TestHandleDisconnectRejectsAllPendingRequests(t *testing.T) {
	docker, clientConn := newFakeAttachDocker()
	conn := newConnection(docker, "test-mcp")

	require.NoError(t, conn.ensureConnected(context.Background()))

	req := conn.pending.add(`1`, json.RawMessage("1"))

	clientConn.Close()

	require.Eventually(t, func() bool {
		select {
		case payload := <-req.resultCh:
			return bytes.Contains(payload, []byte("transport error"))
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
