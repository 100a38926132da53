package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a minimal sandboxd config file pointing
// http_listen_addr at srv's address, so apiClient talks to the fake server
// exactly the way it would talk to a real `sandboxd serve`.
func writeTestConfig(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	addr := strings.TrimPrefix(srv.URL, "http://")
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	content := fmt.Sprintf("http_listen_addr: %q\n", addr)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAPIClientGetJSONDecodesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/status", r.URL.Path)
		fmt.Fprint(w, `{"runtime":{"status":"running"}}`)
	}))
	defer srv.Close()

	client, err := newAPIClient(writeTestConfig(t, srv))
	require.NoError(t, err)

	var body struct {
		Runtime struct {
			Status string `json:"status"`
		} `json:"runtime"`
	}
	require.NoError(t, client.getJSON(context.Background(), "/api/status", &body))
	require.Equal(t, "running", body.Runtime.Status)
}

func TestAPIClientSurfacesServerErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"runtime unavailable"}`)
	}))
	defer srv.Close()

	client, err := newAPIClient(writeTestConfig(t, srv))
	require.NoError(t, err)

	err = client.postJSON(context.Background(), "/api/restart", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "runtime unavailable")
}

func TestAPIClientErrorsWhenServerUnreachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_listen_addr: \"127.0.0.1:1\"\n"), 0o644))

	client, err := newAPIClient(path)
	require.NoError(t, err)

	err = client.getJSON(context.Background(), "/api/status", &struct{}{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "is `sandboxd serve` running?")
}
