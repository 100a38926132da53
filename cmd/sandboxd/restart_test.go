package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRestartCommandPostsAndPrintsFreshStatus(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		fmt.Fprint(w, `{"runtime": {"status": "running"}, "servers": []}`)
	}))
	defer srv.Close()

	configPath := writeTestConfig(t, srv)
	cmd := newRestartCommand(&configPath)
	var out bytes.Buffer
	cmd.SetOut(&out)

	require.NoError(t, cmd.RunE(cmd, nil))
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/api/restart", gotPath)
	require.Contains(t, out.String(), "restarted")
}

func TestRestartCommandPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"docker unavailable"}`)
	}))
	defer srv.Close()

	configPath := writeTestConfig(t, srv)
	cmd := newRestartCommand(&configPath)
	cmd.SetOut(&bytes.Buffer{})

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "docker unavailable")
}
