package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "archestra/mcp-sandbox-base:latest", cfg.BaseDockerImage)
	require.Equal(t, 2, cfg.LogMaxFiles)

	size, err := cfg.LogMaxSizeBytes()
	require.NoError(t, err)
	require.EqualValues(t, 5*1024*1024, size)
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("MCP_BASE_DOCKER_IMAGE", "custom/image:v2")
	t.Setenv("MCP_SERVER_LOG_MAX_SIZE", "10M")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "custom/image:v2", cfg.BaseDockerImage)

	size, err := cfg.LogMaxSizeBytes()
	require.NoError(t, err)
	require.EqualValues(t, 10*1024*1024, size)
}

func TestLoadYAMLFileOverridesDefaultsButNotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandboxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_max_files: 7\nbase_docker_image: from-yaml:latest\n"), 0o644))

	t.Setenv("MCP_BASE_DOCKER_IMAGE", "from-env:latest")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.LogMaxFiles)
	require.Equal(t, "from-env:latest", cfg.BaseDockerImage)
}

func TestLoadMissingFilePathDoesNotError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
}
