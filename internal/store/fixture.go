package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// fixtureFile is the on-disk shape of a YAML-seeded installed-MCP list,
// generalized from the teacher's `infra/mcp.Config` (JSON `mcpServers` map)
// to a YAML list of full InstalledMCP records, since the supervisor needs
// far more per-MCP state (lifecycle/OAuth fields) than the teacher's
// process-launch-only config.
type fixtureFile struct {
	MCPs []model.InstalledMCP `yaml:"mcps"`
}

// LoadFixture reads a YAML file of installed-MCP records and seeds them
// into store. A missing file is not an error: the supervisor simply starts
// with no installed MCPs, same as the teacher's ConfigLoader tolerating a
// missing scope.
func LoadFixture(store *MemoryStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read fixture %s: %w", path, err)
	}

	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse fixture %s: %w", path, err)
	}

	store.Seed(file.MCPs...)
	return nil
}

// SaveFixture writes the store's current installed-MCP set to path as
// YAML, the reference adapter's persistence-on-exit counterpart to
// LoadFixture.
func SaveFixture(store *MemoryStore, path string) error {
	mcps, err := store.ListInstalledMCPs(context.Background())
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(fixtureFile{MCPs: mcps})
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}
