// Package registry loads the tool manifest directory once at boot. There
// is no hot-reload: Non-goals exclude it, and a manifest's bytecode path is
// resolved relative to the tool directory at load time.
package registry

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// Manifest is one tool's declaration, as described in spec.md §3 and §6.
type Manifest struct {
	Name          string   `toml:"name"`
	Description   string   `toml:"description"`
	Bytecode      string   `toml:"bytecode"`
	Capabilities  []string `toml:"capabilities"`
	TimeoutMs     *uint64  `toml:"timeout_ms"`
	HTTPAllowlist []string `toml:"http_allowlist"`

	// BytecodePath is Bytecode resolved against the tool directory;
	// populated by Load, not read from the manifest file.
	BytecodePath string `toml:"-"`
}

// Registry is an immutable, name-keyed collection of manifests.
type Registry struct {
	tools map[string]Manifest
}

// Load scans dir for *.toml manifest files and parses each one.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry.Load: read %q: %w", dir, err)
	}

	tools := make(map[string]Manifest)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("registry.Load: read %q: %w", path, err)
		}

		var m Manifest
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("registry.Load: parse %q: %w", path, err)
		}
		if m.Name == "" {
			return nil, fmt.Errorf("registry.Load: %q: manifest missing name", path)
		}
		m.BytecodePath = filepath.Join(dir, m.Bytecode)
		tools[m.Name] = m
	}

	return &Registry{tools: tools}, nil
}

// Lookup returns the manifest for name, if any.
func (r *Registry) Lookup(name string) (Manifest, bool) {
	m, ok := r.tools[name]
	return m, ok
}
