package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sentrywasm/sidecar/internal/config"
	"github.com/sentrywasm/sidecar/internal/leakscan"
	"github.com/sentrywasm/sidecar/internal/pathguard"
	"github.com/sentrywasm/sidecar/internal/protocol"
	"github.com/sentrywasm/sidecar/internal/registry"
)

// newTestPipeline builds a Pipeline whose engine is left nil. This is only
// valid for request shapes that short-circuit before Handle reaches
// engine.Execute (unknown tool, capability denial, missing bytecode) — the
// early-return steps of the nine-step sequence are exactly what these
// tests exercise.
func newTestPipeline(t *testing.T, toolDir string) *Pipeline {
	t.Helper()
	cfg := config.Defaults()
	reg, err := registry.Load(toolDir)
	if err != nil {
		t.Fatal(err)
	}
	guard, err := pathguard.New([]string{t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	scanner := leakscan.New()
	return New(&cfg, reg, guard, scanner, nil, nil, nil, nil, nil)
}

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHandle_HealthCheckBypassesRegistry(t *testing.T) {
	dir := t.TempDir()
	p := newTestPipeline(t, dir)

	resp := p.Handle(context.Background(), protocol.Request{ToolName: "_health"})
	if !resp.Success {
		t.Fatalf("expected health check to succeed, got %+v", resp)
	}
}

func TestHandle_UnknownToolRejected(t *testing.T) {
	dir := t.TempDir()
	p := newTestPipeline(t, dir)

	resp := p.Handle(context.Background(), protocol.Request{ToolName: "does-not-exist"})
	if resp.Success {
		t.Fatal("expected failure for unknown tool")
	}
}

func TestHandle_CapabilityDeniedWhenRequestOmitsRequiredCapability(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "restricted.toml", `
name = "restricted"
bytecode = "restricted.wasm"
capabilities = ["shell_exec"]
`)
	p := newTestPipeline(t, dir)

	resp := p.Handle(context.Background(), protocol.Request{
		ToolName:     "restricted",
		Capabilities: []string{"read_file"},
	})
	if resp.Success {
		t.Fatal("expected capability denial")
	}
}

func TestHandle_MissingBytecodeRejected(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "ghost.toml", `
name = "ghost"
bytecode = "ghost.wasm"
capabilities = []
`)
	p := newTestPipeline(t, dir)

	resp := p.Handle(context.Background(), protocol.Request{ToolName: "ghost"})
	if resp.Success {
		t.Fatal("expected failure for missing bytecode file")
	}
}
