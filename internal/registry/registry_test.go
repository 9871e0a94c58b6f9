package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_ParsesManifestAndResolvesBytecodePath(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "echo.toml", `
name = "echo"
description = "echoes input"
bytecode = "echo.wasm"
capabilities = ["read_file"]
timeout_ms = 2000
http_allowlist = ["api.example.com"]
`)

	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	m, ok := reg.Lookup("echo")
	if !ok {
		t.Fatal("expected echo tool to be registered")
	}
	if m.BytecodePath != filepath.Join(dir, "echo.wasm") {
		t.Errorf("BytecodePath = %q", m.BytecodePath)
	}
	if m.TimeoutMs == nil || *m.TimeoutMs != 2000 {
		t.Errorf("TimeoutMs = %v", m.TimeoutMs)
	}
	if len(m.Capabilities) != 1 || m.Capabilities[0] != "read_file" {
		t.Errorf("Capabilities = %v", m.Capabilities)
	}
}

func TestLoad_IgnoresNonTOMLFiles(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "echo.toml", "name = \"echo\"\nbytecode = \"echo.wasm\"\n")
	writeManifest(t, dir, "README.md", "# not a manifest")

	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Lookup("README"); ok {
		t.Fatal("non-toml file should not have been registered as a tool")
	}
	if _, ok := reg.Lookup("echo"); !ok {
		t.Fatal("expected echo tool to be registered")
	}
}

func TestLoad_MissingNameErrors(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken.toml", "bytecode = \"broken.wasm\"\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for manifest missing name")
	}
}

func TestLookup_UnknownToolReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Lookup("nonexistent"); ok {
		t.Fatal("expected Lookup to report false for unregistered tool")
	}
}
