package dispatch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFile_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "out.txt")

	n, err := writeFile(path, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if n != len("payload") {
		t.Errorf("n = %d", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q", string(data))
	}
}

func TestWriteFile_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if _, err := writeFile(path, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if _, err := writeFile(path, []byte("second")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want second", string(data))
	}
}

func TestReadFile_NonexistentErrors(t *testing.T) {
	if _, err := readFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error reading nonexistent file")
	}
}
