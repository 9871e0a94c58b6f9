package dispatch

import (
	"os"
	"path/filepath"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// writeFile creates any missing parent directories and writes content,
// overwriting atomically via a rename when the platform supports it
// (same-filesystem rename is atomic on every platform Go targets) and
// falling back to a direct write otherwise.
func writeFile(path string, content []byte) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".sentinel-write-*")
	if err != nil {
		// No temp-file support on this filesystem; best-effort direct write.
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return 0, err
		}
		return len(content), nil
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return 0, err
		}
	}
	return len(content), nil
}
