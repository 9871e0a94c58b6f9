// Package pathguard canonicalizes guest-supplied filesystem paths and
// proves they sit beneath one of the process's allowed prefixes, closing
// the TOCTOU window a naive "check then open" would leave.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathPolicy is wrapped by every rejection this package produces.
var ErrPathPolicy = errors.New("path policy violation")

// Guard holds the canonical form of every allowed prefix, computed once at
// construction so later containment checks are pure string comparisons.
type Guard struct {
	prefixes []string
}

// New canonicalizes each configured allowed path and returns a Guard. An
// allowed path that does not yet exist on disk is an error: prefixes are
// operator-configured, not guest-supplied, so they are expected to exist.
func New(allowedPaths []string) (*Guard, error) {
	prefixes := make([]string, 0, len(allowedPaths))
	for _, p := range allowedPaths {
		canon, err := filepath.EvalSymlinks(p)
		if err != nil {
			return nil, fmt.Errorf("pathguard.New: allowed path %q: %w", p, err)
		}
		prefixes = append(prefixes, canon)
	}
	return &Guard{prefixes: prefixes}, nil
}

// Validate canonicalizes candidate and verifies it sits beneath an allowed
// prefix. Returns the canonical absolute path on success.
func (g *Guard) Validate(candidate string) (string, error) {
	if !filepath.IsAbs(candidate) {
		return "", fmt.Errorf("%w: %q is not absolute", ErrPathPolicy, candidate)
	}

	canon, err := g.canonicalize(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathPolicy, err)
	}

	for _, prefix := range g.prefixes {
		if canon == prefix || strings.HasPrefix(canon, prefix+string(filepath.Separator)) {
			return canon, nil
		}
	}
	return "", fmt.Errorf("%w: %q is outside all allowed prefixes", ErrPathPolicy, canon)
}

// canonicalize resolves symlinks and dot segments. If candidate does not
// exist, its parent directory is resolved instead and the file name is
// appended verbatim — this permits creating new files without opening a
// traversal hole through an unresolved symlink in a not-yet-existent
// component.
func (g *Guard) canonicalize(candidate string) (string, error) {
	if _, err := os.Lstat(candidate); err == nil {
		return filepath.EvalSymlinks(candidate)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	parent := filepath.Dir(candidate)
	canonParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", fmt.Errorf("parent %q: %w", parent, err)
	}
	return filepath.Join(canonParent, filepath.Base(candidate)), nil
}
