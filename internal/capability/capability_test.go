package capability

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in string
		want Capability
		ok   bool
	}{
		{"read_file", ReadFile, true},
		{"shell_exec", ShellExec, true},
		{"bogus", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := Parse(c.in)
		if ok != c.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", c.in, ok, c.ok)
		}
		if ok && got != c.want {
			t.Errorf("Parse(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestNewSet_DropsUnknown(t *testing.T) {
	s := NewSet([]string{"read_file", "not_a_capability", "http_request"})
	if !s.Has(ReadFile) {
		t.Error("expected ReadFile granted")
	}
	if !s.Has(HTTPRequest) {
		t.Error("expected HTTPRequest granted")
	}
	if s.Has(ShellExec) {
		t.Error("expected ShellExec not granted")
	}
}

func TestSet_HasAll(t *testing.T) {
	s := NewSet([]string{"read_file"})

	if _, ok := s.HasAll([]Capability{ReadFile}); !ok {
		t.Error("expected HasAll true for granted capability")
	}

	missing, ok := s.HasAll([]Capability{ReadFile, WriteFile})
	if ok {
		t.Error("expected HasAll false when a required capability is missing")
	}
	if missing != WriteFile {
		t.Errorf("expected missing = WriteFile, got %v", missing)
	}
}

func TestSet_NeverGainsCapabilities(t *testing.T) {
	s := NewSet([]string{"read_file"})
	// Set has no exported mutator beyond construction; this test documents
	// the invariant that a Set, once built, is read-only.
	if s.Has(WriteFile) {
		t.Fatal("Set unexpectedly has an ungranted capability")
	}
}
