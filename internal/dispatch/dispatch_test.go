package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sentrywasm/sidecar/internal/capability"
	"github.com/sentrywasm/sidecar/internal/hoststate"
	"github.com/sentrywasm/sidecar/internal/pathguard"
)

func newState(t *testing.T, caps []string) (*hoststate.State, string) {
	t.Helper()
	dir := t.TempDir()
	guard, err := pathguard.New([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	return &hoststate.State{
		Capabilities: capability.NewSet(caps),
		Credentials:  map[string]string{},
		PathGuard:    guard,
	}, dir
}

func TestDispatch_UnknownOp(t *testing.T) {
	state, _ := newState(t, nil)
	res := Dispatch(context.Background(), state, Op(999), nil)
	if res.Code != UnknownOp {
		t.Errorf("Code = %v, want UnknownOp", res.Code)
	}
}

func TestDispatch_CapabilityDenied(t *testing.T) {
	state, dir := newState(t, nil)
	payload, _ := json.Marshal(readFileRequest{Path: filepath.Join(dir, "f.txt")})
	res := Dispatch(context.Background(), state, OpReadFile, payload)
	if res.Code != CapabilityDenied {
		t.Errorf("Code = %v, want CapabilityDenied", res.Code)
	}
}

func TestDispatch_ReadFile_RoundTrip(t *testing.T) {
	state, dir := newState(t, []string{"read_file"})
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(readFileRequest{Path: path})
	res := Dispatch(context.Background(), state, OpReadFile, payload)
	if res.Code != OK {
		t.Fatalf("Code = %v, err = %v", res.Code, res.Err)
	}

	var resp readFileResponse
	if err := json.Unmarshal(res.Body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello world" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestDispatch_ReadFile_PathOutsideAllowedPrefixErrors(t *testing.T) {
	state, _ := newState(t, []string{"read_file"})
	payload, _ := json.Marshal(readFileRequest{Path: "/etc/passwd"})
	res := Dispatch(context.Background(), state, OpReadFile, payload)
	if res.Code != OperationError {
		t.Errorf("Code = %v, want OperationError", res.Code)
	}
}

func TestDispatch_WriteFile_CreatesFile(t *testing.T) {
	state, dir := newState(t, []string{"write_file"})
	path := filepath.Join(dir, "out.txt")
	payload, _ := json.Marshal(writeFileRequest{Path: path, Content: "written content"})

	res := Dispatch(context.Background(), state, OpWriteFile, payload)
	if res.Code != OK {
		t.Fatalf("Code = %v, err = %v", res.Code, res.Err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "written content" {
		t.Errorf("file content = %q", string(data))
	}
}

func TestDispatch_ShellExec_CapturesStdoutAndExitCode(t *testing.T) {
	state, _ := newState(t, []string{"shell_exec"})
	payload, _ := json.Marshal(shellExecRequest{Command: "echo hi"})

	res := Dispatch(context.Background(), state, OpShellExec, payload)
	if res.Code != OK {
		t.Fatalf("Code = %v, err = %v", res.Code, res.Err)
	}

	var resp shellExecResponse
	if err := json.Unmarshal(res.Body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Stdout != "hi\n" {
		t.Errorf("Stdout = %q", resp.Stdout)
	}
	if resp.ExitCode != 0 {
		t.Errorf("ExitCode = %d", resp.ExitCode)
	}
}

func TestDispatch_GetCredential_FromRequestMap(t *testing.T) {
	state, _ := newState(t, []string{"use_credential"})
	state.Credentials["api_key"] = "secret-value"

	payload, _ := json.Marshal(getCredentialRequest{Name: "api_key"})
	res := Dispatch(context.Background(), state, OpGetCredential, payload)
	if res.Code != OK {
		t.Fatalf("Code = %v, err = %v", res.Code, res.Err)
	}

	var resp getCredentialResponse
	if err := json.Unmarshal(res.Body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Value != "secret-value" {
		t.Errorf("Value = %q", resp.Value)
	}
}

type fakeCredentialSource struct {
	values map[string]string
}

func (f fakeCredentialSource) Get(name string) (string, bool) {
	v, ok := f.values[name]
	return v, ok
}

func TestDispatch_GetCredential_FallsBackToCredentialSource(t *testing.T) {
	state, _ := newState(t, []string{"use_credential"})
	state.CredentialFallback = fakeCredentialSource{values: map[string]string{"db_password": "from-vault"}}

	payload, _ := json.Marshal(getCredentialRequest{Name: "db_password"})
	res := Dispatch(context.Background(), state, OpGetCredential, payload)
	if res.Code != OK {
		t.Fatalf("Code = %v, err = %v", res.Code, res.Err)
	}

	var resp getCredentialResponse
	if err := json.Unmarshal(res.Body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Value != "from-vault" {
		t.Errorf("Value = %q", resp.Value)
	}
}

func TestDispatch_GetCredential_UnknownNameErrors(t *testing.T) {
	state, _ := newState(t, []string{"use_credential"})
	payload, _ := json.Marshal(getCredentialRequest{Name: "nope"})
	res := Dispatch(context.Background(), state, OpGetCredential, payload)
	if res.Code != OperationError {
		t.Errorf("Code = %v, want OperationError", res.Code)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Errorf("truncate with generous max should be a no-op, got %q", got)
	}
	got := truncate("abcdefgh", 4)
	if got != "abcd"+truncationSentinel {
		t.Errorf("truncate = %q", got)
	}
}
