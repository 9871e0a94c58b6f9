// Package dispatch implements the host-function dispatcher: it decodes an
// op-coded JSON request from the guest's shared I/O buffer, checks the
// required capability, routes to a handler, and encodes the JSON reply.
// The sandbox engine owns the actual guest-memory read/write and the
// numeric return-code contract (§6); this package works purely in terms of
// decoded/encoded bytes so it can be exercised without a WASM runtime.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sentrywasm/sidecar/internal/capability"
	"github.com/sentrywasm/sidecar/internal/hoststate"
	"github.com/sentrywasm/sidecar/internal/httpclient"
)

// Op is one of the guest-facing operation codes from spec.md §4.F.
type Op int32

const (
	OpReadFile Op = iota + 1
	OpWriteFile
	OpShellExec
	OpHTTPFetch
	OpGetCredential
)

var requiredCapability = map[Op]capability.Capability{
	OpReadFile:      capability.ReadFile,
	OpWriteFile:     capability.WriteFile,
	OpShellExec:     capability.ShellExec,
	OpHTTPFetch:     capability.HTTPRequest,
	OpGetCredential: capability.UseCredential,
}

// Result is the outcome of one Dispatch call. Code mirrors the host-call
// return-code contract: 0 means Body holds the JSON reply and the sandbox
// should report len(Body); CapabilityDenied/UnknownOp/OperationError/
// BufferIOError map to -2/-1/-3/-4 respectively.
type Code int

const (
	OK Code = iota
	UnknownOp
	CapabilityDenied
	OperationError
	BufferIOError
)

type Result struct {
	Code Code
	Body []byte
	Err  error
}

// Dispatch decodes payload as the op's request object, checks the
// capability requirement against state, and executes the handler.
func Dispatch(ctx context.Context, state *hoststate.State, op Op, payload []byte) Result {
	required, known := requiredCapability[op]
	if !known {
		return Result{Code: UnknownOp}
	}
	if !state.Capabilities.Has(required) {
		return Result{Code: CapabilityDenied}
	}

	var (
		out interface{}
		err error
	)
	switch op {
	case OpReadFile:
		out, err = handleReadFile(state, payload)
	case OpWriteFile:
		out, err = handleWriteFile(state, payload)
	case OpShellExec:
		out, err = handleShellExec(ctx, state, payload)
	case OpHTTPFetch:
		out, err = handleHTTPFetch(ctx, state, payload)
	case OpGetCredential:
		out, err = handleGetCredential(state, payload)
	}
	if err != nil {
		return Result{Code: OperationError, Err: err}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return Result{Code: BufferIOError, Err: err}
	}
	return Result{Code: OK, Body: body}
}

type readFileRequest struct {
	Path string `json:"path"`
}

type readFileResponse struct {
	Content string `json:"content"`
	Bytes   int    `json:"bytes"`
}

func handleReadFile(state *hoststate.State, payload []byte) (interface{}, error) {
	var req readFileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	canon, err := state.PathGuard.Validate(req.Path)
	if err != nil {
		return nil, err
	}
	data, err := readFile(canon)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	return readFileResponse{Content: string(data), Bytes: len(data)}, nil
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFileResponse struct {
	Written int `json:"written"`
}

func handleWriteFile(state *hoststate.State, payload []byte) (interface{}, error) {
	var req writeFileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	canon, err := state.PathGuard.Validate(req.Path)
	if err != nil {
		return nil, err
	}
	n, err := writeFile(canon, []byte(req.Content))
	if err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	return writeFileResponse{Written: n}, nil
}

type shellExecRequest struct {
	Command string `json:"command"`
}

type shellExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

const truncationSentinel = "...[truncated]"

func handleShellExec(ctx context.Context, state *hoststate.State, payload []byte) (interface{}, error) {
	var req shellExecRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("shell_exec: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if state.ShellTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, state.ShellTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", req.Command)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil && cmd.ProcessState == nil {
		return nil, fmt.Errorf("shell_exec: %w", runErr)
	}

	return shellExecResponse{
		Stdout:   truncate(stdout.String(), state.ShellMaxOutputBytes),
		Stderr:   truncate(stderr.String(), state.ShellMaxOutputBytes),
		ExitCode: exitCode,
	}, nil
}

func truncate(s string, max uint64) string {
	if max == 0 || uint64(len(s)) <= max {
		return s
	}
	return s[:max] + truncationSentinel
}

type httpFetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type httpFetchResponse struct {
	Status  int                 `json:"status"`
	Body    string              `json:"body"`
	Headers map[string][]string `json:"headers"`
}

func handleHTTPFetch(ctx context.Context, state *hoststate.State, payload []byte) (interface{}, error) {
	var req httpFetchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("http_fetch: %w", err)
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}

	resp, err := httpclient.Fetch(ctx, state.HTTPResolver, req.URL, method, req.Headers, []byte(req.Body), state.HTTPAllowlist, httpclient.Config{
		Timeout:          state.HTTPTimeout,
		MaxResponseBytes: int64(state.HTTPMaxResponseBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("http_fetch: %w", err)
	}
	return httpFetchResponse{Status: resp.Status, Body: resp.Body, Headers: resp.Headers}, nil
}

type getCredentialRequest struct {
	Name string `json:"name"`
}

type getCredentialResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func handleGetCredential(state *hoststate.State, payload []byte) (interface{}, error) {
	var req getCredentialRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("get_credential: %w", err)
	}
	if v, ok := state.Credentials[req.Name]; ok {
		return getCredentialResponse{Name: req.Name, Value: v}, nil
	}
	if state.CredentialFallback != nil {
		if v, ok := state.CredentialFallback.Get(req.Name); ok {
			return getCredentialResponse{Name: req.Name, Value: v}, nil
		}
	}
	return nil, fmt.Errorf("get_credential: %q not present", req.Name)
}
