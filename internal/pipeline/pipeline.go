// Package pipeline is the request pipeline (component H): it glues the
// registry, capability model, path/URL guards, and sandbox engine into the
// single Handle call the server invokes for each request line.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sentrywasm/sidecar/internal/audit"
	"github.com/sentrywasm/sidecar/internal/capability"
	"github.com/sentrywasm/sidecar/internal/config"
	"github.com/sentrywasm/sidecar/internal/credential"
	"github.com/sentrywasm/sidecar/internal/hoststate"
	"github.com/sentrywasm/sidecar/internal/leakscan"
	"github.com/sentrywasm/sidecar/internal/metrics"
	"github.com/sentrywasm/sidecar/internal/pathguard"
	"github.com/sentrywasm/sidecar/internal/protocol"
	"github.com/sentrywasm/sidecar/internal/registry"
	"github.com/sentrywasm/sidecar/internal/sandbox"
	"github.com/sentrywasm/sidecar/internal/urlguard"
	"go.uber.org/zap"
)

// Pipeline holds every long-lived collaborator the request handler needs.
type Pipeline struct {
	cfg      *config.Config
	registry *registry.Registry
	guard    *pathguard.Guard
	scanner  *leakscan.Scanner
	engine   *sandbox.Engine
	ledger   *audit.Ledger
	metrics  *metrics.Metrics
	logger   *zap.Logger
	vault    *credential.VaultSource
}

// New wires a Pipeline from its already-constructed collaborators.
func New(cfg *config.Config, reg *registry.Registry, guard *pathguard.Guard, scanner *leakscan.Scanner, engine *sandbox.Engine, ledger *audit.Ledger, m *metrics.Metrics, logger *zap.Logger, vault *credential.VaultSource) *Pipeline {
	return &Pipeline{
		cfg: cfg, registry: reg, guard: guard, scanner: scanner,
		engine: engine, ledger: ledger, metrics: m, logger: logger, vault: vault,
	}
}

// Handle runs the nine steps of spec.md §4.H for one request.
func (p *Pipeline) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	start := time.Now()

	if req.ToolName == "_health" {
		return protocol.Ok("ok", nil, false, nil)
	}

	manifest, ok := p.registry.Lookup(req.ToolName)
	if !ok {
		p.record(req, false, "unknown-tool", false, 0, start)
		return protocol.Err("unknown tool: " + req.ToolName)
	}

	caps := capability.NewSet(req.Capabilities)
	for _, name := range manifest.Capabilities {
		required, known := capability.Parse(name)
		if !known {
			continue
		}
		if !caps.Has(required) {
			p.record(req, false, "capability-denied", false, 0, start)
			return protocol.Err(fmt.Sprintf("capability denied: %s", name))
		}
	}

	if _, err := os.Stat(manifest.BytecodePath); err != nil {
		p.record(req, false, "module-missing", false, 0, start)
		return protocol.Err(fmt.Sprintf("module missing: %s", manifest.BytecodePath))
	}

	p.scanner.Prime(req.Credentials)

	timeoutMs := p.cfg.TimeoutMs
	if manifest.TimeoutMs != nil {
		timeoutMs = *manifest.TimeoutMs
	}
	if req.TimeoutMs != nil {
		timeoutMs = *req.TimeoutMs
	}

	allowlist := manifest.HTTPAllowlist
	if req.HTTPAllowlist != nil {
		allowlist = req.HTTPAllowlist
	}

	bytecode, err := os.ReadFile(manifest.BytecodePath)
	if err != nil {
		p.record(req, false, "module-missing", false, 0, start)
		return protocol.Err(fmt.Sprintf("module missing: %s", err))
	}

	state := &hoststate.State{
		Capabilities:         caps,
		Credentials:          req.Credentials,
		CredentialFallback:   p.credentialFallback(),
		PathGuard:            p.guard,
		HTTPAllowlist:        allowlist,
		HTTPResolver:         urlguard.SystemResolver{},
		HTTPTimeout:          time.Duration(p.cfg.HTTPTimeoutMs) * time.Millisecond,
		HTTPMaxResponseBytes: p.cfg.HTTPMaxResponseBytes,
		ShellTimeout:         time.Duration(p.cfg.ShellTimeoutMs) * time.Millisecond,
		ShellMaxOutputBytes:  p.cfg.ShellMaxOutputBytes,
	}

	result, err := p.engine.Execute(ctx, manifest.BytecodePath, sandbox.Params{
		ModuleBytes:    bytecode,
		ArgsJSON:       req.Args,
		MaxFuel:        p.cfg.MaxFuel,
		MaxMemoryBytes: p.cfg.MaxMemoryBytes,
		TimeoutMs:      timeoutMs,
		State:          state,
	})
	if err != nil {
		p.record(req, false, "guest-trap", false, 0, start)
		return protocol.Err(fmt.Sprintf("sandbox error: %s", err))
	}

	if result.ErrorKind != sandbox.ErrNone {
		p.record(req, false, string(result.ErrorKind), false, result.FuelConsumed, start)
		fuel := result.FuelConsumed
		return protocol.Response{
			Success:      false,
			Result:       result.ErrorDetail,
			Leaked:       result.Leaked,
			FuelConsumed: &fuel,
		}
	}

	p.record(req, true, "", result.Leaked, result.FuelConsumed, start)

	fuel := result.FuelConsumed
	var data json.RawMessage
	if json.Valid([]byte(result.Stdout)) {
		data = json.RawMessage(result.Stdout)
	}
	return protocol.Ok(result.Stdout, data, result.Leaked, &fuel)
}

func (p *Pipeline) credentialFallback() hoststate.CredentialSource {
	if p.vault == nil {
		return nil
	}
	return p.vault
}

func (p *Pipeline) record(req protocol.Request, success bool, errorKind string, leaked bool, fuel uint64, start time.Time) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	if p.metrics != nil {
		p.metrics.ExecutionsTotal.WithLabelValues(req.ToolName, outcome).Inc()
		p.metrics.ExecutionDuration.WithLabelValues(req.ToolName).Observe(time.Since(start).Seconds())
		p.metrics.FuelConsumed.Observe(float64(fuel))
	}
	if p.ledger != nil {
		if err := p.ledger.Append(audit.Record{
			RequestID:    req.RequestID,
			ToolName:     req.ToolName,
			Success:      success,
			ErrorKind:    errorKind,
			Leaked:       leaked,
			FuelConsumed: fuel,
			DurationMs:   time.Since(start).Milliseconds(),
		}); err != nil && p.logger != nil {
			p.logger.Warn("audit.Append failed", zap.Error(err), zap.String("request_id", req.RequestID))
		}
	}
	if !success && p.logger != nil {
		p.logger.Warn("execution failed",
			zap.String("request_id", req.RequestID),
			zap.String("tool_name", req.ToolName),
			zap.String("error_kind", errorKind),
		)
	}
}
