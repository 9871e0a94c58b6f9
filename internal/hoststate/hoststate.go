// Package hoststate defines the per-invocation context a single sandbox
// store owns for the lifetime of one execute. It is never shared between
// sandboxes and is dropped when the store is torn down.
package hoststate

import (
	"time"

	"github.com/sentrywasm/sidecar/internal/capability"
	"github.com/sentrywasm/sidecar/internal/pathguard"
	"github.com/sentrywasm/sidecar/internal/urlguard"
)

// CredentialSource optionally resolves a credential name that is absent
// from the request's own credential map (see internal/credential for the
// Vault-backed implementation). A nil CredentialSource disables the
// fallback entirely, which is the default and preserves the unmodified
// get_credential contract.
type CredentialSource interface {
	Get(name string) (value string, ok bool)
}

// State is HostState from the data model: the CapabilitySet, credential
// values, filesystem and HTTP policy, and shell output cap for one
// execute.
type State struct {
	Capabilities capability.Set
	Credentials  map[string]string
	CredentialFallback CredentialSource

	PathGuard *pathguard.Guard

	HTTPAllowlist []string
	HTTPResolver  urlguard.Resolver
	HTTPTimeout   time.Duration
	HTTPMaxResponseBytes uint64

	ShellTimeout        time.Duration
	ShellMaxOutputBytes uint64
}
