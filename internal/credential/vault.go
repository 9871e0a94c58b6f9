// Package credential provides an optional Vault-backed fallback for
// get_credential lookups that miss the request's own credential map. It is
// strictly additive: a nil *VaultSource (the default when
// SENTINEL_VAULT_ADDR is unset) means get_credential behaves exactly as
// spec.md §4.F describes, with no secondary lookup.
package credential

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultSource resolves a credential name against a single fixed KV v2 path
// in Vault, one synchronous read per miss. There is no caching: each
// execute is short-lived and credential values are not supposed to persist
// across requests per the HostState invariant.
type VaultSource struct {
	client     *vaultapi.Client
	mountPath  string
	secretPath string
}

// NewVaultSource builds a client against addr. mountPath/secretPath locate
// the KV v2 secret whose keys are credential names.
func NewVaultSource(addr, token, mountPath, secretPath string) (*VaultSource, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("credential.NewVaultSource: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return &VaultSource{client: client, mountPath: mountPath, secretPath: secretPath}, nil
}

// Get satisfies hoststate.CredentialSource.
func (v *VaultSource) Get(name string) (string, bool) {
	if v == nil || v.client == nil {
		return "", false
	}
	secret, err := v.client.KVv2(v.mountPath).Get(context.Background(), v.secretPath)
	if err != nil || secret == nil {
		return "", false
	}
	raw, ok := secret.Data[name]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	return value, ok
}
