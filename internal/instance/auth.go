package instance

import (
	"os"

	"github.com/serverbox/serverbox/internal/errdefs"
	"github.com/serverbox/serverbox/pkg/types"
)

// Env keys consulted when no provider auth is supplied.
const (
	envOpencodeZenKey = "OPENCODE_ZEN_API_KEY"
	envOpencodeKey    = "OPENCODE_API_KEY"
)

// NormalizeProviderAuth validates and canonicalizes provider credential
// bundles. A nil input falls back to the opencode key from env; an empty
// (non-nil) list is rejected. Duplicate providers are deduplicated
// keeping the last occurrence while preserving the insertion order of
// first appearances.
func NormalizeProviderAuth(entries []types.ProviderAuth, env map[string]string) ([]types.ProviderAuth, error) {
	if entries == nil {
		key := env[envOpencodeZenKey]
		if key == "" {
			key = env[envOpencodeKey]
		}
		if key == "" {
			return nil, errdefs.New(errdefs.CodeMissingAuth,
				"no provider auth supplied and neither %s nor %s is set", envOpencodeZenKey, envOpencodeKey)
		}
		return []types.ProviderAuth{{Provider: "opencode", APIKey: key}}, nil
	}

	if len(entries) == 0 {
		return nil, errdefs.New(errdefs.CodeMissingAuth, "provider auth list is empty")
	}

	for _, e := range entries {
		if e.Provider == "" {
			return nil, errdefs.New(errdefs.CodeInvalidConfig, "provider auth entry is missing a provider name")
		}
		if e.APIKey == "" && len(e.Env) == 0 {
			return nil, errdefs.New(errdefs.CodeInvalidConfig,
				"provider %q needs an apiKey or a non-empty env map", e.Provider)
		}
	}

	// Keep the last entry per provider, in first-appearance order.
	latest := make(map[string]types.ProviderAuth, len(entries))
	var order []string
	for _, e := range entries {
		if _, seen := latest[e.Provider]; !seen {
			order = append(order, e.Provider)
		}
		latest[e.Provider] = e
	}

	out := make([]types.ProviderAuth, 0, len(order))
	for _, p := range order {
		out = append(out, latest[p])
	}
	return out, nil
}

// BuildAuthRecord maps provider -> apiKey, skipping entries that only
// carry env configuration.
func BuildAuthRecord(entries []types.ProviderAuth) map[string]string {
	record := make(map[string]string)
	for _, e := range entries {
		if e.APIKey != "" {
			record[e.Provider] = e.APIKey
		}
	}
	return record
}

// CollectProviderEnv merges all env maps; later entries overwrite earlier
// ones on key collision.
func CollectProviderEnv(entries []types.ProviderAuth) map[string]string {
	merged := make(map[string]string)
	for _, e := range entries {
		for k, v := range e.Env {
			merged[k] = v
		}
	}
	return merged
}

// AuthEnvFromOS snapshots the fallback env keys from the process
// environment, for callers that did not supply auth explicitly.
func AuthEnvFromOS() map[string]string {
	return map[string]string{
		envOpencodeZenKey: os.Getenv(envOpencodeZenKey),
		envOpencodeKey:    os.Getenv(envOpencodeKey),
	}
}
