// Package store persists instance metadata. The lifecycle manager is the
// sole writer; readers may run concurrently. Two implementations are
// provided: an embedded SQLite database (the default) and PostgreSQL.
package store

import (
	"context"
	"encoding/json"

	"github.com/serverbox/serverbox/internal/errdefs"
	"github.com/serverbox/serverbox/pkg/types"
)

// Store is a durable id -> instance record mapping.
type Store interface {
	// Get returns the record for id, or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*types.Instance, error)
	// Set upserts the record.
	Set(ctx context.Context, inst *types.Instance) error
	// List returns all records ordered by created_at descending.
	List(ctx context.Context) ([]*types.Instance, error)
	// Delete removes the record for id. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error
	Close() error
}

func marshalJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalProviders(raw string) []string {
	if raw == "" || raw == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalLabels(raw string) map[string]string {
	if raw == "" || raw == "null" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// normalizeState degrades unknown persisted states to error instead of
// failing the read.
func normalizeState(raw string) types.InstanceState {
	s := types.InstanceState(raw)
	if !types.ValidState(s) {
		return types.StateError
	}
	return s
}

func storeErr(cause error, format string, args ...any) error {
	return errdefs.Wrap(errdefs.CodeStoreError, cause, format, args...)
}
