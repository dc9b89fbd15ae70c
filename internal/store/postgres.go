package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/serverbox/serverbox/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS instances (
    id TEXT PRIMARY KEY,
    sandbox_id TEXT NOT NULL,
    state TEXT NOT NULL,
    url TEXT,
    preview_token TEXT,
    username TEXT NOT NULL,
    password TEXT NOT NULL,
    providers JSONB,
    labels JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore is the metadata store backed by a PostgreSQL pool, for
// deployments where the daemon's disk is not durable.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, storeErr(err, "failed to connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storeErr(err, "failed to ping database")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, storeErr(err, "failed to ensure schema")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, sandbox_id, state, COALESCE(url, ''), COALESCE(preview_token, ''),
		        username, password, COALESCE(providers::text, 'null'), COALESCE(labels::text, 'null'),
		        created_at, updated_at
		 FROM instances WHERE id = $1`, id)
	inst, err := scanPGInstance(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "failed to load instance %s", id)
	}
	return inst, nil
}

func (s *PostgresStore) Set(ctx context.Context, inst *types.Instance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instances (id, sandbox_id, state, url, preview_token, username, password, providers, labels, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8::jsonb, $9::jsonb, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   sandbox_id = EXCLUDED.sandbox_id,
		   state = EXCLUDED.state,
		   url = EXCLUDED.url,
		   preview_token = EXCLUDED.preview_token,
		   username = EXCLUDED.username,
		   password = EXCLUDED.password,
		   providers = EXCLUDED.providers,
		   labels = EXCLUDED.labels,
		   updated_at = EXCLUDED.updated_at`,
		inst.ID, inst.SandboxID, string(inst.State), inst.URL, inst.PreviewToken,
		inst.Username, inst.Password,
		marshalJSON(inst.Providers), marshalJSON(inst.Labels),
		inst.CreatedAt.UTC(), inst.UpdatedAt.UTC())
	if err != nil {
		return storeErr(err, "failed to upsert instance %s", inst.ID)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*types.Instance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sandbox_id, state, COALESCE(url, ''), COALESCE(preview_token, ''),
		        username, password, COALESCE(providers::text, 'null'), COALESCE(labels::text, 'null'),
		        created_at, updated_at
		 FROM instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, storeErr(err, "failed to list instances")
	}
	defer rows.Close()

	var out []*types.Instance
	for rows.Next() {
		inst, err := scanPGInstance(rows)
		if err != nil {
			return nil, storeErr(err, "failed to scan instance row")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "failed to iterate instances")
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, id); err != nil {
		return storeErr(err, "failed to delete instance %s", id)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPGInstance(row pgx.Row) (*types.Instance, error) {
	var (
		inst             types.Instance
		state            string
		providers        string
		labels           string
		created, updated time.Time
	)
	err := row.Scan(&inst.ID, &inst.SandboxID, &state, &inst.URL, &inst.PreviewToken,
		&inst.Username, &inst.Password, &providers, &labels, &created, &updated)
	if err != nil {
		return nil, err
	}
	inst.State = normalizeState(state)
	inst.Providers = unmarshalProviders(providers)
	inst.Labels = unmarshalLabels(labels)
	inst.CreatedAt = created.UTC()
	inst.UpdatedAt = updated.UTC()
	return &inst, nil
}
