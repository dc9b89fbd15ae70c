package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/serverbox/serverbox/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS instances (
    id TEXT PRIMARY KEY,
    sandbox_id TEXT NOT NULL,
    state TEXT NOT NULL,
    url TEXT,
    preview_token TEXT,
    username TEXT NOT NULL,
    password TEXT NOT NULL,
    providers TEXT,
    labels TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// SQLiteStore is the embedded metadata store backed by a single database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the instance database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, storeErr(err, "failed to create data dir")
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, storeErr(err, "failed to open sqlite at %s", path)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, storeErr(err, "failed to apply sqlite schema")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sandbox_id, state, url, preview_token, username, password, providers, labels, created_at, updated_at
		 FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "failed to load instance %s", id)
	}
	return inst, nil
}

func (s *SQLiteStore) Set(ctx context.Context, inst *types.Instance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, sandbox_id, state, url, preview_token, username, password, providers, labels, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   sandbox_id = excluded.sandbox_id,
		   state = excluded.state,
		   url = excluded.url,
		   preview_token = excluded.preview_token,
		   username = excluded.username,
		   password = excluded.password,
		   providers = excluded.providers,
		   labels = excluded.labels,
		   updated_at = excluded.updated_at`,
		inst.ID, inst.SandboxID, string(inst.State),
		nullable(inst.URL), nullable(inst.PreviewToken),
		inst.Username, inst.Password,
		marshalJSON(inst.Providers), marshalJSON(inst.Labels),
		inst.CreatedAt.UTC().Format(time.RFC3339Nano),
		inst.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storeErr(err, "failed to upsert instance %s", inst.ID)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*types.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sandbox_id, state, url, preview_token, username, password, providers, labels, created_at, updated_at
		 FROM instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, storeErr(err, "failed to list instances")
	}
	defer rows.Close()

	var out []*types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
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

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return storeErr(err, "failed to delete instance %s", id)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*types.Instance, error) {
	var (
		inst          types.Instance
		state         string
		url, token    sql.NullString
		providers     sql.NullString
		labels        sql.NullString
		created, updd string
	)
	err := row.Scan(&inst.ID, &inst.SandboxID, &state, &url, &token,
		&inst.Username, &inst.Password, &providers, &labels, &created, &updd)
	if err != nil {
		return nil, err
	}
	inst.State = normalizeState(state)
	inst.URL = url.String
	inst.PreviewToken = token.String
	inst.Providers = unmarshalProviders(providers.String)
	inst.Labels = unmarshalLabels(labels.String)
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updd)
	return &inst, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
