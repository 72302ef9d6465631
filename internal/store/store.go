package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_credentials (
	device_id     TEXT PRIMARY KEY,
	shared_secret TEXT NOT NULL,
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store reads gateway device credentials from Postgres. It is only used at
// startup; the ingest path never touches the database.
type Store struct {
	db *sql.DB
}

// Open connects through the pgx database/sql driver and pings the server.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the credentials table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create device_credentials: %w", err)
	}
	return nil
}

// LoadDeviceCredentials returns device_id -> shared_secret for every active row.
func (s *Store) LoadDeviceCredentials(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, shared_secret FROM device_credentials WHERE active ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("query device credentials: %w", err)
	}
	defer rows.Close()

	creds := make(map[string]string)
	for rows.Next() {
		var deviceID, secret string
		if err := rows.Scan(&deviceID, &secret); err != nil {
			return nil, fmt.Errorf("scan device credential: %w", err)
		}
		if deviceID == "" || secret == "" {
			slog.Warn("skipping incomplete device credential row", "device_id", deviceID)
			continue
		}
		creds[deviceID] = secret
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device credentials: %w", err)
	}

	slog.Debug("loaded device credentials", "count", len(creds))
	return creds, nil
}

const upsertCredential = `
	INSERT INTO device_credentials (device_id, shared_secret, active)
	VALUES ($1, $2, TRUE)
	ON CONFLICT (device_id) DO UPDATE SET shared_secret = EXCLUDED.shared_secret, active = TRUE
`

// ProvisionDeviceCredentials inserts or rotates every device secret in creds
// in one transaction.
func (s *Store) ProvisionDeviceCredentials(ctx context.Context, creds map[string]string) error {
	if len(creds) == 0 {
		return nil
	}

	ids := make([]string, 0, len(creds))
	for id := range creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin provisioning: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, upsertCredential, id, creds[id]); err != nil {
			return fmt.Errorf("upsert device credential %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit provisioning: %w", err)
	}

	slog.Info("provisioned device credentials", "count", len(ids))
	return nil
}
