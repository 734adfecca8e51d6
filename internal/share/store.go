// Package share provides the Postgres-backed share service that
// materializes guest recipients into guest identities and tracks issued
// shares. The composite layer consumes it through the ShareService
// interface of the permission package.
package share

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/fedid"
)

// Share is one issued guest share.
type Share struct {
	EntityID      string    `json:"entity_id"`
	DocumentToken string    `json:"document_token"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name,omitempty"`
	Level         string    `json:"level"`
	CreatedAt     time.Time `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// Store manages guest shares in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a share store over the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open share database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping share database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Materialize issues a guest identity for the recipient on the given
// document and returns its resolved entity id.
func (s *Store) Materialize(ctx context.Context, doc fedid.FileID, guest backend.GuestRecipient, level string) (string, error) {
	entityID := "guest:" + uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guest_shares (entity_id, document_token, email, display_name, level)
		 VALUES ($1, $2, $3, $4, $5)`,
		entityID, doc.String(), guest.Email, guest.DisplayName, level)
	if err != nil {
		return "", fmt.Errorf("insert guest share: %w", err)
	}
	return entityID, nil
}

// Revoke withdraws the share issued to an entity on a document. Revoking
// a share that was already revoked or never existed is not an error.
func (s *Store) Revoke(ctx context.Context, doc fedid.FileID, entityID string, _ bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE guest_shares SET revoked_at = NOW()
		 WHERE entity_id = $1 AND document_token = $2 AND revoked_at IS NULL`,
		entityID, doc.String())
	if err != nil {
		return fmt.Errorf("revoke guest share: %w", err)
	}
	return nil
}

// ListByDocument returns the active shares of one document.
func (s *Store) ListByDocument(ctx context.Context, doc fedid.FileID) ([]Share, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, document_token, email, display_name, level, created_at, revoked_at
		 FROM guest_shares
		 WHERE document_token = $1 AND revoked_at IS NULL
		 ORDER BY created_at`, doc.String())
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var shares []Share
	for rows.Next() {
		var sh Share
		var display sql.NullString
		if err := rows.Scan(&sh.EntityID, &sh.DocumentToken, &sh.Email, &display, &sh.Level, &sh.CreatedAt, &sh.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		if display.Valid {
			sh.DisplayName = display.String
		}
		shares = append(shares, sh)
	}
	return shares, rows.Err()
}

// RevokeAllForDocument withdraws every active share of a document; used
// when the document itself is deleted.
func (s *Store) RevokeAllForDocument(ctx context.Context, doc fedid.FileID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE guest_shares SET revoked_at = NOW()
		 WHERE document_token = $1 AND revoked_at IS NULL`, doc.String())
	if err != nil {
		return fmt.Errorf("revoke document shares: %w", err)
	}
	return nil
}

// Schema returns the DDL for the share store, applied by the operator
// or migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS guest_shares (
	entity_id      TEXT PRIMARY KEY,
	document_token TEXT NOT NULL,
	email          TEXT NOT NULL,
	display_name   TEXT,
	level          TEXT NOT NULL DEFAULT 'read',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	revoked_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS guest_shares_document_idx ON guest_shares (document_token) WHERE revoked_at IS NULL;
`
