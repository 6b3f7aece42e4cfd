package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists snapshots in the document_snapshots table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM document_snapshots WHERE document_id=$1`, documentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	return state, nil
}

func (s *PostgresStore) Save(ctx context.Context, documentID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (document_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id) DO UPDATE SET state=EXCLUDED.state, updated_at=NOW()
	`, documentID, state)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", documentID, err)
	}
	return nil
}
