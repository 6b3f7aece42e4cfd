package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresDirectory resolves document ownership and workspace
// membership from the control-plane tables. It implements the
// auth.Directory interface.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// DocumentWorkspace returns the workspace owning a document, or
// exists=false when the directory has no entry for it.
func (d *PostgresDirectory) DocumentWorkspace(ctx context.Context, documentID string) (string, bool, error) {
	var workspaceID string
	err := d.db.QueryRowContext(ctx, `SELECT workspace_id FROM documents WHERE id=$1`, documentID).Scan(&workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup document workspace: %w", err)
	}
	return workspaceID, true, nil
}

// IsMember reports whether the user belongs to the workspace.
func (d *PostgresDirectory) IsMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	var member bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM workspace_memberships
			WHERE workspace_id=$1 AND user_id=$2
		)
	`, workspaceID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return member, nil
}

// CreateWorkspace inserts a workspace row if it does not exist.
func (d *PostgresDirectory) CreateWorkspace(ctx context.Context, id, name string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, name)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// CreateDocument registers a document under a workspace.
func (d *PostgresDirectory) CreateDocument(ctx context.Context, id, workspaceID string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO documents (id, workspace_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, workspaceID)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// AddMember grants a user membership in a workspace.
func (d *PostgresDirectory) AddMember(ctx context.Context, workspaceID, userID, role string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (workspace_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, workspaceID, userID, role)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}
