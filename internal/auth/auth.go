// Package auth gates connection admission. Credentials are validated
// against an external identity oracle and the resulting principal is
// checked for membership in the workspace owning the document. Nothing
// here touches session state; a refused connection leaves no trace.
package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredential covers missing, expired or unparseable credentials.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrNotAuthorized covers both "document does not exist" and "wrong
	// workspace" so a refused caller cannot probe for document existence.
	ErrNotAuthorized = errors.New("not authorized for document")
)

// Principal is an authenticated identity as reported by the oracle.
type Principal struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	WorkspaceID string `json:"workspace_id"`
}

// IdentityOracle resolves an opaque session credential to a principal.
// Owned by the external identity service; this core only consumes it.
type IdentityOracle interface {
	AuthenticateCredential(ctx context.Context, credential string) (Principal, error)
}

// Directory answers which workspace owns a document and whether a user
// is a member of a workspace. Backed by the control-plane database.
type Directory interface {
	DocumentWorkspace(ctx context.Context, documentID string) (workspaceID string, exists bool, err error)
	IsMember(ctx context.Context, userID, workspaceID string) (bool, error)
}

// Authenticator validates a connection attempt at open time. Operations
// on an admitted connection are not re-authorized per message.
type Authenticator struct {
	oracle IdentityOracle
	dir    Directory
}

func NewAuthenticator(oracle IdentityOracle, dir Directory) *Authenticator {
	return &Authenticator{oracle: oracle, dir: dir}
}

// Authenticate resolves the credential and checks document access.
// Both failures are terminal for the connection attempt. Oracle errors
// that are not ErrInvalidCredential are infrastructure failures and
// pass through as such; a client must never be told a good credential
// is bad because a backend was down.
func (a *Authenticator) Authenticate(ctx context.Context, credential, documentID string) (Principal, error) {
	principal, err := a.oracle.AuthenticateCredential(ctx, credential)
	if errors.Is(err, ErrInvalidCredential) {
		return Principal{}, err
	}
	if err != nil {
		return Principal{}, fmt.Errorf("authenticate credential: %w", err)
	}

	workspaceID, exists, err := a.dir.DocumentWorkspace(ctx, documentID)
	if err != nil {
		return Principal{}, fmt.Errorf("resolve document workspace: %w", err)
	}
	if !exists {
		return Principal{}, ErrNotAuthorized
	}

	member, err := a.dir.IsMember(ctx, principal.UserID, workspaceID)
	if err != nil {
		return Principal{}, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return Principal{}, ErrNotAuthorized
	}

	return principal, nil
}
