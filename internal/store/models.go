package store

import "time"

type Workspace struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type Membership struct {
	WorkspaceID string
	UserID      string
	Role        string
}

// Document is a directory entry mapping a document identifier to its
// owning workspace. Content lives elsewhere; the sync core only needs
// ownership for the authorization gate.
type Document struct {
	ID          string
	WorkspaceID string
	CreatedAt   time.Time
}
