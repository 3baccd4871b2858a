package mcp

import (
	"context"
	"time"
)

// Handshaker performs the two-step capability negotiation served on the handshake transport.
type Handshaker interface {
	// Initialize answers the client's initialize request. The returned error should be a
	// *ProtocolError when the request is rejected; other errors are reported to the client as
	// internal errors.
	Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error)

	// Initialized acknowledges that the client finished its local setup after receiving the
	// initialize response. It marks the end of the handshake.
	Initialized(ctx context.Context, params InitializedParams) error
}

// SessionStore keeps handshake sessions between the initialize and initialized calls. The
// implementation must be safe for concurrent use, and must report sessions past their ExpiresAt
// as ErrSessionExpired or ErrSessionNotFound.
type SessionStore interface {
	// Create stores a new session. The session ID must not already exist.
	Create(ctx context.Context, sess Session) error

	// Load returns the session for the given ID.
	Load(ctx context.Context, id string) (Session, error)

	// Update replaces a stored session, typically to advance its state.
	Update(ctx context.Context, sess Session) error

	// Close releases the store's resources.
	Close() error
}

// Session is the explicit handshake context issued at initialize time and referenced by ID in the
// following initialized call.
type Session struct {
	ID              string
	State           SessionState
	ProtocolVersion string
	ClientInfo      Info
	Capabilities    CapabilitySet
	CreatedAt       time.Time
	ExpiresAt       time.Time
}
