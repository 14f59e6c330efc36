// Package session persists in-flight authentication sessions between the
// unrelated HTTP requests of a federated login. A session is keyed by an
// opaque, unguessable identifier and always carries an expiry. Stores report
// unknown, expired and already consumed sessions identically as absent so
// that probing cannot distinguish them.
package session

import (
	"context"
	"time"

	"github.com/gematik/ehealthid-rp/pkg/auth"
)

// Session is one in-flight authentication delegation.
type Session struct {
	ID string
	// State and Nonce are the original client's values, echoed back verbatim
	// on the final redirect and bound into the identity token verification.
	State string
	Nonce string
	// RedirectURI is the client's callback, validated against the allow-list
	// once at session creation and never re-derived afterwards.
	RedirectURI string
	ClientID    string
	// CodeVerifier is the PKCE secret generated at session start. It never
	// leaves the server process.
	CodeVerifier string
	// Step is the current flow step, exactly one of
	// *auth.SelectSectoralIdpStep or *auth.TrustedSectoralIdpStep. It only
	// ever advances forward.
	Step auth.Step
	// ExpiresAt is assigned by the store on first save.
	ExpiresAt time.Time
}

// Store is the single point of truth for session existence. Load and Remove
// return (nil, nil) for unknown, expired and consumed ids alike; the error
// return is reserved for infrastructure failures.
//
// Remove is an atomic delete-and-return: of any number of concurrent Remove
// calls for the same id, exactly one observes the session. This is the
// single-use enforcement point for the callback exchange.
type Store interface {
	Save(ctx context.Context, session *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Remove(ctx context.Context, id string) (*Session, error)
}
