package provider

import (
	"context"
	"errors"
	"time"
)

// Bridge is the adapter boundary to the external real-time media provider.
//
// Rules:
// - No provider SDK or HTTP calls outside provider adapters.
// - Every method is safe to call again; the lifecycle core retries by calling again.
// - The bridge owns no state the core depends on. Call status lives in the call store.
type Bridge interface {
	Name() string

	// ProvisionSession creates the provider session keyed by the call id, or does nothing if it exists.
	ProvisionSession(ctx context.Context, spec SessionSpec) error
	// RegisterUser upserts the user's display profile at the provider.
	RegisterUser(ctx context.Context, u User) error
	// IssueToken signs a join credential for one user and one call, valid from
	// issuedAt until expiry. It has no side effects.
	IssueToken(ctx context.Context, userID, callID string, issuedAt, expiry time.Time) (string, error)
	// EndSession terminates the provider session. Ending an unknown session is not an error.
	EndSession(ctx context.Context, callID string) error
}

// SessionSpec describes a provider session to provision.
type SessionSpec struct {
	CallID string `json:"call_id"`
	HostID string `json:"host_id"`
	// Name is the optional call label, sent as session metadata.
	Name *string `json:"name,omitempty"`
}

// User is the provider-side display profile.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// ErrUnavailable wraps every transport or upstream failure so callers can treat it as retryable.
var ErrUnavailable = errors.New("provider unavailable")
