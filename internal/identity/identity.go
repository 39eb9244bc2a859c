// Package identity describes the authenticated user the realtime client
// registers as. Authentication itself happens elsewhere; this package only
// carries its outcome.
package identity

import (
	"strings"

	"github.com/whisper/rtclient/internal/protocol"
)

// Status is the tri-state outcome reported by the authentication provider.
type Status int

const (
	Loading Status = iota
	Authenticated
	Unauthenticated
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Identity is a user as supplied by the authentication provider. Empty
// optional fields are sent as null.
type Identity struct {
	ID    string
	Name  string
	Email string
	Image string
}

// User converts the identity into its wire shape.
func (i Identity) User() protocol.User {
	return protocol.User{
		ID:    i.ID,
		Name:  optional(i.Name),
		Email: optional(i.Email),
		Image: optional(i.Image),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Provider reports the current identity. The identity is nil unless the
// status is Authenticated.
type Provider interface {
	Identity() (*Identity, Status)
}

// Static is a Provider with a fixed answer. A zero ID means unauthenticated.
type Static Identity

// Identity implements Provider.
func (s Static) Identity() (*Identity, Status) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, Unauthenticated
	}
	id := Identity(s)
	return &id, Authenticated
}
