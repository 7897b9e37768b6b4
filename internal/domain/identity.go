package domain

import "time"

// Identity is an authenticated user as reported by the identity provider.
type Identity struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	SignedInAt time.Time `json:"signed_in_at"`
}

// SameAs reports whether two optional identities refer to the same user.
func (i *Identity) SameAs(other *Identity) bool {
	if i == nil || other == nil {
		return i == nil && other == nil
	}
	return i.ID == other.ID
}
