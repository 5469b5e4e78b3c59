// Package auth carries the authenticated user and role checks.
package auth

import (
	"context"
	"strings"
)

type contextKey string

const userContextKey contextKey = "user"

// GuestID is the identifier of an unauthenticated session.
const GuestID = "Guest"

// Well known roles.
const (
	RoleSystemManager          = "System Manager"
	RoleHealthcarePractitioner = "Healthcare Practitioner"
	RoleOverrideBillingRate    = "Can Override Billing Rate"
	RoleReceptionist           = "Receptionist"
)

// User represents the caller resolved from the bearer token
type User struct {
	ID       string   `json:"sub"`
	FullName string   `json:"full_name,omitempty"`
	Roles    []string `json:"roles"`
}

// Guest returns the anonymous user.
func Guest() *User {
	return &User{ID: GuestID, Roles: []string{GuestID}}
}

// IsGuest reports whether u is anonymous.
func (u *User) IsGuest() bool {
	return u == nil || u.ID == "" || u.ID == GuestID
}

// HasAnyRole reports whether the user holds at least one of roles.
func (u *User) HasAnyRole(roles ...string) bool {
	if u == nil {
		return false
	}
	return Intersects(u.Roles, roles)
}

// Intersects reports whether a and b share a non-empty value.
func Intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, r := range a {
		if r = strings.TrimSpace(r); r != "" {
			set[r] = struct{}{}
		}
	}
	for _, r := range b {
		if _, ok := set[strings.TrimSpace(r)]; ok {
			return true
		}
	}
	return false
}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// FromContext extracts the user, returning Guest when none is set.
func FromContext(ctx context.Context) *User {
	if u, ok := ctx.Value(userContextKey).(*User); ok && u != nil {
		return u
	}
	return Guest()
}
