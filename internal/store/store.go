// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"
)

// Repository persists raw session values, partitioned by scope.
// A scope is one persistence namespace: a device in the server, a profile in the CLI.
type Repository interface {
	// Get returns the value for key within scope. The bool is false when the key is absent.
	Get(ctx context.Context, scope, key string) (string, bool, error)

	// Set creates or replaces the value for key within scope.
	Set(ctx context.Context, scope, key, value string) error

	// Remove deletes key within scope. Removing an absent key is not an error.
	Remove(ctx context.Context, scope, key string) error

	// DeleteScope removes every key stored under scope.
	DeleteScope(ctx context.Context, scope string) (int64, error)

	// CleanupStale removes values not written within ttl.
	CleanupStale(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// Scoped binds a Repository to one scope, giving the three-method key/value
// view the session orchestrator and identity provider consume.
type Scoped struct {
	repo  Repository
	scope string
}

// NewScoped returns a key/value view of repo restricted to scope.
func NewScoped(repo Repository, scope string) *Scoped {
	return &Scoped{repo: repo, scope: scope}
}

// Scope returns the bound scope name.
func (s *Scoped) Scope() string { return s.scope }

// Get returns the value for key.
func (s *Scoped) Get(ctx context.Context, key string) (string, bool, error) {
	return s.repo.Get(ctx, s.scope, key)
}

// Set stores value under key.
func (s *Scoped) Set(ctx context.Context, key, value string) error {
	return s.repo.Set(ctx, s.scope, key, value)
}

// Remove deletes key.
func (s *Scoped) Remove(ctx context.Context, key string) error {
	return s.repo.Remove(ctx, s.scope, key)
}
