package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/langplay/internal/identity"
	"github.com/ashureev/langplay/internal/store"
)

const evictionInterval = 5 * time.Minute

// Entry is one live session and its identity provider.
type Entry struct {
	Session  *Orchestrator
	Identity *identity.LocalProvider

	mu       sync.Mutex
	lastSeen time.Time
}

func (e *Entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastSeen = now
	e.mu.Unlock()
}

func (e *Entry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// EvictCallback is called after the eviction worker closes a session.
type EvictCallback func(scope string)

// Registry keeps one orchestrator per persistence scope. Sessions are created
// on first use and closed after sitting idle.
type Registry struct {
	repo      store.Repository
	generator Generator
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry creates a registry whose sessions persist through repo.
func NewRegistry(repo store.Repository, gen Generator, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:      repo,
		generator: gen,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[string]*Entry),
	}
}

// Get returns the session for scope, starting it if needed. Sessions are
// built and restored outside the registry lock; if two callers race for the
// same scope the loser's session is closed and the winner's returned.
func (r *Registry) Get(ctx context.Context, scope string) (*Entry, error) {
	if e := r.lookup(scope); e != nil {
		return e, nil
	}

	kv := store.NewScoped(r.repo, scope)
	logger := r.logger.With("scope", scope)
	ids := identity.NewLocalProvider(kv, logger)

	opts := r.opts
	opts.Logger = logger
	orch := New(r.generator, ids, kv, opts)
	if err := orch.Start(ctx); err != nil {
		orch.Close()
		return nil, fmt.Errorf("start session %s: %w", scope, err)
	}

	r.mu.Lock()
	if e, ok := r.entries[scope]; ok {
		r.mu.Unlock()
		orch.Close()
		e.touch(r.now())
		return e, nil
	}
	e := &Entry{Session: orch, Identity: ids, lastSeen: r.now()}
	r.entries[scope] = e
	r.mu.Unlock()

	logger.Info("Session started")
	return e, nil
}

func (r *Registry) lookup(scope string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[scope]
	if !ok {
		return nil
	}
	e.touch(r.now())
	return e
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle closes sessions idle for longer than ttl. Busy sessions are kept.
func (r *Registry) EvictIdle(ttl time.Duration) []string {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	var evicted []*Entry
	var scopes []string
	for scope, e := range r.entries {
		if e.idleSince().After(cutoff) || e.Session.Snapshot().Busy {
			continue
		}
		delete(r.entries, scope)
		evicted = append(evicted, e)
		scopes = append(scopes, scope)
	}
	r.mu.Unlock()

	for i, e := range evicted {
		e.Session.Close()
		r.logger.Info("Evicted idle session", "scope", scopes[i])
	}
	return scopes
}

// Close closes every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.Session.Close()
	}
}

// StartEvictionWorker periodically closes idle sessions and purges stored
// values older than retention. It stops when ctx is done.
func (r *Registry) StartEvictionWorker(ctx context.Context, ttl, retention time.Duration, onEvict EvictCallback) {
	ticker := time.NewTicker(evictionInterval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Eviction worker started", "interval", evictionInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				r.sweep(ctx, ttl, retention, onEvict)
			case <-ctx.Done():
				r.logger.Info("Eviction worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (r *Registry) sweep(ctx context.Context, ttl, retention time.Duration, onEvict EvictCallback) {
	scopes := r.EvictIdle(ttl)
	if len(scopes) > 0 {
		r.logger.Info("Eviction worker cleanup completed", "evicted", len(scopes))
	}
	if onEvict != nil {
		for _, scope := range scopes {
			onEvict(scope)
		}
	}

	if retention <= 0 {
		return
	}
	if deleted, err := r.repo.CleanupStale(ctx, retention); err != nil {
		r.logger.Error("Eviction worker failed to purge stale values", "error", err)
	} else if deleted > 0 {
		r.logger.Info("Eviction worker purged stale values", "count", deleted)
	}
}
