package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/langplay/internal/domain"
	"github.com/google/uuid"
)

// identityKey is where the local provider keeps the signed-in identity.
const identityKey = "auth.identity"

// Listener receives the current identity after every change. nil means signed out.
type Listener func(id *domain.Identity)

// Provider is the authentication collaborator of a session.
type Provider interface {
	// Current reports the authenticated identity, or nil.
	Current(ctx context.Context) (*domain.Identity, error)

	// Subscribe registers fn for identity changes. The returned function
	// unsubscribes and must be called on teardown.
	Subscribe(fn Listener) (unsubscribe func())

	// SignOut ends the authenticated identity.
	SignOut(ctx context.Context) error
}

// KV is the storage the local provider keeps its auth session in.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// LocalProvider is a Provider that signs users in by email and keeps the
// identity in the session's persistence scope, so it survives reloads.
type LocalProvider struct {
	kv     KV
	logger *slog.Logger

	mu        sync.Mutex
	loaded    bool
	current   *domain.Identity
	listeners map[int]Listener
	nextID    int
}

var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider creates a provider backed by kv.
func NewLocalProvider(kv KV, logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{
		kv:        kv,
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

// Current returns the signed-in identity, loading it from storage on first use.
func (p *LocalProvider) Current(ctx context.Context) (*domain.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		raw, ok, err := p.kv.Get(ctx, identityKey)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		if ok && raw != "" {
			var id domain.Identity
			if err := json.Unmarshal([]byte(raw), &id); err != nil {
				p.logger.Warn("discarding unreadable stored identity", "error", err)
			} else {
				p.current = &id
			}
		}
		p.loaded = true
	}
	return cloneIdentity(p.current), nil
}

// SignIn authenticates email and notifies subscribers.
func (p *LocalProvider) SignIn(ctx context.Context, email string) (*domain.Identity, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid email: %v", domain.ErrValidation, err)
	}

	id := &domain.Identity{
		ID:         uuid.NewString(),
		Email:      strings.ToLower(addr.Address),
		SignedInAt: time.Now().UTC(),
	}
	data, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}

	p.mu.Lock()
	if err := p.kv.Set(ctx, identityKey, string(data)); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("store identity: %w", err)
	}
	p.current = id
	p.loaded = true
	listeners := p.snapshotListeners()
	p.mu.Unlock()

	p.logger.Info("Signed in", "identity_id", id.ID)
	notify(listeners, id)
	return cloneIdentity(id), nil
}

// SignOut clears the identity locally. A storage failure is returned but the
// in-memory identity is cleared and subscribers are notified regardless.
func (p *LocalProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	wasSignedIn := p.current != nil
	p.current = nil
	p.loaded = true
	removeErr := p.kv.Remove(ctx, identityKey)
	listeners := p.snapshotListeners()
	p.mu.Unlock()

	if wasSignedIn {
		notify(listeners, nil)
	}
	if removeErr != nil {
		return fmt.Errorf("remove identity: %w", removeErr)
	}
	return nil
}

// Subscribe registers fn for identity changes.
func (p *LocalProvider) Subscribe(fn Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// SubscriberCount reports how many listeners are registered.
func (p *LocalProvider) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

func (p *LocalProvider) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(p.listeners))
	for _, fn := range p.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []Listener, id *domain.Identity) {
	for _, fn := range listeners {
		fn(cloneIdentity(id))
	}
}

func cloneIdentity(id *domain.Identity) *domain.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
