package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/langplay/internal/domain"
	"github.com/ashureev/langplay/internal/identity"
)

var testTexts = Texts{
	Scenario:         "You are in a train station looking for your platform.",
	FeedbackLanguage: "English",
	ClosingMessage:   "Goodbye! Thanks for practicing with me!",
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedGenerator answers prompts from a queue of replies. A reply with a
// non-nil gate blocks until the gate is closed.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies []scriptedReply
	prompts []string
	started chan string
}

type scriptedReply struct {
	text string
	err  error
	gate chan struct{}
}

func newScriptedGenerator(replies ...scriptedReply) *scriptedGenerator {
	return &scriptedGenerator{replies: replies, started: make(chan string, 16)}
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	var r scriptedReply
	if len(g.replies) > 0 {
		r = g.replies[0]
		g.replies = g.replies[1:]
	} else {
		r = scriptedReply{text: "default reply"}
	}
	g.mu.Unlock()

	g.started <- prompt
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.text, r.err
}

func (g *scriptedGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// recordingKV is an in-memory KV that records every call.
type recordingKV struct {
	mu      sync.Mutex
	values  map[string]string
	removes []string
	sets    []string
	failSet error
}

func newRecordingKV() *recordingKV {
	return &recordingKV{values: make(map[string]string)}
}

func (k *recordingKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.values[key]
	return v, ok, nil
}

func (k *recordingKV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sets = append(k.sets, key)
	if k.failSet != nil {
		return k.failSet
	}
	k.values[key] = value
	return nil
}

func (k *recordingKV) Remove(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.removes = append(k.removes, key)
	delete(k.values, key)
	return nil
}

func (k *recordingKV) value(key string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.values[key]
	return v, ok
}

func (k *recordingKV) removed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.removes...)
}

// fakeProvider is an identity provider driven by the test.
type fakeProvider struct {
	mu         sync.Mutex
	current    *domain.Identity
	listeners  map[int]identity.Listener
	nextID     int
	signOutErr error
	signOuts   int
	notify     bool
}

func newFakeProvider(current *domain.Identity) *fakeProvider {
	return &fakeProvider{current: current, listeners: make(map[int]identity.Listener), notify: true}
}

func (p *fakeProvider) Current(context.Context) (*domain.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, nil
	}
	c := *p.current
	return &c, nil
}

func (p *fakeProvider) Subscribe(fn identity.Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.signOuts++
	err := p.signOutErr
	notify := p.notify
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if notify {
		p.set(nil)
	}
	return nil
}

// set changes the identity and notifies listeners like a real provider would.
func (p *fakeProvider) set(id *domain.Identity) {
	p.mu.Lock()
	p.current = id
	listeners := make([]identity.Listener, 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(id)
	}
}

func (p *fakeProvider) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

var errServiceDown = errors.New("service down")

func alice() *domain.Identity {
	return &domain.Identity{ID: "u-alice", Email: "alice@example.com"}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
