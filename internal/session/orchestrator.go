package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/langplay/internal/domain"
	"github.com/ashureev/langplay/internal/identity"
)

// GenerationFailedMessage is shown when a generation call fails.
const GenerationFailedMessage = "Something went wrong while talking to the tutor. Please try again."

// DefaultGenerationTimeout bounds a single generation call.
const DefaultGenerationTimeout = 60 * time.Second

var errBlankGeneration = errors.New("generation returned no text")

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	Texts             Texts
	GenerationTimeout time.Duration
	Logger            *slog.Logger
}

// Orchestrator drives one practice session. Every operation is safe to call
// concurrently. Transitions are serialized and generation calls run outside
// the lock; a result that arrives after sign-out or an identity change is
// discarded.
type Orchestrator struct {
	store     *Store
	generator Generator
	ids       identity.Provider
	kv        KV
	writer    *writer
	texts     Texts
	timeout   time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	epoch uint64

	lifecycle   sync.Mutex
	unsubscribe func()
	closed      bool
}

// New creates an orchestrator in the default state. Call Start to restore
// persisted data and begin tracking identity.
func New(gen Generator, ids identity.Provider, kv KV, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.GenerationTimeout
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &Orchestrator{
		store:     NewStore(domain.DefaultState()),
		generator: gen,
		ids:       ids,
		kv:        kv,
		writer:    newWriter(kv, logger),
		texts:     opts.Texts,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start restores persisted data, subscribes to identity changes and
// reconciles with the provider's current identity.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.RestoreFromPersistence(ctx)

	o.lifecycle.Lock()
	if o.unsubscribe == nil && !o.closed {
		o.unsubscribe = o.ids.Subscribe(o.ReconcileIdentity)
	}
	o.lifecycle.Unlock()

	id, err := o.ids.Current(ctx)
	if err != nil {
		o.logger.Warn("Failed to read current identity", "error", err)
		return err
	}
	o.ReconcileIdentity(id)
	return nil
}

// Close unsubscribes from the identity provider and drains pending writes.
func (o *Orchestrator) Close() {
	o.lifecycle.Lock()
	if o.closed {
		o.lifecycle.Unlock()
		return
	}
	o.closed = true
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	o.lifecycle.Unlock()

	o.writer.close()
}

// Snapshot returns the current session state.
func (o *Orchestrator) Snapshot() domain.SessionState {
	return o.store.Snapshot()
}

// Subscribe registers fn for committed state changes.
func (o *Orchestrator) Subscribe(fn Listener) func() {
	return o.store.Subscribe(fn)
}

// Flush waits until all queued persistence writes are applied.
func (o *Orchestrator) Flush(ctx context.Context) error {
	return o.writer.flush(ctx)
}

// RestoreFromPersistence loads the transcript, language and scenario from the
// persistence adapter. A non-empty transcript puts the session on the
// conversation screen.
func (o *Orchestrator) RestoreFromPersistence(ctx context.Context) {
	data := readPersisted(ctx, o.kv, o.logger)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.store.Update(func(st *domain.SessionState) bool {
		st.Language = data.Language
		st.Scenario = data.Scenario
		if len(data.Transcript) > 0 {
			st.Transcript = data.Transcript
			st.Screen = domain.ScreenConversation
		}
		return true
	})
	o.logger.Debug("Restored session", "messages", len(data.Transcript), "language", data.Language)
}

// ReconcileIdentity aligns the session with an authentication change.
// A present identity lands on the conversation screen when a transcript
// exists and on language selection otherwise. No identity returns to the
// landing screen and clears all conversation data.
func (o *Orchestrator) ReconcileIdentity(id *domain.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev := o.store.Snapshot()

	if id == nil {
		o.epoch++
		next, _ := o.store.Update(func(st *domain.SessionState) bool {
			*st = domain.DefaultState()
			return true
		})
		o.writer.writeThrough(prev, next)
		if prev.Identity != nil {
			o.logger.Info("Identity lost, session cleared")
		}
		return
	}

	switched := prev.Identity != nil && !prev.Identity.SameAs(id)
	if switched {
		o.epoch++
		o.logger.Info("Identity switched", "identity_id", id.ID)
	}

	o.store.Update(func(st *domain.SessionState) bool {
		c := *id
		st.Identity = &c
		if switched {
			st.Busy = false
		}
		if len(st.Transcript) > 0 {
			st.Screen = domain.ScreenConversation
		} else {
			st.Screen = domain.ScreenLanguageSelect
		}
		return true
	})
}

// GetStarted moves from the landing screen to sign-in.
func (o *Orchestrator) GetStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.store.Update(func(st *domain.SessionState) bool {
		if st.Screen != domain.ScreenLanding {
			return false
		}
		st.Screen = domain.ScreenSignIn
		return true
	})
}

// UpdatePendingInput records the reply being typed.
func (o *Orchestrator) UpdatePendingInput(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.store.Update(func(st *domain.SessionState) bool {
		if st.Screen != domain.ScreenConversation || !st.CanSubmit() {
			return false
		}
		st.PendingInput = text
		return true
	})
}

// SelectLanguage starts a conversation in language. It returns
// domain.ErrEmptyInput for a blank language and a *domain.GenerationError
// when the opening line could not be generated. It is a no-op unless the
// session is on language selection and idle.
func (o *Orchestrator) SelectLanguage(ctx context.Context, language string) error {
	language = strings.TrimSpace(language)
	if language == "" {
		return domain.ErrEmptyInput
	}

	o.mu.Lock()
	prev := o.store.Snapshot()
	next, ok := o.store.Update(func(st *domain.SessionState) bool {
		if st.Screen != domain.ScreenLanguageSelect || st.Busy {
			return false
		}
		st.Busy = true
		st.Error = ""
		st.Language = language
		st.Scenario = o.texts.Scenario
		return true
	})
	if !ok {
		o.mu.Unlock()
		o.logger.Debug("Ignoring language selection", "screen", prev.Screen, "busy", prev.Busy)
		return nil
	}
	o.writer.writeThrough(prev, next)
	epoch := o.epoch
	o.mu.Unlock()

	text, err := o.generate(ctx, "select_language", openingPrompt(language, next.Scenario))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		o.logger.Info("Discarding stale opening line")
		return nil
	}
	if err != nil {
		o.fail()
		return err
	}

	prev = o.store.Snapshot()
	next, _ = o.store.Update(func(st *domain.SessionState) bool {
		st.Transcript = []domain.Message{{Sender: domain.SenderAgent, Text: text}}
		st.Screen = domain.ScreenConversation
		st.Busy = false
		return true
	})
	o.writer.writeThrough(prev, next)
	return nil
}

// SubmitUserReply appends the learner's reply and asks for feedback on it.
// It is a no-op unless the session is in a conversation that accepts input.
func (o *Orchestrator) SubmitUserReply(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.ErrEmptyInput
	}

	o.mu.Lock()
	prev := o.store.Snapshot()
	next, ok := o.store.Update(func(st *domain.SessionState) bool {
		if st.Screen != domain.ScreenConversation || !st.CanSubmit() {
			return false
		}
		st.Busy = true
		st.Error = ""
		st.PendingInput = text
		st.Transcript = append(st.Transcript, domain.Message{Sender: domain.SenderUser, Text: text})
		return true
	})
	if !ok {
		o.mu.Unlock()
		o.logger.Debug("Ignoring reply", "screen", prev.Screen, "busy", prev.Busy,
			"awaiting_continue", prev.AwaitingContinueDecision)
		return nil
	}
	o.writer.writeThrough(prev, next)
	epoch := o.epoch
	o.mu.Unlock()

	feedback, err := o.generate(ctx, "submit_reply", feedbackPrompt(text, next.Language, o.texts.FeedbackLanguage))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		o.logger.Info("Discarding stale feedback")
		return nil
	}
	if err != nil {
		o.fail()
		return err
	}

	o.store.Update(func(st *domain.SessionState) bool {
		st.Feedback = feedback
		st.PendingInput = ""
		st.AwaitingContinueDecision = true
		st.Busy = false
		return true
	})
	return nil
}

// ContinueConversation asks for the next line after feedback was shown.
func (o *Orchestrator) ContinueConversation(ctx context.Context) error {
	o.mu.Lock()
	prev := o.store.Snapshot()
	next, ok := o.store.Update(func(st *domain.SessionState) bool {
		if st.Screen != domain.ScreenConversation || !st.AwaitingContinueDecision || st.Busy {
			return false
		}
		st.Busy = true
		st.Error = ""
		st.AwaitingContinueDecision = false
		return true
	})
	if !ok {
		o.mu.Unlock()
		o.logger.Debug("Ignoring continue", "screen", prev.Screen, "busy", prev.Busy)
		return nil
	}
	epoch := o.epoch
	o.mu.Unlock()

	text, err := o.generate(ctx, "continue", continuePrompt(next.Language, next.Scenario, next.Transcript))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		o.logger.Info("Discarding stale continuation")
		return nil
	}
	if err != nil {
		o.fail()
		return err
	}

	prev = o.store.Snapshot()
	next, _ = o.store.Update(func(st *domain.SessionState) bool {
		st.Transcript = append(st.Transcript, domain.Message{Sender: domain.SenderAgent, Text: text})
		st.Feedback = ""
		st.Busy = false
		return true
	})
	o.writer.writeThrough(prev, next)
	return nil
}

// EndConversation closes the exchange with the closing message.
func (o *Orchestrator) EndConversation() {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev := o.store.Snapshot()
	next, ok := o.store.Update(func(st *domain.SessionState) bool {
		if st.Screen != domain.ScreenConversation || !st.AwaitingContinueDecision || st.Busy {
			return false
		}
		st.Feedback = ""
		st.AwaitingContinueDecision = false
		st.Transcript = append(st.Transcript, domain.Message{Sender: domain.SenderAgent, Text: o.texts.ClosingMessage})
		return true
	})
	if ok {
		o.writer.writeThrough(prev, next)
	}
}

// SignOut signs out with the provider, resets the session and removes all
// persisted keys. Local state is reset even if the provider call fails.
func (o *Orchestrator) SignOut(ctx context.Context) error {
	if err := o.ids.SignOut(ctx); err != nil {
		o.logger.Warn("Identity provider sign-out failed", "error", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.epoch++
	o.store.Replace(domain.DefaultState())
	for _, key := range PersistedKeys {
		o.writer.remove(key)
	}
	o.logger.Info("Signed out")
	return nil
}

// generate calls the generator detached from the caller's cancellation;
// only the configured timeout bounds it.
func (o *Orchestrator) generate(ctx context.Context, op, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	text, err := o.generator.Generate(ctx, prompt)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errBlankGeneration
	}
	if err != nil {
		o.logger.Error("Generation failed", "op", op, "error", err)
		return "", &domain.GenerationError{Op: op, Err: err}
	}
	return text, nil
}

// fail clears busy and records a generic error. Callers hold o.mu.
func (o *Orchestrator) fail() {
	o.store.Update(func(st *domain.SessionState) bool {
		st.Busy = false
		st.Error = GenerationFailedMessage
		return true
	})
}
