package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/langplay/internal/domain"
)

// Persisted keys. The transcript is stored as a JSON list of messages.
const (
	KeyTranscript = "conversation"
	KeyLanguage   = "language"
	KeyScenario   = "scenario"
)

// PersistedKeys lists every key the orchestrator writes.
var PersistedKeys = []string{KeyTranscript, KeyLanguage, KeyScenario}

const (
	writeQueueSize = 64
	writeTimeout   = 5 * time.Second
)

var errWriterClosed = errors.New("persistence writer closed")

// KV is the persistence adapter of one session scope.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

type writeOp struct {
	key     string
	value   string
	remove  bool
	barrier chan struct{}
}

// writer applies persistence writes in order on its own goroutine, so state
// transitions never wait on storage and a failed write never reverts state.
type writer struct {
	kv     KV
	logger *slog.Logger
	ops    chan writeOp
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newWriter(kv KV, logger *slog.Logger) *writer {
	w := &writer{
		kv:     kv,
		logger: logger,
		ops:    make(chan writeOp, writeQueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) run() {
	defer close(w.done)
	for op := range w.ops {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		w.apply(op)
	}
}

func (w *writer) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	if op.remove {
		err = w.kv.Remove(ctx, op.key)
	} else {
		err = w.kv.Set(ctx, op.key, op.value)
	}
	if err != nil {
		name := "set"
		if op.remove {
			name = "remove"
		}
		w.logger.Warn("Persistence write failed", "error", &domain.PersistenceError{Op: name, Key: op.key, Err: err})
	}
}

func (w *writer) enqueue(op writeOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Debug("Dropping write after close", "key", op.key)
		return false
	}
	w.ops <- op
	return true
}

func (w *writer) set(key, value string) { w.enqueue(writeOp{key: key, value: value}) }

func (w *writer) remove(key string) { w.enqueue(writeOp{key: key, remove: true}) }

// flush waits until every write queued before the call has been applied.
func (w *writer) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !w.enqueue(writeOp{barrier: barrier}) {
		return errWriterClosed
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue and stops the goroutine.
func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	<-w.done
}

// writeThrough queues a write for every persisted field that differs between prev and next.
func (w *writer) writeThrough(prev, next domain.SessionState) {
	if prev.Language != next.Language {
		w.set(KeyLanguage, next.Language)
	}
	if prev.Scenario != next.Scenario {
		w.set(KeyScenario, next.Scenario)
	}
	if !sameTranscript(prev.Transcript, next.Transcript) {
		data, err := encodeTranscript(next.Transcript)
		if err != nil {
			w.logger.Error("Failed to encode transcript", "error", err)
			return
		}
		w.set(KeyTranscript, data)
	}
}

func sameTranscript(a, b []domain.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func encodeTranscript(transcript []domain.Message) (string, error) {
	if transcript == nil {
		transcript = []domain.Message{}
	}
	data, err := json.Marshal(transcript)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// restored is what a previous run left in the persistence scope.
type restored struct {
	Language   string
	Scenario   string
	Transcript []domain.Message
}

// readPersisted loads the three keys. Read and decode failures are logged and
// treated as absent values.
func readPersisted(ctx context.Context, kv KV, logger *slog.Logger) restored {
	var out restored

	get := func(key string) string {
		v, ok, err := kv.Get(ctx, key)
		if err != nil {
			logger.Warn("Persistence read failed", "error", &domain.PersistenceError{Op: "get", Key: key, Err: err})
			return ""
		}
		if !ok {
			return ""
		}
		return v
	}

	out.Language = get(KeyLanguage)
	out.Scenario = get(KeyScenario)

	if raw := get(KeyTranscript); raw != "" {
		var transcript []domain.Message
		if err := json.Unmarshal([]byte(raw), &transcript); err != nil {
			logger.Warn("Discarding unreadable stored transcript", "error", err)
		} else {
			out.Transcript = validMessages(transcript)
		}
	}
	return out
}

func validMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(in))
	for _, m := range in {
		if m.Sender != domain.SenderUser && m.Sender != domain.SenderAgent {
			continue
		}
		out = append(out, m)
	}
	return out
}
