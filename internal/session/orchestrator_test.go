package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/langplay/internal/domain"
	"github.com/ashureev/langplay/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSession(t *testing.T, gen Generator, kv KV, prov *fakeProvider) *Orchestrator {
	t.Helper()
	o := New(gen, prov, kv, Options{Texts: testTexts, GenerationTimeout: 5 * time.Second, Logger: discardLogger()})
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Close)
	return o
}

func flush(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Flush(ctx))
}

func storedTranscript(t *testing.T, kv *recordingKV) []domain.Message {
	t.Helper()
	raw, ok := kv.value(KeyTranscript)
	require.True(t, ok, "transcript was not persisted")
	var out []domain.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

// awaitingDecision drives a fresh session to the point where feedback is shown.
func awaitingDecision(t *testing.T, gen *scriptedGenerator, kv *recordingKV) *Orchestrator {
	t.Helper()
	o := startSession(t, gen, kv, newFakeProvider(alice()))
	ctx := context.Background()
	require.NoError(t, o.SelectLanguage(ctx, "French"))
	require.NoError(t, o.SubmitUserReply(ctx, "Bonjour"))
	require.True(t, o.Snapshot().AwaitingContinueDecision)
	return o
}

func TestStartWithoutIdentity(t *testing.T) {
	o := startSession(t, newScriptedGenerator(), newRecordingKV(), newFakeProvider(nil))
	assert.Equal(t, domain.DefaultState(), o.Snapshot())
}

func TestStartWithIdentityAndNoTranscript(t *testing.T) {
	o := startSession(t, newScriptedGenerator(), newRecordingKV(), newFakeProvider(alice()))
	st := o.Snapshot()
	assert.Equal(t, domain.ScreenLanguageSelect, st.Screen)
	require.NotNil(t, st.Identity)
	assert.Equal(t, "u-alice", st.Identity.ID)
}

func TestStartRestoresConversation(t *testing.T) {
	kv := newRecordingKV()
	kv.values[KeyLanguage] = "Spanish"
	kv.values[KeyScenario] = testTexts.Scenario
	kv.values[KeyTranscript] = `[{"sender":"AI","message":"Hola"},{"sender":"User","message":"Buenas"}]`

	o := startSession(t, newScriptedGenerator(), kv, newFakeProvider(alice()))
	st := o.Snapshot()
	assert.Equal(t, domain.ScreenConversation, st.Screen)
	assert.Equal(t, "Spanish", st.Language)
	assert.Equal(t, []domain.Message{
		{Sender: domain.SenderAgent, Text: "Hola"},
		{Sender: domain.SenderUser, Text: "Buenas"},
	}, st.Transcript)
}

func TestRestoreForcesConversationWithoutIdentity(t *testing.T) {
	kv := newRecordingKV()
	kv.values[KeyTranscript] = `[{"sender":"AI","message":"Bonjour"}]`

	o := New(newScriptedGenerator(), newFakeProvider(nil), kv, Options{Texts: testTexts, Logger: discardLogger()})
	t.Cleanup(o.Close)
	o.RestoreFromPersistence(context.Background())

	st := o.Snapshot()
	assert.Equal(t, domain.ScreenConversation, st.Screen)
	assert.Nil(t, st.Identity)

	o.ReconcileIdentity(nil)
	assert.Equal(t, domain.DefaultState(), o.Snapshot())
}

func TestRestoreIgnoresCorruptTranscript(t *testing.T) {
	kv := newRecordingKV()
	kv.values[KeyTranscript] = `not json`
	kv.values[KeyLanguage] = "German"

	o := startSession(t, newScriptedGenerator(), kv, newFakeProvider(alice()))
	st := o.Snapshot()
	assert.Equal(t, domain.ScreenLanguageSelect, st.Screen)
	assert.Empty(t, st.Transcript)
	assert.Equal(t, "German", st.Language)
}

func TestReconcileIdentityLossClearsSession(t *testing.T) {
	gen := newScriptedGenerator()
	kv := newRecordingKV()
	prov := newFakeProvider(alice())
	o := startSession(t, gen, kv, prov)
	require.NoError(t, o.SelectLanguage(context.Background(), "French"))
	o.UpdatePendingInput("Bon")

	prov.set(nil)

	assert.Equal(t, domain.DefaultState(), o.Snapshot())
	flush(t, o)
	assert.Empty(t, storedTranscript(t, kv))
	lang, _ := kv.value(KeyLanguage)
	assert.Empty(t, lang)
}

func TestGetStarted(t *testing.T) {
	o := startSession(t, newScriptedGenerator(), newRecordingKV(), newFakeProvider(nil))
	o.GetStarted()
	assert.Equal(t, domain.ScreenSignIn, o.Snapshot().Screen)

	o.ReconcileIdentity(alice())
	assert.Equal(t, domain.ScreenLanguageSelect, o.Snapshot().Screen)

	o.GetStarted()
	assert.Equal(t, domain.ScreenLanguageSelect, o.Snapshot().Screen, "only valid from landing")
}

func TestSelectLanguage(t *testing.T) {
	gen := newScriptedGenerator(scriptedReply{text: "Bonjour ! Vous cherchez votre quai ?"})
	kv := newRecordingKV()
	o := startSession(t, gen, kv, newFakeProvider(alice()))

	require.NoError(t, o.SelectLanguage(context.Background(), "French"))

	st := o.Snapshot()
	assert.Equal(t, domain.ScreenConversation, st.Screen)
	assert.False(t, st.Busy)
	assert.Equal(t, "French", st.Language)
	assert.Equal(t, testTexts.Scenario, st.Scenario)
	require.Len(t, st.Transcript, 1)
	assert.Equal(t, domain.SenderAgent, st.Transcript[0].Sender)

	prompts := gen.Prompts()
	require.Len(t, prompts, 1)
	assert.True(t, containsAll(prompts[0], "French", testTexts.Scenario), prompts[0])

	flush(t, o)
	assert.Equal(t, st.Transcript, storedTranscript(t, kv))
	lang, _ := kv.value(KeyLanguage)
	assert.Equal(t, "French", lang)
	scenario, _ := kv.value(KeyScenario)
	assert.Equal(t, testTexts.Scenario, scenario)
}

func TestEmptyInputLeavesStateUnchanged(t *testing.T) {
	gen := newScriptedGenerator()
	o := startSession(t, gen, newRecordingKV(), newFakeProvider(alice()))

	before := o.Snapshot()
	err := o.SelectLanguage(context.Background(), "   ")
	require.ErrorIs(t, err, domain.ErrEmptyInput)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, before, o.Snapshot())

	require.NoError(t, o.SelectLanguage(context.Background(), "French"))
	before = o.Snapshot()
	require.ErrorIs(t, o.SubmitUserReply(context.Background(), "\t \n"), domain.ErrEmptyInput)
	assert.Equal(t, before, o.Snapshot())
	assert.Len(t, gen.Prompts(), 1)
}

func TestSelectLanguageRequiresLanguageScreen(t *testing.T) {
	gen := newScriptedGenerator()
	o := startSession(t, gen, newRecordingKV(), newFakeProvider(nil))

	before := o.Snapshot()
	require.NoError(t, o.SelectLanguage(context.Background(), "French"))
	assert.Equal(t, before, o.Snapshot())
	assert.Empty(t, gen.Prompts())
}

func TestBusyOnlyDuringGeneration(t *testing.T) {
	gate := make(chan struct{})
	gen := newScriptedGenerator(scriptedReply{text: "Hola", gate: gate})
	o := startSession(t, gen, newRecordingKV(), newFakeProvider(alice()))
	assert.False(t, o.Snapshot().Busy)

	done := make(chan error, 1)
	go func() { done <- o.SelectLanguage(context.Background(), "Spanish") }()
	<-gen.started

	assert.True(t, o.Snapshot().Busy)
	require.NoError(t, o.SelectLanguage(context.Background(), "German"), "second call is a no-op")
	assert.Len(t, gen.Prompts(), 1)
	assert.Equal(t, "Spanish", o.Snapshot().Language)

	close(gate)
	require.NoError(t, <-done)
	assert.False(t, o.Snapshot().Busy)
}

func TestSubmitUserReply(t *testing.T) {
	gen := newScriptedGenerator(
		scriptedReply{text: "Bonjour !"},
		scriptedReply{text: "Great greeting."},
	)
	o := awaitingDecision(t, gen, newRecordingKV())

	st := o.Snapshot()
	require.Len(t, st.Transcript, 2)
	assert.Equal(t, domain.Message{Sender: domain.SenderUser, Text: "Bonjour"}, st.Transcript[1])
	assert.True(t, st.AwaitingContinueDecision)
	assert.Empty(t, st.PendingInput)
	assert.Equal(t, "Great greeting.", st.Feedback)
	assert.False(t, st.Busy)

	prompts := gen.Prompts()
	require.Len(t, prompts, 2)
	assert.True(t, containsAll(prompts[1], "Bonjour", "French", "English"), prompts[1])
}

func TestSubmitUserReplyKeepsTextAsEntered(t *testing.T) {
	gen := newScriptedGenerator(
		scriptedReply{text: "Bonjour !"},
		scriptedReply{text: "Nice."},
	)
	o := startSession(t, gen, newRecordingKV(), newFakeProvider(alice()))
	ctx := context.Background()
	require.NoError(t, o.SelectLanguage(ctx, "French"))

	require.NoError(t, o.SubmitUserReply(ctx, "  Bonjour, ça va ?\n"))

	st := o.Snapshot()
	require.Len(t, st.Transcript, 2)
	assert.Equal(t, domain.Message{Sender: domain.SenderUser, Text: "  Bonjour, ça va ?\n"}, st.Transcript[1])
	assert.Contains(t, gen.Prompts()[1], `"  Bonjour, ça va ?\n"`)
}

func TestGenerationFailureLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	gen := generation.WithLogging(newScriptedGenerator(scriptedReply{text: " "}), "scripted", logger)

	o := New(gen, newFakeProvider(alice()), newRecordingKV(), Options{Texts: testTexts, Logger: logger})
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Close)

	err := o.SelectLanguage(context.Background(), "French")
	require.ErrorIs(t, err, errBlankGeneration)
	assert.Equal(t, 1, strings.Count(buf.String(), `"level":"ERROR"`), buf.String())
}

func TestReplyAppendedBeforeGeneration(t *testing.T) {
	gate := make(chan struct{})
	gen := newScriptedGenerator(scriptedReply{text: "Bonjour !"}, scriptedReply{text: "Nice.", gate: gate})
	kv := newRecordingKV()
	o := startSession(t, gen, kv, newFakeProvider(alice()))
	require.NoError(t, o.SelectLanguage(context.Background(), "French"))
	<-gen.started

	o.UpdatePendingInput("Bonjour")
	done := make(chan error, 1)
	go func() { done <- o.SubmitUserReply(context.Background(), "Bonjour") }()
	<-gen.started

	st := o.Snapshot()
	last, ok := st.LastMessage()
	require.True(t, ok)
	assert.Equal(t, domain.Message{Sender: domain.SenderUser, Text: "Bonjour"}, last)
	assert.Equal(t, "Bonjour", st.PendingInput)
	assert.True(t, st.Busy)

	flush(t, o)
	assert.Len(t, storedTranscript(t, kv), 2, "the reply is persisted before feedback arrives")

	close(gate)
	require.NoError(t, <-done)
}

func TestReplyBlockedWhileAwaitingDecision(t *testing.T) {
	gen := newScriptedGenerator()
	o := awaitingDecision(t, gen, newRecordingKV())

	before := o.Snapshot()
	require.NoError(t, o.SubmitUserReply(context.Background(), "Encore"))
	o.UpdatePendingInput("Encore")
	assert.Equal(t, before, o.Snapshot())
	assert.Len(t, gen.Prompts(), 2)
}

func TestSubmitUserReplyFailureKeepsReply(t *testing.T) {
	gen := newScriptedGenerator(scriptedReply{text: "Bonjour !"}, scriptedReply{err: errServiceDown})
	o := startSession(t, gen, newRecordingKV(), newFakeProvider(alice()))
	require.NoError(t, o.SelectLanguage(context.Background(), "French"))

	err := o.SubmitUserReply(context.Background(), "Bonjour")
	var genErr *domain.GenerationError
	require.ErrorAs(t, err, &genErr)
	require.ErrorIs(t, err, errServiceDown)

	st := o.Snapshot()
	require.Len(t, st.Transcript, 2)
	assert.Equal(t, domain.SenderUser, st.Transcript[1].Sender)
	assert.False(t, st.Busy)
	assert.False(t, st.AwaitingContinueDecision)
	assert.Equal(t, GenerationFailedMessage, st.Error)
}

func TestContinueConversation(t *testing.T) {
	gen := newScriptedGenerator(
		scriptedReply{text: "Bonjour !"},
		scriptedReply{text: "Well done."},
		scriptedReply{text: "Le quai 3 est par là."},
	)
	kv := newRecordingKV()
	o := awaitingDecision(t, gen, kv)

	require.NoError(t, o.ContinueConversation(context.Background()))

	st := o.Snapshot()
	require.Len(t, st.Transcript, 3)
	assert.Equal(t, domain.Message{Sender: domain.SenderAgent, Text: "Le quai 3 est par là."}, st.Transcript[2])
	assert.Empty(t, st.Feedback)
	assert.False(t, st.AwaitingContinueDecision)
	assert.True(t, st.CanSubmit())

	prompts := gen.Prompts()
	require.Len(t, prompts, 3)
	assert.True(t, containsAll(prompts[2], "Continue", "French", "Student: Bonjour"), prompts[2])

	flush(t, o)
	assert.Equal(t, st.Transcript, storedTranscript(t, kv))
}

func TestContinueFailureKeepsTranscript(t *testing.T) {
	gen := newScriptedGenerator(
		scriptedReply{text: "Bonjour !"},
		scriptedReply{text: "Well done."},
		scriptedReply{err: errServiceDown},
	)
	o := awaitingDecision(t, gen, newRecordingKV())
	before := len(o.Snapshot().Transcript)

	err := o.ContinueConversation(context.Background())
	var genErr *domain.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "continue", genErr.Op)

	st := o.Snapshot()
	assert.Len(t, st.Transcript, before)
	assert.False(t, st.AwaitingContinueDecision)
	assert.False(t, st.Busy)
	assert.Equal(t, GenerationFailedMessage, st.Error)
}

func TestBlankGenerationIsAnError(t *testing.T) {
	gen := newScriptedGenerator(scriptedReply{text: "  "})
	o := startSession(t, gen, newRecordingKV(), newFakeProvider(alice()))

	err := o.SelectLanguage(context.Background(), "French")
	require.ErrorIs(t, err, errBlankGeneration)
	st := o.Snapshot()
	assert.Equal(t, domain.ScreenLanguageSelect, st.Screen)
	assert.Empty(t, st.Transcript)
	assert.False(t, st.Busy)
}

func TestEndConversation(t *testing.T) {
	gen := newScriptedGenerator()
	kv := newRecordingKV()
	o := awaitingDecision(t, gen, kv)

	o.EndConversation()
	st := o.Snapshot()
	last, _ := st.LastMessage()
	assert.Equal(t, domain.Message{Sender: domain.SenderAgent, Text: testTexts.ClosingMessage}, last)
	assert.Empty(t, st.Feedback)
	assert.False(t, st.AwaitingContinueDecision)

	before := o.Snapshot()
	require.NoError(t, o.ContinueConversation(context.Background()))
	assert.Equal(t, before, o.Snapshot(), "continue after end is rejected")
	assert.Len(t, gen.Prompts(), 2)

	flush(t, o)
	assert.Equal(t, st.Transcript, storedTranscript(t, kv))
}

func TestSignOutResetsEverything(t *testing.T) {
	for name, signOutErr := range map[string]error{"provider ok": nil, "provider fails": errServiceDown} {
		t.Run(name, func(t *testing.T) {
			kv := newRecordingKV()
			prov := newFakeProvider(alice())
			prov.signOutErr = signOutErr
			o := startSession(t, newScriptedGenerator(), kv, prov)
			require.NoError(t, o.SelectLanguage(context.Background(), "French"))
			require.NoError(t, o.SubmitUserReply(context.Background(), "Bonjour"))

			require.NoError(t, o.SignOut(context.Background()))

			assert.Equal(t, domain.DefaultState(), o.Snapshot())
			flush(t, o)
			assert.ElementsMatch(t, PersistedKeys, kv.removed())
			for _, key := range PersistedKeys {
				_, ok := kv.value(key)
				assert.False(t, ok, key)
			}
		})
	}
}

func TestStaleResultDiscardedAfterSignOut(t *testing.T) {
	gate := make(chan struct{})
	gen := newScriptedGenerator(scriptedReply{text: "Hola", gate: gate})
	kv := newRecordingKV()
	o := startSession(t, gen, kv, newFakeProvider(alice()))

	done := make(chan error, 1)
	go func() { done <- o.SelectLanguage(context.Background(), "Spanish") }()
	<-gen.started

	require.NoError(t, o.SignOut(context.Background()))
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, domain.DefaultState(), o.Snapshot())
	flush(t, o)
	_, ok := kv.value(KeyTranscript)
	assert.False(t, ok, "late result must not be persisted")
}

func TestStaleResultDiscardedAfterIdentitySwitch(t *testing.T) {
	gate := make(chan struct{})
	gen := newScriptedGenerator(scriptedReply{text: "Hola", gate: gate})
	prov := newFakeProvider(alice())
	o := startSession(t, gen, newRecordingKV(), prov)

	done := make(chan error, 1)
	go func() { done <- o.SelectLanguage(context.Background(), "Spanish") }()
	<-gen.started

	prov.set(&domain.Identity{ID: "u-bob", Email: "bob@example.com"})
	assert.False(t, o.Snapshot().Busy)

	close(gate)
	require.NoError(t, <-done)

	st := o.Snapshot()
	assert.Equal(t, "u-bob", st.Identity.ID)
	assert.Equal(t, domain.ScreenLanguageSelect, st.Screen)
	assert.Empty(t, st.Transcript)
}

func TestGenerationOutlivesCallerCancellation(t *testing.T) {
	gate := make(chan struct{})
	gen := newScriptedGenerator(scriptedReply{text: "Hallo", gate: gate})
	o := startSession(t, gen, newRecordingKV(), newFakeProvider(alice()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.SelectLanguage(ctx, "German") }()
	<-gen.started

	cancel()
	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, domain.ScreenConversation, o.Snapshot().Screen)
}

func TestPersistenceFailureDoesNotRevertState(t *testing.T) {
	kv := newRecordingKV()
	kv.failSet = errors.New("disk full")
	o := startSession(t, newScriptedGenerator(), kv, newFakeProvider(alice()))

	require.NoError(t, o.SelectLanguage(context.Background(), "French"))
	flush(t, o)

	st := o.Snapshot()
	assert.Equal(t, domain.ScreenConversation, st.Screen)
	assert.Len(t, st.Transcript, 1)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	o := startSession(t, newScriptedGenerator(), newRecordingKV(), newFakeProvider(alice()))

	var screens []domain.Screen
	unsubscribe := o.Subscribe(func(st domain.SessionState) { screens = append(screens, st.Screen) })
	require.NoError(t, o.SelectLanguage(context.Background(), "French"))
	unsubscribe()
	o.UpdatePendingInput("Salut")

	assert.Equal(t, []domain.Screen{domain.ScreenLanguageSelect, domain.ScreenConversation}, screens)
}

func TestCloseUnsubscribesFromProvider(t *testing.T) {
	prov := newFakeProvider(alice())
	o := New(newScriptedGenerator(), prov, newRecordingKV(), Options{Texts: testTexts, Logger: discardLogger()})
	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, 1, prov.subscribers())

	o.Close()
	o.Close()
	assert.Equal(t, 0, prov.subscribers())
	assert.ErrorIs(t, o.Flush(context.Background()), errWriterClosed)
}
