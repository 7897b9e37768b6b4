// Package domain contains core domain types for the langplay application.
package domain

// Screen identifies which view of the practice flow is active.
type Screen string

const (
	ScreenLanding        Screen = "landing"
	ScreenSignIn         Screen = "sign_in"
	ScreenLanguageSelect Screen = "language_select"
	ScreenConversation   Screen = "conversation"
)

// Valid reports whether s is one of the known screens.
func (s Screen) Valid() bool {
	switch s {
	case ScreenLanding, ScreenSignIn, ScreenLanguageSelect, ScreenConversation:
		return true
	}
	return false
}

// Sender identifies who produced a transcript message.
type Sender string

const (
	SenderUser  Sender = "User"
	SenderAgent Sender = "AI"
)

// Message is a single dialogue turn. The JSON shape is the persisted transcript format.
type Message struct {
	Sender Sender `json:"sender"`
	Text   string `json:"message"`
}

// SessionState is the full state of one practice session.
type SessionState struct {
	Identity                 *Identity `json:"identity,omitempty"`
	Screen                   Screen    `json:"screen"`
	Language                 string    `json:"language"`
	Scenario                 string    `json:"scenario,omitempty"`
	Transcript               []Message `json:"transcript"`
	PendingInput             string    `json:"pending_input"`
	Feedback                 string    `json:"feedback,omitempty"`
	AwaitingContinueDecision bool      `json:"awaiting_continue_decision"`
	Busy                     bool      `json:"busy"`
	Error                    string    `json:"error,omitempty"`
}

// DefaultState returns the state of a signed-out session with nothing restored.
func DefaultState() SessionState {
	return SessionState{
		Screen:     ScreenLanding,
		Transcript: []Message{},
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s SessionState) Clone() SessionState {
	out := s
	if s.Identity != nil {
		id := *s.Identity
		out.Identity = &id
	}
	out.Transcript = make([]Message, len(s.Transcript))
	copy(out.Transcript, s.Transcript)
	return out
}

// CanSubmit reports whether the reply box accepts input.
func (s SessionState) CanSubmit() bool {
	return !s.Busy && !s.AwaitingContinueDecision
}

// LastMessage returns the most recent transcript entry, if any.
func (s SessionState) LastMessage() (Message, bool) {
	if len(s.Transcript) == 0 {
		return Message{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}
