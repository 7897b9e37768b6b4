package session

import (
	"fmt"
	"strings"

	"github.com/ashureev/langplay/internal/domain"
)

// continueContextTurns bounds how much of the transcript a continue prompt quotes.
const continueContextTurns = 12

// Texts holds the fixed wording of a session.
type Texts struct {
	Scenario         string
	FeedbackLanguage string
	ClosingMessage   string
}

func openingPrompt(language, scenario string) string {
	return fmt.Sprintf(
		"Pretend to be a person speaking the %s language. Start a conversation in %s based on the following scenario: %q. Speak only in %s.",
		language, language, scenario, language)
}

func feedbackPrompt(reply, language, feedbackLanguage string) string {
	return fmt.Sprintf(
		"You are a language tutor. The student just responded: %q. Evaluate the response for correctness and fluency in %s. Provide feedback in %s.",
		reply, language, feedbackLanguage)
}

func continuePrompt(language, scenario string, transcript []domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Continue the conversation in %s as per the scenario. Speak only in %s.", language, language)
	if scenario != "" {
		fmt.Fprintf(&b, "\nScenario: %s", scenario)
	}
	if len(transcript) > 0 {
		start := max(0, len(transcript)-continueContextTurns)
		b.WriteString("\nConversation so far:")
		for _, m := range transcript[start:] {
			role := "You"
			if m.Sender == domain.SenderUser {
				role = "Student"
			}
			fmt.Fprintf(&b, "\n%s: %s", role, m.Text)
		}
	}
	return b.String()
}
