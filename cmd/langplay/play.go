package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/langplay/internal/domain"
	"github.com/ashureev/langplay/internal/identity"
	"github.com/ashureev/langplay/internal/session"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

func newPlayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "play",
		Short: "Start or resume the practice conversation",
		Long: `Runs the practice session in the terminal. The session is saved after every
step, so quitting and running play again resumes where you left off.

Commands available at any prompt:
  /signout   sign out and clear the session
  /quit      leave (the session is kept)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			orch, ids, cleanup, err := env.openSession(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			r, err := newRenderer(glamour.WithAutoStyle())
			if err != nil {
				return err
			}
			return newREPL(orch, ids, cmd.InOrStdin(), cmd.OutOrStdout(), r).run(ctx)
		},
	}
}

// repl drives an orchestrator from line-based input.
type repl struct {
	orch *session.Orchestrator
	ids  *identity.LocalProvider
	in   *bufio.Scanner
	out  io.Writer
	r    *renderer

	shown         int
	shownFeedback string
	shownError    string
}

func newREPL(orch *session.Orchestrator, ids *identity.LocalProvider, in io.Reader, out io.Writer, r *renderer) *repl {
	return &repl{
		orch: orch,
		ids:  ids,
		in:   bufio.NewScanner(in),
		out:  out,
		r:    r,
	}
}

func (p *repl) run(ctx context.Context) error {
	fmt.Fprintln(p.out, p.r.title("langplay"))
	for {
		st := p.orch.Snapshot()
		p.showUpdates(st)

		line, ok := p.read(promptFor(st))
		if !ok {
			return p.in.Err()
		}

		switch line {
		case "/quit":
			return nil
		case "/signout":
			if err := p.orch.SignOut(ctx); err != nil {
				p.warn(err)
			}
			p.shown = 0
			fmt.Fprintln(p.out, p.r.hint("Signed out."))
			continue
		}

		p.handle(ctx, st, line)
	}
}

func (p *repl) handle(ctx context.Context, st domain.SessionState, line string) {
	var err error
	switch st.Screen {
	case domain.ScreenLanding:
		p.orch.GetStarted()
	case domain.ScreenSignIn:
		_, err = p.ids.SignIn(ctx, line)
	case domain.ScreenLanguageSelect:
		p.thinking()
		err = p.orch.SelectLanguage(ctx, line)
	case domain.ScreenConversation:
		err = p.handleConversation(ctx, st, line)
	}
	if err != nil {
		p.warn(err)
	}
}

func (p *repl) handleConversation(ctx context.Context, st domain.SessionState, line string) error {
	if !st.AwaitingContinueDecision {
		p.orch.UpdatePendingInput(line)
		p.thinking()
		return p.orch.SubmitUserReply(ctx, line)
	}

	switch strings.ToLower(line) {
	case "c", "continue":
		p.thinking()
		return p.orch.ContinueConversation(ctx)
	case "e", "end":
		p.orch.EndConversation()
	default:
		fmt.Fprintln(p.out, p.r.hint("Type c to continue or e to end the conversation."))
	}
	return nil
}

func promptFor(st domain.SessionState) string {
	switch st.Screen {
	case domain.ScreenLanding:
		return "Press enter to get started"
	case domain.ScreenSignIn:
		return "Email"
	case domain.ScreenLanguageSelect:
		return "Which language do you want to practice"
	case domain.ScreenConversation:
		if st.AwaitingContinueDecision {
			return "[c]ontinue or [e]nd"
		}
		return "You"
	}
	return ">"
}

// showUpdates prints transcript entries, feedback and errors not printed yet.
func (p *repl) showUpdates(st domain.SessionState) {
	if len(st.Transcript) < p.shown {
		p.shown = 0
	}
	if p.shown == 0 && len(st.Transcript) > 0 && st.Language != "" {
		fmt.Fprintln(p.out, p.r.hint(fmt.Sprintf("Practicing %s. %s", st.Language, st.Scenario)))
	}
	for _, m := range st.Transcript[p.shown:] {
		fmt.Fprintln(p.out, p.r.message(m))
	}
	p.shown = len(st.Transcript)

	if st.Feedback != "" && st.Feedback != p.shownFeedback {
		fmt.Fprintln(p.out, p.r.feedback(st.Feedback))
	}
	p.shownFeedback = st.Feedback

	if st.Error != "" && st.Error != p.shownError {
		fmt.Fprintln(p.out, p.r.errorLine(st.Error))
	}
	p.shownError = st.Error
}

func (p *repl) read(prompt string) (string, bool) {
	fmt.Fprint(p.out, p.r.prompt(prompt))
	if !p.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.in.Text()), true
}

func (p *repl) thinking() {
	fmt.Fprintln(p.out, p.r.hint("..."))
}

func (p *repl) warn(err error) {
	var genErr *domain.GenerationError
	switch {
	case errors.As(err, &genErr):
		// Shown from state.Error on the next redraw.
	case errors.Is(err, domain.ErrEmptyInput):
		fmt.Fprintln(p.out, p.r.errorLine("Please type something first."))
	default:
		fmt.Fprintln(p.out, p.r.errorLine(err.Error()))
	}
}
