package main

import (
	"strings"

	"github.com/ashureev/langplay/internal/domain"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const wrapWidth = 80

type renderer struct {
	md *glamour.TermRenderer

	titleStyle    lipgloss.Style
	agentStyle    lipgloss.Style
	userStyle     lipgloss.Style
	feedbackStyle lipgloss.Style
	errorStyle    lipgloss.Style
	hintStyle     lipgloss.Style
	promptStyle   lipgloss.Style
}

func newRenderer(opts ...glamour.TermRendererOption) (*renderer, error) {
	md, err := glamour.NewTermRenderer(append([]glamour.TermRendererOption{glamour.WithWordWrap(wrapWidth)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &renderer{
		md:            md,
		titleStyle:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).PaddingBottom(1),
		agentStyle:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		userStyle:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("78")),
		feedbackStyle: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("220")).Padding(0, 1),
		errorStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		hintStyle:     lipgloss.NewStyle().Faint(true),
		promptStyle:   lipgloss.NewStyle().Bold(true),
	}, nil
}

func (r *renderer) markdown(text string) string {
	out, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

func (r *renderer) message(m domain.Message) string {
	label := r.agentStyle.Render("Tutor")
	if m.Sender == domain.SenderUser {
		label = r.userStyle.Render("You")
	}
	return label + "\n" + r.markdown(m.Text)
}

func (r *renderer) feedback(text string) string {
	return r.feedbackStyle.Render(r.markdown(text))
}

func (r *renderer) title(s string) string     { return r.titleStyle.Render(s) }
func (r *renderer) errorLine(s string) string { return r.errorStyle.Render(s) }
func (r *renderer) hint(s string) string      { return r.hintStyle.Render(s) }
func (r *renderer) prompt(s string) string    { return r.promptStyle.Render(s+":") + " " }
