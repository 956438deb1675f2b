// ABOUTME: Outbound email used when a conversation is handed off to a human advisor
// ABOUTME: Renders the escalation as Markdown and HTML and delivers it through a Mailer

package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/chorus-gateway/internal/conversation"
)

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Escalation describes a conversation that needs a human advisor.
type Escalation struct {
	AdvisorEmail string
	NumberID     string
	DisplayName  string
	ChatID       string
	Trigger      string // inbound text that led to the handoff
	History      []conversation.Entry
	At           time.Time
}

// Render builds the escalation email. The body is Markdown; the HTML part is
// produced from it with goldmark.
func Render(esc Escalation) (Message, error) {
	name := esc.DisplayName
	if name == "" {
		name = esc.NumberID
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# Advisor requested\n\n")
	fmt.Fprintf(&md, "A conversation on **%s** asked to talk to a person.\n\n", name)
	fmt.Fprintf(&md, "- Chat: `%s`\n", esc.ChatID)
	fmt.Fprintf(&md, "- Time: %s\n", esc.At.UTC().Format(time.RFC3339))
	if esc.Trigger != "" {
		fmt.Fprintf(&md, "- Last message: %s\n", esc.Trigger)
	}

	if len(esc.History) > 0 {
		md.WriteString("\n## Recent messages\n\n")
		for _, e := range esc.History {
			who := "Contact"
			if e.Role == conversation.RoleAssistant {
				who = "Assistant"
			}
			fmt.Fprintf(&md, "- **%s:** %s\n", who, e.Content)
		}
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &html); err != nil {
		return Message{}, fmt.Errorf("rendering escalation: %w", err)
	}

	return Message{
		To:      esc.AdvisorEmail,
		Subject: fmt.Sprintf("Advisor requested on %s", name),
		Text:    md.String(),
		HTML:    html.String(),
	}, nil
}

// Escalate renders esc and sends it.
func Escalate(ctx context.Context, m Mailer, esc Escalation) error {
	msg, err := Render(esc)
	if err != nil {
		return err
	}
	if err := m.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending escalation to %s: %w", esc.AdvisorEmail, err)
	}
	return nil
}

// LogMailer writes emails to the log instead of sending them. Used when mail is disabled.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger.With("component", "mail")}
}

// Send implements Mailer.
func (l *LogMailer) Send(ctx context.Context, msg Message) error {
	l.logger.Info("email not sent (mail disabled)", "to", msg.To, "subject", msg.Subject)
	return nil
}
