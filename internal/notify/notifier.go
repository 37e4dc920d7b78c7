package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fieldeng/casebridge/internal/config"
	"github.com/fieldeng/casebridge/internal/model"
)

// EmailSender sends plain-text mail.
type EmailSender interface {
	SendEmail(subject, body, to string) error
}

// ChatSender posts channel messages and threaded replies.
type ChatSender interface {
	Enabled() bool
	PostChatMessage(ctx context.Context, channel, text string) (string, error)
	PostChatReply(ctx context.Context, channel, text, parentID string) error
}

// Notifier fans new-card notifications out to mail and chat. Chat posts
// the summary to a severity-routed channel with the description as a
// threaded reply; assignees are @-mentioned when their chat user is known.
type Notifier struct {
	cfg    config.NotifyConfig
	team   []config.TeamMember
	mail   EmailSender
	chat   ChatSender
	logger *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(cfg config.NotifyConfig, team []config.TeamMember, mail EmailSender, chat ChatSender) *Notifier {
	return &Notifier{cfg: cfg, team: team, mail: mail, chat: chat, logger: slog.Default()}
}

// NotifyNewCards announces freshly created cards. The mail subject carries
// the processed case numbers; chat failures for one card do not block the
// rest.
func (n *Notifier) NotifyNewCards(ctx context.Context, payloads map[string]model.NotificationPayload, caseNumbers []string) error {
	if len(payloads) == 0 {
		return nil
	}

	subject := n.cfg.Subject
	if len(caseNumbers) > 0 {
		subject += ": " + strings.Join(caseNumbers, ", ")
	}

	var body strings.Builder
	for _, p := range payloads {
		body.WriteString(p.FullMessage)
	}
	if n.cfg.To != "" {
		if err := n.mail.SendEmail(subject, body.String(), n.cfg.To); err != nil {
			return fmt.Errorf("mailing new-card notification: %w", err)
		}
	}

	if !n.chat.Enabled() || (n.cfg.HighSeverityChannel == "" && n.cfg.LowSeverityChannel == "") {
		n.logger.Warn("no chat token or channel configured, skipping chat notification")
		return nil
	}
	for key, p := range payloads {
		if err := n.postCardMessage(ctx, p); err != nil {
			n.logger.Warn("chat notification failed", "card", key, "error", err)
		}
	}
	return nil
}

func (n *Notifier) postCardMessage(ctx context.Context, p model.NotificationPayload) error {
	channel := n.channelFor(p.Severity)
	if channel == "" {
		return fmt.Errorf("no channel configured for severity %q", p.Severity)
	}

	parentID, err := n.chat.PostChatMessage(ctx, channel, n.mentionAssignee(p.Body, p.Assignee))
	if err != nil {
		return err
	}
	return n.chat.PostChatReply(ctx, channel, p.Description, parentID)
}

// channelFor routes urgent/high severities to the high-severity channel
// and everything else to the low one, falling back to whichever channel is
// configured.
func (n *Notifier) channelFor(severity string) string {
	high := strings.Contains(severity, "Urgent") || strings.Contains(severity, "High")
	if high && n.cfg.HighSeverityChannel != "" {
		return n.cfg.HighSeverityChannel
	}
	if !high && n.cfg.LowSeverityChannel != "" {
		return n.cfg.LowSeverityChannel
	}
	if n.cfg.HighSeverityChannel != "" {
		return n.cfg.HighSeverityChannel
	}
	return n.cfg.LowSeverityChannel
}

// mentionAssignee swaps the tracking line for a chat @-mention when the
// assignee has a chat user configured.
func (n *Notifier) mentionAssignee(body, assignee string) string {
	if assignee == "" {
		return body
	}
	var chatUser string
	for _, member := range n.team {
		if member.Name == assignee {
			chatUser = member.ChatUser
			break
		}
	}
	if chatUser == "" {
		return body
	}

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "It is initially being tracked by") {
			lines[i] = fmt.Sprintf("It is initially being tracked by <@%s>", chatUser)
		}
	}
	return strings.Join(lines, "\n")
}

// Alert sends a single operator alert to the alert address.
func (n *Notifier) Alert(subject, body string) error {
	to := n.cfg.AlertTo
	if to == "" {
		to = n.cfg.To
	}
	if to == "" {
		n.logger.Warn("no alert recipient configured, dropping alert", "subject", subject)
		return nil
	}
	if err := n.mail.SendEmail(subject, body, to); err != nil {
		return fmt.Errorf("mailing alert: %w", err)
	}
	return nil
}
