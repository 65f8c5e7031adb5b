package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/vigilops/vigil/internal/database"
)

// SlackSender posts escalation notifications to a Slack channel
type SlackSender struct {
	client  *slack.Client
	channel string
}

// NewSlackSender creates a Slack sender for the given bot token and channel
func NewSlackSender(botToken, channel string) *SlackSender {
	return &SlackSender{
		client:  slack.New(botToken),
		channel: channel,
	}
}

// Send implements Sender
func (s *SlackSender) Send(ctx context.Context, req *Request) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(formatSlackMessage(req), false),
	)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", s.channel, err)
	}
	return nil
}

// formatSlackMessage renders a compact escalation message
func formatSlackMessage(req *Request) string {
	var sb strings.Builder

	emoji := database.GetSeverityEmoji(req.Severity)
	sb.WriteString(fmt.Sprintf("%s *%s alert escalation, tier %d*\n\n", emoji, strings.ToUpper(string(req.Severity)), req.Tier))

	if req.Summary != "" {
		sb.WriteString(fmt.Sprintf("*Summary*\n%s\n", req.Summary))
	}

	if len(req.Targets) > 0 {
		sb.WriteString("\n*Paging*\n")
		for _, target := range req.Targets {
			sb.WriteString(fmt.Sprintf("• %s\n", target))
		}
	}

	sb.WriteString(fmt.Sprintf("\n_Alert %s, unacknowledged since %s_", req.AlertUUID, req.FiredAt.Format("15:04:05 MST")))
	return sb.String()
}
