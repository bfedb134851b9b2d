package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// SlackNotifier posts messages through the Slack Web API.
type SlackNotifier struct {
	client  *slack.Client
	channel string // default channel for fault forwarding
	logger  *slog.Logger
}

// NewSlackNotifier wraps an authenticated Slack client. faultChannel is where
// debug-mode fault summaries go.
func NewSlackNotifier(client *slack.Client, faultChannel string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{client: client, channel: faultChannel, logger: logger}
}

// PostMessage posts text to a channel, optionally under a custom identity.
func (s *SlackNotifier) PostMessage(ctx context.Context, channel, text string, identity *Identity) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if identity != nil {
		if identity.Username != "" {
			opts = append(opts, slack.MsgOptionUsername(identity.Username))
		}
		if identity.IconURL != "" {
			opts = append(opts, slack.MsgOptionIconURL(identity.IconURL))
		}
	}

	_, _, err := s.client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", channel, err)
	}
	s.logger.Debug("posted to slack", slog.String("channel", channel))
	return nil
}

// ForwardFault posts a fault summary to the configured fault channel. It
// satisfies the fault logger's Forwarder interface.
func (s *SlackNotifier) ForwardFault(ctx context.Context, summary string) error {
	return s.PostMessage(ctx, s.channel, summary, &Identity{Username: "Fault Logger"})
}
