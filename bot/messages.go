package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/learninglab/voicebot/pkg/assistant"
	"github.com/learninglab/voicebot/pkg/faultlog"
)

const historyLimit = 20

// messageLoop consumes socket-mode events until ctx is cancelled. Message
// handling runs under the fault boundary: a bad message never takes the
// session down.
func (a *App) messageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				a.logger.Info("slack socket connected")
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("slack socket connection error")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				a.socket.Ack(*evt.Request)
				a.faults.Guard(faultlog.ClassNotify, "message-handler", func() error {
					return a.handleEventsAPI(ctx, apiEvent)
				})
			}
		}
	}
}

func (a *App) handleEventsAPI(ctx context.Context, evt slackevents.EventsAPIEvent) error {
	inner, ok := evt.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return nil
	}
	return a.handleMessage(ctx, inner)
}

func (a *App) handleMessage(ctx context.Context, msg *slackevents.MessageEvent) error {
	if isBotMessage(msg) {
		a.logger.Debug("skipped bot message", slog.String("ts", msg.TimeStamp))
		return nil
	}
	if isInSubthread(msg) {
		a.logger.Debug("skipped subthread message", slog.String("ts", msg.TimeStamp))
		return nil
	}
	if msg.Text == "" {
		return nil
	}

	if strings.Contains(msg.Text, "testing testing") {
		reply := fmt.Sprintf("the voicebot heard %q <@%s> at %s", "testing testing", msg.User, msg.TimeStamp)
		return a.notifier.PostMessage(ctx, msg.Channel, reply, nil)
	}

	return a.suggestFollowUp(ctx, msg)
}

// suggestFollowUp runs the interview assistant for one message: fetch recent
// channel history, ask the model for a follow-up question, post it back.
func (a *App) suggestFollowUp(ctx context.Context, msg *slackevents.MessageEvent) error {
	history, err := a.channelHistory(ctx, msg.Channel, msg.TimeStamp)
	if err != nil {
		// Degrade to a context-free suggestion rather than dropping the turn.
		a.logger.Warn("channel history unavailable", slog.String("error", err.Error()))
		history = nil
	}

	question, err := a.interviewer.SuggestQuestion(ctx, history,
		assistant.Message{User: msg.User, Text: msg.Text})
	if err != nil {
		return fmt.Errorf("suggest follow-up: %w", err)
	}

	return a.notifier.PostMessage(ctx, msg.Channel, question, nil)
}

// channelHistory fetches up to historyLimit messages strictly before ts,
// newest first, the order FormatContext expects.
func (a *App) channelHistory(ctx context.Context, channel, ts string) ([]assistant.Message, error) {
	resp, err := a.slack.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channel,
		Latest:    ts,
		Limit:     historyLimit,
		Inclusive: false,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation history for %s: %w", channel, err)
	}

	var out []assistant.Message
	for _, m := range resp.Messages {
		if m.SubType != "" {
			continue
		}
		out = append(out, assistant.Message{User: m.User, Text: m.Text})
	}
	return out, nil
}

func isBotMessage(msg *slackevents.MessageEvent) bool {
	return msg.SubType == "bot_message" || msg.BotID != ""
}

func isInSubthread(msg *slackevents.MessageEvent) bool {
	return msg.ThreadTimeStamp != "" && msg.ThreadTimeStamp != msg.TimeStamp
}
