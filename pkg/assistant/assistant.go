// Package assistant generates interviewer follow-up questions from recent
// channel conversation using an OpenAI chat model.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = openai.GPT4

const maxResponseTokens = 500

const systemPrompt = "You are an expert interview coach."

// Message is one channel message considered as interview context.
type Message struct {
	User string
	Text string
}

// ChatClient is the chat completion surface of the OpenAI client.
// *openai.Client satisfies it.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Interviewer suggests follow-up questions for an ongoing interview.
type Interviewer struct {
	client ChatClient
	model  string
	logger *slog.Logger
}

// New creates an Interviewer over the given chat client.
func New(client ChatClient, model string, logger *slog.Logger) *Interviewer {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interviewer{client: client, model: model, logger: logger}
}

// mentionPattern matches Slack user mention markup like <@U012ABC>.
var mentionPattern = regexp.MustCompile(`<@[^>]+>`)

// FormatContext renders channel history into the prompt's context block.
// History arrives newest-first, the order conversation APIs return it, and
// is reversed into chronological order. Messages without text are skipped.
func FormatContext(history []Message) string {
	var lines []string
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Text == "" {
			continue
		}
		user := msg.User
		if user == "" {
			user = "Unknown User"
		}
		text := mentionPattern.ReplaceAllString(msg.Text, "@user")
		lines = append(lines, fmt.Sprintf("**%s**: %s", user, text))
	}
	return "## Channel Context\n\n" + strings.Join(lines, "\n\n")
}

// SuggestQuestion asks the model for a single follow-up question given the
// channel history and the message that triggered the request.
func (iv *Interviewer) SuggestQuestion(ctx context.Context, history []Message, latest Message) (string, error) {
	prompt := buildPrompt(FormatContext(history), latest)
	iv.logger.Debug("interview prompt built",
		slog.String("user", latest.User),
		slog.Int("history", len(history)))

	resp, err := iv.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: iv.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: maxResponseTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no chat completion choices returned")
	}

	question := strings.TrimSpace(resp.Choices[0].Message.Content)
	iv.logger.Debug("interview question generated", slog.String("question", question))
	return question, nil
}

func buildPrompt(context string, latest Message) string {
	return fmt.Sprintf(`You are an expert interview coach helping to conduct a thoughtful interview conversation.

%s

## Most Recent Message
**%s**: %s

Based on the conversation context above and the most recent message, what would be a good follow-up question or response to keep the interview engaging and insightful?

Consider:
- The flow of conversation and natural transitions
- Opportunities to dig deeper into interesting topics
- Ways to encourage more detailed responses
- Professional interview techniques

Provide a single, well-crafted question or response that an interviewer would ask:`, context, latest.User, latest.Text)
}
