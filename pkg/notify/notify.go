// Package notify is the boundary to the chat platform. The session posts
// transcripts and debug fault summaries through a Notifier and treats every
// failure as non-fatal.
package notify

import "context"

// Identity is an optional display identity for a posted message.
type Identity struct {
	Username string
	IconURL  string
}

// Notifier posts a message to a chat channel. Implementations must be safe
// for concurrent use.
type Notifier interface {
	PostMessage(ctx context.Context, channel, text string, identity *Identity) error
}

// PostWithFallback posts with the given identity and, on failure, retries
// exactly once in degraded form: no custom identity, text prefixed so the
// sender is still recognizable. The first error is returned only when both
// attempts fail.
func PostWithFallback(ctx context.Context, n Notifier, channel, text string, identity *Identity) error {
	err := n.PostMessage(ctx, channel, text, identity)
	if err == nil || identity == nil {
		return err
	}
	if retryErr := n.PostMessage(ctx, channel, "🤖 "+text, nil); retryErr == nil {
		return nil
	}
	return err
}
