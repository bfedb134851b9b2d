// Package fake provides a Notifier test double that records posts and can be
// made to fail on demand.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/learninglab/voicebot/pkg/notify"
)

// Post records one PostMessage call.
type Post struct {
	Channel  string
	Text     string
	Identity *notify.Identity
}

// FakeNotifier is an in-memory Notifier for tests.
type FakeNotifier struct {
	mu       sync.Mutex
	posts    []Post
	failNext int
}

// NewFakeNotifier creates an empty fake notifier.
func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

// FailNext makes the next n PostMessage calls return an error.
func (f *FakeNotifier) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// PostMessage records the call, or fails if FailNext is pending.
func (f *FakeNotifier) PostMessage(_ context.Context, channel, text string, identity *notify.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("fake notifier: post failed")
	}
	f.posts = append(f.posts, Post{Channel: channel, Text: text, Identity: identity})
	return nil
}

// Posts returns a copy of all recorded posts.
func (f *FakeNotifier) Posts() []Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Post, len(f.posts))
	copy(out, f.posts)
	return out
}
