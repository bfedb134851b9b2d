package session

import "fmt"

// ResponseStatus tracks the single in-flight server-generated response.
type ResponseStatus int

const (
	StatusNone ResponseStatus = iota
	StatusActive
	StatusCancelling
	StatusCancelled
	StatusDone
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusActive:
		return "Active"
	case StatusCancelling:
		return "Cancelling"
	case StatusCancelled:
		return "Cancelled"
	case StatusDone:
		return "Done"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// responseState is the lifecycle record for the current response. At most one
// response is Active or Cancelling at a time; identifiers are treated as
// connection-scoped, never globally unique. Mutated only by the dispatcher.
type responseState struct {
	id               string
	status           ResponseStatus
	cancellationSent bool

	// lastID survives clearing so a final transcript arriving after
	// response.done can still be matched to its turn.
	lastID string
}

// begin records a newly created response as the active one.
func (r *responseState) begin(id string) {
	r.id = id
	r.lastID = id
	r.status = StatusActive
	r.cancellationSent = false
}

// clear resets to the terminal idle state. lastID is preserved.
func (r *responseState) clear() {
	r.id = ""
	r.status = StatusNone
	r.cancellationSent = false
}

// allowsAudio reports whether an audio delta carrying id may reach the
// playback device. Audio from a superseded or cancelled response never does.
func (r *responseState) allowsAudio(id string) bool {
	return r.status == StatusActive && id == r.id
}

// shouldCancel reports whether a speech-started event warrants a cancellation
// request: an active response with no cancellation sent yet.
func (r *responseState) shouldCancel() bool {
	return r.status == StatusActive && !r.cancellationSent
}

// matchesCurrent reports whether id refers to the in-flight response.
func (r *responseState) matchesCurrent(id string) bool {
	return r.id != "" && id == r.id
}

// matchesTranscript reports whether a final transcript with id belongs to the
// current or most recently cleared response.
func (r *responseState) matchesTranscript(id string) bool {
	return id == "" || id == r.id || id == r.lastID
}
