package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Inbound frame kinds consumed from the realtime service.
const (
	typeResponseCreated        = "response.created"
	typeResponseAudioDelta     = "response.audio.delta"
	typeResponseAudioDone      = "response.audio.done"
	typeResponseTranscriptDone = "response.audio_transcript.done"
	typeResponseDone           = "response.done"
	typeResponseCancelled      = "response.cancelled"
	typeSpeechStarted          = "input_audio_buffer.speech_started"
	typeInputTranscriptDelta   = "conversation.item.input_audio_transcription.delta"
	typeInputTranscriptDone    = "conversation.item.input_audio_transcription.completed"
	typeError                  = "error"
)

// Event is a parsed inbound frame. The set of variants is closed: servers may
// add frame kinds at any time, and anything unrecognized arrives as
// UnknownEvent.
type Event interface {
	eventType() string
}

// ResponseCreatedEvent announces a new server-generated response.
type ResponseCreatedEvent struct {
	ResponseID string
}

// ResponseAudioDeltaEvent carries one chunk of synthesized PCM audio.
type ResponseAudioDeltaEvent struct {
	ResponseID string
	Audio      []byte
}

// ResponseAudioDoneEvent signals the audio stream for a response has ended.
type ResponseAudioDoneEvent struct {
	ResponseID string
}

// ResponseTranscriptDoneEvent carries the final transcript of the bot's turn.
type ResponseTranscriptDoneEvent struct {
	ResponseID string
	Transcript string
}

// ResponseDoneEvent signals normal completion of a response.
type ResponseDoneEvent struct {
	ResponseID string
}

// ResponseCancelledEvent acknowledges a cancellation request.
type ResponseCancelledEvent struct {
	ResponseID string
}

// SpeechStartedEvent signals the user began talking.
type SpeechStartedEvent struct{}

// InputTranscriptDeltaEvent carries a partial transcript of user speech.
type InputTranscriptDeltaEvent struct {
	Delta string
}

// InputTranscriptDoneEvent carries the final transcript of user speech.
type InputTranscriptDoneEvent struct {
	Transcript string
}

// ErrorEvent is an explicit error frame from the service. It is informational:
// the current turn is left to terminate naturally.
type ErrorEvent struct {
	Message string
}

// UnknownEvent is any frame kind outside the closed set above.
type UnknownEvent struct {
	Type string
}

// DisconnectedEvent is synthesized locally when the socket closes. It is not
// a wire frame. Abnormal closures trigger the reconnection policy.
type DisconnectedEvent struct {
	Code     int
	Err      error
	Abnormal bool
}

func (ResponseCreatedEvent) eventType() string        { return typeResponseCreated }
func (ResponseAudioDeltaEvent) eventType() string     { return typeResponseAudioDelta }
func (ResponseAudioDoneEvent) eventType() string      { return typeResponseAudioDone }
func (ResponseTranscriptDoneEvent) eventType() string { return typeResponseTranscriptDone }
func (ResponseDoneEvent) eventType() string           { return typeResponseDone }
func (ResponseCancelledEvent) eventType() string      { return typeResponseCancelled }
func (SpeechStartedEvent) eventType() string          { return typeSpeechStarted }
func (InputTranscriptDeltaEvent) eventType() string   { return typeInputTranscriptDelta }
func (InputTranscriptDoneEvent) eventType() string    { return typeInputTranscriptDone }
func (ErrorEvent) eventType() string                  { return typeError }
func (e UnknownEvent) eventType() string              { return e.Type }
func (DisconnectedEvent) eventType() string           { return "disconnected" }

// envelope covers every field any inbound frame kind can carry.
type envelope struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseEvent decodes a raw inbound frame into its Event variant. A frame that
// is not JSON is an error; a well-formed frame of an unknown kind is not.
func ParseEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case typeResponseCreated:
		return ResponseCreatedEvent{ResponseID: env.Response.ID}, nil
	case typeResponseAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(env.Delta)
		if err != nil {
			return nil, fmt.Errorf("invalid audio delta encoding: %w", err)
		}
		return ResponseAudioDeltaEvent{ResponseID: env.ResponseID, Audio: audio}, nil
	case typeResponseAudioDone:
		return ResponseAudioDoneEvent{ResponseID: env.ResponseID}, nil
	case typeResponseTranscriptDone:
		return ResponseTranscriptDoneEvent{ResponseID: env.ResponseID, Transcript: env.Transcript}, nil
	case typeResponseDone:
		return ResponseDoneEvent{ResponseID: env.Response.ID}, nil
	case typeResponseCancelled:
		return ResponseCancelledEvent{ResponseID: env.ResponseID}, nil
	case typeSpeechStarted:
		return SpeechStartedEvent{}, nil
	case typeInputTranscriptDelta:
		return InputTranscriptDeltaEvent{Delta: env.Delta}, nil
	case typeInputTranscriptDone:
		return InputTranscriptDoneEvent{Transcript: env.Transcript}, nil
	case typeError:
		return ErrorEvent{Message: env.Error.Message}, nil
	default:
		return UnknownEvent{Type: env.Type}, nil
	}
}

// Outbound frame shapes.

type sessionConfigFrame struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	InputAudioFormat         string              `json:"input_audio_format"`
	InputAudioTranscription  transcriptionConfig `json:"input_audio_transcription"`
	TurnDetection            turnDetection       `json:"turn_detection"`
	InputAudioNoiseReduction noiseReduction      `json:"input_audio_noise_reduction"`
	Instructions             string              `json:"instructions,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string `json:"type"`
	PrefixPaddingMS   int    `json:"prefix_padding_ms"`
	SilenceDurationMS int    `json:"silence_duration_ms"`
	CreateResponse    bool   `json:"create_response"`
	InterruptResponse bool   `json:"interrupt_response"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type audioAppendFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM
}

type responseCancelFrame struct {
	Type string `json:"type"`
}
