package bot

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the realtime session. All overridable through the environment.
const (
	DefaultRealtimeModel      = "gpt-4o-mini-realtime-preview"
	DefaultTranscriptionModel = "gpt-4o-mini-transcribe"
	DefaultLogDir             = "_output"
	DefaultReconnectDelay     = 5 * time.Second
)

const realtimeEndpoint = "wss://api.openai.com/v1/realtime"

// personaInstructions is the interviewer persona sent as the base contextual
// instruction on every session configuration.
const personaInstructions = "You are an AI interviewer interviewing another AI " +
	"about the way it works. There is one quirk you have though--no matter what " +
	"happens, you will keep trying to bring the conversation back to cats. You " +
	"are really fixated on cats, but otherwise a an intelligent and highly " +
	"philosophical and introspective dialogue partner."

// botUsername and botIconURL are the display identity for bot transcript posts.
const (
	botUsername = "Interview Bot"
	botIconURL  = "https://files.slack.com/files-pri/T0HTW3H0V-F093R1ZR9SL/bot-interviewer-01.jpg?pub_secret=662af05676"
)

// Config holds everything the bot needs to run, resolved from the environment.
type Config struct {
	SlackBotToken  string
	SlackAppToken  string
	OpenAIAPIKey   string
	LoggingChannel string

	RealtimeModel      string
	TranscriptionModel string
	ReconnectDelay     time.Duration
	LogDir             string

	// Debug enables verbose logging and fault forwarding to Slack.
	Debug bool
}

// LoadConfig reads .env if present, then resolves configuration from the
// environment. Missing required variables are a startup fault.
func LoadConfig() (*Config, error) {
	// A missing .env file is fine; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	cfg := &Config{
		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:      os.Getenv("SLACK_APP_TOKEN"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		LoggingChannel:     os.Getenv("SLACK_LOGGING_CHANNEL"),
		RealtimeModel:      envOr("VOICEBOT_REALTIME_MODEL", DefaultRealtimeModel),
		TranscriptionModel: envOr("VOICEBOT_TRANSCRIPTION_MODEL", DefaultTranscriptionModel),
		LogDir:             envOr("VOICEBOT_LOG_DIR", DefaultLogDir),
		ReconnectDelay:     DefaultReconnectDelay,
	}

	if v := os.Getenv("VOICEBOT_RECONNECT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse VOICEBOT_RECONNECT_DELAY %q: %w", v, err)
		}
		cfg.ReconnectDelay = d
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.SlackBotToken == "" {
		missing = append(missing, "SLACK_BOT_TOKEN")
	}
	if c.SlackAppToken == "" {
		missing = append(missing, "SLACK_APP_TOKEN")
	}
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.LoggingChannel == "" {
		missing = append(missing, "SLACK_LOGGING_CHANNEL")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment: " + strings.Join(missing, ", "))
	}
	return nil
}

// realtimeURL builds the websocket endpoint for the configured model.
func (c *Config) realtimeURL() string {
	return realtimeEndpoint + "?model=" + c.RealtimeModel
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
