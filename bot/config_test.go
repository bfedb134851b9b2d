package bot

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_APP_TOKEN", "xapp-test")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SLACK_LOGGING_CHANNEL", "C123")
}

func TestLoadConfig_Defaults(t *testing.T) {
	is := is.New(t)
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	is.NoErr(err)
	is.Equal(cfg.RealtimeModel, DefaultRealtimeModel)
	is.Equal(cfg.TranscriptionModel, DefaultTranscriptionModel)
	is.Equal(cfg.ReconnectDelay, DefaultReconnectDelay)
	is.Equal(cfg.LogDir, DefaultLogDir)
	is.Equal(cfg.realtimeURL(), "wss://api.openai.com/v1/realtime?model="+DefaultRealtimeModel)
}

func TestLoadConfig_Overrides(t *testing.T) {
	is := is.New(t)
	setRequiredEnv(t)
	t.Setenv("VOICEBOT_REALTIME_MODEL", "gpt-4o-realtime-preview")
	t.Setenv("VOICEBOT_RECONNECT_DELAY", "30s")

	cfg, err := LoadConfig()
	is.NoErr(err)
	is.Equal(cfg.RealtimeModel, "gpt-4o-realtime-preview")
	is.Equal(cfg.ReconnectDelay, 30*time.Second)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	is := is.New(t)
	setRequiredEnv(t)
	t.Setenv("SLACK_APP_TOKEN", "")

	_, err := LoadConfig()
	is.True(err != nil)
}

func TestLoadConfig_BadDelay(t *testing.T) {
	is := is.New(t)
	setRequiredEnv(t)
	t.Setenv("VOICEBOT_RECONNECT_DELAY", "not-a-duration")

	_, err := LoadConfig()
	is.True(err != nil)
}
