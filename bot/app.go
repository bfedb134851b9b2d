// Package bot wires the voice session controller, the Slack message loop,
// and the interview assistant into one application.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/learninglab/voicebot/internal/realtime"
	"github.com/learninglab/voicebot/pkg/assistant"
	"github.com/learninglab/voicebot/pkg/audio"
	"github.com/learninglab/voicebot/pkg/faultlog"
	"github.com/learninglab/voicebot/pkg/media"
	"github.com/learninglab/voicebot/pkg/memory"
	"github.com/learninglab/voicebot/pkg/notify"
	"github.com/learninglab/voicebot/pkg/session"

	openai "github.com/sashabaranov/go-openai"
)

// App owns every long-lived component for one bot process.
type App struct {
	cfg    *Config
	logger *slog.Logger

	slack    *slack.Client
	socket   *socketmode.Client
	notifier *notify.SlackNotifier

	faults      *faultlog.Logger
	memory      *memory.Memory
	portaudio   *audio.PortAudio
	controller  *session.Controller
	interviewer *assistant.Interviewer
}

// NewApp constructs and wires all components. Any error here is a startup
// fault: the caller terminates the process.
func NewApp(cfg *Config, logger *slog.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	api := slack.New(cfg.SlackBotToken, slack.OptionAppLevelToken(cfg.SlackAppToken))
	notifier := notify.NewSlackNotifier(api, cfg.LoggingChannel, logger)

	var faultOpts []faultlog.Option
	if cfg.Debug {
		faultOpts = append(faultOpts, faultlog.WithForwarder(notifier))
	}
	faults, err := faultlog.New(cfg.LogDir, logger, faultOpts...)
	if err != nil {
		return nil, fmt.Errorf("open fault log: %w", err)
	}

	mem, err := memory.New(cfg.LogDir, personaInstructions, logger)
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}

	transport := realtime.NewClient(realtime.Config{
		URL:                cfg.realtimeURL(),
		APIKey:             cfg.OpenAIAPIKey,
		TranscriptionModel: cfg.TranscriptionModel,
		ReconnectDelay:     cfg.ReconnectDelay,
	}, mem, logger)

	pa := audio.NewPortAudio()
	output := audio.NewOutput(pa, media.PlaybackFormat, logger, faults)
	capture := audio.NewCapture(pa, media.CaptureFormat, logger, faults)

	controller, err := session.New(session.Config{
		Transport: transport,
		Output:    output,
		Capture:   capture,
		Memory:    mem,
		Notifier:  notifier,
		Faults:    faults,
		Logger:    logger,
		Channel:   cfg.LoggingChannel,
		BotIdentity: &notify.Identity{
			Username: botUsername,
			IconURL:  botIconURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build session controller: %w", err)
	}

	socket := socketmode.New(api)
	interviewer := assistant.New(openai.NewClient(cfg.OpenAIAPIKey), "", logger)

	return &App{
		cfg:         cfg,
		logger:      logger,
		slack:       api,
		socket:      socket,
		notifier:    notifier,
		faults:      faults,
		memory:      mem,
		portaudio:   pa,
		controller:  controller,
		interviewer: interviewer,
	}, nil
}

// Run starts the voice session and the Slack message loop, then blocks until
// ctx is cancelled. Only startup failures return an error; everything after
// that is absorbed by the fault logger.
func (a *App) Run(ctx context.Context) error {
	defer a.shutdown()

	// Announce before the session begins so a dead process is visible even
	// when the voice path never comes up.
	if err := a.notifier.PostMessage(ctx, a.cfg.LoggingChannel, "starting up the voicebot", nil); err != nil {
		return fmt.Errorf("startup notice: %w", err)
	}

	if err := a.controller.Start(ctx); err != nil {
		return fmt.Errorf("start voice session: %w", err)
	}
	a.logger.Info("voice session started",
		slog.String("model", a.cfg.RealtimeModel),
		slog.String("channel", a.cfg.LoggingChannel))

	go func() {
		a.faults.Guard(faultlog.ClassNotify, "socket-mode", func() error {
			return a.socket.RunContext(ctx)
		})
	}()
	go a.messageLoop(ctx)

	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

func (a *App) shutdown() {
	a.controller.Stop()
	a.portaudio.Terminate()
	if err := a.memory.Close(); err != nil {
		a.logger.Warn("closing conversation log", slog.String("error", err.Error()))
	}
	if err := a.faults.Close(); err != nil {
		a.logger.Warn("closing fault log", slog.String("error", err.Error()))
	}
}
