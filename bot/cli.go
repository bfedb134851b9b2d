package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/learninglab/voicebot/pkg/version"
)

// RunApp is the process entry point.
func RunApp() error {
	rootCmd := &cobra.Command{
		Use:   "voicebot",
		Short: "Realtime voice interview bot",
		Long:  "Bidirectional voice session against the OpenAI realtime API with Slack transcript relay",
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd.Execute()
}

func newRunCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Verbose logging and fault forwarding to Slack")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetVersionInfo())
		},
	}
}

func runApp(debug bool) error {
	logger := newLogger(debug)

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	cfg.Debug = cfg.Debug || debug

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}

// Dev mode restarts the bot whenever a source file changes.
func newDevCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dev",
		Short: "Development mode with hot reload",
		Long:  "Run with file watching, restart on change, and debug logging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDev()
		},
	}
}

func runDev() error {
	logger := newLogger(true)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.Walk(".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if filepath.Base(path) == DefaultLogDir {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set up file watching: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	start := func() (context.CancelFunc, chan error) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			cfg, err := LoadConfig()
			if err != nil {
				done <- err
				return
			}
			cfg.Debug = true
			app, err := NewApp(cfg, logger)
			if err != nil {
				done <- err
				return
			}
			done <- app.Run(ctx)
		}()
		return cancel, done
	}

	cancel, done := start()
	for {
		select {
		case event := <-watcher.Events:
			if event.Op&fsnotify.Write == fsnotify.Write {
				logger.Info("file modified, restarting", slog.String("file", event.Name))
				cancel()
				<-done
				cancel, done = start()
			}
		case err := <-watcher.Errors:
			logger.Warn("file watcher error", slog.String("error", err.Error()))
		case <-sigChan:
			logger.Info("shutting down")
			cancel()
			return <-done
		case err := <-done:
			if err == nil {
				return nil
			}
			logger.Error("bot exited", slog.String("error", err.Error()))
			time.Sleep(2 * time.Second)
			cancel, done = start()
		}
	}
}
