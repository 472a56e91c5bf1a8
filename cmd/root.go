package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samsaffron/llmchat/internal/config"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "llmchat",
	Short: "Chat with local and hosted language models from the terminal",
	Long: `llmchat keeps conversations in threads and sends them to local
llama.cpp models or hosted providers.

Examples:
  llmchat send "explain this stack trace" -f trace.txt
  llmchat send --thread <id> "and how do I fix it?"
  llmchat chat                          # interactive session
  llmchat threads                       # list threads
  llmchat models                        # list configured models
  llmchat config show                   # view configuration`,
	Version:           Version,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		closeLog, err := setupLogging(cfg.Log, debug, os.Stderr)
		if err != nil {
			return err
		}
		logCloser = closeLog
		loadedConfig = cfg
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser()
		}
	},
}

var (
	debug        bool
	loadedConfig *config.Config
	logCloser    func()
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log at debug level")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// setupLogging installs the default slog handler. Logs go to cfg.File when
// set, otherwise to stderr.
func setupLogging(cfg config.LogConfig, debug bool, stderr io.Writer) (func(), error) {
	level := slog.LevelWarn
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if debug {
		level = slog.LevelDebug
	}

	out, closeFn := stderr, func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closeFn = f, func() { f.Close() }
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return closeFn, nil
}
