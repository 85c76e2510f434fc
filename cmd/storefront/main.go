// Command storefront runs the checkout API and the event consumer.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "storefront",
		Short:        "Storefront checkout and payment service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "env file loaded before the environment")

	root.AddCommand(
		newServeCmd(&envFile),
		newConsumeCmd(&envFile),
		newTokenCmd(&envFile),
	)
	return root
}

// newLogger builds the process logger. LOG_FORMAT=text selects the text handler.
func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
