// Command emberkv runs the TLS-terminating front end for the reactor
// core: it owns the listeners, the epoll reactor, and the process-wide
// tlscore.Core, and wires accepted connections into it. The command
// dispatcher, replication snapshot producer/consumer, and cluster-bus
// framing are out of scope here exactly as they are for internal/tlscore
// itself — this binary stops at driving the handshake and handing the
// post-handshake byte stream to a placeholder read loop.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"emberkv/internal/logging"
)

var version = "dev"

func main() {
	// Base handler allows every level through; ComponentFilterHandler does
	// the actual filtering so --log-level can raise or lower verbosity per
	// component after flags are parsed.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "emberkv",
		Short: "TLS-terminating reactor front end",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			overrides, _ := cmd.Flags().GetStringSlice("log-level")
			return applyComponentLogLevels(filterHandler, overrides)
		},
	}

	rootCmd.PersistentFlags().StringSlice("log-level", nil,
		"per-component minimum log level override, format component=level (repeatable), e.g. tlscore=debug")

	rootCmd.AddCommand(
		newServeCmd(logger),
		newGenCertCmd(),
		newRenewCertCmd(logger),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyComponentLogLevels parses "component=level" pairs and installs each
// as a per-component override on filterHandler, the mechanism
// logging.ComponentFilterHandler exists for.
func applyComponentLogLevels(filterHandler *logging.ComponentFilterHandler, overrides []string) error {
	for _, o := range overrides {
		component, levelStr, ok := strings.Cut(o, "=")
		if !ok {
			return fmt.Errorf("invalid --log-level %q: want component=level", o)
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(levelStr)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", o, err)
		}
		filterHandler.SetLevel(component, level)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
