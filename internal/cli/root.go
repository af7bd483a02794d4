// Package cli implements the relay command line: serving the transports,
// listing registered actions and calling an action in-process.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/internal/observability"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for the relay CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "relay - transport-agnostic action server",
		Long:         "Runs named, versioned actions over HTTP, WebSocket, NATS and in-process calls.",
		Version:      fmt.Sprintf("%s (%s)", observability.Version, observability.Commit),
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to configuration file")
	cmd.PersistentFlags().BoolVar(&opts.Verbose, "verbose", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewActionsCommand(opts))
	cmd.AddCommand(NewCallCommand(opts))

	return cmd
}

// load reads the configuration and builds the logger.
func (o *RootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if o.Verbose {
		cfg.Observability.LogLevel = "debug"
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}
