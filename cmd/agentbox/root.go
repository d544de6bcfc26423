package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/davicafu/agentbox/internal/config"
	"github.com/davicafu/agentbox/pkg/logger"
)

// RootOptions son los flags globales.
type RootOptions struct {
	LogLevel string
	cfg      *config.Config
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "agentbox",
		Short: "agentbox - transactional outbox queue and machine lifecycle",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.LogLevel = opts.LogLevel
			}
			logger.Init(cfg.LogLevel)
			opts.cfg = cfg
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewPokeCommand(opts))

	return cmd
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
