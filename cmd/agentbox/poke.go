package main

import (
	"github.com/spf13/cobra"

	"github.com/davicafu/agentbox/pkg/logger"
)

func NewPokeCommand(opts *RootOptions) *cobra.Command {
	var (
		message   string
		failTimes int
		process   bool
	)

	cmd := &cobra.Command{
		Use:   "poke",
		Short: "Enqueue a testing:poke event",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg, logger.Logger())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.queueService.Poke(cmd.Context(), message, failTimes)
			if err != nil {
				return err
			}
			out := map[string]any{"event_id": res.EventID, "matched": res.Matched}

			if process {
				summary, err := a.queueService.ProcessQueue(cmd.Context())
				if err != nil {
					return err
				}
				out["summary"] = summary
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "hello", "greeting to log")
	cmd.Flags().IntVar(&failTimes, "fail-times", 0, "force the consumer to fail this many times")
	cmd.Flags().BoolVar(&process, "process", false, "process the queue right after enqueueing")
	return cmd
}
