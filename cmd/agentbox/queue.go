package main

import (
	"github.com/spf13/cobra"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	"github.com/davicafu/agentbox/pkg/logger"
)

func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the durable queue",
	}

	cmd.AddCommand(newPeekCommand(opts, false))
	cmd.AddCommand(newPeekCommand(opts, true))
	cmd.AddCommand(newProcessCommand(opts))
	cmd.AddCommand(newPurgeOrphansCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))

	return cmd
}

func newPeekCommand(opts *RootOptions, archive bool) *cobra.Command {
	var f queueDomain.PeekFilter

	use, short := "peek", "List live queue messages"
	if archive {
		use, short = "archive", "List archived queue messages"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg, logger.Logger())
			if err != nil {
				return err
			}
			defer a.Close()

			var msgs []queueDomain.QueueMessage
			if archive {
				msgs, err = a.queueService.PeekArchive(cmd.Context(), f)
			} else {
				msgs, err = a.queueService.PeekQueue(cmd.Context(), f)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msgs)
		},
	}

	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	cmd.Flags().IntVar(&f.MinReadCount, "min-read-count", 0, "only messages read at least this many times")
	return cmd
}

func newProcessCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one processing pass over the visible messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg, logger.Logger())
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.queueService.ProcessQueue(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newPurgeOrphansCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-orphans",
		Short: "Delete live messages whose consumer is no longer registered",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg, logger.Logger())
			if err != nil {
				return err
			}
			defer a.Close()

			purged, err := a.queueService.PurgeOrphans(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), purged)
		},
	}
}

func newStatsCommand(opts *RootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show live counts per consumer and the outcome trend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg, logger.Logger())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.queueService.Stats(cmd.Context(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "trend window in days")
	return cmd
}
