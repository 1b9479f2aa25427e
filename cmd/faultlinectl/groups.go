package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/faultline-io/faultline/internal/query"
)

var errClearNotConfirmed = errors.New("clear deletes every error group; pass --yes to confirm")

func newStatsCommand(open opener) *cobra.Command {
	var (
		minutes string
		project string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print occurrence counts for trailing windows",
		Example: `  faultlinectl stats --minutes "10 60"
  faultlinectl stats --minutes 1440 --project checkout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			windows, err := query.ParseMinutes(minutes)
			if err != nil {
				return err
			}

			return withBackend(cmd.Context(), open, func(b *backend) error {
				counts, err := b.engine.Stats(cmd.Context(), project, windows)
				if err != nil {
					return err
				}

				_, err = fmt.Fprintln(cmd.OutOrStdout(), query.FormatCounts(counts))

				return err
			})
		},
	}

	cmd.Flags().StringVar(&minutes, "minutes", "60", "space separated window sizes in minutes")
	cmd.Flags().StringVar(&project, "project", "", "restrict counts to one project")

	return cmd
}

func newResolveCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <group-id>",
		Short: "Mark an error group resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), open, func(b *backend) error {
				group, err := b.aggregator.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "resolved %s (%s in %s, %d occurrences)\n",
					group.ID, group.Type, group.Project, group.Count)

				return err
			})
		},
	}
}

func newClearCommand(open opener) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every error group and occurrence",
		Long: "Delete every error group and occurrence. Projects and API keys are kept.\n" +
			"Running API servers keep cached groups until their TTL expires; use DELETE /api/v1/groups to clear through a server.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errClearNotConfirmed
			}

			return withBackend(cmd.Context(), open, func(b *backend) error {
				if err := b.aggregator.Clear(cmd.Context()); err != nil {
					return err
				}

				_, err := fmt.Fprintln(cmd.OutOrStdout(), "cleared")

				return err
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all groups")

	return cmd
}
