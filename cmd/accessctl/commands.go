package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/AccessGate/internal/pkg/audit"
	"github.com/ManuelReschke/AccessGate/internal/pkg/billing"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the grace and access-expiry sweeps once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Stop()

			grace, graceErr := eng.Sweeper.SweepExpiredGrace(ctx)
			expired, accessErr := eng.Sweeper.SweepExpiredAccess(ctx)
			audit.BestEffort(ctx, eng.Recorder, audit.Entry{
				Actor:   actorName,
				Action:  audit.ActionGraceSweep,
				Details: map[string]interface{}{"grace_expired": grace, "access_expired": expired},
			})
			if err := printJSON(map[string]int{"grace_expired": grace, "access_expired": expired}); err != nil {
				return err
			}
			if graceErr != nil {
				return graceErr
			}
			return accessErr
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job queue counters and depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Stop()

			var out []jobqueue.Stats
			for _, q := range eng.Manager.Queues() {
				s, err := q.Stats(cmd.Context())
				if err != nil {
					return err
				}
				out = append(out, s)
			}
			return printJSON(out)
		},
	}
}

func parseDirection(raw string) (jobqueue.Direction, error) {
	d := jobqueue.Direction(raw)
	if !d.Valid() {
		return "", fmt.Errorf("unknown queue %q (want grant or revoke)", raw)
	}
	return d, nil
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [grant|revoke]",
		Short: "List dead-letter entries of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, err := parseDirection(args[0])
			if err != nil {
				return err
			}
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Stop()

			entries, err := eng.Manager.Queue(direction).ListDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "replay [grant|revoke] [dead-letter-id]",
		Short: "Replay one dead-letter entry after checking its current state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, err := parseDirection(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Stop()

			result, err := eng.Manager.Queue(direction).Replay(ctx, args[1], eng.Processor)
			audit.BestEffort(ctx, eng.Recorder, audit.Entry{
				Actor:   actorName,
				Action:  audit.ActionDeadLetterReplay,
				JobID:   args[1],
				Details: map[string]interface{}{"queue": string(direction)},
			}.WithOutcome(string(result), err))
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"result": string(result)})
		},
	})

	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and reprocess stored payment events",
	}

	failed := &cobra.Command{
		Use:   "failed",
		Short: "List events that were stored but not processed",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Stop()

			events, err := eng.Pipeline.Store().ListFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for i := range events {
				events[i].RawPayload = ""
			}
			return printJSON(events)
		},
	}
	failed.Flags().IntP("limit", "n", 50, "Maximum results")
	cmd.AddCommand(failed)

	cmd.AddCommand(&cobra.Command{
		Use:   "reprocess [event-id]",
		Short: "Re-run resolution and reconciliation for a stored event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Stop()

			res, err := eng.Pipeline.Reprocess(ctx, args[0])
			audit.BestEffort(ctx, eng.Recorder, billing.ReprocessEntry(actorName, "", args[0], res, err))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	})

	return cmd
}
