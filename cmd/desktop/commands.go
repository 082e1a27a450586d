package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/bounceback/backend/internal/engine"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// withApp opens the stack for a one-shot command and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, a *engine.Engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := engine.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and print the result",
	RunE: withApp(func(cmd *cobra.Command, a *engine.Engine, args []string) error {
		result := a.Coordinator.RunSyncPass(cmd.Context(), a.UserID())
		if err := render(cmd.OutOrStdout(), outputFormat, result, func(w io.Writer) error {
			return writeResult(w, result)
		}); err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("sync pass failed with %d error(s)", len(result.Errors))
		}
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status, queue and storage usage",
	RunE: withApp(func(cmd *cobra.Command, a *engine.Engine, args []string) error {
		report, err := a.Coordinator.Report(cmd.Context(), a.UserID())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, report, func(w io.Writer) error {
			return writeReport(w, report)
		})
	}),
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations (sensitive fields redacted)",
	RunE: withApp(func(cmd *cobra.Command, a *engine.Engine, args []string) error {
		ops := a.Coordinator.QueuedOperations()
		return render(cmd.OutOrStdout(), outputFormat, ops, func(w io.Writer) error {
			return writeOperations(w, ops)
		})
	}),
}

var queueRmCmd = &cobra.Command{
	Use:   "rm <operation-id>...",
	Short: "Remove queued operations; the records stay pending for the next pass",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *engine.Engine, args []string) error {
		for _, id := range args {
			if err := a.Coordinator.RemoveQueuedOperation(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
		}
		return nil
	}),
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every queued operation",
	RunE: withApp(func(cmd *cobra.Command, a *engine.Engine, args []string) error {
		n := a.Coordinator.QueueSnapshot().TotalItems
		if err := a.Coordinator.ClearQueue(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d operation(s)\n", n)
		return nil
	}),
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List unresolved conflicts",
	RunE: withApp(func(cmd *cobra.Command, a *engine.Engine, args []string) error {
		conflicts, err := a.Coordinator.ListConflicts(cmd.Context(), a.UserID())
		if err != nil {
			return err
		}
		for i, c := range conflicts {
			conflicts[i] = a.Coordinator.RedactConflict(c)
		}
		return render(cmd.OutOrStdout(), outputFormat, conflicts, func(w io.Writer) error {
			if len(conflicts) == 0 {
				_, err := fmt.Fprintln(w, "No conflicts")
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTITY\tID\tDETECTED")
			for _, c := range conflicts {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.EntityType, c.EntityID, millisAgo(c.DetectedAt))
			}
			return tw.Flush()
		})
	}),
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <entity-type> <id> keep_local|keep_remote",
	Short: "Resolve a conflict by keeping one side",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(cmd *cobra.Command, a *engine.Engine, args []string) error {
		if err := a.Coordinator.ResolveConflict(cmd.Context(), args[0], args[1], models.Resolution(args[2])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s %s (%s)\n", args[0], args[1], args[2])
		return nil
	}),
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueRmCmd, queueClearCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(syncCmd, statusCmd, queueCmd, conflictsCmd)
}
