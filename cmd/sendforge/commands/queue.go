package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sendforge/sendforge/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the delivery queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by status",
	Run: func(cmd *cobra.Command, args []string) {
		withSupervisor(func(sup *queue.Supervisor) error {
			stats, err := sup.GetQueueStats(context.Background())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
			fmt.Fprintf(w, "processing\t%d\n", stats.Processing)
			fmt.Fprintf(w, "sent\t%d\n", stats.Sent)
			fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
			fmt.Fprintf(w, "cancelled\t%d\n", stats.Cancelled)
			fmt.Fprintf(w, "total\t%d\n", stats.Total)
			return w.Flush()
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [campaign-id]",
	Short: "Requeue failed messages, optionally scoped to one campaign",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		campaignID := ""
		if len(args) == 1 {
			campaignID = args[0]
		}
		withSupervisor(func(sup *queue.Supervisor) error {
			affected, err := sup.RetryFailedMessages(context.Background(), campaignID)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d failed messages\n", affected)
			return nil
		})
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <campaign-id>",
	Short: "Cancel pending messages for a campaign",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withSupervisor(func(sup *queue.Supervisor) error {
			affected, err := sup.CancelPendingMessages(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Cancelled %d pending messages\n", affected)
			return nil
		})
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup [days]",
	Short: "Delete terminal messages older than the given number of days",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		days := cfg.Queue.RetentionDays
		if len(args) == 1 {
			parsed, err := strconv.Atoi(args[0])
			if err != nil || parsed <= 0 {
				fmt.Fprintln(os.Stderr, "Error: days must be a positive integer")
				os.Exit(1)
			}
			days = parsed
		}
		withSupervisor(func(sup *queue.Supervisor) error {
			deleted, err := sup.CleanupOldMessages(context.Background(), days)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d messages older than %d days\n", deleted, days)
			return nil
		})
	},
}

var queueClearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Delete all terminally failed messages",
	Run: func(cmd *cobra.Command, args []string) {
		withSupervisor(func(sup *queue.Supervisor) error {
			deleted, err := sup.ClearFailedMessages(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d failed messages\n", deleted)
			return nil
		})
	},
}

// withSupervisor builds a supervisor over the configured store for a
// one-shot control operation. Workers are never started here; these
// commands only touch the durable queue state.
func withSupervisor(fn func(*queue.Supervisor) error) {
	supervisor, store, err := buildSupervisor(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := fn(supervisor); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueCleanupCmd)
	queueCmd.AddCommand(queueClearFailedCmd)
	rootCmd.AddCommand(queueCmd)
}
