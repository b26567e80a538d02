package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayd/internal/config"
	"github.com/busybox42/relayd/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue inspection and maintenance commands",
}

func init() {
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue depths",
		RunE:  queueStats,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-letter items",
		RunE:  queueList,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "flush [main|retry|ratelimit|dead_letter|all]",
		Short: "Empty a queue",
		Args:  cobra.ExactArgs(1),
		RunE:  queueFlush,
	})
}

// openQueues connects a queue manager from the configured backend. The
// caller must Close the returned backend.
func openQueues() (queue.Backend, *queue.Manager, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	backend, err := queue.NewBackend(queue.Config{
		Type:     cfg.Queue.Type,
		Host:     cfg.Queue.Host,
		Port:     cfg.Queue.Port,
		Password: cfg.Queue.Password,
		Database: cfg.Queue.Database,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create queue backend: %w", err)
	}
	if err := backend.Connect(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect queue backend: %w", err)
	}

	return backend, queue.NewManager(backend, queue.DefaultManagerConfig()), nil
}

func queueStats(cmd *cobra.Command, args []string) error {
	backend, mgr, err := openQueues()
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := mgr.GetStats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Queue\tDepth")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "main\t%d\n", stats.Main)
	fmt.Fprintf(w, "retry\t%d\n", stats.Retry)
	fmt.Fprintf(w, "ratelimit\t%d\n", stats.RateLimit)
	fmt.Fprintf(w, "dead_letter\t%d\n", stats.DeadLetter)
	fmt.Fprintf(w, "total\t%d\n", stats.Total)
	return w.Flush()
}

func queueList(cmd *cobra.Command, args []string) error {
	backend, mgr, err := openQueues()
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	items, err := mgr.ListDeadLetter(ctx, 100)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead-letter items")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRecord\tSource\tMessage\tAttempts\tReason")
	fmt.Fprintln(w, "--\t------\t------\t-------\t--------\t------")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			item.ID,
			item.RecordID,
			item.SourceEndpointID,
			item.SourceMessageID,
			item.Attempts,
			item.Reason,
		)
	}
	return w.Flush()
}

func queueFlush(cmd *cobra.Command, args []string) error {
	backend, mgr, err := openQueues()
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var names []queue.Name
	switch args[0] {
	case "all":
		names = queue.AllQueues
	case "main":
		names = []queue.Name{queue.Main}
	case "retry":
		names = []queue.Name{queue.Retry}
	case "ratelimit", "rate_limit":
		names = []queue.Name{queue.RateLimit}
	case "dead_letter", "deadletter":
		names = []queue.Name{queue.DeadLetter}
	default:
		return fmt.Errorf("unknown queue: %s", args[0])
	}

	total := 0
	for _, name := range names {
		n, err := mgr.Flush(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to flush %s: %w", name, err)
		}
		total += n
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Flushed %d item(s) from %s\n", total, args[0])
	return nil
}
