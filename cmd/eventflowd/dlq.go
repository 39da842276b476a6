package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/eventflow-io/eventflow/pkg/deadletter"
	"github.com/eventflow-io/eventflow/pkg/eventbus"
	"github.com/eventflow-io/eventflow/pkg/outbox"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and act on dead-lettered events",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events, most recent first",
	RunE:  runDLQList,
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue ID",
	Short: "Requeue a dead-lettered event onto the outbox for redelivery",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRequeue,
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove dead-lettered events older than --older-than",
	RunE:  runDLQPurge,
}

func init() {
	for _, cmd := range []*cobra.Command{dlqListCmd, dlqRequeueCmd, dlqPurgeCmd} {
		cmd.Flags().String("data-dir", "./eventflow-data", "Directory holding the dead-letter bbolt store")
	}
	dlqListCmd.Flags().Int("limit", 50, "Maximum number of entries to print")
	dlqPurgeCmd.Flags().Duration("older-than", 30*24*time.Hour, "Purge entries whose last attempt is older than this")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
}

func openDLQ(dataDir string) (*deadletter.Queue, *deadletter.BoltStore, error) {
	store, err := deadletter.NewBoltStore(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	queue, err := deadletter.WithPersistence(deadletter.NewQueue(), store)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("restore dead-letter queue: %w", err)
	}
	return queue, store, nil
}

func runDLQList(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	limit, _ := cmd.Flags().GetInt("limit")

	queue, store, err := openDLQ(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	entries := queue.List(limit)
	if len(entries) == 0 {
		fmt.Println("No dead-lettered events")
		return nil
	}

	fmt.Printf("%-36s %-24s %-16s %-10s %s\n", "ID", "EVENT TYPE", "KIND", "ATTEMPTS", "LAST ATTEMPT")
	for _, e := range entries {
		fmt.Printf("%-36s %-24v %-16s %-10d %s\n",
			e.ID, e.Original.Type, e.Kind, e.AttemptCount, e.LastAttemptTime.Format(time.RFC3339))
	}
	return nil
}

func runDLQRequeue(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}

	queue, dlqStore, err := openDLQ(dataDir)
	if err != nil {
		return err
	}
	defer dlqStore.Close()

	outboxStore, err := outbox.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open outbox store: %w", err)
	}
	defer outboxStore.Close()

	pub := &outboxPublisher{store: outboxStore}
	if _, err := queue.Requeue(context.Background(), id, pub); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}

	fmt.Printf("Requeued %s onto the outbox; it will be redelivered when eventflowd run next processes the outbox in this data directory.\n", id)
	return nil
}

func runDLQPurge(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	queue, store, err := openDLQ(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	n := queue.Purge(olderThan)
	fmt.Printf("Purged %d dead-lettered event(s) older than %s\n", n, olderThan)
	return nil
}

// outboxPublisher adapts an outbox.Store to deadletter.Publisher: requeuing
// a dead-lettered event writes it straight into the durable outbox rather
// than requiring a live, in-process Bus, so the CLI can requeue into the
// same data directory that eventflowd run uses. bbolt locks the file
// exclusively, so this cannot run while eventflowd run holds that store.
type outboxPublisher struct {
	store outbox.Store
}

func (p *outboxPublisher) Publish(_ context.Context, event *eventbus.Event) (*eventbus.Completion, error) {
	entry := &outbox.Entry{
		ID:          uuid.New(),
		Event:       event,
		Status:      outbox.StatusPending,
		CreatedAt:   time.Now().UTC(),
		ScheduledAt: time.Now().UTC(),
	}
	if err := p.store.Save(entry); err != nil {
		return nil, fmt.Errorf("save outbox entry: %w", err)
	}
	return nil, nil
}
