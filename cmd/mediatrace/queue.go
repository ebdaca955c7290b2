package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/mediatrace/internal/collector"
	"github.com/goodtune/mediatrace/internal/config"
	"github.com/goodtune/mediatrace/internal/entityid"
	"github.com/goodtune/mediatrace/internal/event"
	"github.com/goodtune/mediatrace/internal/queue"
	"github.com/goodtune/mediatrace/internal/storage"
	"github.com/goodtune/mediatrace/internal/transport"
	"github.com/spf13/cobra"
)

var (
	queueLimit int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or manage the persisted delivery queue",
	Long:  `Inspect, deliver or discard the events a collector left in its persisted queue.`,
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List queued events",
	Example: `  mediatrace -c config.yaml queue inspect
  mediatrace queue inspect --limit 10`,
	Args: cobra.NoArgs,
	RunE: runQueueInspect,
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver queued events now",
	Long:  `Send the persisted queue to the configured endpoint in batches. Events that could not be delivered stay queued.`,
	Args:  cobra.NoArgs,
	RunE:  runQueueFlush,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued event",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

func init() {
	queueInspectCmd.Flags().IntVar(&queueLimit, "limit", 0, "Show at most this many events (0 for all)")

	queueCmd.AddCommand(queueInspectCmd)
	queueCmd.AddCommand(queueFlushCmd)
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}

// loadQueue opens the configured storage and reads the persisted queue.
func loadQueue(ctx context.Context) (*config.Config, storage.Store, []queue.Record, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	normalizer, err := entityid.New(entityid.DefaultCacheSize)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}

	records, dropped, err := queue.Load(ctx, store.Durable(), normalizer)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("failed to read queue: %w", err)
	}
	if dropped > 0 {
		_, _ = color.New(color.FgYellow).Fprintf(os.Stderr, "⚠️  Skipped %d unreadable record(s)\n", dropped)
	}
	return cfg, store, records, nil
}

func runQueueInspect(cmd *cobra.Command, args []string) error {
	_, store, records, err := loadQueue(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed)

	_, _ = cyan.Printf("%d queued event(s)\n", len(records))
	if queueLimit > 0 && len(records) > queueLimit {
		records = records[:queueLimit]
	}

	counts := make(map[event.Type]int)
	for _, rec := range records {
		ev := rec.Event
		counts[ev.Type]++
		line := fmt.Sprintf("  %s  %-22s %s/%d", ev.TS, ev.Type, ev.EntityType, ev.EntityID)
		if rec.Attempts > 0 {
			_, _ = red.Printf("%s  (attempts: %d)\n", line, rec.Attempts)
		} else {
			fmt.Println(line)
		}
	}

	if len(counts) > 0 {
		_, _ = cyan.Println("\nBy type:")
		for _, t := range event.AllTypes() {
			if counts[t] > 0 {
				fmt.Printf("  %-22s %d\n", t, counts[t])
			}
		}
	}
	return nil
}

func runQueueFlush(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, store, records, err := loadQueue(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(records) == 0 {
		fmt.Println("✅ Queue is empty")
		return nil
	}

	settings := collector.SettingsFromConfig(cfg.Collector)
	sender := transport.NewHTTPSender(settings.Endpoint, &http.Client{}, settings.RequestTimeout)

	sent := 0
	for len(records) > 0 {
		n := min(settings.MaxBatchSize, len(records))
		batch := make([]event.InteractionEvent, n)
		for i := range batch {
			batch[i] = records[i].Event
		}

		start := time.Now()
		if err := sender.Send(ctx, batch); err != nil {
			var statusErr *transport.StatusError
			if errors.As(err, &statusErr) {
				_, _ = color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "❌ Endpoint rejected batch: %s\n", statusErr.Status)
			} else {
				_, _ = color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "❌ Delivery failed: %v\n", err)
			}
			break
		}
		fmt.Printf("  sent %d event(s) in %s\n", n, time.Since(start).Round(time.Millisecond))
		records = records[n:]
		sent += n
	}

	if err := queue.Save(ctx, store.Durable(), records); err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}

	if len(records) > 0 {
		return fmt.Errorf("delivered %d event(s), %d still queued", sent, len(records))
	}
	_, _ = color.New(color.FgGreen).Printf("✅ Delivered %d event(s) to %s\n", sent, transport.SyncURL(settings.Endpoint))
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	cleared, err := clearQueue(cmd.Context(), store.Durable())
	if err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	if !cleared {
		fmt.Println("Queue already empty")
		return nil
	}
	_, _ = color.New(color.FgGreen).Println("✅ Discarded persisted queue")
	return nil
}

// clearQueue removes the persisted queue blob without decoding it, so a
// corrupt blob can be discarded. It reports whether anything was removed.
func clearQueue(ctx context.Context, kv storage.KV) (bool, error) {
	err := kv.Delete(ctx, storage.KeyQueue)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
