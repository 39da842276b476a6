// Package outbox implements eventflow's at-least-once publication guarantee:
// events are durably recorded before the caller of storeForPublishing gets
// an acknowledgement, then replayed onto a Transport (the local dispatch
// engine or the Kafka bridge) by a background worker with bounded
// exponential backoff between retries.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eventflow-io/eventflow/pkg/eventbus"
	eventflowlog "github.com/eventflow-io/eventflow/pkg/log"
	"github.com/eventflow-io/eventflow/pkg/retry"
)

// Entry is one durable record of an event awaiting publication, per spec §3.
type Entry struct {
	ID            uuid.UUID
	Event         *eventbus.Event
	Status        Status
	CreatedAt     time.Time
	ScheduledAt   time.Time
	LastAttemptAt time.Time
	RetryCount    int
	LastError     string
}

// Transport delivers an event to wherever the outbox is fanning events out
// to: the local dispatch engine (Bus.Publish, with its own retry/DLQ
// machinery) or the Kafka bridge. A nil error means the event is considered
// published; idempotency on the far side is the transport's job, not the
// outbox's (spec §4.6).
type Transport interface {
	Publish(ctx context.Context, event *eventbus.Event) error
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(ctx context.Context, event *eventbus.Event) error

func (f TransportFunc) Publish(ctx context.Context, event *eventbus.Event) error {
	return f(ctx, event)
}

// Config parameterizes an Outbox.
type Config struct {
	Store           Store
	Transport       Transport
	RetryPolicy     retry.Policy
	PollInterval    time.Duration
	RetentionPeriod time.Duration
	MaxRetries      int
	Metrics         eventbus.MetricsSink
}

// DefaultConfig returns sensible defaults: a one-second poll, a one-hour
// retention for terminal entries, and the package's default retry policy.
func DefaultConfig(store Store, transport Transport) Config {
	return Config{
		Store:           store,
		Transport:       transport,
		RetryPolicy:     retry.DefaultPolicy(),
		PollInterval:    time.Second,
		RetentionPeriod: time.Hour,
		MaxRetries:      5,
		Metrics:         eventbus.NoopMetrics{},
	}
}

// Outbox is the durable queue of events awaiting publication.
type Outbox struct {
	store     Store
	transport Transport
	policy    retry.Policy
	pollEvery time.Duration
	retention time.Duration
	maxRetries int
	metrics   eventbus.MetricsSink
	logger    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds an Outbox from cfg. cfg.Store and cfg.Transport must be set.
func New(cfg Config) *Outbox {
	if cfg.Metrics == nil {
		cfg.Metrics = eventbus.NoopMetrics{}
	}
	return &Outbox{
		store:      cfg.Store,
		transport:  cfg.Transport,
		policy:     cfg.RetryPolicy,
		pollEvery:  cfg.PollInterval,
		retention:  cfg.RetentionPeriod,
		maxRetries: cfg.MaxRetries,
		metrics:    cfg.Metrics,
		logger:     eventflowlog.WithComponent("outbox"),
		stopCh:     make(chan struct{}),
	}
}

// StoreForPublishing durably records event as PENDING, ready for immediate
// delivery, before returning. Spec §8 property 5: this must complete before
// the caller is acknowledged.
func (o *Outbox) StoreForPublishing(ctx context.Context, event *eventbus.Event) (*Entry, error) {
	return o.storeEntry(ctx, event, StatusPending, time.Now().UTC())
}

// ScheduleForPublishing durably records event as SCHEDULED, not eligible
// for delivery until notBefore.
func (o *Outbox) ScheduleForPublishing(ctx context.Context, event *eventbus.Event, notBefore time.Time) (*Entry, error) {
	return o.storeEntry(ctx, event, StatusScheduled, notBefore)
}

func (o *Outbox) storeEntry(_ context.Context, event *eventbus.Event, status Status, scheduledAt time.Time) (*Entry, error) {
	if event == nil {
		return nil, errors.New("outbox: event is nil")
	}
	entry := &Entry{
		ID:          uuid.New(),
		Event:       event,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
		ScheduledAt: scheduledAt,
	}
	if err := o.store.Save(entry); err != nil {
		return nil, fmt.Errorf("outbox: store entry: %w", err)
	}
	return entry, nil
}

// ProcessReadyEvents attempts delivery for every PENDING/SCHEDULED entry
// whose ScheduledAt has elapsed, plus any entry left in PUBLISHING by an
// attempt that never finished (e.g. a crash mid-delivery), and reports how
// many it attempted.
func (o *Outbox) ProcessReadyEvents(ctx context.Context) (int, error) {
	due := o.store.ListDue(time.Now().UTC(), StatusPending, StatusScheduled, StatusPublishing)
	for _, entry := range due {
		o.attempt(ctx, entry)
	}
	return len(due), nil
}

// RetryFailedEvents attempts delivery for every FAILED entry whose backoff
// delay has elapsed and whose retry count is still below maxRetries.
// Entries that exhausted their budget are left in FAILED and are skipped
// here indefinitely; only an explicit CancelEvent moves them again
// (ScheduleForPublishing records the event as a new, separate entry).
func (o *Outbox) RetryFailedEvents(ctx context.Context) (int, error) {
	due := o.store.ListDue(time.Now().UTC(), StatusFailed)
	attempted := 0
	for _, entry := range due {
		if o.maxRetries > 0 && entry.RetryCount >= o.maxRetries {
			continue
		}
		o.attempt(ctx, entry)
		attempted++
	}
	return attempted, nil
}

// attempt transitions entry through PUBLISHING and delivers it, marking the
// terminal state itself.
func (o *Outbox) attempt(ctx context.Context, entry *Entry) {
	entry.Status = StatusPublishing
	entry.LastAttemptAt = time.Now().UTC()
	if err := o.store.Save(entry); err != nil {
		o.logger.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("failed to mark entry publishing")
		return
	}

	err := o.transport.Publish(ctx, entry.Event)
	if err == nil {
		if markErr := o.MarkAsPublished(ctx, entry.ID); markErr != nil {
			o.logger.Error().Err(markErr).Str("outbox_id", entry.ID.String()).Msg("failed to mark entry published")
		}
		o.metrics.RecordProcessed(entry.Event.Type, time.Since(entry.LastAttemptAt))
		return
	}

	if markErr := o.MarkAsFailed(ctx, entry.ID, err); markErr != nil {
		o.logger.Error().Err(markErr).Str("outbox_id", entry.ID.String()).Msg("failed to mark entry failed")
	}
	o.metrics.RecordFailed(entry.Event.Type, eventbus.ErrTransportFailure, time.Since(entry.LastAttemptAt))
}

// MarkAsPublished transitions an entry to PUBLISHED.
func (o *Outbox) MarkAsPublished(_ context.Context, id uuid.UUID) error {
	entry, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("outbox: no entry with id %s", id)
	}
	entry.Status = StatusPublished
	entry.LastAttemptAt = time.Now().UTC()
	return o.store.Save(entry)
}

// MarkAsFailed records the failure, pushing ScheduledAt out by the retry
// policy's backoff. Once RetryCount reaches maxRetries the entry stays
// FAILED permanently: RetryFailedEvents skips entries at or past that
// bound, so exhaustion is enforced there rather than by the schedule.
func (o *Outbox) MarkAsFailed(_ context.Context, id uuid.UUID, cause error) error {
	entry, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("outbox: no entry with id %s", id)
	}
	entry.RetryCount++
	entry.LastError = cause.Error()
	entry.Status = StatusFailed
	entry.LastAttemptAt = time.Now().UTC()
	entry.ScheduledAt = time.Now().UTC().Add(o.policy.Delay(entry.RetryCount))
	return o.store.Save(entry)
}

// CancelEvent marks a still-pending entry CANCELLED so it is never
// delivered.
func (o *Outbox) CancelEvent(_ context.Context, id uuid.UUID) error {
	entry, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("outbox: no entry with id %s", id)
	}
	entry.Status = StatusCancelled
	return o.store.Save(entry)
}

// CleanupOldEvents removes PUBLISHED/CANCELLED entries older than
// olderThan and reports how many were removed.
func (o *Outbox) CleanupOldEvents(olderThan time.Duration) (int, error) {
	stale := o.store.ListStale(time.Now().UTC().Add(-olderThan))
	for _, e := range stale {
		if err := o.store.Delete(e.ID); err != nil {
			return 0, fmt.Errorf("outbox: cleanup entry %s: %w", e.ID, err)
		}
	}
	return len(stale), nil
}

// Start launches the background poll loop: ProcessReadyEvents and
// RetryFailedEvents run every pollEvery; cleanup runs every tenth of the
// retention period (at most once a second, or once a minute when retention
// is not positive).
func (o *Outbox) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.run(ctx)
}

func (o *Outbox) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.pollEvery)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(o.retentionCleanupInterval())
	defer cleanupTicker.Stop()

	o.logger.Info().Msg("outbox worker started")

	for {
		select {
		case <-ticker.C:
			if _, err := o.ProcessReadyEvents(ctx); err != nil {
				o.logger.Error().Err(err).Msg("process ready events failed")
			}
			if _, err := o.RetryFailedEvents(ctx); err != nil {
				o.logger.Error().Err(err).Msg("retry failed events failed")
			}
		case <-cleanupTicker.C:
			if n, err := o.CleanupOldEvents(o.retention); err != nil {
				o.logger.Error().Err(err).Msg("cleanup failed")
			} else if n > 0 {
				o.logger.Debug().Int("removed", n).Msg("cleaned up stale outbox entries")
			}
		case <-ctx.Done():
			o.logger.Info().Msg("outbox worker stopped (context cancelled)")
			return
		case <-o.stopCh:
			o.logger.Info().Msg("outbox worker stopped")
			return
		}
	}
}

// Stop halts the background worker and waits for it to exit.
func (o *Outbox) Stop() {
	o.once.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

func (o *Outbox) retentionCleanupInterval() time.Duration {
	if o.retention <= 0 {
		return time.Minute
	}
	interval := o.retention / 10
	if interval < time.Second {
		return time.Second
	}
	return interval
}
