package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/metrics"
	"github.com/examly/billing/pkg/models"
)

// Processor applies one verified provider event.
type Processor interface {
	Process(ctx context.Context, event stripe.Event) error
}

// Config tunes the worker.
type Config struct {
	// MaxAttempts bounds processing attempts per event before dead-lettering.
	MaxAttempts int
	// InitialBackoff is the delay after the first failed attempt; it doubles
	// per attempt.
	InitialBackoff time.Duration
	// Workers is the number of concurrent consumers.
	Workers int
	// Retryable classifies errors; nil means every error is retryable.
	Retryable func(error) bool
}

// Worker consumes recorded webhook events asynchronously. The HTTP handler
// only verifies, records and enqueues; all provider-state reconciliation
// happens here, with retries and a dead-letter parking lot, so the provider
// always gets a fast acknowledgment.
type Worker struct {
	db        *gorm.DB
	processor Processor
	metrics   *metrics.Metrics
	log       logger.Logger
	cfg       Config

	queue chan uint
	wg    sync.WaitGroup
	stop  chan struct{}
}

// NewWorker creates a webhook worker.
func NewWorker(db *gorm.DB, processor Processor, m *metrics.Metrics, log logger.Logger, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if log == nil {
		log = logger.Default()
	}
	return &Worker{
		db:        db,
		processor: processor,
		metrics:   m,
		log:       log,
		cfg:       cfg,
		queue:     make(chan uint, 256),
		stop:      make(chan struct{}),
	}
}

// Record persists a verified event keyed on the provider event id. A replayed
// delivery hits the unique index and reports created=false; the original row
// keeps its processing state.
func (w *Worker) Record(ctx context.Context, event stripe.Event) (*models.WebhookEvent, bool, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	record := models.WebhookEvent{
		StripeEventID:  event.ID,
		EventType:      string(event.Type),
		Payload:        payload,
		EventCreatedAt: time.Unix(event.Created, 0),
		Status:         models.WebhookEventPending,
	}
	result := w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_event_id"}},
		DoNothing: true,
	}).Create(&record)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to record event %s: %w", event.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		w.log.Info("duplicate event delivery", "stripe_event_id", event.ID)
		return &record, false, nil
	}
	return &record, true, nil
}

// Enqueue schedules a recorded event for processing. A full queue is not an
// error: the row stays pending and the next RequeuePending pass picks it up.
func (w *Worker) Enqueue(eventID uint) {
	select {
	case w.queue <- eventID:
	default:
		w.log.Warn("webhook queue full, leaving event pending", "event_id", eventID)
	}
}

// RequeuePending re-enqueues rows still pending, oldest first. Run at startup
// to recover events recorded before a crash or queue overflow.
func (w *Worker) RequeuePending(ctx context.Context) error {
	var rows []models.WebhookEvent
	err := w.db.WithContext(ctx).
		Where("status = ?", models.WebhookEventPending).
		Order("event_created_at ASC").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to load pending events: %w", err)
	}
	for _, row := range rows {
		w.Enqueue(row.ID)
	}
	if len(rows) > 0 {
		w.log.Info("requeued pending webhook events", "count", len(rows))
	}
	return nil
}

// Start launches the consumer goroutines.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-w.stop:
					return
				case <-ctx.Done():
					return
				case id := <-w.queue:
					w.handle(ctx, id)
				}
			}
		}()
	}
	w.log.Info("webhook worker started", "workers", w.cfg.Workers)
}

// Stop drains the workers. Events left in the queue stay pending in the
// database and are recovered on the next start.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// handle processes one recorded event through the retry loop.
func (w *Worker) handle(ctx context.Context, eventID uint) {
	var row models.WebhookEvent
	err := w.db.WithContext(ctx).First(&row, eventID).Error
	if err != nil {
		w.log.Error("failed to load webhook event", "event_id", eventID, "error", err)
		return
	}
	if row.Status != models.WebhookEventPending {
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(row.Payload, &event); err != nil {
		w.deadLetter(ctx, &row, fmt.Errorf("stored payload unreadable: %w", err))
		return
	}

	backoff := w.cfg.InitialBackoff
	for attempt := row.Attempts + 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		err := w.processor.Process(ctx, event)

		row.Attempts = attempt
		if err == nil {
			now := time.Now()
			row.Status = models.WebhookEventProcessed
			row.LastError = ""
			row.ProcessedAt = &now
			if serr := w.db.WithContext(ctx).Save(&row).Error; serr != nil {
				w.log.Error("failed to mark event processed", "stripe_event_id", row.StripeEventID, "error", serr)
			}
			return
		}

		row.LastError = err.Error()
		if w.cfg.Retryable != nil && !w.cfg.Retryable(err) {
			w.deadLetter(ctx, &row, err)
			return
		}

		w.log.Warn("webhook event attempt failed",
			"stripe_event_id", row.StripeEventID,
			"attempt", attempt, "max_attempts", w.cfg.MaxAttempts, "error", err)
		if serr := w.db.WithContext(ctx).Save(&row).Error; serr != nil {
			w.log.Error("failed to persist attempt", "stripe_event_id", row.StripeEventID, "error", serr)
		}

		if attempt == w.cfg.MaxAttempts {
			w.deadLetter(ctx, &row, err)
			return
		}

		select {
		case <-time.After(backoff):
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
}

// deadLetter parks an event after exhausted or hopeless processing and raises
// an alert. The row keeps the payload for manual replay.
func (w *Worker) deadLetter(ctx context.Context, row *models.WebhookEvent, cause error) {
	row.Status = models.WebhookEventDeadLetter
	row.LastError = cause.Error()
	if err := w.db.WithContext(ctx).Save(row).Error; err != nil {
		w.log.Error("failed to persist dead letter", "stripe_event_id", row.StripeEventID, "error", err)
	}

	if w.metrics != nil {
		w.metrics.WebhookDeadLetterTotal.Inc()
	}
	sentry.CaptureException(fmt.Errorf("webhook event %s dead-lettered after %d attempts: %w",
		row.StripeEventID, row.Attempts, cause))

	w.log.Error("webhook event dead-lettered",
		"stripe_event_id", row.StripeEventID,
		"event_type", row.EventType,
		"attempts", row.Attempts,
		"error", cause)
}
