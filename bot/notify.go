package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// NotificationKind selects the sink a job is delivered through.
type NotificationKind string

const (
	NotificationKindChannel NotificationKind = "channel"
	NotificationKindWebhook NotificationKind = "webhook"
	NotificationKindMail    NotificationKind = "mail"
)

// NotificationState is the lifecycle state of a NotificationJob.
type NotificationState string

const (
	NotificationStateQueued    NotificationState = "queued"
	NotificationStateDelivered NotificationState = "delivered"
	NotificationStateDead      NotificationState = "dead"
)

// ErrDeliveryTransient marks a delivery failure as retryable. Any other
// sink error is treated as permanent and dead-letters the job
// immediately.
var ErrDeliveryTransient = errors.New("transient delivery failure")

// NotificationSink delivers a payload to a target. Implementations report
// transient failures by wrapping ErrDeliveryTransient.
type NotificationSink interface {
	Send(ctx context.Context, target string, payload string) error
}

// NotificationJob is an outbound side-effect descriptor. Jobs are created
// by command handlers, mutated only by the retry scheduler, and removed
// from the queue on success or after retry exhaustion (moved to the
// dead-letter record).
//
//nolint:lll // struct tags can't be split
type NotificationJob struct {
	ID            string            `json:"id" gorm:"primaryKey;type:string"`
	Kind          NotificationKind  `json:"kind" gorm:"type:string;not null"`
	Target        string            `json:"target" gorm:"type:string;not null"`
	Payload       string            `json:"payload" gorm:"type:string"`
	State         NotificationState `json:"state" gorm:"index;type:string"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt int64             `json:"next_attempt_at" gorm:"index"`
	LastError     string            `json:"last_error" gorm:"type:string"`
	ModelUnixTime
}

// NewNotificationJob creates a queued job ready for immediate attempt.
func NewNotificationJob(kind NotificationKind, target, payload string) *NotificationJob {
	return &NotificationJob{
		ID:            ulid.Make().String(),
		Kind:          kind,
		Target:        target,
		Payload:       payload,
		State:         NotificationStateQueued,
		NextAttemptAt: time.Now().UTC().UnixMilli(),
	}
}

func (j NotificationJob) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", j.ID),
		slog.String("kind", string(j.Kind)),
		slog.String("target", j.Target),
		slog.Int("attempts", j.Attempts),
		slog.String("state", string(j.State)),
	)
}

// DeadLetter is the permanent record of a notification job that exhausted
// its retries or failed permanently, kept for operator inspection.
type DeadLetter struct {
	ID       uint             `gorm:"primaryKey" json:"id"`
	JobID    string           `json:"job_id" gorm:"index;not null"`
	Kind     NotificationKind `json:"kind" gorm:"type:string"`
	Target   string           `json:"target" gorm:"type:string"`
	Payload  string           `json:"payload" gorm:"type:string"`
	Attempts int              `json:"attempts"`
	Reason   string           `json:"reason" gorm:"type:string"`
	ModelUnixTime
}

// NotificationGateway queues and retries outbound side effects, decoupled
// from command execution: a slow sink never blocks a scope's lane.
type NotificationGateway struct {
	writeDB      *database
	sinks        map[NotificationKind]NotificationSink
	policy       backoffPolicy
	maxAttempts  int
	pollInterval time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger

	// wake is signaled on enqueue so fresh jobs don't wait a full poll
	wake chan struct{}

	metricDelivered atomic.Int64
	metricDead      atomic.Int64
}

func NewNotificationGateway(
	writeDB *database,
	config *NotifyConfig,
	log *slog.Logger,
) *NotificationGateway {
	if config == nil {
		config = DefaultConfig().Notify
	}
	if log == nil {
		log = slog.Default()
	}
	return &NotificationGateway{
		writeDB: writeDB,
		sinks:   map[NotificationKind]NotificationSink{},
		policy: backoffPolicy{
			Initial: config.RetryInitial,
			Max:     config.RetryMax,
		},
		maxAttempts:  config.MaxAttempts,
		pollInterval: config.PollInterval,
		limiter: rate.NewLimiter(
			rate.Limit(config.RatePerSecond),
			config.RatePerSecond,
		),
		logger: log.With(loggerNameKey, "notifier"),
		wake:   make(chan struct{}, 1),
	}
}

// RegisterSink binds a sink to a notification kind. Jobs of a kind with no
// registered sink fail permanently.
func (g *NotificationGateway) RegisterSink(kind NotificationKind, sink NotificationSink) {
	g.sinks[kind] = sink
}

// Enqueue persists a job for background delivery. Submission is
// fire-and-forget: delivery latency and failures never propagate back to
// the command path.
func (g *NotificationGateway) Enqueue(ctx context.Context, job *NotificationJob) error {
	if _, err := g.writeDB.Create(ctx, job); err != nil {
		return fmt.Errorf("error enqueueing notification: %w", err)
	}
	g.logger.InfoContext(ctx, "enqueued notification", "job", *job)
	select {
	case g.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the delivery scheduler until ctx is canceled.
func (g *NotificationGateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-g.wake:
		}
		g.deliverDue(ctx)
	}
}

// deliverDue attempts all jobs whose next-attempt time has passed.
func (g *NotificationGateway) deliverDue(ctx context.Context) {
	var due []NotificationJob
	err := g.writeDB.DB().WithContext(ctx).Where(
		"state = ? AND next_attempt_at <= ?",
		NotificationStateQueued,
		time.Now().UTC().UnixMilli(),
	).Order("next_attempt_at").Find(&due).Error
	if err != nil {
		g.logger.ErrorContext(ctx, "error fetching due jobs", tint.Err(err))
		return
	}

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		g.attempt(ctx, &due[i])
	}
}

// attempt makes a single delivery attempt and transitions the job:
// delivered on success, rescheduled with backoff on transient failure, or
// dead-lettered on permanent failure or retry exhaustion.
func (g *NotificationGateway) attempt(ctx context.Context, job *NotificationJob) {
	log := g.logger.With("job", *job)

	if err := g.limiter.Wait(ctx); err != nil {
		return
	}

	sink, ok := g.sinks[job.Kind]
	var sendErr error
	if !ok {
		sendErr = fmt.Errorf("no sink registered for kind %q", job.Kind)
	} else {
		sendErr = sink.Send(ctx, job.Target, job.Payload)
	}

	job.Attempts++

	if sendErr == nil {
		if _, err := g.writeDB.Updates(
			ctx, job, map[string]any{
				"state":    NotificationStateDelivered,
				"attempts": job.Attempts,
			},
		); err != nil {
			log.ErrorContext(ctx, "error marking job delivered", tint.Err(err))
		}
		g.metricDelivered.Add(1)
		log.InfoContext(ctx, "delivered notification", "attempts", job.Attempts)
		return
	}

	transient := errors.Is(sendErr, ErrDeliveryTransient)
	if transient && job.Attempts < g.maxAttempts {
		nextAt := time.Now().UTC().Add(g.policy.Delay(job.Attempts))
		if _, err := g.writeDB.Updates(
			ctx, job, map[string]any{
				"attempts":        job.Attempts,
				"next_attempt_at": nextAt.UnixMilli(),
				"last_error":      sendErr.Error(),
			},
		); err != nil {
			log.ErrorContext(ctx, "error rescheduling job", tint.Err(err))
		}
		log.WarnContext(
			ctx,
			"delivery failed, rescheduled",
			"attempts", job.Attempts,
			"next_attempt_at", nextAt,
			tint.Err(sendErr),
		)
		return
	}

	g.deadLetter(ctx, job, sendErr)
}

// deadLetter moves a job to the dead-letter record and stops retrying it.
func (g *NotificationGateway) deadLetter(ctx context.Context, job *NotificationJob, cause error) {
	reason := "retries exhausted"
	if !errors.Is(cause, ErrDeliveryTransient) {
		reason = "permanent failure"
	}

	err := g.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if createErr := tx.Create(
				&DeadLetter{
					JobID:    job.ID,
					Kind:     job.Kind,
					Target:   job.Target,
					Payload:  job.Payload,
					Attempts: job.Attempts,
					Reason:   fmt.Sprintf("%s: %s", reason, cause.Error()),
				},
			).Error; createErr != nil {
				return createErr
			}
			return tx.Model(job).Updates(
				map[string]any{
					"state":      NotificationStateDead,
					"attempts":   job.Attempts,
					"last_error": cause.Error(),
				},
			).Error
		},
	)
	if err != nil {
		g.logger.ErrorContext(ctx, "error dead-lettering job", tint.Err(err))
		return
	}
	g.metricDead.Add(1)
	g.logger.WarnContext(
		ctx,
		"dead-lettered notification",
		"job", *job,
		"reason", reason,
		tint.Err(cause),
	)
}

// webhookSink delivers notification payloads as JSON POSTs to the
// target URL. Server-side errors and network failures are transient;
// client-side rejections are permanent.
type webhookSink struct {
	client *http.Client
}

func newWebhookSink() *webhookSink {
	return &webhookSink{client: &http.Client{Timeout: 30 * time.Second}}
}

func (s *webhookSink) Send(ctx context.Context, target, payload string) error {
	body := fmt.Sprintf("{\"content\": %q}", payload)
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		target,
		strings.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDeliveryTransient, err.Error())
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: webhook returned %d", ErrDeliveryTransient, resp.StatusCode)
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}

// DeadLetters returns the most recent dead-letter records, newest first.
func (g *NotificationGateway) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []DeadLetter
	err := g.writeDB.DB().WithContext(ctx).Order(
		"created_at desc",
	).Limit(limit).Find(&records).Error
	return records, err
}

// Stats reports gateway counters.
func (g *NotificationGateway) Stats() NotifierStats {
	return NotifierStats{
		Delivered: g.metricDelivered.Load(),
		Dead:      g.metricDead.Load(),
	}
}

type NotifierStats struct {
	Delivered int64 `json:"delivered"`
	Dead      int64 `json:"dead"`
}
