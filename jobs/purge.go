package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/moemail/moemail/internal/jobs"
)

// IdempotencyRetention is how long generate idempotency keys are kept.
const IdempotencyRetention = 24 * time.Hour

// MailboxPurger deletes lapsed mailbox bindings.
type MailboxPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// IdempotencyCleaner drops old idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PurgeJob runs the periodic maintenance tasks. Card keys are never swept;
// their expiry is evaluated on read.
type PurgeJob struct {
	Mailboxes   MailboxPurger
	Idempotency IdempotencyCleaner
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewPurgeJob constructs the maintenance handlers.
func NewPurgeJob(mailboxes MailboxPurger, idem IdempotencyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PurgeJob {
	return &PurgeJob{
		Mailboxes:   mailboxes,
		Idempotency: idem,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleMailboxes processes TaskMailboxPurge.
func (j *PurgeJob) HandleMailboxes(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Mailboxes == nil {
		return errors.New("mailbox purge: dependencies not configured")
	}
	tracker := j.Metrics.Track(TaskMailboxPurge)
	defer func() {
		tracker.End(resultErr)
	}()

	start := j.clock()
	n, err := j.Mailboxes.PurgeExpired(ctx, start)
	if err != nil {
		j.log().Error("purge expired mailboxes", slog.Any("error", err))
		return err
	}
	j.Metrics.AddPurged(n)
	j.log().Info("purged expired mailboxes", slog.Int64("count", n), slog.Duration("duration", j.clock().Sub(start)))
	return nil
}

// HandleIdempotency processes TaskIdempotencyCleanup.
func (j *PurgeJob) HandleIdempotency(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Idempotency == nil {
		return errors.New("idempotency cleanup: dependencies not configured")
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		tracker.End(resultErr)
	}()

	n, err := j.Idempotency.Cleanup(ctx, IdempotencyRetention)
	if err != nil {
		j.log().Error("cleanup idempotency keys", slog.Any("error", err))
		return err
	}
	j.log().Info("cleaned idempotency keys", slog.Int64("count", n))
	return nil
}

func (j *PurgeJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
