package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/moemail/moemail/internal/jobs"
	"github.com/moemail/moemail/internal/mail"
	"github.com/moemail/moemail/internal/mailboxes"
)

// SendEmailJob hands queued messages to a mail transport.
type SendEmailJob struct {
	Transport mail.Transport
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewSendEmailJob constructs the delivery handler.
func NewSendEmailJob(transport mail.Transport, logger *slog.Logger, metrics *jobmetrics.Metrics) *SendEmailJob {
	return &SendEmailJob{Transport: transport, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTypeSendEmail tasks. Rejected messages are not retried.
func (j *SendEmailJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Transport == nil {
		return errors.New("send email: transport not configured")
	}
	var msg mailboxes.Outbound
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		return fmt.Errorf("send email: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskTypeSendEmail)
	defer func() {
		tracker.End(resultErr)
	}()

	if err := j.Transport.Deliver(ctx, msg); err != nil {
		j.log().Error("deliver message", slog.String("message_id", msg.MessageID), slog.Any("error", err))
		if errors.Is(err, mail.ErrRejected) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	j.log().Info("message delivered", slog.String("message_id", msg.MessageID), slog.String("mailbox_id", msg.MailboxID))
	return nil
}

func (j *SendEmailJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
