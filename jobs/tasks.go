package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/moemail/moemail/internal/mailboxes"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail delivers one outbound message.
	TaskTypeSendEmail = "mail:send"
	// TaskMailboxPurge removes mailboxes past their expiry.
	TaskMailboxPurge = "mailbox:purge-expired"
	// TaskIdempotencyCleanup drops stale idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

const sendMaxRetry = 5

// NewSendEmailTask wraps msg in a task whose id is the message id, so a
// message is queued at most once.
func NewSendEmailTask(msg mailboxes.Outbound) (*asynq.Task, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data,
		asynq.Queue(QueueDefault),
		asynq.TaskID(msg.MessageID),
		asynq.MaxRetry(sendMaxRetry),
		asynq.Timeout(time.Minute),
	), nil
}

// NewMailboxPurgeTask builds the periodic purge task.
func NewMailboxPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskMailboxPurge, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// NewIdempotencyCleanupTask builds the periodic idempotency cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
