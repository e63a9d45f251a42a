// Package quota meters per-user daily actions against role-derived limits.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
)

// ActionSend is the metered outbound send action.
const ActionSend = "send"

// Unlimited is reported as Remaining when the role has no cap.
const Unlimited = -1

// counterTTL keeps a day's counter long enough to outlive any timezone skew;
// older counters are simply never read again.
const counterTTL = 48 * time.Hour

// consume atomically rejects when the counter already reached the limit and
// otherwise increments it. Returns the post-increment count or -1.
var consume = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
  return -1
end
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return n
`)

// refund undoes one consumption without going below zero.
var refund = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
  return 0
end
return redis.call("DECR", KEYS[1])
`)

// Limits resolves a role's daily cap: -1 denied, 0 unlimited, N > 0 capped.
type Limits interface {
	SendLimit(role rbac.Role) int
}

// Decision is the outcome of an allowed CheckAndConsume.
type Decision struct {
	Remaining int
	Limit     int
}

// Unlimited reports whether the role has no cap.
func (d Decision) Unlimited() bool { return d.Remaining == Unlimited }

// Recorder observes ledger outcomes.
type Recorder interface {
	RecordQuotaDecision(result string)
}

// Ledger keeps daily counters in redis.
type Ledger struct {
	client   *redis.Client
	location *time.Location
	now      func() time.Time
	recorder Recorder
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// NewLedger constructs a Ledger. Calendar days are evaluated in loc.
func NewLedger(client *redis.Client, loc *time.Location, opts ...Option) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	l := &Ledger{client: client, location: loc, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume consumes one unit of action for userID if the role allows it.
func (l *Ledger) CheckAndConsume(ctx context.Context, userID string, role rbac.Role, limits Limits, action string) (Decision, error) {
	limit := limits.SendLimit(role)
	switch {
	case limit < 0:
		l.record("denied")
		return Decision{Limit: limit}, shared.ErrQuotaDenied
	case limit == 0:
		l.record("unlimited")
		return Decision{Remaining: Unlimited, Limit: 0}, nil
	}
	n, err := consume.Run(ctx, l.client, []string{l.key(userID, action)}, limit, counterTTL.Milliseconds()).Int()
	if err != nil {
		l.record("error")
		return Decision{}, fmt.Errorf("quota: consume: %w", err)
	}
	if n < 0 {
		l.record("exceeded")
		return Decision{Remaining: 0, Limit: limit}, fmt.Errorf("%w: daily limit of %d reached", shared.ErrQuotaExceeded, limit)
	}
	l.record("allowed")
	return Decision{Remaining: limit - n, Limit: limit}, nil
}

// Refund returns one unit consumed today, used when the metered action
// could not be carried out.
func (l *Ledger) Refund(ctx context.Context, userID, action string) error {
	if err := refund.Run(ctx, l.client, []string{l.key(userID, action)}).Err(); err != nil {
		return fmt.Errorf("quota: refund: %w", err)
	}
	return nil
}

// Used returns today's count for userID.
func (l *Ledger) Used(ctx context.Context, userID, action string) (int, error) {
	n, err := l.client.Get(ctx, l.key(userID, action)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: used: %w", err)
	}
	return n, nil
}

func (l *Ledger) key(userID, action string) string {
	day := l.now().In(l.location).Format(time.DateOnly)
	return "moemail:quota:" + action + ":" + userID + ":" + day
}

func (l *Ledger) record(result string) {
	if l.recorder != nil {
		l.recorder.RecordQuotaDecision(result)
	}
}
