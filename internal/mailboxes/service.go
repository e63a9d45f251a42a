package mailboxes

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/moemail/moemail/internal/quota"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/settings"
	"github.com/moemail/moemail/internal/shared"
)

// Store persists mailboxes and messages.
type Store interface {
	GetMailbox(ctx context.Context, id string) (Mailbox, error)
	ListMailboxes(ctx context.Context, arg ListParams) ([]Mailbox, error)
	CountMailboxes(ctx context.Context, arg ListParams) (int, error)
	InsertMessage(ctx context.Context, msg Message) error
	InsertMailbox(ctx context.Context, m Mailbox) (Mailbox, error)
	DeleteExpiredByAddress(ctx context.Context, address string, now time.Time) (int64, error)
}

// Meter is the quota ledger as seen by the send path.
type Meter interface {
	CheckAndConsume(ctx context.Context, userID string, role rbac.Role, limits quota.Limits, action string) (quota.Decision, error)
	Refund(ctx context.Context, userID, action string) error
}

// Dispatcher hands outbound messages to delivery.
type Dispatcher interface {
	EnqueueSend(ctx context.Context, msg Outbound) error
}

// Service implements listing and sending.
type Service struct {
	store      Store
	meter      Meter
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService constructs a Service.
func NewService(store Store, meter Meter, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, meter: meter, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// List returns a keyset page of the user's active mailboxes.
func (s *Service) List(ctx context.Context, userID, search, cursor string) (shared.Page[Mailbox], error) {
	c, err := shared.ParseCursor(cursor)
	if err != nil {
		return shared.Page[Mailbox]{}, err
	}
	params := ListParams{UserID: userID, Search: search, Cursor: c, Limit: shared.DefaultPageSize + 1, Now: s.now()}
	var (
		rows  []Mailbox
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = s.store.ListMailboxes(gctx, params)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = s.store.CountMailboxes(gctx, params)
		return err
	})
	if err := g.Wait(); err != nil {
		return shared.Page[Mailbox]{}, err
	}
	rows = shared.DedupeByID(rows, func(m Mailbox) string { return m.ID })
	items, next := shared.Paginate(rows, shared.DefaultPageSize, func(m Mailbox) (time.Time, string) {
		return m.CreatedAt, m.ID
	})
	return shared.Page[Mailbox]{Items: items, NextCursor: next, Total: total}, nil
}

// Lifetimes a caller may pick for a new mailbox. Zero means permanent.
var allowedLifetimes = map[time.Duration]bool{
	0:                  true,
	time.Hour:          true,
	24 * time.Hour:     true,
	3 * 24 * time.Hour: true,
}

// PermanentExpiry is the expiry stored for mailboxes created without a
// lifetime.
var PermanentExpiry = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

var localPartRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// CreateInput names a new mailbox. An empty Name picks a random local part.
type CreateInput struct {
	Name     string
	Domain   string
	Lifetime time.Duration
}

// Create binds a new address to the principal. Non-Emperor callers are
// capped at snap.MaxEmails active mailboxes; an address held by an active
// mailbox is a conflict.
func (s *Service) Create(ctx context.Context, principal rbac.Principal, snap settings.Snapshot, in CreateInput) (Mailbox, error) {
	if !allowedLifetimes[in.Lifetime] {
		return Mailbox{}, shared.NewValidationError("expiryTime", "must be 1 hour, 24 hours, 3 days or permanent")
	}
	name := shared.FoldCase(in.Name)
	if name == "" {
		name = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if !localPartRE.MatchString(name) {
		return Mailbox{}, shared.NewValidationError("name", "may contain letters, digits, dot, dash and underscore")
	}
	domain := shared.FoldCase(in.Domain)
	if domain == "" || strings.ContainsAny(domain, "@ ") {
		return Mailbox{}, shared.NewValidationError("domain", "is invalid")
	}
	address := shared.NormalizeAddress(name + "@" + domain)

	now := s.now()
	if principal.Role != rbac.RoleEmperor {
		active, err := s.store.CountMailboxes(ctx, ListParams{UserID: principal.UserID, Now: now})
		if err != nil {
			return Mailbox{}, err
		}
		if active >= snap.MaxEmails {
			return Mailbox{}, shared.NewValidationError("emails", fmt.Sprintf("mailbox limit of %d reached", snap.MaxEmails))
		}
	}

	expiresAt := PermanentExpiry
	if in.Lifetime > 0 {
		expiresAt = now.Add(in.Lifetime)
	}
	if _, err := s.store.DeleteExpiredByAddress(ctx, address, now); err != nil {
		return Mailbox{}, err
	}
	mb, err := s.store.InsertMailbox(ctx, Mailbox{
		ID:        uuid.NewString(),
		Address:   address,
		UserID:    principal.UserID,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return Mailbox{}, err
	}
	s.logger.Info("mailbox created", slog.String("user_id", principal.UserID), slog.String("mailbox_id", mb.ID))
	return mb, nil
}

// SendInput is a message to deliver from a mailbox.
type SendInput struct {
	To      string
	Subject string
	Content string
	HTML    string
}

// SendResult reports the queued message and the remaining daily allowance;
// Remaining is quota.Unlimited when the role has no cap.
type SendResult struct {
	MessageID string
	Remaining int
}

// Send meters and queues a message from one of the principal's mailboxes.
func (s *Service) Send(ctx context.Context, principal rbac.Principal, snap settings.Snapshot, mailboxID string, in SendInput) (SendResult, error) {
	if _, err := uuid.Parse(mailboxID); err != nil {
		return SendResult{}, shared.ErrNotFound
	}
	mailbox, err := s.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return SendResult{}, err
	}
	// foreign mailboxes look absent
	if mailbox.UserID != principal.UserID {
		return SendResult{}, shared.ErrNotFound
	}
	now := s.now()
	if !mailbox.Active(now) {
		return SendResult{}, fmt.Errorf("%w: mailbox has expired", shared.ErrExpired)
	}
	if !snap.EmailServiceEnabled {
		return SendResult{}, fmt.Errorf("%w: email sending is disabled", shared.ErrUnavailable)
	}

	decision, err := s.meter.CheckAndConsume(ctx, principal.UserID, principal.Role, snap, quota.ActionSend)
	if err != nil {
		return SendResult{}, err
	}

	out := Outbound{
		MessageID: uuid.NewString(),
		MailboxID: mailbox.ID,
		From:      mailbox.Address,
		To:        in.To,
		Subject:   in.Subject,
		Content:   in.Content,
		HTML:      in.HTML,
	}
	if err := s.dispatcher.EnqueueSend(ctx, out); err != nil {
		if !decision.Unlimited() {
			if rerr := s.meter.Refund(ctx, principal.UserID, quota.ActionSend); rerr != nil {
				s.logger.Warn("mailboxes refund quota", slog.Any("error", rerr))
			}
		}
		return SendResult{}, fmt.Errorf("mailboxes: enqueue send: %w", err)
	}

	err = s.store.InsertMessage(ctx, Message{
		ID:          out.MessageID,
		MailboxID:   mailbox.ID,
		FromAddress: out.From,
		ToAddress:   out.To,
		Subject:     out.Subject,
		Content:     out.Content,
		HTML:        out.HTML,
		Type:        MessageSent,
		ReceivedAt:  now,
	})
	if err != nil {
		// already queued; a missing history row must not trigger a resend
		s.logger.Error("mailboxes record sent message", slog.String("message_id", out.MessageID), slog.Any("error", err))
	}
	return SendResult{MessageID: out.MessageID, Remaining: decision.Remaining}, nil
}
