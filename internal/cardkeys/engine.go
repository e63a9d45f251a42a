package cardkeys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/moemail/moemail/internal/mailboxes"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
)

const (
	maxCodeAttempts = 5
	maxAddressLen   = 254
	maxCodeLen      = 64
)

// Redemption results reported to the Recorder.
const (
	ResultSuccess     = "success"
	ResultNotFound    = "not_found"
	ResultExpired     = "expired"
	ResultAlreadyUsed = "already_used"
	ResultConflict    = "conflict"
	ResultError       = "error"
)

// Recorder observes redemption outcomes.
type Recorder interface {
	RecordRedemption(result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordRedemption(string) {}

// Engine implements the card-key lifecycle.
type Engine struct {
	store    Store
	audit    shared.Auditor
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
	newCode  func() (string, error)
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder installs a redemption metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithCodeSource overrides code generation.
func WithCodeSource(fn func() (string, error)) Option {
	return func(e *Engine) { e.newCode = fn }
}

// NewEngine constructs an Engine.
func NewEngine(store Store, audit shared.Auditor, logger *slog.Logger, opts ...Option) *Engine {
	if audit == nil {
		audit = shared.NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		audit:    audit,
		logger:   logger,
		recorder: nopRecorder{},
		now:      time.Now,
		newCode:  NewCode,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateInput describes a generation batch.
type GenerateInput struct {
	Addresses   []string
	ExpiryDays  int
	AutoRelease bool
}

// GenerateResult holds the created keys and any released reservations.
type GenerateResult struct {
	Keys     []CardKey
	Warnings []Warning
}

// NormalizeAddresses canonicalises and deduplicates addresses, keeping the
// first occurrence.
func NormalizeAddresses(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		addr := shared.NormalizeAddress(a)
		if !validAddress(addr) {
			return nil, shared.NewValidationError("emailAddresses", fmt.Sprintf("%q is not a valid address", a))
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, shared.NewValidationError("emailAddresses", "at least one address is required")
	}
	if len(out) > MaxBatch {
		return nil, shared.NewValidationError("emailAddresses", fmt.Sprintf("at most %d addresses per batch", MaxBatch))
	}
	return out, nil
}

func validAddress(addr string) bool {
	if addr == "" || len(addr) > maxAddressLen || strings.ContainsAny(addr, " \t\r\n") {
		return false
	}
	local, domain, ok := strings.Cut(addr, "@")
	return ok && local != "" && domain != "" && !strings.Contains(domain, "@")
}

// Generate creates one key per address. Any unreleased Emperor reservation
// fails the whole batch with a *ConflictError and nothing is written.
func (e *Engine) Generate(ctx context.Context, principal rbac.Principal, in GenerateInput) (GenerateResult, error) {
	if !principal.Can(rbac.PermManageCardKeys) {
		return GenerateResult{}, shared.ErrForbidden
	}
	addresses, err := NormalizeAddresses(in.Addresses)
	if err != nil {
		return GenerateResult{}, err
	}
	if in.ExpiryDays < MinExpiryDays || in.ExpiryDays > MaxExpiryDays {
		return GenerateResult{}, shared.NewValidationError("expiryDays", fmt.Sprintf("must be between %d and %d", MinExpiryDays, MaxExpiryDays))
	}

	now := e.now()
	expiresAt := now.Add(time.Duration(in.ExpiryDays) * 24 * time.Hour)
	var result GenerateResult
	err = e.store.InTx(ctx, func(tx Tx) error {
		reserved, err := tx.ReservedAddresses(ctx, addresses, now)
		if err != nil {
			return err
		}
		plan := BuildPlan(addresses, reserved, in.AutoRelease)
		if plan.Blocked() {
			return &ConflictError{Conflicts: plan.Conflicts}
		}

		result = GenerateResult{Keys: make([]CardKey, 0, len(plan.Create))}
		for _, r := range plan.Release {
			if err := tx.ReleaseMailbox(ctx, r.MailboxID); err != nil {
				return err
			}
			result.Warnings = append(result.Warnings, Warning{Address: r.Address, Action: ActionReleased})
		}
		for _, addr := range plan.Create {
			code, err := e.claimCode(ctx, tx)
			if err != nil {
				return err
			}
			key, err := tx.InsertKey(ctx, CardKey{
				ID:           uuid.NewString(),
				Code:         code,
				EmailAddress: addr,
				ExpiresAt:    expiresAt,
			})
			if err != nil {
				return err
			}
			result.Keys = append(result.Keys, key)
		}
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}

	e.record(ctx, shared.AuditLog{
		ActorID: principal.UserID,
		Action:  shared.AuditCardKeysGenerated,
		Entity:  "card_keys",
		Meta:    map[string]any{"count": len(result.Keys), "expiry_days": in.ExpiryDays},
	})
	for _, w := range result.Warnings {
		e.record(ctx, shared.AuditLog{
			ActorID:  principal.UserID,
			Action:   shared.AuditMailboxReleased,
			Entity:   "mailbox",
			EntityID: w.Address,
		})
	}
	e.logger.Info("card keys generated",
		slog.String("actor_id", principal.UserID),
		slog.Int("count", len(result.Keys)),
		slog.Int("released", len(result.Warnings)))
	return result, nil
}

func (e *Engine) claimCode(ctx context.Context, tx Tx) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := e.newCode()
		if err != nil {
			return "", err
		}
		ok, err := tx.ClaimCode(ctx, code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("cardkeys: no unused code after %d attempts", maxCodeAttempts)
}

// RedeemInput carries a code and an optional password for a new account.
type RedeemInput struct {
	Code     string
	Password string
}

// Redemption is the result of a successful redeem.
type Redemption struct {
	Key     CardKey
	User    users.User
	Mailbox mailboxes.Mailbox
	Created bool
}

// Redeem consumes code and binds its address to an account named after the
// address. An earlier card-key account for the address is reused. role is
// used only when a new account is created.
func (e *Engine) Redeem(ctx context.Context, in RedeemInput, role rbac.Role) (Redemption, error) {
	out, err := e.redeem(ctx, in, role)
	e.recorder.RecordRedemption(redemptionResult(err))
	return out, err
}

func (e *Engine) redeem(ctx context.Context, in RedeemInput, role rbac.Role) (Redemption, error) {
	code := NormalizeCode(in.Code)
	if code == "" || len(code) > maxCodeLen {
		return Redemption{}, shared.ErrNotFound
	}
	if !role.Assignable() {
		role = rbac.RoleCivilian
	}
	var hash *string
	if in.Password != "" {
		h, err := users.HashPassword(in.Password)
		if err != nil {
			return Redemption{}, err
		}
		hash = &h
	}

	now := e.now()
	var out Redemption
	err := e.store.InTx(ctx, func(tx Tx) error {
		key, err := tx.FindByCode(ctx, code)
		if err != nil {
			return err
		}
		if key.Expired(now) {
			return fmt.Errorf("%w: card key expired at %s", shared.ErrExpired, key.ExpiresAt.UTC().Format(time.RFC3339))
		}
		if key.IsUsed {
			return fmt.Errorf("%w: card key already redeemed", shared.ErrAlreadyUsed)
		}

		account, err := tx.FindAccount(ctx, key.EmailAddress)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			account = users.User{ID: uuid.NewString()}
			out.Created = true
		case err != nil:
			return err
		case account.Role == rbac.RoleEmperor || !account.IsActive:
			return fmt.Errorf("%w: address belongs to an account that cannot redeem", shared.ErrConflict)
		}

		// the conditional update decides concurrent redemptions; the loser
		// sees zero rows and nothing else of its work is committed
		ok, err := tx.MarkUsed(ctx, key.ID, account.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			// a concurrent delete also leaves zero rows
			if _, err := tx.LockKey(ctx, key.ID); errors.Is(err, shared.ErrNotFound) {
				return err
			}
			return fmt.Errorf("%w: card key already redeemed", shared.ErrAlreadyUsed)
		}
		if out.Created {
			account, err = tx.CreateAccount(ctx, users.CreateUserParams{
				ID:           account.ID,
				Username:     key.EmailAddress,
				PasswordHash: hash,
				Role:         role,
			})
			if err != nil {
				return err
			}
		}

		mailbox, err := tx.BindMailbox(ctx, mailboxes.Mailbox{
			ID:        uuid.NewString(),
			Address:   key.EmailAddress,
			UserID:    account.ID,
			ExpiresAt: key.ExpiresAt,
		}, now)
		if err != nil {
			return err
		}

		key.IsUsed = true
		key.UsedBy = &account.ID
		key.UsedAt = &now
		out.Key, out.User, out.Mailbox = key, account, mailbox
		return nil
	})
	if err != nil {
		return Redemption{}, err
	}

	e.record(ctx, shared.AuditLog{
		ActorID:  out.User.ID,
		Action:   shared.AuditCardKeyRedeemed,
		Entity:   "card_key",
		EntityID: out.Key.ID,
		Meta:     map[string]any{"address": out.Key.EmailAddress, "account_created": out.Created},
	})
	e.logger.Info("card key redeemed",
		slog.String("card_key_id", out.Key.ID),
		slog.String("user_id", out.User.ID),
		slog.Bool("account_created", out.Created))
	return out, nil
}

func redemptionResult(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, shared.ErrNotFound):
		return ResultNotFound
	case errors.Is(err, shared.ErrExpired):
		return ResultExpired
	case errors.Is(err, shared.ErrAlreadyUsed):
		return ResultAlreadyUsed
	case errors.Is(err, shared.ErrConflict):
		return ResultConflict
	default:
		return ResultError
	}
}

// DeleteResult reports what a delete removed.
type DeleteResult struct {
	Key            CardKey
	AccountDeleted bool
}

// Delete removes a key. Deleting a used key also deletes the account it
// provisioned together with that account's mailboxes, messages and API keys.
func (e *Engine) Delete(ctx context.Context, principal rbac.Principal, id string) (DeleteResult, error) {
	if !principal.Can(rbac.PermManageCardKeys) {
		return DeleteResult{}, shared.ErrForbidden
	}
	if _, err := uuid.Parse(id); err != nil {
		return DeleteResult{}, shared.ErrNotFound
	}
	var out DeleteResult
	err := e.store.InTx(ctx, func(tx Tx) error {
		key, err := tx.LockKey(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteKey(ctx, id); err != nil {
			return err
		}
		out.Key = key
		if key.IsUsed && key.UsedBy != nil {
			out.AccountDeleted, err = tx.DeleteAccount(ctx, *key.UsedBy)
			return err
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}

	e.record(ctx, shared.AuditLog{
		ActorID:  principal.UserID,
		Action:   shared.AuditCardKeyDeleted,
		Entity:   "card_key",
		EntityID: id,
		Meta:     map[string]any{"address": out.Key.EmailAddress, "account_deleted": out.AccountDeleted},
	})
	if out.AccountDeleted {
		e.record(ctx, shared.AuditLog{
			ActorID:  principal.UserID,
			Action:   shared.AuditUserDeleted,
			Entity:   "user",
			EntityID: *out.Key.UsedBy,
			Meta:     map[string]any{"cause": "card_key_deleted"},
		})
	}
	return out, nil
}

// ListQuery filters the admin listing.
type ListQuery struct {
	Status string
	Search string
	Cursor string
}

// List returns a keyset page of card keys with the total for the filter.
func (e *Engine) List(ctx context.Context, principal rbac.Principal, q ListQuery) (shared.Page[Listed], error) {
	if !principal.Can(rbac.PermManageCardKeys) {
		return shared.Page[Listed]{}, shared.ErrForbidden
	}
	status, err := ParseStatus(q.Status)
	if err != nil {
		return shared.Page[Listed]{}, err
	}
	cursor, err := shared.ParseCursor(q.Cursor)
	if err != nil {
		return shared.Page[Listed]{}, err
	}
	params := ListParams{
		Status: status,
		Search: strings.TrimSpace(q.Search),
		Cursor: cursor,
		Limit:  shared.DefaultPageSize + 1,
		Now:    e.now(),
	}

	var (
		rows  []Listed
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = e.store.ListKeys(gctx, params)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = e.store.CountKeys(gctx, params)
		return err
	})
	if err := g.Wait(); err != nil {
		return shared.Page[Listed]{}, err
	}

	rows = shared.DedupeByID(rows, func(k Listed) string { return k.ID })
	items, next := shared.Paginate(rows, shared.DefaultPageSize, func(k Listed) (time.Time, string) {
		return k.CreatedAt, k.ID
	})
	return shared.Page[Listed]{Items: items, NextCursor: next, Total: total}, nil
}

func (e *Engine) record(ctx context.Context, log shared.AuditLog) {
	if err := e.audit.Record(ctx, log); err != nil {
		e.logger.Warn("cardkeys audit", slog.String("action", log.Action), slog.Any("error", err))
	}
}
