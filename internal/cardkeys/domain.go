// Package cardkeys owns the redemption-code lifecycle: batch generation with
// reserved-address handling, single-use redemption, deletion and listing.
package cardkeys

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/moemail/moemail/internal/shared"
)

// Generation limits.
const (
	MaxBatch      = 500
	MinExpiryDays = 1
	MaxExpiryDays = 365
)

// CardKey is a single redemption code bound to a target address.
type CardKey struct {
	ID           string
	Code         string
	EmailAddress string
	IsUsed       bool
	UsedBy       *string
	UsedAt       *time.Time
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Status is the derived state of a card key.
type Status string

// Statuses and list filters.
const (
	StatusAll      Status = "all"
	StatusUnused   Status = "unused"
	StatusUsed     Status = "used"
	StatusExpiring Status = "expiring"
	StatusExpired  Status = "expired"
)

// ExpiringWindow is how close to expiry a key counts as expiring.
const ExpiringWindow = 24 * time.Hour

// ParseStatus converts a list filter; empty means all.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return StatusAll, nil
	case StatusAll, StatusUnused, StatusUsed, StatusExpiring, StatusExpired:
		return s, nil
	default:
		return "", shared.NewValidationError("status", "must be one of all, unused, used, expiring, expired")
	}
}

// Expired reports whether the key's window has passed. Expiry is a view;
// storage keeps IsUsed unchanged.
func (k CardKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// Status derives the state at now. Used wins over expired.
func (k CardKey) Status(now time.Time) Status {
	switch {
	case k.IsUsed:
		return StatusUsed
	case k.Expired(now):
		return StatusExpired
	default:
		return StatusUnused
	}
}

// Listed is a card key plus the redeemer's username.
type Listed struct {
	CardKey
	UsedByUsername *string
}

// Warning reports an action taken on an address during generation.
type Warning struct {
	Address string `json:"address"`
	Action  string `json:"action"`
}

// ActionReleased marks an Emperor mailbox released to make room for a key.
const ActionReleased = "released"

// Conflict is an address held by the Emperor that was not released.
type Conflict struct {
	Address    string `json:"address"`
	OccupiedBy string `json:"username"`
}

// ConflictError lists every address that blocked a generation batch. No key
// of the batch was created.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	addrs := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		addrs = append(addrs, c.Address)
	}
	sort.Strings(addrs)
	return fmt.Sprintf("%d address(es) reserved by the emperor account: %s", len(addrs), strings.Join(addrs, ", "))
}

// Unwrap lets errors.Is match shared.ErrConflict.
func (e *ConflictError) Unwrap() error { return shared.ErrConflict }

// ProblemExtensions exposes the conflicting addresses in problem responses.
func (e *ConflictError) ProblemExtensions() map[string]any {
	return map[string]any{"occupiedBy": e.Conflicts}
}
