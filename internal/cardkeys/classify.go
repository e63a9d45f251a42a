package cardkeys

import "github.com/moemail/moemail/internal/mailboxes"

// Classification is the generation decision for one address.
type Classification int

const (
	// Free addresses get a key directly.
	Free Classification = iota
	// ReservedReleasable addresses have their Emperor mailbox released first.
	ReservedReleasable
	// ReservedBlocking addresses stop the whole batch.
	ReservedBlocking
)

func (c Classification) String() string {
	switch c {
	case Free:
		return "free"
	case ReservedReleasable:
		return "reserved_releasable"
	case ReservedBlocking:
		return "reserved_blocking"
	default:
		return "unknown"
	}
}

// Classify decides how to treat address given the active Emperor
// reservations. It has no side effects.
func Classify(address string, reserved map[string]mailboxes.Reservation, autoRelease bool) Classification {
	if _, ok := reserved[address]; !ok {
		return Free
	}
	if autoRelease {
		return ReservedReleasable
	}
	return ReservedBlocking
}

// Plan is the outcome of classifying a whole batch.
type Plan struct {
	Create    []string
	Release   []mailboxes.Reservation
	Conflicts []Conflict
}

// Blocked reports whether any address stops the batch.
func (p Plan) Blocked() bool { return len(p.Conflicts) > 0 }

// BuildPlan classifies every address, keeping input order.
func BuildPlan(addresses []string, reservations []mailboxes.Reservation, autoRelease bool) Plan {
	reserved := make(map[string]mailboxes.Reservation, len(reservations))
	for _, r := range reservations {
		reserved[r.Address] = r
	}
	var plan Plan
	for _, addr := range addresses {
		switch Classify(addr, reserved, autoRelease) {
		case ReservedBlocking:
			plan.Conflicts = append(plan.Conflicts, Conflict{Address: addr, OccupiedBy: reserved[addr].Username})
		case ReservedReleasable:
			plan.Release = append(plan.Release, reserved[addr])
			plan.Create = append(plan.Create, addr)
		default:
			plan.Create = append(plan.Create, addr)
		}
	}
	return plan
}
