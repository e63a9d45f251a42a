package cardkeys

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyFilter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	searchClause := `(LOWER(ck.code) LIKE $N ESCAPE '\' OR LOWER(ck.email_address) LIKE $N ESCAPE '\' OR LOWER(COALESCE(u.username, '')) LIKE $N ESCAPE '\')`
	search := func(n string) string {
		return strings.ReplaceAll(searchClause, "$N", "$"+n)
	}

	cases := []struct {
		name  string
		arg   ListParams
		where []string
		args  []any
	}{
		{
			name: "all",
			arg:  ListParams{Status: StatusAll, Now: now},
		},
		{
			name:  "unused keeps the expiry instant",
			arg:   ListParams{Status: StatusUnused, Now: now},
			where: []string{`NOT ck.is_used AND ck.expires_at >= $1`},
			args:  []any{now},
		},
		{
			name:  "used",
			arg:   ListParams{Status: StatusUsed, Now: now},
			where: []string{`ck.is_used`},
		},
		{
			name:  "expired is strictly past",
			arg:   ListParams{Status: StatusExpired, Now: now},
			where: []string{`NOT ck.is_used AND ck.expires_at < $1`},
			args:  []any{now},
		},
		{
			name:  "expiring window",
			arg:   ListParams{Status: StatusExpiring, Now: now},
			where: []string{`ck.expires_at >= $1 AND ck.expires_at <= $2`},
			args:  []any{now, now.Add(ExpiringWindow)},
		},
		{
			name:  "search escapes wildcards",
			arg:   ListParams{Search: `50%_off\`, Now: now},
			where: []string{search("1")},
			args:  []any{`%50\%\_off\\%`},
		},
		{
			name: "blank search is ignored",
			arg:  ListParams{Search: "   ", Now: now},
		},
		{
			name:  "status and folded search",
			arg:   ListParams{Status: StatusExpired, Search: "ALICE", Now: now},
			where: []string{`NOT ck.is_used AND ck.expires_at < $1`, search("2")},
			args:  []any{now, "%alice%"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			where, args := keyFilter(tc.arg)
			assert.Equal(t, tc.where, where)
			assert.Equal(t, tc.args, args)
		})
	}
}
