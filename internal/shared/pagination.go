package shared

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultPageSize is the fixed page size of keyset-paginated listings.
const DefaultPageSize = 20

// maxCursorLen bounds attacker-supplied input before decoding.
const maxCursorLen = 512

// Cursor marks the last row of a page in (created_at DESC, id DESC) order.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

type cursorPayload struct {
	T int64  `json:"t"`
	I string `json:"i"`
}

// EncodeCursor returns the opaque cursor for the row (ts, id). Timestamps keep
// microsecond precision to match timestamptz.
func EncodeCursor(ts time.Time, id string) string {
	raw, _ := json.Marshal(cursorPayload{T: ts.UTC().UnixMicro(), I: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque cursor. Any malformed input yields ErrInvalidCursor.
func DecodeCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxCursorLen {
		return Cursor{}, ErrInvalidCursor
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	if payload.T <= 0 || payload.I == "" || !utf8.ValidString(payload.I) || len(payload.I) > 128 {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{Timestamp: time.UnixMicro(payload.T).UTC(), ID: payload.I}, nil
}

// ParseCursor decodes an optional cursor; an empty string means the first page.
func ParseCursor(s string) (*Cursor, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	c, err := DecodeCursor(s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// KeysetPredicate renders the "strictly after cursor" condition for the
// canonical order. argPos is the next free placeholder index. A nil cursor
// yields no condition.
func KeysetPredicate(createdCol, idCol string, c *Cursor, argPos int) (string, []any) {
	if c == nil {
		return "", nil
	}
	clause := fmt.Sprintf("(%[1]s < $%[3]d OR (%[1]s = $%[3]d AND %[2]s < $%[4]d))", createdCol, idCol, argPos, argPos+1)
	return clause, []any{c.Timestamp, c.ID}
}

// KeysetOrder is the ORDER BY clause matching KeysetPredicate.
func KeysetOrder(createdCol, idCol string) string {
	return fmt.Sprintf("%s DESC, %s DESC", createdCol, idCol)
}

// After reports whether the row (ts, id) sorts strictly after the cursor.
func (c Cursor) After(ts time.Time, id string) bool {
	if ts.Before(c.Timestamp) {
		return true
	}
	return ts.Equal(c.Timestamp) && id < c.ID
}

// Page is a window of rows plus the cursor for the next window.
type Page[T any] struct {
	Items      []T
	NextCursor *string
	Total      int
}

// Paginate trims rows fetched with limit pageSize+1 to a page. The next
// cursor is derived from the last kept row and is nil on the final page.
func Paginate[T any](rows []T, pageSize int, key func(T) (time.Time, string)) ([]T, *string) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if len(rows) <= pageSize {
		return rows, nil
	}
	kept := rows[:pageSize]
	ts, id := key(kept[len(kept)-1])
	next := EncodeCursor(ts, id)
	return kept, &next
}

// DedupeByID drops repeated rows keeping the first occurrence. Joined
// searches can return one primary row per matching secondary row.
func DedupeByID[T any](rows []T, id func(T) string) []T {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0:0]
	for _, row := range rows {
		k := id(row)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out
}

// LikePattern builds a case-insensitive substring pattern for LIKE ... ESCAPE '\'.
func LikePattern(term string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(FoldCase(term))
	return "%" + escaped + "%"
}
