package cardkeys

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// codeAlphabet omits look-alike characters (0/O, 1/I). Its length divides
// 256 so byte masking stays uniform.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLen   = 16
	groupSize = 4
)

// NewCode returns a random code formatted as XXXX-XXXX-XXXX-XXXX.
func NewCode() (string, error) {
	buf := make([]byte, codeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cardkeys: read random: %w", err)
	}
	var b strings.Builder
	b.Grow(codeLen + codeLen/groupSize - 1)
	for i, v := range buf {
		if i > 0 && i%groupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(v)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// NormalizeCode canonicalises user input: trimmed and upper-cased.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
