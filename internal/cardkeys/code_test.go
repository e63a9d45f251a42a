package cardkeys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodeFormat(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		code, err := NewCode()
		require.NoError(t, err)
		require.Regexp(t, codeRE, code)
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "I")
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "1")
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestAlphabetDividesByteRange(t *testing.T) {
	assert.Zero(t, 256%len(codeAlphabet))
	for _, c := range "IO01" {
		assert.False(t, strings.ContainsRune(codeAlphabet, c))
	}
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "ABCD-EFGH", NormalizeCode("  abcd-efgh\n"))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, StatusAll, s)
	s, err = ParseStatus(" Expiring ")
	require.NoError(t, err)
	assert.Equal(t, StatusExpiring, s)
	_, err = ParseStatus("deleted")
	assert.Error(t, err)
}
