package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagUniqueness(t *testing.T) {
	lib := NewTagLibrary()

	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		tag := lib.NewTag()
		require.Len(t, tag, 8)
		_, dup := seen[tag]
		require.False(t, dup, "duplicate tag %s", tag)
		seen[tag] = struct{}{}
	}
}

func TestRegisterTagCreatedAtConstruction(t *testing.T) {
	lib := NewTagLibrary()

	tag, ok := lib.Get(RegisterKey)
	require.True(t, ok)
	assert.Len(t, tag, 8)

	// reused across lookups, one dialog from the registrar's viewpoint
	again, _ := lib.Get(RegisterKey)
	assert.Equal(t, tag, again)
}

func TestTagLibrarySetGet(t *testing.T) {
	lib := NewTagLibrary()
	lib.Set("callid-1", "abcd1234")

	tag, ok := lib.Get("callid-1")
	require.True(t, ok)
	assert.Equal(t, "abcd1234", tag)

	_, ok = lib.Get("callid-2")
	assert.False(t, ok)
}

func TestGenerateBranch(t *testing.T) {
	for _, n := range []int{16, 32, 64} {
		branch := GenerateBranchN(n)
		assert.True(t, strings.HasPrefix(branch, RFC3261BranchMagicCookie))
		assert.Len(t, branch, n)
	}

	assert.Len(t, GenerateBranch(), DefaultBranchLength)

	// unique across calls
	assert.NotEqual(t, GenerateBranch(), GenerateBranch())
}

func TestCounter(t *testing.T) {
	var c Counter

	assert.Equal(t, uint32(0), c.Current())
	for i := uint32(1); i <= 100; i++ {
		assert.Equal(t, i, c.Next())
		assert.Equal(t, i, c.Current())
	}
}

func TestCallIDFor(t *testing.T) {
	id := CallIDFor(1, "10.0.0.1", 5060)
	require.True(t, strings.HasSuffix(id, "@10.0.0.1:5060"))

	hash, _, _ := strings.Cut(id, "@")
	assert.Len(t, hash, 32)

	// deterministic per counter value, distinct across values
	assert.Equal(t, id, CallIDFor(1, "10.0.0.1", 5060))
	assert.NotEqual(t, id, CallIDFor(2, "10.0.0.1", 5060))
}

func TestAllowHeaderValue(t *testing.T) {
	v := AllowHeaderValue()
	assert.Contains(t, v, "INVITE")
	assert.Contains(t, v, "BYE")
	assert.Contains(t, v, "MESSAGE")
	assert.NotContains(t, v, "REGISTER")
}
