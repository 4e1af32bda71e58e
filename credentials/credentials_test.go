package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreExactMatch(t *testing.T) {
	s := NewStore()
	s.Add("sip.example.com", "example.com", "alice", Credentials{Username: "alice", Password: "pw"})

	c, ok := s.Get("sip.example.com", "example.com", "alice")
	require.True(t, ok)
	assert.Equal(t, "alice", c.Username)

	_, ok = s.Get("other.example.com", "example.com", "alice")
	assert.False(t, ok)
}

func TestStoreRealmFallback(t *testing.T) {
	s := NewStore()
	s.Add("sip.example.com", "", "alice", Credentials{Username: "alice", Password: "pw"})

	// realm handed out by the server at challenge time
	c, ok := s.Get("sip.example.com", "whatever-realm", "alice")
	require.True(t, ok)
	assert.Equal(t, "pw", c.Password)
}

func TestStoreMostSpecificWins(t *testing.T) {
	s := NewStore()
	s.Add("sip.example.com", "", "", Credentials{Username: "generic", Password: "g"})
	s.Add("sip.example.com", "example.com", "alice", Credentials{Username: "alice", Password: "a"})

	c, ok := s.Get("sip.example.com", "example.com", "alice")
	require.True(t, ok)
	assert.Equal(t, "alice", c.Username)

	c, ok = s.Get("sip.example.com", "other", "bob")
	require.True(t, ok)
	assert.Equal(t, "generic", c.Username)
}

func TestStoreGlobalWildcard(t *testing.T) {
	s := NewStore()
	_, ok := s.Get("sip.example.com", "r", "u")
	assert.False(t, ok)

	s.Add("", "", "", Credentials{Username: "fallback", Password: "f"})
	c, ok := s.Get("sip.example.com", "r", "u")
	require.True(t, ok)
	assert.Equal(t, "fallback", c.Username)
}
