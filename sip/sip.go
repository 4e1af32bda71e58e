package sip

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// RFC3261BranchMagicCookie is the mandatory prefix of every Via branch parameter.
	RFC3261BranchMagicCookie = "z9hG4bK"

	// DefaultBranchLength is total branch length including the magic cookie.
	DefaultBranchLength = 32
)

// SIPDebug enables raw message dumps on the debug level.
var SIPDebug bool

// CompatibleMethods is advertised in the Allow header of composed messages;
// ACK and SUBSCRIBE carry no Allow header.
var CompatibleMethods = []RequestMethod{INVITE, ACK, BYE, CANCEL, OPTIONS, NOTIFY, MESSAGE}

// AllowHeaderValue renders CompatibleMethods for the Allow header.
func AllowHeaderValue() string {
	parts := make([]string, len(CompatibleMethods))
	for i, m := range CompatibleMethods {
		parts[i] = string(m)
	}
	return strings.Join(parts, ", ")
}

// Counter is a monotonically increasing 32 bit sequence source.
// Next pre-increments, so the first value handed out is 1.
// Counters never reset for the lifetime of their owner.
type Counter struct {
	n atomic.Uint32
}

func (c *Counter) Next() uint32 {
	return c.n.Add(1)
}

func (c *Counter) Current() uint32 {
	return c.n.Load()
}

// GenerateBranch returns a branch parameter of DefaultBranchLength.
func GenerateBranch() string {
	return GenerateBranchN(DefaultBranchLength)
}

// GenerateBranchN returns a branch parameter of total length n,
// magic cookie included.
// https://datatracker.ietf.org/doc/html/rfc3261#section-8.1.1.7
func GenerateBranchN(n int) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	fill := n - len(RFC3261BranchMagicCookie)
	if fill < 0 {
		fill = 0
	}
	for len(id) < fill {
		id += strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	return RFC3261BranchMagicCookie + id[:fill]
}

// GenerateURNUUID returns the agent instance identifier embedded in
// Contact +sip.instance parameters.
func GenerateURNUUID() string {
	return strings.ToUpper(uuid.New().String())
}

// CallIDFor derives a call id from a counter value: 32 hex chars of
// SHA-256 over the decimal value, scoped to the local binding.
func CallIDFor(seq uint32, bindIP string, bindPort int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d", seq)))
	return fmt.Sprintf("%s@%s:%d", hex.EncodeToString(sum[:])[:32], bindIP, bindPort)
}

// RegisterKey is the tag library key shared by all REGISTER transactions.
const RegisterKey = "register"

// TagLibrary maps a dialog key, either the literal "register" or a Call-ID,
// to the tag this agent emitted locally. It also remembers every tag it ever
// produced so tags stay unique within the agent. The register tag is created
// once at construction and reused across all REGISTER transactions.
type TagLibrary struct {
	mu      sync.Mutex
	tags    map[string]string
	emitted map[string]struct{}
}

func NewTagLibrary() *TagLibrary {
	t := &TagLibrary{
		tags:    make(map[string]string),
		emitted: make(map[string]struct{}),
	}
	t.tags[RegisterKey] = t.newTagLocked()
	return t
}

// NewTag generates a fresh unique tag: 8 hex chars of MD5 over a random
// 32 bit integer.
func (t *TagLibrary) NewTag() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.newTagLocked()
}

func (t *TagLibrary) newTagLocked() string {
	for {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		seed := binary.BigEndian.Uint32(b[:])
		sum := md5.Sum([]byte(fmt.Sprintf("%d", seed)))
		tag := hex.EncodeToString(sum[:])[:8]
		if _, dup := t.emitted[tag]; !dup {
			t.emitted[tag] = struct{}{}
			return tag
		}
	}
}

// Set stores the local tag for key, typically a Call-ID.
func (t *TagLibrary) Set(key, tag string) {
	t.mu.Lock()
	t.tags[key] = tag
	t.mu.Unlock()
}

// Get returns the local tag stored under key.
func (t *TagLibrary) Get(key string) (string, bool) {
	t.mu.Lock()
	tag, ok := t.tags[key]
	t.mu.Unlock()
	return tag, ok
}
