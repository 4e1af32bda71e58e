// Package auth computes Authorization headers for SIP digest and basic
// challenges. Challenge parameters arrive parsed by github.com/icholy/digest;
// response computation is local because the wire demands SHA-512-256,
// -sess variants, userhash and agent lifetime nonce counters.
package auth

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yuzhay/govoip/credentials"
	"github.com/yuzhay/govoip/sip"
)

var (
	// ErrBasicNotAllowed is returned when a server demands basic auth and the
	// AllowBasic switch is off. Sending passwords in clear is opt-in only.
	ErrBasicNotAllowed = errors.New("basic authentication is not allowed, enable AllowBasic to permit it")

	// ErrNoChallenge means the response carried no usable authentication record.
	ErrNoChallenge = errors.New("response carries no authentication challenge")

	// ErrNoCredentials means the store had no entry for the challenge realm.
	ErrNoCredentials = errors.New("no credentials for challenge")
)

type hashFunc func(data []byte) string

func hashMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func hashSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashSHA512_256 truncates a full SHA-512 digest to its first 64 hex chars.
// It is not the SHA-512/256 function with its own initial values.
func hashSHA512_256(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])[:64]
}

func hashForAlgorithm(algorithm string) (hashFunc, string) {
	switch strings.ToLower(algorithm) {
	case "sha512-256", "sha512-256-sess":
		return hashSHA512_256, strings.ToLower(algorithm)
	case "sha256", "sha256-sess", "sha-256", "sha-256-sess":
		return hashSHA256, strings.ToLower(algorithm)
	case "":
		return hashMD5, "md5"
	default:
		return hashMD5, strings.ToLower(algorithm)
	}
}

// Authenticator answers 401/407 challenges. One instance lives for the
// agent lifetime so nonce counters survive across transactions.
type Authenticator struct {
	Credentials *credentials.Store
	// Server is the configured registrar, the fallback when a challenge
	// does not name a host.
	Server string
	// Transport is embedded in the digest URI, which must match the
	// Contact transport byte for byte.
	Transport string
	// AllowBasic permits the basic scheme. Off by default.
	AllowBasic bool

	mu sync.Mutex
	nc map[string]*sip.Counter

	log zerolog.Logger
}

func NewAuthenticator(creds *credentials.Store, server, transport string) *Authenticator {
	return &Authenticator{
		Credentials: creds,
		Server:      server,
		Transport:   transport,
		nc:          make(map[string]*sip.Counter),
		log:         log.Logger.With().Str("caller", "Authenticator").Logger(),
	}
}

// nextNonceCount returns the nc value for nonce, creating its counter lazily.
// Counters are never evicted, the registrar's nonce rotation bounds the map.
func (a *Authenticator) nextNonceCount(nonce string) uint32 {
	a.mu.Lock()
	counter, ok := a.nc[nonce]
	if !ok {
		counter = &sip.Counter{}
		a.nc[nonce] = counter
	}
	a.mu.Unlock()
	return counter.Next()
}

// Authorization renders the header answering the challenge in resp.
// It returns the header name, Authorization or Proxy-Authorization
// depending on where the challenge arrived, and its value.
// body is the body of the request being authorized, bound into the
// digest under qop=auth-int.
func (a *Authenticator) Authorization(resp *sip.Message, user string, body []byte) (string, string, error) {
	chal := resp.Authentication
	if chal == nil {
		return "", "", ErrNoChallenge
	}

	header := "Authorization"
	if chal.IsProxy() {
		header = "Proxy-Authorization"
	}

	switch chal.Scheme {
	case "digest":
		value, err := a.digestValue(resp, user, body)
		if err != nil {
			return "", "", err
		}
		return header, value, nil
	case "basic":
		value, err := a.basicValue(resp, user)
		if err != nil {
			return "", "", err
		}
		return header, value, nil
	default:
		return "", "", fmt.Errorf("unsupported authentication scheme %q", chal.Scheme)
	}
}

func (a *Authenticator) digestValue(resp *sip.Message, user string, body []byte) (string, error) {
	chal := resp.Authentication.Digest

	server := a.Server
	if resp.To != nil && resp.To.Host != "" {
		server = resp.To.Host
	}
	if resp.From != nil && resp.From.User != "" {
		user = resp.From.User
	}

	creds, ok := a.Credentials.Get(server, chal.Realm, user)
	if !ok {
		return "", fmt.Errorf("%w: server=%s realm=%s user=%s", ErrNoCredentials, server, chal.Realm, user)
	}

	hash, algorithm := hashForAlgorithm(chal.Algorithm)
	method := string(resp.CSeq.MethodName)
	uri := fmt.Sprintf("sip:%s;transport=%s", server, a.Transport)
	username := creds.Username

	var sb strings.Builder
	if len(chal.QOP) == 0 {
		response := DigestLegacy(algorithm, username, chal.Realm, creds.Password, method, uri, chal.Nonce)

		fmt.Fprintf(&sb, "Digest username=%q,realm=%q,nonce=%q,uri=%q,response=%q,algorithm=%s",
			username, chal.Realm, chal.Nonce, uri, response, algorithm)
		if chal.Opaque != "" {
			fmt.Fprintf(&sb, ",opaque=%q", chal.Opaque)
		}
		return sb.String(), nil
	}

	qop := chal.QOP[0]
	cnonce := strings.ReplaceAll(uuid.New().String(), "-", "")
	nc := fmt.Sprintf("%08X", a.nextNonceCount(chal.Nonce))

	response := DigestQOP(algorithm, username, chal.Realm, creds.Password, method, uri, chal.Nonce, cnonce, nc, qop, body)

	userhash := "false"
	if chal.Userhash {
		username = hash([]byte(fmt.Sprintf("%s:%s", username, chal.Realm)))
		userhash = "true"
	}

	fmt.Fprintf(&sb, "Digest username=%q,realm=%q,nonce=%q,uri=%q,response=%q,algorithm=%s",
		username, chal.Realm, chal.Nonce, uri, response, algorithm)
	fmt.Fprintf(&sb, ",qop=%s,cnonce=%q,nc=%s,userhash=%s", qop, cnonce, nc, userhash)
	if chal.Opaque != "" {
		fmt.Fprintf(&sb, ",opaque=%q", chal.Opaque)
	}
	return sb.String(), nil
}

// DigestLegacy computes the pre-qop digest response of RFC 3261 22.4:
// H(H(user:realm:pass):nonce:H(method:uri)).
func DigestLegacy(algorithm, username, realm, password, method, uri, nonce string) string {
	hash, _ := hashForAlgorithm(algorithm)
	ha1 := hash([]byte(fmt.Sprintf("%s:%s:%s", username, realm, password)))
	ha2 := hash([]byte(fmt.Sprintf("%s:%s", method, uri)))
	return hash([]byte(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2)))
}

// DigestQOP computes the qop digest response of RFC 7616, including the
// -sess session key variant and the auth-int body binding.
func DigestQOP(algorithm, username, realm, password, method, uri, nonce, cnonce, nc, qop string, body []byte) string {
	hash, algo := hashForAlgorithm(algorithm)
	ha1 := hash([]byte(fmt.Sprintf("%s:%s:%s", username, realm, password)))
	if strings.HasSuffix(algo, "-sess") {
		ha1 = fmt.Sprintf("%s:%s:%s", ha1, nonce, cnonce)
	}
	a2 := fmt.Sprintf("%s:%s", method, uri)
	if strings.Contains(qop, "auth-int") {
		a2 = fmt.Sprintf("%s:%s", a2, hash(body))
	}
	ha2 := hash([]byte(a2))
	return hash([]byte(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, nonce, nc, cnonce, qop, ha2)))
}

func (a *Authenticator) basicValue(resp *sip.Message, user string) (string, error) {
	if !a.AllowBasic {
		return "", ErrBasicNotAllowed
	}

	server := a.Server
	if resp.From != nil && resp.From.Host != "" {
		server = resp.From.Host
	}
	creds, ok := a.Credentials.Get(server, resp.Authentication.Realm, user)
	if !ok {
		return "", fmt.Errorf("%w: server=%s realm=%s user=%s", ErrNoCredentials, server, resp.Authentication.Realm, user)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
	return "Basic " + encoded, nil
}
