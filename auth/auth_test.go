package auth

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuzhay/govoip/credentials"
	"github.com/yuzhay/govoip/sip"
)

func challengeResponse(t *testing.T, header, value, method string) *sip.Message {
	t.Helper()
	status := "401 Unauthorized"
	if header == "Proxy-Authenticate" {
		status = "407 Proxy Authentication Required"
	}
	raw := "SIP/2.0 " + status + "\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKabc\r\n" +
		"From: \"bob\" <sip:bob@10.0.0.1:5060>;tag=aaa\r\n" +
		"To: \"bob\" <sip:bob@server.example.com:5060>\r\n" +
		"Call-ID: c1\r\n" +
		fmt.Sprintf("CSeq: 1 %s\r\n", method) +
		header + ": " + value + "\r\n" +
		"\r\n"
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, msg.Authentication)
	return msg
}

func newTestAuthenticator() *Authenticator {
	creds := credentials.NewStore()
	creds.Add("server.example.com", "", "bob", credentials.Credentials{Username: "bob", Password: "zanzibar"})
	return NewAuthenticator(creds, "server.example.com", "UDP")
}

// RFC 3261 22.4 example vector.
func TestDigestLegacyRFCVector(t *testing.T) {
	got := DigestLegacy("md5", "bob", "biloxi.com", "zanzibar",
		"INVITE", "sip:bob@biloxi.com", "dcd98b7102dd2f0e8b11d0f600bfb0c093")
	assert.Equal(t, "bf57e4e0d0bffc0fbaedce64d59add5e", got)
}

func TestDigestQOPKnownVector(t *testing.T) {
	got := DigestQOP("md5", "bob", "biloxi.com", "zanzibar",
		"REGISTER", "sip:server.example.com;transport=UDP",
		"n1", "c1", "00000001", "auth", nil)
	assert.Equal(t, "b6effa61e545d058d393c12cd1e647bc", got)
}

func TestDigestAlgorithmSelection(t *testing.T) {
	md5Resp := DigestLegacy("md5", "u", "r", "p", "REGISTER", "sip:s", "n")
	assert.Len(t, md5Resp, 32)
	assert.Equal(t, md5Resp, DigestLegacy("", "u", "r", "p", "REGISTER", "sip:s", "n"))
	assert.Equal(t, md5Resp, DigestLegacy("MD5", "u", "r", "p", "REGISTER", "sip:s", "n"))

	sha256Resp := DigestLegacy("SHA256", "u", "r", "p", "REGISTER", "sip:s", "n")
	assert.Len(t, sha256Resp, 64)
	assert.NotEqual(t, md5Resp, sha256Resp)

	sha512Resp := DigestLegacy("SHA512-256", "u", "r", "p", "REGISTER", "sip:s", "n")
	assert.Len(t, sha512Resp, 64)
	assert.NotEqual(t, sha256Resp, sha512Resp)
}

func TestAuthorizationLegacyHeader(t *testing.T) {
	a := newTestAuthenticator()
	resp := challengeResponse(t, "WWW-Authenticate",
		`Digest realm="biloxi.com", nonce="n1", algorithm=MD5`, "REGISTER")

	name, value, err := a.Authorization(resp, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, "Authorization", name)
	assert.True(t, strings.HasPrefix(value, "Digest "))
	assert.Contains(t, value, `username="bob"`)
	assert.Contains(t, value, `realm="biloxi.com"`)
	assert.Contains(t, value, `nonce="n1"`)
	assert.Contains(t, value, `uri="sip:server.example.com;transport=UDP"`)
	assert.Contains(t, value, "algorithm=md5")
	assert.NotContains(t, value, "qop=")
	assert.NotContains(t, value, "nc=")
}

func TestAuthorizationProxyHeader(t *testing.T) {
	a := newTestAuthenticator()
	resp := challengeResponse(t, "Proxy-Authenticate",
		`Digest realm="biloxi.com", nonce="n1"`, "INVITE")

	name, _, err := a.Authorization(resp, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, "Proxy-Authorization", name)
}

func TestNonceCounterIncrements(t *testing.T) {
	a := newTestAuthenticator()
	chal := `Digest realm="biloxi.com", nonce="n1", algorithm=MD5, qop="auth"`

	_, first, err := a.Authorization(challengeResponse(t, "WWW-Authenticate", chal, "REGISTER"), "bob", nil)
	require.NoError(t, err)
	assert.Contains(t, first, "nc=00000001")

	_, second, err := a.Authorization(challengeResponse(t, "WWW-Authenticate", chal, "REGISTER"), "bob", nil)
	require.NoError(t, err)
	assert.Contains(t, second, "nc=00000002")

	// cnonce is fresh per request
	assert.NotEqual(t, extractParam(t, first, "cnonce"), extractParam(t, second, "cnonce"))

	// a different nonce starts its own counter
	_, other, err := a.Authorization(challengeResponse(t, "WWW-Authenticate",
		`Digest realm="biloxi.com", nonce="n2", algorithm=MD5, qop="auth"`, "REGISTER"), "bob", nil)
	require.NoError(t, err)
	assert.Contains(t, other, "nc=00000001")
}

func TestAuthIntBodyBinding(t *testing.T) {
	resp1 := DigestQOP("md5", "bob", "r", "p", "MESSAGE", "sip:s;transport=UDP",
		"n1", "c1", "00000001", "auth-int", []byte("hello"))
	resp2 := DigestQOP("md5", "bob", "r", "p", "MESSAGE", "sip:s;transport=UDP",
		"n1", "c1", "00000001", "auth-int", []byte("other"))
	resp3 := DigestQOP("md5", "bob", "r", "p", "MESSAGE", "sip:s;transport=UDP",
		"n1", "c1", "00000001", "auth-int", []byte("hello"))

	assert.NotEqual(t, resp1, resp2)
	assert.Equal(t, resp1, resp3)
}

func TestSessVariantBindsCnonce(t *testing.T) {
	plain := DigestQOP("md5", "u", "r", "p", "REGISTER", "sip:s", "n1", "c1", "00000001", "auth", nil)
	sess := DigestQOP("md5-sess", "u", "r", "p", "REGISTER", "sip:s", "n1", "c1", "00000001", "auth", nil)
	assert.NotEqual(t, plain, sess)
}

func TestUserhash(t *testing.T) {
	a := newTestAuthenticator()
	resp := challengeResponse(t, "WWW-Authenticate",
		`Digest realm="biloxi.com", nonce="n1", algorithm=SHA-256, qop="auth", userhash=true`, "REGISTER")

	_, value, err := a.Authorization(resp, "bob", nil)
	require.NoError(t, err)
	assert.Contains(t, value, "userhash=true")
	assert.NotContains(t, value, `username="bob"`)
}

func TestOpaqueEchoed(t *testing.T) {
	a := newTestAuthenticator()
	resp := challengeResponse(t, "WWW-Authenticate",
		`Digest realm="biloxi.com", nonce="n1", qop="auth", opaque="sesame"`, "REGISTER")

	_, value, err := a.Authorization(resp, "bob", nil)
	require.NoError(t, err)
	assert.Contains(t, value, `opaque="sesame"`)
}

func TestBasicDisallowedByDefault(t *testing.T) {
	a := newTestAuthenticator()
	resp := challengeResponse(t, "WWW-Authenticate", `Basic realm="biloxi.com"`, "REGISTER")

	_, _, err := a.Authorization(resp, "bob", nil)
	require.ErrorIs(t, err, ErrBasicNotAllowed)
}

func TestBasicAllowed(t *testing.T) {
	a := newTestAuthenticator()
	a.AllowBasic = true
	a.Credentials.Add("10.0.0.1", "", "bob", credentials.Credentials{Username: "bob", Password: "zanzibar"})
	resp := challengeResponse(t, "WWW-Authenticate", `Basic realm="biloxi.com"`, "REGISTER")

	name, value, err := a.Authorization(resp, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, "Authorization", name)
	// base64("bob:zanzibar")
	assert.Equal(t, "Basic Ym9iOnphbnppYmFy", value)
}

func TestNoChallenge(t *testing.T) {
	a := newTestAuthenticator()
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKabc\r\n" +
		"From: <sip:bob@10.0.0.1>;tag=aaa\r\n" +
		"To: <sip:bob@server.example.com>;tag=bbb\r\n" +
		"Call-ID: c1\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"\r\n"
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)

	_, _, err = a.Authorization(msg, "bob", nil)
	require.ErrorIs(t, err, ErrNoChallenge)
}

func extractParam(t *testing.T, header, name string) string {
	t.Helper()
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == name {
			return strings.Trim(v, `"`)
		}
	}
	t.Fatalf("param %s not in %s", name, header)
	return ""
}
