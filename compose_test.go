package govoip

import (
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuzhay/govoip/credentials"
	"github.com/yuzhay/govoip/fakes"
	"github.com/yuzhay/govoip/media"
	"github.com/yuzhay/govoip/sip"
)

func newTestAgent(t *testing.T, opts ...Option) (*Agent, *fakes.Socket) {
	t.Helper()
	sock := fakes.NewSocket()
	creds := credentials.NewStore()
	creds.Add("server.example.com", "", "bob", credentials.Credentials{Username: "bob", Password: "zanzibar"})

	base := []Option{
		WithBindAddr("10.0.0.1", 5060),
		WithSocket(sock),
		WithRegisterTimeout(2 * time.Second),
	}
	a := NewAgent("server.example.com", 5060, "bob", creds, append(base, opts...)...)
	return a, sock
}

func parseMsg(t *testing.T, raw string) *sip.Message {
	t.Helper()
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestFirstRegisterComposition(t *testing.T) {
	a, _ := newTestAgent(t)

	reg := a.buildFirstRegister(false)

	assert.True(t, strings.HasPrefix(reg, "REGISTER sip:server.example.com:5060 SIP/2.0\r\n"))
	assert.Regexp(t, `Via: SIP/2\.0/UDP 10\.0\.0\.1:5060;branch=z9hG4bK[0-9a-f]+;rport\r\n`, reg)

	registerTag, _ := a.tags.Get(sip.RegisterKey)
	assert.Contains(t, reg, fmt.Sprintf("From: \"bob\" <sip:bob@10.0.0.1:5060>;tag=%s\r\n", registerTag))
	assert.Contains(t, reg, "To: \"bob\" <sip:bob@server.example.com:5060>\r\n")
	assert.Contains(t, reg, ";transport=UDP>;+sip.instance=\"<urn:uuid:")
	assert.Contains(t, reg, "Allow-Events: org.3gpp.nwinitdereg\r\n")
	assert.Contains(t, reg, "Max-Forwards: 70\r\n")
	assert.Contains(t, reg, "Expires: 120\r\n")
	assert.NotContains(t, reg, "Authorization")
	assert.True(t, strings.HasSuffix(reg, "Content-Length: 0\r\n\r\n"))
}

func TestFirstRegisterDeregister(t *testing.T) {
	a, _ := newTestAgent(t)
	reg := a.buildFirstRegister(true)
	assert.Contains(t, reg, "Expires: 0\r\n")
}

func TestRegisterTagReusedAcrossTransactions(t *testing.T) {
	a, _ := newTestAgent(t)
	registerTag, _ := a.tags.Get(sip.RegisterKey)

	for i := 0; i < 3; i++ {
		reg := a.buildFirstRegister(false)
		assert.Contains(t, reg, ";tag="+registerTag+"\r\n")
	}
}

func TestCSeqMonotonicity(t *testing.T) {
	a, _ := newTestAgent(t)

	re := regexp.MustCompile(`CSeq: (\d+) (\w+)\r\n`)
	for k := 1; k <= 5; k++ {
		reg := a.buildFirstRegister(false)
		m := re.FindStringSubmatch(reg)
		require.NotNil(t, m)
		assert.Equal(t, fmt.Sprintf("%d", k), m[1])
		assert.Equal(t, "REGISTER", m[2])
	}

	for k := 1; k <= 3; k++ {
		inv, err := a.buildInvite("100", uint32(k), media.Map{20000: {media.PCMU}}, media.SendRecv,
			sip.GenerateBranch(), fmt.Sprintf("call-%d", k), "")
		require.NoError(t, err)
		assert.Contains(t, inv, fmt.Sprintf("CSeq: %d INVITE\r\n", k))
	}

	for k := 1; k <= 3; k++ {
		msg := a.buildMessage("100", "hi", "text/plain", sip.GenerateBranch(), fmt.Sprintf("mcall-%d", k), "")
		assert.Contains(t, msg, fmt.Sprintf("CSeq: %d MESSAGE\r\n", k))
	}
}

func TestChallengedRegisterComposition(t *testing.T) {
	a, _ := newTestAgent(t)

	challenge := parseMsg(t, "SIP/2.0 401 Unauthorized\r\n"+
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKabc\r\n"+
		"From: \"bob\" <sip:bob@10.0.0.1:5060>;tag=aaa\r\n"+
		"To: \"bob\" <sip:bob@server.example.com:5060>\r\n"+
		"Call-ID: challenge-call-id\r\n"+
		"CSeq: 1 REGISTER\r\n"+
		"WWW-Authenticate: Digest realm=\"example.com\", nonce=\"n1\", algorithm=MD5\r\n"+
		"\r\n")

	reg, err := a.buildRegister(challenge, false)
	require.NoError(t, err)

	// Call-ID taken from the challenge, auth immediately before Content-Length
	assert.Contains(t, reg, "Call-ID: challenge-call-id\r\n")
	assert.Regexp(t, `Authorization: Digest username="bob",realm="example\.com",nonce="n1",`+
		`uri="sip:server\.example\.com;transport=UDP",response="[0-9a-f]{32}",algorithm=md5\r\nContent-Length: 0\r\n\r\n$`, reg)
}

func TestResponseViaEcho(t *testing.T) {
	a, _ := newTestAgent(t)

	req := parseMsg(t, "BYE sip:bob@10.0.0.1 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 1.2.3.4:5060;branch=z9hG4bKone;rport\r\n"+
		"Via: SIP/2.0/UDP 5.6.7.8:5061;branch=z9hG4bKtwo;rport=5060\r\n"+
		"Via: SIP/2.0/UDP 9.9.9.9:5062;branch=z9hG4bKthree;received=1.2.3.4\r\n"+
		"From: <sip:alice@atlanta.com>;tag=remote\r\n"+
		"To: <sip:bob@10.0.0.1>\r\n"+
		"Call-ID: via-echo\r\n"+
		"CSeq: 7 BYE\r\n"+
		"\r\n")

	vias := a.responseViaLines(req)
	lines := strings.Split(strings.TrimSuffix(vias, "\r\n"), "\r\n")
	require.Equal(t, []string{
		"Via: SIP/2.0/UDP 1.2.3.4:5060;branch=z9hG4bKone;rport",
		"Via: SIP/2.0/UDP 5.6.7.8:5061;branch=z9hG4bKtwo;rport=5060",
		"Via: SIP/2.0/UDP 9.9.9.9:5062;branch=z9hG4bKthree;received=1.2.3.4",
	}, lines)
}

func TestByeRoleSwapUAC(t *testing.T) {
	a, _ := newTestAgent(t)

	// we sent the INVITE, the local tag sits on From
	localTag := a.tags.NewTag()
	a.tags.Set("call-uac", localTag)

	req := parseMsg(t, "INVITE sip:100@server.example.com SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKinv\r\n"+
		"From: <sip:bob@10.0.0.1>;tag="+localTag+"\r\n"+
		"To: <sip:100@server.example.com>;tag=remotetag\r\n"+
		"Call-ID: call-uac\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Contact: <sip:100@5.6.7.8:5060>\r\n"+
		"\r\n")

	bye, err := a.buildByeCancel(req, sip.BYE)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(bye, "BYE sip:100@5.6.7.8:5060 SIP/2.0\r\n"))
	assert.Contains(t, bye, "From: <sip:bob@10.0.0.1>;tag="+localTag+"\r\n")
	assert.Contains(t, bye, "To: <sip:100@server.example.com>;tag=remotetag\r\n")
	assert.Contains(t, bye, "CSeq: 1 BYE\r\n")
}

func TestByeRoleSwapUAS(t *testing.T) {
	a, _ := newTestAgent(t)

	// we answered the INVITE, the local tag went onto To; the BYE we
	// compose must carry it on From and address the remote's From
	localTag := a.tags.NewTag()
	a.tags.Set("call-uas", localTag)

	req := parseMsg(t, "INVITE sip:bob@10.0.0.1 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 5.6.7.8:5060;branch=z9hG4bKinv\r\n"+
		"From: \"Alice\" <sip:alice@atlanta.com>;tag=remotetag\r\n"+
		"To: <sip:bob@10.0.0.1>;tag="+localTag+"\r\n"+
		"Call-ID: call-uas\r\n"+
		"CSeq: 2 INVITE\r\n"+
		"Contact: <sip:alice@5.6.7.8:5060>\r\n"+
		"\r\n")

	bye, err := a.buildByeCancel(req, sip.BYE)
	require.NoError(t, err)

	assert.Contains(t, bye, "From: <sip:bob@10.0.0.1>;tag="+localTag+"\r\n")
	assert.Contains(t, bye, "To: \"Alice\" <sip:alice@atlanta.com>;tag=remotetag\r\n")
	assert.Contains(t, bye, "CSeq: 2 BYE\r\n")
}

func TestCancelCopiesCSeqMethod(t *testing.T) {
	a, _ := newTestAgent(t)

	localTag := a.tags.NewTag()
	a.tags.Set("call-cancel", localTag)

	req := parseMsg(t, "INVITE sip:100@server.example.com SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKinv\r\n"+
		"From: <sip:bob@10.0.0.1>;tag="+localTag+"\r\n"+
		"To: <sip:100@server.example.com>\r\n"+
		"Call-ID: call-cancel\r\n"+
		"CSeq: 3 INVITE\r\n"+
		"Contact: <sip:100@5.6.7.8>\r\n"+
		"\r\n")

	cancel, err := a.buildByeCancel(req, sip.CANCEL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cancel, "CANCEL sip:100@5.6.7.8 SIP/2.0\r\n"))
	assert.Contains(t, cancel, "CSeq: 3 CANCEL\r\n")
}

func TestInviteComposition(t *testing.T) {
	a, _ := newTestAgent(t)

	inv, err := a.buildInvite("100", 1, media.Map{20000: {media.PCMU, media.TelephoneEvent}},
		media.SendRecv, "z9hG4bKbranch1", "invite-call", "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(inv, "INVITE sip:100@server.example.com SIP/2.0\r\n"))
	assert.Contains(t, inv, "Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKbranch1\r\n")
	assert.Contains(t, inv, "Content-Type: application/sdp\r\n")

	// the freshly generated tag is remembered under the call id
	tag, ok := a.tags.Get("invite-call")
	require.True(t, ok)
	assert.Contains(t, inv, "From: <sip:bob@10.0.0.1>;tag="+tag+"\r\n")

	// body length matches the header
	_, body, found := strings.Cut(inv, "\r\n\r\n")
	require.True(t, found)
	assert.Contains(t, inv, fmt.Sprintf("Content-Length: %d\r\n", len(body)))
	assert.Contains(t, body, "m=audio 20000 RTP/AVP 0 101\r\n")
	assert.Contains(t, body, "a=fmtp:101 0-15\r\n")
}

func TestAckComposition(t *testing.T) {
	a, _ := newTestAgent(t)

	localTag := a.tags.NewTag()
	a.tags.Set("ack-call", localTag)

	resp := parseMsg(t, "SIP/2.0 401 Unauthorized\r\n"+
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKinv\r\n"+
		"From: <sip:bob@10.0.0.1>;tag="+localTag+"\r\n"+
		"To: <sip:100@server.example.com>;tag=srvtag\r\n"+
		"Call-ID: ack-call\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"WWW-Authenticate: Digest realm=\"example.com\", nonce=\"n9\"\r\n"+
		"\r\n")

	ack, err := a.buildAck(resp)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ack, "ACK sip:100@server.example.com SIP/2.0\r\n"))
	assert.Contains(t, ack, "To: <sip:100@server.example.com>;tag=srvtag\r\n")
	assert.Contains(t, ack, "From: <sip:bob@10.0.0.1>;tag="+localTag+"\r\n")
	assert.Contains(t, ack, "CSeq: 1 ACK\r\n")
}

func TestRingingStoresTag(t *testing.T) {
	a, _ := newTestAgent(t)

	req := parseMsg(t, "INVITE sip:bob@10.0.0.1 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 5.6.7.8:5060;branch=z9hG4bKinv;rport\r\n"+
		"From: <sip:alice@atlanta.com>;tag=remote\r\n"+
		"To: <sip:bob@10.0.0.1>\r\n"+
		"Call-ID: ring-call\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Contact: <sip:alice@5.6.7.8:5060>\r\n"+
		"\r\n")

	ringing := a.BuildRinging(req)
	tag, ok := a.tags.Get("ring-call")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(ringing, "SIP/2.0 180 Ringing\r\n"))
	assert.Contains(t, ringing, "To: <sip:bob@10.0.0.1>;tag="+tag+"\r\n")

	// the answer reuses the ringing tag
	answer, err := a.BuildAnswer(req, 5, media.Map{20000: {media.PCMU}}, media.SendRecv)
	require.NoError(t, err)
	assert.Contains(t, answer, "To: <sip:bob@10.0.0.1>;tag="+tag+"\r\n")
	assert.Contains(t, answer, "Content-Type: application/sdp\r\n")
}

func TestBusyComposition(t *testing.T) {
	a, _ := newTestAgent(t)

	req := parseMsg(t, "INVITE sip:bob@10.0.0.1 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 5.6.7.8:5060;branch=z9hG4bKinv\r\n"+
		"From: <sip:alice@atlanta.com>;tag=remote\r\n"+
		"To: <sip:bob@10.0.0.1>\r\n"+
		"Call-ID: busy-call\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Contact: <sip:alice@5.6.7.8:5060>\r\n"+
		"\r\n")

	busy := a.buildBusy(req)
	assert.True(t, strings.HasPrefix(busy, "SIP/2.0 486 Busy Here\r\n"))
	assert.Contains(t, busy, "Warning: 399 GS \"Unable to accept call\"\r\n")
	assert.Contains(t, busy, "CSeq: 1 INVITE\r\n")
}

func TestSubscribeComposition(t *testing.T) {
	a, _ := newTestAgent(t)

	resp := parseMsg(t, "SIP/2.0 200 OK\r\n"+
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKreg\r\n"+
		"From: \"bob\" <sip:bob@10.0.0.1:5060>;tag=regtag\r\n"+
		"To: \"bob\" <sip:bob@server.example.com:5060>;tag=srv\r\n"+
		"Call-ID: reg-call\r\n"+
		"CSeq: 2 REGISTER\r\n"+
		"\r\n")

	sub := a.buildSubscribe(resp)
	assert.True(t, strings.HasPrefix(sub, "SUBSCRIBE sip:bob@server.example.com SIP/2.0\r\n"))
	assert.Contains(t, sub, "Call-ID: reg-call\r\n")
	assert.Contains(t, sub, "Event: message-summary\r\n")
	assert.Contains(t, sub, "Accept: application/simple-message-summary\r\n")
	assert.Contains(t, sub, "Expires: 240\r\n")
	assert.Contains(t, sub, "CSeq: 1 SUBSCRIBE\r\n")
}

func TestSpliceAuthorization(t *testing.T) {
	msg := "MESSAGE sip:100@server.example.com SIP/2.0\r\n" +
		"CSeq: 1 MESSAGE\r\n" +
		"Content-Length: 2\r\n\r\nhi"

	out := spliceAuthorization(msg, "Authorization", "Digest username=\"bob\"")
	assert.Contains(t, out, "CSeq: 1 MESSAGE\r\nAuthorization: Digest username=\"bob\"\r\nContent-Length: 2\r\n\r\nhi")
}

func TestGenLastCallID(t *testing.T) {
	a, _ := newTestAgent(t)

	first := a.genCallID()
	assert.Equal(t, first, a.GenLastCallID())

	second := a.genCallID()
	assert.Equal(t, second, a.GenLastCallID())
	assert.NotEqual(t, first, second)
}
