package govoip

import (
	"fmt"
	"strings"

	"github.com/yuzhay/govoip/media"
	"github.com/yuzhay/govoip/sdp"
	"github.com/yuzhay/govoip/sip"
)

// The composer renders every outbound message in one place so the exact
// bytes hashed for digest authentication match the exact bytes on the wire.

func (a *Agent) userAgentLine() string {
	return "User-Agent: govoip " + Version + "\r\n"
}

func (a *Agent) allowLine() string {
	return "Allow: " + sip.AllowHeaderValue() + "\r\n"
}

func (a *Agent) genCallID() string {
	return sip.CallIDFor(a.callIDSource.Next(), a.bindIP, a.bindPort)
}

// GenLastCallID returns the most recently generated call id, for the call
// layer to correlate a just sent INVITE.
func (a *Agent) GenLastCallID() string {
	return sip.CallIDFor(a.callIDSource.Current(), a.bindIP, a.bindPort)
}

// fromToLine renders a From or To header from a parsed address, optionally
// appending a tag.
func fromToLine(dsthdr string, addr *sip.AddressHeader, tag string) string {
	var sb strings.Builder
	sb.WriteString(dsthdr)
	sb.WriteString(":")
	if addr.DisplayName != "" {
		fmt.Fprintf(&sb, " %q", addr.DisplayName)
	}
	fmt.Fprintf(&sb, " <%s>", addr.URI)
	if tag != "" {
		sb.WriteString(";tag=")
		sb.WriteString(tag)
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// responseViaLines echoes the request's Via stack in order, preserving the
// branch, rport (bare or valued) and received parameters of every hop.
func (a *Agent) responseViaLines(req *sip.Message) string {
	var sb strings.Builder
	for _, hop := range req.Via {
		fmt.Fprintf(&sb, "Via: SIP/2.0/%s %s:%d", a.transportMode, hop.Host, hop.Port)
		for _, p := range hop.Params {
			switch strings.ToLower(p.Name) {
			case "branch", "received":
				fmt.Fprintf(&sb, ";%s=%s", p.Name, p.Value)
			case "rport":
				if p.HasValue {
					fmt.Fprintf(&sb, ";rport=%s", p.Value)
				} else {
					sb.WriteString(";rport")
				}
			}
		}
		sb.WriteString("\r\n")
	}
	return sb.String()
}

func (a *Agent) requestViaLine(branch string, rport bool) string {
	v := fmt.Sprintf("Via: SIP/2.0/%s %s:%d;branch=%s", a.transportMode, a.bindIP, a.bindPort, branch)
	if rport {
		v += ";rport"
	}
	return v + "\r\n"
}

func (a *Agent) contactLine() string {
	return fmt.Sprintf("Contact: <sip:%s@%s:%d>\r\n", a.user, a.bindIP, a.bindPort)
}

// instanceContactLine is the Contact of REGISTER and SUBSCRIBE: it carries
// the transport parameter and the agent instance urn:uuid, which keeps the
// binding recognisable across rebinds.
func (a *Agent) instanceContactLine() string {
	return fmt.Sprintf("Contact: <sip:%s@%s:%d;transport=%s>;+sip.instance=\"<urn:uuid:%s>\"\r\n",
		a.user, a.bindIP, a.bindPort, a.transportMode, a.urnUUID)
}

// buildFirstRegister renders the unauthenticated REGISTER, with Expires 0
// when deregistering.
func (a *Agent) buildFirstRegister(deregister bool) string {
	expires := int(a.defaultExpires.Seconds())
	if deregister {
		expires = 0
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "REGISTER sip:%s:%d SIP/2.0\r\n", a.server, a.port)
	sb.WriteString(a.requestViaLine(sip.GenerateBranch(), true))
	registerTag, _ := a.tags.Get(sip.RegisterKey)
	fmt.Fprintf(&sb, "From: %q <sip:%s@%s:%d>;tag=%s\r\n", a.user, a.user, a.bindIP, a.bindPort, registerTag)
	fmt.Fprintf(&sb, "To: %q <sip:%s@%s:%d>\r\n", a.user, a.user, a.server, a.port)
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", a.genCallID())
	fmt.Fprintf(&sb, "CSeq: %d REGISTER\r\n", a.registerCounter.Next())
	sb.WriteString(a.instanceContactLine())
	sb.WriteString(a.allowLine())
	sb.WriteString("Max-Forwards: 70\r\n")
	sb.WriteString("Allow-Events: org.3gpp.nwinitdereg\r\n")
	sb.WriteString(a.userAgentLine())
	fmt.Fprintf(&sb, "Expires: %d\r\n", expires)
	sb.WriteString("Content-Length: 0\r\n\r\n")
	return sb.String()
}

// buildRegister renders the authenticated REGISTER answering a challenge.
// The Call-ID is carried over from the challenge when present, keeping the
// transaction in the registrar's view of the dialog.
func (a *Agent) buildRegister(challenge *sip.Message, deregister bool) (string, error) {
	expires := int(a.defaultExpires.Seconds())
	if deregister {
		expires = 0
	}

	authName, authValue, err := a.authenticator.Authorization(challenge, a.user, nil)
	if err != nil {
		return "", err
	}

	callID := challenge.CallID
	if callID == "" {
		callID = a.genCallID()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "REGISTER sip:%s:%d SIP/2.0\r\n", a.server, a.port)
	sb.WriteString(a.requestViaLine(sip.GenerateBranch(), true))
	registerTag, _ := a.tags.Get(sip.RegisterKey)
	fmt.Fprintf(&sb, "From: %q <sip:%s@%s:%d>;tag=%s\r\n", a.user, a.user, a.bindIP, a.bindPort, registerTag)
	fmt.Fprintf(&sb, "To: %q <sip:%s@%s:%d>\r\n", a.user, a.user, a.server, a.port)
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", callID)
	fmt.Fprintf(&sb, "CSeq: %d REGISTER\r\n", a.registerCounter.Next())
	sb.WriteString(a.instanceContactLine())
	sb.WriteString(a.allowLine())
	sb.WriteString("Max-Forwards: 70\r\n")
	sb.WriteString("Allow-Events: org.3gpp.nwinitdereg\r\n")
	sb.WriteString(a.userAgentLine())
	fmt.Fprintf(&sb, "Expires: %d\r\n", expires)
	fmt.Fprintf(&sb, "%s: %s\r\n", authName, authValue)
	sb.WriteString("Content-Length: 0\r\n\r\n")
	return sb.String(), nil
}

// buildInvite renders an INVITE with an SDP offer. A fresh local tag is
// generated and remembered under the call id.
func (a *Agent) buildInvite(number string, sessID uint32, ms media.Map, sendtype media.TransmitMode, branch, callID, authHeader string) (string, error) {
	body, err := sdp.Marshal(sdp.Session{ID: sessID, BindIP: a.bindIP, Media: ms, Mode: sendtype})
	if err != nil {
		return "", err
	}

	tag := a.tags.NewTag()
	a.tags.Set(callID, tag)

	var sb strings.Builder
	fmt.Fprintf(&sb, "INVITE sip:%s@%s SIP/2.0\r\n", number, a.server)
	sb.WriteString(a.requestViaLine(branch, false))
	sb.WriteString("Max-Forwards: 70\r\n")
	sb.WriteString(a.contactLine())
	fmt.Fprintf(&sb, "To: <sip:%s@%s>\r\n", number, a.server)
	fmt.Fprintf(&sb, "From: <sip:%s@%s>;tag=%s\r\n", a.user, a.bindIP, tag)
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", callID)
	fmt.Fprintf(&sb, "CSeq: %d INVITE\r\n", a.inviteCounter.Next())
	sb.WriteString(a.allowLine())
	sb.WriteString("Content-Type: application/sdp\r\n")
	sb.WriteString(a.userAgentLine())
	if authHeader != "" {
		sb.WriteString(authHeader)
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n\r\n", len(body))
	sb.Write(body)
	return sb.String(), nil
}

// buildAck acknowledges a final response: the request URI comes from the
// response's To, the From tag is our stored local tag, the To tag echoes
// the remote tag.
func (a *Agent) buildAck(resp *sip.Message) (string, error) {
	tag, ok := a.tags.Get(resp.CallID)
	if !ok {
		return "", fmt.Errorf("no local tag for call %s", resp.CallID)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ACK %s SIP/2.0\r\n", resp.To.URI)
	sb.WriteString(a.responseViaLines(resp))
	sb.WriteString("Max-Forwards: 70\r\n")
	sb.WriteString(fromToLine("To", resp.To, resp.To.Tag))
	sb.WriteString(fromToLine("From", resp.From, tag))
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", resp.CallID)
	fmt.Fprintf(&sb, "CSeq: %d ACK\r\n", resp.CSeq.SeqNo)
	sb.WriteString(a.userAgentLine())
	sb.WriteString("Content-Length: 0\r\n\r\n")
	return sb.String(), nil
}

// buildByeCancel renders an in-dialog BYE or CANCEL from the last dialog
// message. The From/To pair is swapped according to which side sent the
// referenced request: the local tag always ends up on From.
func (a *Agent) buildByeCancel(req *sip.Message, method sip.RequestMethod) (string, error) {
	tag, ok := a.tags.Get(req.CallID)
	if !ok {
		return "", fmt.Errorf("no local tag for call %s", req.CallID)
	}
	if req.Contact == nil {
		return "", fmt.Errorf("no contact on dialog message for call %s", req.CallID)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s SIP/2.0\r\n", method, req.Contact.URI)
	sb.WriteString(a.responseViaLines(req))
	if req.From != nil && req.From.Tag == tag {
		// we sent the referenced request, UAC side
		sb.WriteString(fromToLine("From", req.From, tag))
		fmt.Fprintf(&sb, "To: %s\r\n", req.To.Raw)
	} else {
		// UAS side: swap the pair so the local tag lands on From
		fmt.Fprintf(&sb, "To: %s\r\n", req.From.Raw)
		sb.WriteString(fromToLine("From", req.To, tag))
	}
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", req.CallID)
	fmt.Fprintf(&sb, "CSeq: %d %s\r\n", req.CSeq.SeqNo, method)
	sb.WriteString(a.contactLine())
	sb.WriteString(a.userAgentLine())
	sb.WriteString(a.allowLine())
	sb.WriteString("Content-Length: 0\r\n\r\n")
	return sb.String(), nil
}

// buildMessage renders a MESSAGE request carrying an arbitrary body.
func (a *Agent) buildMessage(number, body, ctype, branch, callID, authHeader string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MESSAGE sip:%s@%s SIP/2.0\r\n", number, a.server)
	sb.WriteString(a.requestViaLine(branch, false))
	sb.WriteString("Max-Forwards: 70\r\n")
	fmt.Fprintf(&sb, "To: <sip:%s@%s>\r\n", number, a.server)
	fmt.Fprintf(&sb, "From: <sip:%s@%s>;tag=%s\r\n", a.user, a.bindIP, a.tags.NewTag())
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", callID)
	fmt.Fprintf(&sb, "CSeq: %d MESSAGE\r\n", a.messageCounter.Next())
	sb.WriteString(a.allowLine())
	fmt.Fprintf(&sb, "Content-Type: %s\r\n", ctype)
	if authHeader != "" {
		sb.WriteString(authHeader)
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n\r\n", len(body))
	sb.WriteString(body)
	return sb.String()
}

// buildSubscribe renders the message-summary SUBSCRIBE tied to the Call-ID
// of the registration response.
func (a *Agent) buildSubscribe(resp *sip.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SUBSCRIBE sip:%s@%s SIP/2.0\r\n", a.user, a.server)
	sb.WriteString(a.requestViaLine(sip.GenerateBranch(), true))
	fmt.Fprintf(&sb, "From: %q <sip:%s@%s>;tag=%s\r\n", a.user, a.user, a.server, a.tags.NewTag())
	fmt.Fprintf(&sb, "To: <sip:%s@%s>\r\n", a.user, a.server)
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", resp.CallID)
	fmt.Fprintf(&sb, "CSeq: %d SUBSCRIBE\r\n", a.subscribeCounter.Next())
	sb.WriteString(a.instanceContactLine())
	sb.WriteString("Max-Forwards: 70\r\n")
	sb.WriteString(a.userAgentLine())
	fmt.Fprintf(&sb, "Expires: %d\r\n", int(a.defaultExpires.Seconds())*2)
	sb.WriteString("Event: message-summary\r\n")
	sb.WriteString("Accept: application/simple-message-summary\r\n")
	sb.WriteString("Content-Length: 0\r\n\r\n")
	return sb.String()
}

// buildOK renders the stock 200 OK to BYE and CANCEL requests.
func (a *Agent) buildOK(req *sip.Message) string {
	var sb strings.Builder
	sb.WriteString("SIP/2.0 200 OK\r\n")
	sb.WriteString(a.responseViaLines(req))
	fmt.Fprintf(&sb, "From: %s\r\n", req.From.Raw)
	sb.WriteString(fromToLine("To", req.To, a.tags.NewTag()))
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", req.CallID)
	fmt.Fprintf(&sb, "CSeq: %d %s\r\n", req.CSeq.SeqNo, req.CSeq.MethodName)
	sb.WriteString(a.userAgentLine())
	sb.WriteString(a.allowLine())
	sb.WriteString("Content-Length: 0\r\n\r\n")
	return sb.String()
}

// BuildRinging renders 180 Ringing and remembers the fresh local tag under
// the Call-ID, the dialog is now established from our side.
func (a *Agent) BuildRinging(req *sip.Message) string {
	tag := a.tags.NewTag()

	var sb strings.Builder
	sb.WriteString("SIP/2.0 180 Ringing\r\n")
	sb.WriteString(a.responseViaLines(req))
	fmt.Fprintf(&sb, "From: %s\r\n", req.From.Raw)
	sb.WriteString(fromToLine("To", req.To, tag))
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", req.CallID)
	fmt.Fprintf(&sb, "CSeq: %d %s\r\n", req.CSeq.SeqNo, req.CSeq.MethodName)
	if req.Contact != nil {
		fmt.Fprintf(&sb, "Contact: %s\r\n", req.Contact.Raw)
	}
	sb.WriteString(a.userAgentLine())
	sb.WriteString(a.allowLine())
	sb.WriteString("Content-Length: 0\r\n\r\n")

	a.tags.Set(req.CallID, tag)
	return sb.String()
}

// BuildAnswer renders the 200 OK with an SDP answer to an INVITE, using the
// local tag stored when ringing was sent.
func (a *Agent) BuildAnswer(req *sip.Message, sessID uint32, ms media.Map, sendtype media.TransmitMode) (string, error) {
	body, err := sdp.Marshal(sdp.Session{ID: sessID, BindIP: a.bindIP, Media: ms, Mode: sendtype})
	if err != nil {
		return "", err
	}
	tag, ok := a.tags.Get(req.CallID)
	if !ok {
		return "", fmt.Errorf("no local tag for call %s", req.CallID)
	}

	var sb strings.Builder
	sb.WriteString("SIP/2.0 200 OK\r\n")
	sb.WriteString(a.responseViaLines(req))
	fmt.Fprintf(&sb, "From: %s\r\n", req.From.Raw)
	sb.WriteString(fromToLine("To", req.To, tag))
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", req.CallID)
	fmt.Fprintf(&sb, "CSeq: %d %s\r\n", req.CSeq.SeqNo, req.CSeq.MethodName)
	sb.WriteString(a.contactLine())
	sb.WriteString(a.userAgentLine())
	sb.WriteString(a.allowLine())
	sb.WriteString("Content-Type: application/sdp\r\n")
	fmt.Fprintf(&sb, "Content-Length: %d\r\n\r\n", len(body))
	sb.Write(body)
	return sb.String(), nil
}

// buildBusy renders 486 Busy Here, also the stock OPTIONS reply.
func (a *Agent) buildBusy(req *sip.Message) string {
	var sb strings.Builder
	sb.WriteString("SIP/2.0 486 Busy Here\r\n")
	sb.WriteString(a.responseViaLines(req))
	fmt.Fprintf(&sb, "From: %s\r\n", req.From.Raw)
	sb.WriteString(fromToLine("To", req.To, a.tags.NewTag()))
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", req.CallID)
	fmt.Fprintf(&sb, "CSeq: %d %s\r\n", req.CSeq.SeqNo, req.CSeq.MethodName)
	if req.Contact != nil {
		fmt.Fprintf(&sb, "Contact: %s\r\n", req.Contact.Raw)
	}
	sb.WriteString(a.userAgentLine())
	sb.WriteString("Warning: 399 GS \"Unable to accept call\"\r\n")
	sb.WriteString(a.allowLine())
	sb.WriteString("Content-Length: 0\r\n\r\n")
	return sb.String()
}

// buildVersionNotSupported renders the 505 answer the receive task emits
// for any start line that is not SIP/2.0.
func (a *Agent) buildVersionNotSupported(req *sip.Message) string {
	var sb strings.Builder
	sb.WriteString("SIP/2.0 505 SIP Version Not Supported\r\n")
	sb.WriteString(a.responseViaLines(req))
	if req.From != nil {
		fmt.Fprintf(&sb, "From: %s\r\n", req.From.Raw)
	}
	if req.To != nil {
		sb.WriteString(fromToLine("To", req.To, a.tags.NewTag()))
	}
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", req.CallID)
	fmt.Fprintf(&sb, "CSeq: %d %s\r\n", req.CSeq.SeqNo, req.CSeq.MethodName)
	if req.Contact != nil {
		fmt.Fprintf(&sb, "Contact: %s\r\n", req.Contact.Raw)
	}
	sb.WriteString(a.userAgentLine())
	sb.WriteString("Warning: 399 GS \"Unable to accept call\"\r\n")
	sb.WriteString(a.allowLine())
	sb.WriteString("Content-Length: 0\r\n\r\n")
	return sb.String()
}
