package sip

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/icholy/digest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// compact header forms, RFC 3261 7.3.3
var compactHeaders = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"l": "Content-Length",
	"c": "Content-Type",
}

// canonical casing for headers the agent inspects
var canonicalHeaders = map[string]string{
	"via":                "Via",
	"from":               "From",
	"to":                 "To",
	"call-id":            "Call-ID",
	"cseq":               "CSeq",
	"contact":            "Contact",
	"content-length":     "Content-Length",
	"content-type":       "Content-Type",
	"www-authenticate":   "WWW-Authenticate",
	"proxy-authenticate": "Proxy-Authenticate",
	"expires":            "Expires",
	"max-forwards":       "Max-Forwards",
	"user-agent":         "User-Agent",
	"allow":              "Allow",
	"warning":            "Warning",
}

// Parser decodes one full datagram or framed stream chunk into a Message.
type Parser struct {
	log zerolog.Logger
}

func NewParser() *Parser {
	return &Parser{log: log.Logger.With().Str("caller", "Parser").Logger()}
}

func (p *Parser) SetLogger(l zerolog.Logger) {
	p.log = l
}

// ParseMessage parses with a throwaway parser.
func ParseMessage(data []byte) (*Message, error) {
	return NewParser().Parse(data)
}

// Parse converts data to a sip Message. Buffer must contain a full message.
func (p *Parser) Parse(data []byte) (*Message, error) {
	msg := &Message{Raw: data}

	head := data
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		head = data[:idx]
		if idx+4 < len(data) {
			msg.Body = data[idx+4:]
		}
	}

	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, &ParseError{Reason: "empty message"}
	}
	msg.Heading = lines[0]

	// An unsupported version keeps the header section parseable, and the
	// receive task needs those headers to compose its 505 answer. The
	// partial message is returned together with the error.
	startErr := parseStartLine(lines[0], msg)
	if startErr != nil && !errors.Is(startErr, ErrUnsupportedVersion) {
		return nil, startErr
	}

	// Unfold continuation lines before header parsing.
	var unfolded []string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(unfolded) > 0 {
			unfolded[len(unfolded)-1] += " " + strings.TrimLeft(line, " \t")
			continue
		}
		unfolded = append(unfolded, line)
	}

	for _, line := range unfolded {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			p.log.Debug().Str("line", line).Msg("skipping malformed header line")
			continue
		}
		name = canonicalName(strings.TrimSpace(name))
		value = strings.TrimSpace(value)

		if name == "Via" {
			// one Via header may carry several comma separated hops
			for _, hop := range splitTopLevel(value, ',') {
				via, err := parseViaValue(strings.TrimSpace(hop))
				if err != nil {
					return nil, &ParseError{Reason: "bad Via", Err: err}
				}
				msg.Via = append(msg.Via, via)
			}
		}
		msg.appendHeader(name, value)
	}

	if err := fillWellKnown(msg); err != nil {
		return nil, err
	}
	parseAuthentication(msg)
	return msg, startErr
}

func parseStartLine(line string, msg *Message) error {
	if strings.HasPrefix(line, "SIP/") {
		// status line: SIP-Version SP Status-Code SP Reason-Phrase
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return &ParseError{Reason: "malformed status line"}
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return &ParseError{Reason: "bad status code", Err: err}
		}
		msg.Type = Response
		msg.SipVersion = parts[0]
		msg.Status = StatusCode(code)
		if len(parts) == 3 {
			msg.Reason = parts[2]
		}
		if parts[0] != "SIP/2.0" {
			return &ParseError{Reason: "status line " + parts[0], Err: ErrUnsupportedVersion}
		}
		return nil
	}

	// request line: Method SP Request-URI SP SIP-Version
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return &ParseError{Reason: "malformed request line"}
	}
	msg.Type = Request
	msg.Method = RequestMethod(strings.ToUpper(parts[0]))
	msg.RequestURI = parts[1]
	msg.SipVersion = parts[2]
	if parts[2] != "SIP/2.0" {
		return &ParseError{Reason: "request line " + parts[2], Err: ErrUnsupportedVersion}
	}
	return nil
}

func fillWellKnown(msg *Message) error {
	if v, ok := msg.GetHeader("Call-ID"); ok {
		msg.CallID = v
	}
	if v, ok := msg.GetHeader("From"); ok {
		msg.From = parseAddressValue(v)
	}
	if v, ok := msg.GetHeader("To"); ok {
		msg.To = parseAddressValue(v)
	}
	if v, ok := msg.GetHeader("Contact"); ok {
		msg.Contact = parseAddressValue(v)
	}
	if v, ok := msg.GetHeader("CSeq"); ok {
		seq, method, found := strings.Cut(v, " ")
		if !found {
			return &ParseError{Reason: "bad CSeq " + v}
		}
		n, err := strconv.ParseUint(strings.TrimSpace(seq), 10, 32)
		if err != nil {
			return &ParseError{Reason: "bad CSeq number", Err: err}
		}
		msg.CSeq = CSeqHeader{SeqNo: uint32(n), MethodName: RequestMethod(strings.TrimSpace(method))}
	}
	return nil
}

func parseAuthentication(msg *Message) {
	if msg.Type != Response {
		return
	}
	if msg.Status != StatusUnauthorized && msg.Status != StatusProxyAuthRequired {
		return
	}
	header := "WWW-Authenticate"
	value, ok := msg.GetHeader(header)
	if !ok {
		header = "Proxy-Authenticate"
		if value, ok = msg.GetHeader(header); !ok {
			return
		}
	}

	auth := &Authentication{Header: header}
	scheme, _, _ := strings.Cut(value, " ")
	auth.Scheme = strings.ToLower(scheme)

	switch auth.Scheme {
	case "digest":
		chal, err := digest.ParseChallenge(value)
		if err != nil {
			log.Debug().Err(err).Str("header", value).Msg("unparsable digest challenge")
			return
		}
		auth.Digest = chal
		auth.Realm = chal.Realm
	case "basic":
		auth.Realm = basicRealm(value)
	default:
		return
	}
	msg.Authentication = auth
}

func basicRealm(value string) string {
	for _, part := range splitTopLevel(value[len("Basic"):], ',') {
		name, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(strings.TrimSpace(name), "realm") {
			return strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return ""
}

// parseViaValue parses one hop: SIP/2.0/UDP host:port;param;param=value
func parseViaValue(value string) (ViaHeader, error) {
	via := ViaHeader{}
	sent, params, _ := strings.Cut(value, ";")

	proto, hostport, ok := cutLast(strings.TrimSpace(sent), ' ')
	if !ok {
		return via, &ParseError{Reason: "via missing sent-by " + value}
	}
	pp := strings.SplitN(proto, "/", 3)
	if len(pp) != 3 {
		return via, &ParseError{Reason: "via missing protocol " + value}
	}
	via.ProtocolName = pp[0]
	via.ProtocolVersion = pp[1]
	via.Transport = strings.ToUpper(strings.TrimSpace(pp[2]))

	host, portStr, found := strings.Cut(hostport, ":")
	via.Host = host
	if found {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return via, &ParseError{Reason: "bad via port", Err: err}
		}
		via.Port = port
	}

	if params != "" {
		for _, param := range strings.Split(params, ";") {
			name, v, hasValue := strings.Cut(param, "=")
			via.Params = append(via.Params, Param{
				Name:     strings.TrimSpace(name),
				Value:    strings.TrimSpace(v),
				HasValue: hasValue,
			})
		}
	}
	return via, nil
}

// parseAddressValue parses From/To/Contact forms:
//
//	"Display" <sip:user@host:port;uriparams>;tag=x
//	<sip:user@host>;params
//	sip:user@host
func parseAddressValue(value string) *AddressHeader {
	addr := &AddressHeader{Raw: value}
	rest := value

	if open := strings.Index(rest, "<"); open >= 0 {
		display := strings.TrimSpace(rest[:open])
		addr.DisplayName = strings.Trim(display, `"`)
		if end := strings.Index(rest[open:], ">"); end >= 0 {
			addr.URI = rest[open+1 : open+end]
			rest = rest[open+end+1:]
		} else {
			addr.URI = rest[open+1:]
			rest = ""
		}
	} else {
		uri, params, _ := strings.Cut(rest, ";")
		addr.URI = strings.TrimSpace(uri)
		rest = ""
		if params != "" {
			rest = ";" + params
		}
	}

	for _, param := range strings.Split(rest, ";") {
		name, v, _ := strings.Cut(param, "=")
		if strings.EqualFold(strings.TrimSpace(name), "tag") {
			addr.Tag = strings.TrimSpace(v)
		}
	}

	// user@host:port out of the bare uri, uri params dropped
	bare, _, _ := strings.Cut(addr.URI, ";")
	if _, after, found := strings.Cut(bare, ":"); found {
		bare = after
	}
	user, hostport, found := strings.Cut(bare, "@")
	if found {
		addr.User = user
	} else {
		hostport = bare
	}
	host, portStr, found := strings.Cut(hostport, ":")
	addr.Host = host
	if found {
		if port, err := strconv.Atoi(portStr); err == nil {
			addr.Port = port
		}
	}
	return addr
}

func canonicalName(name string) string {
	lower := strings.ToLower(name)
	if full, ok := compactHeaders[lower]; ok {
		return full
	}
	if canonical, ok := canonicalHeaders[lower]; ok {
		return canonical
	}
	return name
}

// splitTopLevel splits on sep outside of double quotes and angle brackets.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	quoted := false
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				depth++
			}
		case '>':
			if !quoted && depth > 0 {
				depth--
			}
		case sep:
			if !quoted && depth == 0 {
				out = append(out, s[last:i])
				last = i + 1
			}
		}
	}
	out = append(out, s[last:])
	return out
}

// cutLast cuts around the last occurrence of sep.
func cutLast(s string, sep byte) (before, after string, found bool) {
	idx := strings.LastIndexByte(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}
