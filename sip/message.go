package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/icholy/digest"
)

// RequestMethod is a SIP method name, always upper case.
type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	REGISTER  RequestMethod = "REGISTER"
	OPTIONS   RequestMethod = "OPTIONS"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	MESSAGE   RequestMethod = "MESSAGE"
)

// StatusCode - response status code: 1xx - 6xx
type StatusCode int

const (
	StatusTrying              StatusCode = 100
	StatusRinging             StatusCode = 180
	StatusSessionProgress     StatusCode = 183
	StatusOK                  StatusCode = 200
	StatusBadRequest          StatusCode = 400
	StatusUnauthorized        StatusCode = 401
	StatusNotFound            StatusCode = 404
	StatusProxyAuthRequired   StatusCode = 407
	StatusBusyHere            StatusCode = 486
	StatusRequestTerminated   StatusCode = 487
	StatusInternalServerError StatusCode = 500
	StatusServiceUnavailable  StatusCode = 503
	StatusVersionNotSupported StatusCode = 505
)

// MessageType distinguishes requests from responses.
type MessageType int

const (
	Request MessageType = iota
	Response
)

// Param is one ;name or ;name=value pair. Order and bare-vs-valued form are
// preserved so response Via stacks echo the request byte for byte.
type Param struct {
	Name     string
	Value    string
	HasValue bool
}

// ViaHeader is one parsed Via hop.
type ViaHeader struct {
	ProtocolName    string
	ProtocolVersion string
	Transport       string
	Host            string
	Port            int
	Params          []Param
}

// Param returns the named parameter. The bool distinguishes a present
// bare parameter (rport) from an absent one.
func (v *ViaHeader) Param(name string) (string, bool) {
	for _, p := range v.Params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// SentBy returns host:port as carried in the Via.
func (v *ViaHeader) SentBy() string {
	if v.Port > 0 {
		return fmt.Sprintf("%s:%d", v.Host, v.Port)
	}
	return v.Host
}

// AddressHeader is a parsed From, To or Contact header.
type AddressHeader struct {
	DisplayName string
	URI         string // inner uri, without angle brackets or header params
	User        string
	Host        string
	Port        int
	Tag         string
	Raw         string // header value exactly as received
}

// HostPort returns the uri host:port, defaulting the port to 5060.
func (a *AddressHeader) HostPort() (string, int) {
	port := a.Port
	if port == 0 {
		port = 5060
	}
	return a.Host, port
}

// CSeqHeader is a parsed CSeq header.
type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (c CSeqHeader) Value() string {
	return fmt.Sprintf("%d %s", c.SeqNo, c.MethodName)
}

// Authentication is the challenge record of a 401/407 response.
type Authentication struct {
	// Header the challenge arrived in: "WWW-Authenticate" or "Proxy-Authenticate".
	Header string
	// Scheme is "digest" or "basic", lower case.
	Scheme string
	// Digest challenge parameters, nil for basic.
	Digest *digest.Challenge
	// Realm, also filled for basic challenges.
	Realm string
}

// IsProxy reports whether the challenge came via Proxy-Authenticate.
func (a *Authentication) IsProxy() bool {
	return strings.EqualFold(a.Header, "Proxy-Authenticate")
}

type headerLine struct {
	name  string // canonical form
	value string
}

// Message is one parsed SIP message, request or response.
type Message struct {
	Type       MessageType
	SipVersion string
	Heading    string // start line as received

	// Request fields
	Method     RequestMethod
	RequestURI string

	// Response fields
	Status StatusCode
	Reason string

	Via     []ViaHeader
	From    *AddressHeader
	To      *AddressHeader
	Contact *AddressHeader
	CallID  string
	CSeq    CSeqHeader

	Authentication *Authentication

	headers []headerLine
	Body    []byte
	Raw     []byte
}

// GetHeader returns the first header value with the given name,
// compared case-insensitively.
func (m *Message) GetHeader(name string) (string, bool) {
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			return h.value, true
		}
	}
	return "", false
}

// GetHeaders returns every value of the named header in received order.
func (m *Message) GetHeaders(name string) []string {
	var out []string
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			out = append(out, h.value)
		}
	}
	return out
}

func (m *Message) appendHeader(name, value string) {
	m.headers = append(m.headers, headerLine{name: name, value: value})
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool { return m.Type == Request }

// Summary returns a short loggable description of the message.
func (m *Message) Summary() string {
	var sb strings.Builder
	summaryWrite(&sb, m)
	return sb.String()
}

func summaryWrite(w io.StringWriter, m *Message) {
	w.WriteString(m.Heading)
	if m.CallID != "" {
		w.WriteString(" call-id=")
		w.WriteString(m.CallID)
	}
	if m.CSeq.SeqNo != 0 {
		w.WriteString(" cseq=")
		w.WriteString(strconv.Itoa(int(m.CSeq.SeqNo)))
		w.WriteString(" ")
		w.WriteString(string(m.CSeq.MethodName))
	}
}
