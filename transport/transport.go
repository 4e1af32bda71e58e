// Package transport owns the datagram and stream socket differences beneath
// the SIP signaling core. A single socket is created per agent, bound locally
// and pointed at the registrar.
package transport

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mode is the signaling transport, embedded in Via and Contact transport= parameters.
type Mode string

const (
	UDP Mode = "UDP"
	TCP Mode = "TCP"
	TLS Mode = "TLS"
)

func (m Mode) String() string { return string(m) }

// ErrWouldBlock reports that no data was available inside the poll window.
// Callers are expected to back off briefly and retry.
var ErrWouldBlock = errors.New("read would block")

const readBufferSize = 8192

// Socket is the signaling socket contract the agent drives. Recv with a
// positive timeout surfaces ErrWouldBlock when the window expires.
type Socket interface {
	Start() error
	Send(data []byte) (int, error)
	SendTo(data []byte, addr string) (int, error)
	Recv(timeout time.Duration) ([]byte, error)
	LocalAddr() string
	Close() error
}

// VoIPSocket is the production Socket over UDP, TCP or TLS.
type VoIPSocket struct {
	mode     Mode
	bindIP   string
	bindPort int
	server   string
	port     int
	tlsConf  *tls.Config

	udp    *net.UDPConn
	stream net.Conn
	remote *net.UDPAddr

	// rbuf holds stream bytes read but not yet framed into a message.
	rbuf []byte

	log zerolog.Logger
}

func NewSocket(mode Mode, bindIP string, bindPort int, server string, port int, tlsConf *tls.Config) *VoIPSocket {
	return &VoIPSocket{
		mode:     mode,
		bindIP:   bindIP,
		bindPort: bindPort,
		server:   server,
		port:     port,
		tlsConf:  tlsConf,
		log:      log.Logger.With().Str("caller", fmt.Sprintf("transport<%s>", mode)).Logger(),
	}
}

func (s *VoIPSocket) Start() error {
	raddr := fmt.Sprintf("%s:%d", s.server, s.port)
	laddr := fmt.Sprintf("%s:%d", s.bindIP, s.bindPort)

	switch s.mode {
	case UDP:
		addr, err := net.ResolveUDPAddr("udp", laddr)
		if err != nil {
			return fmt.Errorf("resolve bind addr: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("listen udp: %w", err)
		}
		remote, err := net.ResolveUDPAddr("udp", raddr)
		if err != nil {
			conn.Close()
			return fmt.Errorf("resolve server addr: %w", err)
		}
		s.udp = conn
		s.remote = remote
	case TCP:
		conn, err := net.DialTimeout("tcp", raddr, 10*time.Second)
		if err != nil {
			return fmt.Errorf("dial tcp: %w", err)
		}
		s.stream = conn
	case TLS:
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		conf := s.tlsConf
		if conf == nil {
			conf = &tls.Config{ServerName: s.server}
		}
		conn, err := tls.DialWithDialer(dialer, "tcp", raddr, conf)
		if err != nil {
			return fmt.Errorf("dial tls: %w", err)
		}
		s.stream = conn
	default:
		return fmt.Errorf("unknown transport mode %q", s.mode)
	}

	s.log.Debug().Str("laddr", s.LocalAddr()).Str("raddr", raddr).Msg("socket started")
	return nil
}

// Send writes data towards the configured server.
func (s *VoIPSocket) Send(data []byte) (int, error) {
	if s.udp != nil {
		return s.udp.WriteToUDP(data, s.remote)
	}
	return s.stream.Write(data)
}

// SendTo writes data to an explicit host:port. Streams are point to point,
// there the address is ignored and data goes to the server.
func (s *VoIPSocket) SendTo(data []byte, addr string) (int, error) {
	if s.udp == nil {
		return s.stream.Write(data)
	}
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", addr, err)
	}
	return s.udp.WriteToUDP(data, dst)
}

// Recv reads one SIP message. Datagrams arrive framed by the network; on
// streams the socket buffers bytes and frames on CRLFCRLF plus the
// Content-Length body. With a positive timeout an expired read deadline is
// reported as ErrWouldBlock.
func (s *VoIPSocket) Recv(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if s.udp != nil {
		buf := make([]byte, readBufferSize)
		s.udp.SetReadDeadline(deadline)
		n, _, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			return nil, recvError(err)
		}
		return buf[:n], nil
	}
	return s.recvStream(deadline)
}

// recvStream returns the next framed message, reading more segments until
// the head and its Content-Length body are complete.
func (s *VoIPSocket) recvStream(deadline time.Time) ([]byte, error) {
	for {
		if msg := s.frameBuffered(); msg != nil {
			return msg, nil
		}

		buf := make([]byte, readBufferSize)
		s.stream.SetReadDeadline(deadline)
		n, err := s.stream.Read(buf)
		if n > 0 {
			s.rbuf = append(s.rbuf, buf[:n]...)
		}
		if err != nil {
			return nil, recvError(err)
		}
	}
}

// frameBuffered pops one complete message off the stream buffer, nil when
// more bytes are needed. A message ends CRLFCRLF after the head plus
// Content-Length body bytes.
func (s *VoIPSocket) frameBuffered() []byte {
	// keep alive CRLFs between messages
	for len(s.rbuf) > 0 && (s.rbuf[0] == '\r' || s.rbuf[0] == '\n') {
		s.rbuf = s.rbuf[1:]
	}

	idx := bytes.Index(s.rbuf, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil
	}
	total := idx + 4 + streamContentLength(s.rbuf[:idx])
	if len(s.rbuf) < total {
		return nil
	}

	msg := make([]byte, total)
	copy(msg, s.rbuf[:total])
	s.rbuf = s.rbuf[total:]
	return msg
}

// streamContentLength scans the head for Content-Length (or its compact
// form). Absent or malformed counts as an empty body.
func streamContentLength(head []byte) int {
	for _, line := range strings.Split(string(head), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length", "l":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return 0
			}
			return n
		}
	}
	return 0
}

func recvError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrWouldBlock
	}
	return err
}

func (s *VoIPSocket) LocalAddr() string {
	if s.udp != nil {
		return s.udp.LocalAddr().String()
	}
	if s.stream != nil {
		return s.stream.LocalAddr().String()
	}
	return fmt.Sprintf("%s:%d", s.bindIP, s.bindPort)
}

func (s *VoIPSocket) Close() error {
	if s.udp != nil {
		return s.udp.Close()
	}
	if s.stream != nil {
		return s.stream.Close()
	}
	return nil
}
