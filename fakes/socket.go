// Package fakes holds in-memory test doubles for the transport layer. The
// fake socket plays the registrar side of a scripted exchange: tests queue
// inbound messages and inspect what the agent wrote.
package fakes

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/yuzhay/govoip/transport"
)

// SentMessage is one write recorded by the fake. Addr is empty for writes
// towards the configured server.
type SentMessage struct {
	Data []byte
	Addr string
}

// Socket is an in-memory transport.Socket.
type Socket struct {
	mu     sync.Mutex
	sent   []SentMessage
	inbox  chan []byte
	closed sync.Once
	done   chan struct{}
}

var _ transport.Socket = (*Socket)(nil)

func NewSocket() *Socket {
	return &Socket{
		inbox: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (s *Socket) Start() error { return nil }

func (s *Socket) Send(data []byte) (int, error) {
	s.record(data, "")
	return len(data), nil
}

func (s *Socket) SendTo(data []byte, addr string) (int, error) {
	s.record(data, addr)
	return len(data), nil
}

func (s *Socket) record(data []byte, addr string) {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.sent = append(s.sent, SentMessage{Data: buf, Addr: addr})
	s.mu.Unlock()
}

func (s *Socket) Recv(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-s.inbox:
		return data, nil
	case <-s.done:
		return nil, net.ErrClosed
	case <-timer.C:
		return nil, transport.ErrWouldBlock
	}
}

func (s *Socket) LocalAddr() string { return "127.0.0.1:5060" }

func (s *Socket) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

// Deliver queues one inbound message for the agent to read.
func (s *Socket) Deliver(data string) {
	s.inbox <- []byte(data)
}

// Sent returns a snapshot of everything written so far.
func (s *Socket) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// WaitSent blocks until at least n messages were written, failing the test
// after two seconds.
func (s *Socket) WaitSent(t testing.TB, n int) []SentMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if msgs := s.Sent(); len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sent messages, got %d", n, len(s.Sent()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
