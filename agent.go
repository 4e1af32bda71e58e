// Package govoip implements the signaling core of a SIP user agent client:
// registration upkeep against a registrar, digest authentication, and the
// client side of the INVITE, BYE, CANCEL and MESSAGE transactions. Media
// transport is out of scope, the core only emits and accepts SDP bodies.
package govoip

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yuzhay/govoip/auth"
	"github.com/yuzhay/govoip/credentials"
	"github.com/yuzhay/govoip/internal/metrics"
	"github.com/yuzhay/govoip/sip"
	"github.com/yuzhay/govoip/transport"
)

// Version of the agent, embedded in User-Agent headers.
const Version = "0.1.0"

const (
	// DefaultExpires is the registration lifetime requested from the registrar.
	DefaultExpires = 120 * time.Second
	// DefaultRegisterTimeout caps how long a REGISTER may stay in 100 Trying.
	DefaultRegisterTimeout = 30 * time.Second

	recvPollInterval  = 100 * time.Millisecond
	wouldBlockBackoff = 10 * time.Millisecond
)

// CallCallback receives inbound messages that concern ongoing calls.
// For OPTIONS requests a non-empty return value is sent back as the reply.
type CallCallback func(msg *sip.Message) string

// Agent is one long lived SIP user agent client. It owns the signaling
// socket, the receive task and the register refresh timer.
type Agent struct {
	server         string
	port           int
	user           string
	bindIP         string
	bindPort       int
	transportMode  transport.Mode
	tlsConf        *tls.Config
	defaultExpires time.Duration
	registerTO     time.Duration

	callCallback CallCallback

	creds         *credentials.Store
	authenticator *auth.Authenticator
	tags          *sip.TagLibrary
	urnUUID       string
	parser        *sip.Parser

	inviteCounter    sip.Counter
	registerCounter  sip.Counter
	subscribeCounter sip.Counter
	byeCounter       sip.Counter
	messageCounter   sip.Counter
	callIDSource     sip.Counter
	sessIDSource     sip.Counter

	// nsd gates the receive task and every driver loop.
	nsd  atomic.Bool
	sock transport.Socket

	// readMu serializes socket reads: a transaction driver holds it for its
	// whole request/reply exchange, the receive task only per poll. wantRead
	// makes the receive task yield while a driver is waiting, so the driver
	// gets the first reply to its just sent request.
	readMu   sync.Mutex
	wantRead atomic.Int32

	timerMu       sync.Mutex
	registerTimer *time.Timer

	wg  sync.WaitGroup
	log zerolog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithBindAddr sets the local signaling binding, default 0.0.0.0:5060.
func WithBindAddr(ip string, port int) Option {
	return func(a *Agent) {
		a.bindIP = ip
		a.bindPort = port
	}
}

// WithTransport selects UDP, TCP or TLS signaling.
func WithTransport(mode transport.Mode) Option {
	return func(a *Agent) { a.transportMode = mode }
}

// WithTLSConfig supplies the client TLS configuration, TLS transport only.
func WithTLSConfig(conf *tls.Config) Option {
	return func(a *Agent) { a.tlsConf = conf }
}

// WithExpires overrides the requested registration lifetime.
func WithExpires(d time.Duration) Option {
	return func(a *Agent) { a.defaultExpires = d }
}

// WithRegisterTimeout overrides the 100 Trying timeout.
func WithRegisterTimeout(d time.Duration) Option {
	return func(a *Agent) { a.registerTO = d }
}

// WithCallback sets the application callback for inbound call traffic.
func WithCallback(cb CallCallback) Option {
	return func(a *Agent) { a.callCallback = cb }
}

// WithAllowBasicAuth permits answering basic challenges. Off by default.
func WithAllowBasicAuth() Option {
	return func(a *Agent) { a.authenticator.AllowBasic = true }
}

// WithLogger replaces the agent logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithSocket injects a prebuilt socket instead of dialing one on Start.
// Useful only for testing.
func WithSocket(s transport.Socket) Option {
	return func(a *Agent) { a.sock = s }
}

// NewAgent creates an agent for one account on one registrar.
func NewAgent(server string, port int, user string, creds *credentials.Store, opts ...Option) *Agent {
	a := &Agent{
		server:         server,
		port:           port,
		user:           user,
		bindIP:         "0.0.0.0",
		bindPort:       5060,
		transportMode:  transport.UDP,
		defaultExpires: DefaultExpires,
		registerTO:     DefaultRegisterTimeout,
		creds:          creds,
		tags:           sip.NewTagLibrary(),
		urnUUID:        sip.GenerateURNUUID(),
		parser:         sip.NewParser(),
		log:            log.Logger.With().Str("caller", "Agent").Logger(),
	}
	a.authenticator = auth.NewAuthenticator(creds, server, "")

	for _, o := range opts {
		o(a)
	}
	a.authenticator.Transport = string(a.transportMode)
	return a
}

// Start creates the socket, performs the initial REGISTER and spawns the
// receive task. It fails on an agent that is already running, and a failed
// REGISTER leaves the agent stopped.
func (a *Agent) Start() error {
	if !a.nsd.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if a.sock == nil {
		a.sock = transport.NewSocket(a.transportMode, a.bindIP, a.bindPort, a.server, a.port, a.tlsConf)
	}
	if err := a.sock.Start(); err != nil {
		a.nsd.Store(false)
		return err
	}

	if err := a.register(); err != nil {
		a.nsd.Store(false)
		a.cancelRegisterTimer()
		a.sock.Close()
		return err
	}

	// The receive task starts only after the initial REGISTER succeeded,
	// drivers perform their own reads until their transaction completes.
	a.wg.Add(1)
	go a.recvLoop()
	return nil
}

// Stop cancels the refresh timer, deregisters best effort and closes the
// socket. Calling Stop on a stopped agent is a no-op.
func (a *Agent) Stop() error {
	if !a.nsd.CompareAndSwap(true, false) {
		return nil
	}

	a.cancelRegisterTimer()
	if err := a.deregister(); err != nil {
		a.log.Debug().Err(err).Msg("deregister failed")
	}

	err := a.sock.Close()
	a.wg.Wait()
	metrics.Registered.Set(0)
	return err
}

func (a *Agent) cancelRegisterTimer() {
	a.timerMu.Lock()
	if a.registerTimer != nil {
		a.registerTimer.Stop()
		a.registerTimer = nil
	}
	a.timerMu.Unlock()
}

func (a *Agent) scheduleRegister(d time.Duration) {
	a.timerMu.Lock()
	if a.registerTimer != nil {
		a.registerTimer.Stop()
	}
	a.registerTimer = time.AfterFunc(d, func() {
		if !a.nsd.Load() {
			return
		}
		if err := a.register(); err != nil {
			a.log.Error().Err(err).Msg("register refresh failed")
		}
	})
	a.timerMu.Unlock()
}

// recvLoop is the receive task: it polls the socket, parses each message
// and hands it to the dispatcher until the agent stops.
func (a *Agent) recvLoop() {
	defer a.wg.Done()

	for a.nsd.Load() {
		if a.wantRead.Load() > 0 {
			time.Sleep(wouldBlockBackoff)
			continue
		}
		a.readMu.Lock()
		raw, err := a.sock.Recv(recvPollInterval)
		a.readMu.Unlock()

		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				time.Sleep(wouldBlockBackoff)
				continue
			}
			if !a.nsd.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Debug().Err(err).Msg("receive error")
			continue
		}

		msg, err := a.parser.Parse(raw)
		if err != nil {
			metrics.ParseFailures.Inc()
			if msg != nil && errors.Is(err, sip.ErrUnsupportedVersion) {
				a.sendToVia(a.buildVersionNotSupported(msg), msg)
				continue
			}
			a.log.Debug().Err(err).Msg("error on header parsing")
			continue
		}

		if sip.SIPDebug {
			a.log.Debug().Msg(msg.Summary())
		}
		a.dispatch(msg)
	}
}

// dispatch classifies one inbound message and routes it to the application
// callback or answers it with a stock response.
func (a *Agent) dispatch(msg *sip.Message) {
	if msg.Type == sip.Response {
		switch msg.Status {
		case sip.StatusTrying:
			// absorbed, the drivers poll past these themselves
		case sip.StatusOK, sip.StatusNotFound, sip.StatusServiceUnavailable,
			sip.StatusProxyAuthRequired, sip.StatusRinging, sip.StatusBusyHere,
			sip.StatusSessionProgress, sip.StatusRequestTerminated:
			if a.callCallback != nil {
				a.callCallback(msg)
			}
		default:
			a.log.Debug().Str("msg", msg.Summary()).Msg("unhandled response")
		}
		return
	}

	if msg.From == nil || msg.To == nil {
		a.log.Debug().Str("msg", msg.Summary()).Msg("dropping request without From/To")
		return
	}

	switch msg.Method {
	case sip.INVITE:
		if a.callCallback == nil {
			a.sendToVia(a.buildBusy(msg), msg)
			return
		}
		a.callCallback(msg)

	case sip.BYE:
		// callback first, then the stock reply: applications tear down
		// call resources inside the callback
		if a.callCallback != nil {
			a.callCallback(msg)
		}
		a.sendToVia(a.buildOK(msg), msg)

	case sip.ACK:
		// absorbed silently

	case sip.CANCEL:
		if a.callCallback != nil {
			a.callCallback(msg)
		}
		a.sendToVia(a.buildOK(msg), msg)

	case sip.OPTIONS:
		response := ""
		if a.callCallback != nil {
			response = a.callCallback(msg)
		}
		if response == "" {
			response = a.buildBusy(msg)
		}
		a.sendToVia(response, msg)

	default:
		a.log.Debug().Str("method", string(msg.Method)).Msg("unhandled request method")
	}
}

// sendToVia answers towards the first Via hop of the request, falling back
// to the configured server when the Via address is unusable.
func (a *Agent) sendToVia(response string, req *sip.Message) {
	if len(req.Via) > 0 && req.Via[0].Host != "" {
		addr := req.Via[0].SentBy()
		if req.Via[0].Port == 0 {
			addr = net.JoinHostPort(req.Via[0].Host, "5060")
		}
		_, err := a.sock.SendTo([]byte(response), addr)
		if err == nil {
			return
		}
		a.log.Debug().Err(err).Str("addr", addr).Msg("reply to Via address failed, falling back to server")
	}
	if _, err := a.sock.Send([]byte(response)); err != nil {
		a.log.Error().Err(err).Msg("reply failed")
	}
}

// lockRead acquires the driver side of the read lock. The returned func
// releases it.
func (a *Agent) lockRead() func() {
	a.wantRead.Add(1)
	a.readMu.Lock()
	return func() {
		a.readMu.Unlock()
		a.wantRead.Add(-1)
	}
}

func (a *Agent) send(msg string) error {
	if sip.SIPDebug {
		a.log.Debug().Msgf("%s write:\n%s", a.transportMode, msg)
	}
	_, err := a.sock.Send([]byte(msg))
	return err
}
