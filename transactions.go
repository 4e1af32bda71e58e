package govoip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/yuzhay/govoip/internal/metrics"
	"github.com/yuzhay/govoip/media"
	"github.com/yuzhay/govoip/sip"
	"github.com/yuzhay/govoip/transport"
)

const (
	regStateIdle       = "idle"
	regStateSent       = "sent"
	regStateChallenged = "challenged"
	regStateRegistered = "registered"
	regStateFailed     = "failed"

	regEventSend      = "send"
	regEventChallenge = "challenge"
	regEventAccept    = "accept"
	regEventReject    = "reject"

	// registerRetryBudget bounds the 500-retry loop. The retries wait
	// serverErrorBackoff between attempts.
	registerRetryBudget = 3
	serverErrorBackoff  = 5 * time.Second
)

func newRegisterFSM() *fsm.FSM {
	return fsm.NewFSM(regStateIdle, fsm.Events{
		{Name: regEventSend, Src: []string{regStateIdle}, Dst: regStateSent},
		{Name: regEventChallenge, Src: []string{regStateSent}, Dst: regStateChallenged},
		{Name: regEventAccept, Src: []string{regStateSent, regStateChallenged}, Dst: regStateRegistered},
		{Name: regEventReject, Src: []string{regStateSent, regStateChallenged}, Dst: regStateFailed},
	}, fsm.Callbacks{})
}

// readResponse reads and parses one message, waiting up to the register
// timeout. Callers must hold readMu.
func (a *Agent) readResponse() (*sip.Message, error) {
	deadline := time.Now().Add(a.registerTO)
	for {
		raw, err := a.sock.Recv(time.Second)
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				if time.Now().After(deadline) {
					return nil, &TimeoutError{Wait: a.registerTO}
				}
				continue
			}
			return nil, err
		}
		return a.parser.Parse(raw)
	}
}

// tryingTimeout polls past 100 Trying answers. Some servers need time to
// process and keep answering Trying, the poll runs every second until the
// register timeout expires.
func (a *Agent) tryingTimeout(resp *sip.Message) (*sip.Message, error) {
	start := time.Now()
	for resp.Status == sip.StatusTrying {
		if time.Since(start) >= a.registerTO {
			return nil, &TimeoutError{Wait: a.registerTO}
		}
		raw, err := a.sock.Recv(time.Second)
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				continue
			}
			return nil, err
		}
		resp, err = a.parser.Parse(raw)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// errServerError marks a 500 answer, retried with backoff by the caller.
var errServerError = errors.New("registrar answered 500")

func (a *Agent) register() error {
	return a.registerTransaction(false)
}

func (a *Agent) deregister() error {
	return a.registerTransaction(true)
}

// registerTransaction retries registerAttempt on 500 answers, bounded and
// with a fixed backoff instead of the unbounded sleep-and-recurse the
// protocol would tolerate.
func (a *Agent) registerTransaction(deregister bool) error {
	var err error
	for attempt := 0; attempt <= registerRetryBudget; attempt++ {
		if attempt > 0 {
			time.Sleep(serverErrorBackoff)
		}
		err = a.registerAttempt(deregister)
		if !errors.Is(err, errServerError) {
			return err
		}
	}
	metrics.Registrations.WithLabelValues("server_error").Inc()
	return fmt.Errorf("registrar keeps answering 500 for %s:%d", a.server, a.port)
}

// registerAttempt drives one REGISTER (or deregister) exchange:
// Sent -> trying loop -> Challenged | Ok | Failed. On success the next
// refresh is scheduled at expires-5s.
func (a *Agent) registerAttempt(deregister bool) error {
	machine := newRegisterFSM()
	ctx := context.Background()

	defer a.lockRead()()

	firstRequest := a.buildFirstRegister(deregister)
	if err := a.send(firstRequest); err != nil {
		return err
	}
	machine.Event(ctx, regEventSend)

	resp, err := a.readResponse()
	if err != nil {
		return err
	}
	resp, err = a.tryingTimeout(resp)
	if err != nil {
		return err
	}
	firstResponse := resp

	if resp.Status == sip.StatusUnauthorized {
		machine.Event(ctx, regEventChallenge)

		regRequest, err := a.buildRegister(resp, deregister)
		if err != nil {
			machine.Event(ctx, regEventReject)
			return err
		}
		if err := a.send(regRequest); err != nil {
			return err
		}
		resp, err = a.readResponse()
		if err != nil {
			return err
		}
		resp, err = a.tryingTimeout(resp)
		if err != nil {
			return err
		}

		switch resp.Status {
		case sip.StatusUnauthorized:
			// a second challenge after authenticating means bad credentials
			machine.Event(ctx, regEventReject)
			a.log.Debug().
				Str("sent", firstRequest).
				Str("received", firstResponse.Summary()).
				Str("challenged", resp.Summary()).
				Msg("registrar rejected credentials")
			metrics.Registrations.WithLabelValues("rejected").Inc()
			return &InvalidAccountInfoError{Server: a.server, Port: a.port}
		case sip.StatusBadRequest:
			machine.Event(ctx, regEventReject)
			a.handleBadRequest(resp)
		}
	}

	if resp.Status == sip.StatusBadRequest {
		a.handleBadRequest(resp)
	}
	if resp.Status == sip.StatusProxyAuthRequired {
		a.log.Debug().Msg("proxy authentication required, not implemented")
	}

	if resp.Status == sip.StatusInternalServerError {
		return errServerError
	}

	metrics.Transactions.WithLabelValues("REGISTER", strconv.Itoa(int(resp.Status))).Inc()

	if resp.Status == sip.StatusOK {
		machine.Event(ctx, regEventAccept)
		if deregister {
			return nil
		}
		metrics.Registrations.WithLabelValues("ok").Inc()
		metrics.Registered.Set(1)
		if a.nsd.Load() {
			a.scheduleRegister(a.defaultExpires - 5*time.Second)
		}
		return nil
	}

	machine.Event(ctx, regEventReject)
	metrics.Registrations.WithLabelValues("failed").Inc()
	if deregister {
		return fmt.Errorf("deregister answered %d", resp.Status)
	}
	return &InvalidAccountInfoError{Server: a.server, Port: a.port}
}

func (a *Agent) handleBadRequest(resp *sip.Message) {
	// no recovery implemented, a rebind with a fresh urn:uuid is an open item
	a.log.Debug().Str("msg", resp.Summary()).Msg("bad request")
}

// Invite opens a call towards number with the given media offer. It returns
// the INVITE as sent (after authentication when challenged), the call id and
// the session id; the call layer drives the dialog from there.
func (a *Agent) Invite(number string, ms media.Map, sendtype media.TransmitMode) (*sip.Message, string, uint32, error) {
	branch := sip.RFC3261BranchMagicCookie + a.genCallID()[:25]
	callID := a.genCallID()
	sessID := a.sessIDSource.Next()

	invite, err := a.buildInvite(number, sessID, ms, sendtype, branch, callID, "")
	if err != nil {
		return nil, "", 0, err
	}

	defer a.lockRead()()

	if err := a.send(invite); err != nil {
		return nil, "", 0, err
	}

	var resp *sip.Message
loop:
	for {
		resp, err = a.readResponse()
		if err != nil {
			return nil, "", 0, err
		}
		if resp.CallID == callID {
			switch resp.Status {
			case sip.StatusTrying, sip.StatusRinging, sip.StatusUnauthorized, sip.StatusProxyAuthRequired:
				break loop
			}
		}
		if !a.nsd.Load() {
			break
		}
		a.dispatch(resp)
	}

	metrics.Transactions.WithLabelValues("INVITE", strconv.Itoa(int(resp.Status))).Inc()

	if resp.Status == sip.StatusTrying || resp.Status == sip.StatusRinging {
		sent, err := sip.ParseMessage([]byte(invite))
		if err != nil {
			return nil, "", 0, err
		}
		return sent, callID, sessID, nil
	}

	// challenged: acknowledge the rejection, then resend with credentials
	ack, err := a.buildAck(resp)
	if err != nil {
		return nil, "", 0, err
	}
	if err := a.send(ack); err != nil {
		return nil, "", 0, err
	}

	authName, authValue, err := a.authenticator.Authorization(resp, a.user, nil)
	if err != nil {
		return nil, "", 0, err
	}
	invite, err = a.buildInvite(number, sessID, ms, sendtype, branch, callID, authName+": "+authValue+"\r\n")
	if err != nil {
		return nil, "", 0, err
	}
	if err := a.send(invite); err != nil {
		return nil, "", 0, err
	}

	sent, err := sip.ParseMessage([]byte(invite))
	if err != nil {
		return nil, "", 0, err
	}
	return sent, callID, sessID, nil
}

// Message sends a MESSAGE request and waits for a 200 answer, retrying
// once with credentials when challenged. A second challenge returns the
// response with an InvalidAccountInfoError. Other answers are dispatched and
// reading goes on until the agent stops or a read times out.
func (a *Agent) Message(number, body, ctype string) (*sip.Message, error) {
	branch := sip.RFC3261BranchMagicCookie + a.genCallID()[:25]
	callID := a.genCallID()
	msg := a.buildMessage(number, body, ctype, branch, callID, "")

	defer a.lockRead()()

	if err := a.send(msg); err != nil {
		return nil, err
	}

	authed := false
	for {
		resp, err := a.readResponse()
		if err != nil {
			return nil, err
		}
		a.dispatch(resp)

		switch resp.Status {
		case sip.StatusTrying:
			continue
		case sip.StatusUnauthorized, sip.StatusProxyAuthRequired:
			if authed {
				metrics.Transactions.WithLabelValues("MESSAGE", strconv.Itoa(int(resp.Status))).Inc()
				return resp, &InvalidAccountInfoError{Server: a.server, Port: a.port}
			}
			authed = true
			authName, authValue, err := a.authenticator.Authorization(resp, a.user, []byte(body))
			if err != nil {
				return nil, err
			}
			msg = spliceAuthorization(msg, authName, authValue)
			if err := a.send(msg); err != nil {
				return nil, err
			}
			continue
		case sip.StatusOK:
			metrics.Transactions.WithLabelValues("MESSAGE", "200").Inc()
			return resp, nil
		}

		if !a.nsd.Load() {
			metrics.Transactions.WithLabelValues("MESSAGE", strconv.Itoa(int(resp.Status))).Inc()
			return resp, nil
		}
	}
}

// Bye ends the dialog the given message belongs to. The request goes to the
// peer's Contact; a single authenticated retry answers a 401.
func (a *Agent) Bye(req *sip.Message) error {
	message, err := a.buildByeCancel(req, sip.BYE)
	if err != nil {
		return err
	}

	host, port := req.Contact.HostPort()
	addr := fmt.Sprintf("%s:%d", host, port)

	defer a.lockRead()()

	if _, err := a.sock.SendTo([]byte(message), addr); err != nil {
		return err
	}

	resp, err := a.readResponse()
	if err != nil {
		return err
	}
	metrics.Transactions.WithLabelValues("BYE", strconv.Itoa(int(resp.Status))).Inc()

	if resp.Status == sip.StatusUnauthorized {
		authName, authValue, err := a.authenticator.Authorization(resp, a.user, nil)
		if err != nil {
			return err
		}
		message = spliceAuthorization(message, authName, authValue)
		if _, err := a.sock.SendTo([]byte(message), addr); err != nil {
			return err
		}
		return nil
	}

	a.log.Debug().Str("msg", resp.Summary()).Msg("received not a 401 on bye")
	return nil
}

// Cancel aborts a pending INVITE. Fire and forget: the matching 487 arrives
// later through the dispatcher.
func (a *Agent) Cancel(req *sip.Message) error {
	message, err := a.buildByeCancel(req, sip.CANCEL)
	if err != nil {
		return err
	}
	return a.send(message)
}

// Subscribe issues the message-summary SUBSCRIBE tied to a registration
// response. The answer is read and logged, full event handling is a stub.
func (a *Agent) Subscribe(lastResponse *sip.Message) error {
	sub := a.buildSubscribe(lastResponse)

	defer a.lockRead()()

	if err := a.send(sub); err != nil {
		return err
	}
	resp, err := a.readResponse()
	if err != nil {
		return err
	}
	a.log.Debug().Str("heading", resp.Heading).Msg("got response to subscribe")
	return nil
}

// spliceAuthorization injects an authorization header immediately before
// Content-Length, the position registrars expect it at.
func spliceAuthorization(msg, name, value string) string {
	return strings.Replace(msg, "\r\nContent-Length", "\r\n"+name+": "+value+"\r\nContent-Length", 1)
}
