package govoip

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyRunning is returned by Start on a started agent.
var ErrAlreadyRunning = errors.New("agent is already started")

// InvalidAccountInfoError means the registrar rejected our credentials:
// a second challenge after an authenticated request. REGISTER also returns
// it for any other final answer that is not 200 OK.
type InvalidAccountInfoError struct {
	Server string
	Port   int
}

func (e *InvalidAccountInfoError) Error() string {
	return fmt.Sprintf("invalid username or password for SIP server %s:%d", e.Server, e.Port)
}

// TimeoutError means the server kept answering 100 Trying past the
// register timeout, or sent nothing at all within it.
type TimeoutError struct {
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waited %s but server is still TRYING", e.Wait)
}
