package dispatcher

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
)

type envelopeState int

const (
	// envelopeIdle has neither a request nor a timer and may be sent
	envelopeIdle envelopeState = iota
	// envelopeInFlight has a request and a delivery timeout running
	envelopeInFlight
	// envelopeAwaitingRetry has only the retry timer running
	envelopeAwaitingRetry
	// envelopeDone is removed from the dispatcher
	envelopeDone
)

func (s envelopeState) String() string {
	switch s {
	case envelopeIdle:
		return "idle"
	case envelopeInFlight:
		return "in-flight"
	case envelopeAwaitingRetry:
		return "awaiting-retry"
	case envelopeDone:
		return "done"
	default:
		return fmt.Sprintf("envelopeState(%d)", int(s))
	}
}

var legalTransitions = map[envelopeState][]envelopeState{
	envelopeIdle:          {envelopeInFlight, envelopeDone},
	envelopeInFlight:      {envelopeIdle, envelopeAwaitingRetry, envelopeDone},
	envelopeAwaitingRetry: {envelopeIdle, envelopeDone},
	envelopeDone:          {},
}

// envelope tracks one message until a verdict arrives or its delivery
// policy gives up. It is only touched on the dispatcher loop.
type envelope struct {
	message *protocol.Message
	timeout time.Duration

	limited  bool
	attempts int
	deadline time.Time

	state   envelopeState
	timer   *loop.Timer
	request *loop.Future[transport.Request]
	sentAt  time.Time
}

func newEnvelope(msg *protocol.Message, timeout time.Duration, now time.Time, opts sendOptions) *envelope {
	env := &envelope{
		message:  msg,
		timeout:  timeout,
		limited:  opts.hasAttempts,
		attempts: opts.attempts,
		deadline: opts.deadline,
	}
	if opts.hasWithin {
		env.deadline = now.Add(opts.within)
	}
	return env
}

// moveTo changes state, panicking on a transition the table does not
// allow. Callers check the precondition first.
func (e *envelope) moveTo(next envelopeState) {
	for _, allowed := range legalTransitions[e.state] {
		if allowed == next {
			e.state = next
			return
		}
	}
	panic(fmt.Sprintf("envelope %s: illegal transition %s -> %s", e.message.ID, e.state, next))
}

// spendAttempt uses up one attempt and reports whether the message may
// still be sent
func (e *envelope) spendAttempt() bool {
	if !e.limited {
		return true
	}
	e.attempts--
	return e.attempts >= 0
}

func (e *envelope) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

func (e *envelope) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
