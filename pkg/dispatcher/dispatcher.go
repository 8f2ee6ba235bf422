package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/config"
	bayeuxerrors "github.com/ajitpratap0/bayeux-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
)

// State is the dispatcher's view of the server connection
type State int32

const (
	// StateUnknown is the state before any reply or failure
	StateUnknown State = iota
	// StateUp means the last transport event was a reply
	StateUp
	// StateDown means the last transport event was a failure
	StateDown
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Dispatcher owns the selected transport and the delivery policy of every
// outbound message: timeouts, bounded attempts, deadlines and retry
// scheduling.
//
// The exported methods are safe for concurrent use. Each one runs its work
// on the dispatcher loop, which is also where transports call back. Event
// listeners run on a second loop, so they may call back into the
// dispatcher.
type Dispatcher struct {
	cfg      *config.Config
	opts     options
	logger   logging.Logger
	settings transport.Settings

	endpoint  *url.URL
	endpoints map[transport.Kind]*url.URL

	loop   *loop.Loop
	events *loop.Loop
	host   *host

	// Owned by the loop
	headers   http.Header
	disabled  []transport.Kind
	retry     time.Duration
	liveness  time.Duration
	state     State
	transport transport.Transport
	envelopes map[string]*envelope

	connectionType atomic.Value
	currentState   atomic.Int32

	listenersMu     sync.RWMutex
	messageHandlers []func(*protocol.Message)
	stateHandlers   []func(State)

	stopOnce sync.Once
}

// New creates a dispatcher for cfg. A nil cfg means config.Default(),
// which still needs an endpoint to validate.
func New(cfg *config.Config, opts ...Option) (*Dispatcher, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, bayeuxerrors.InvalidEndpoint(cfg.Endpoint, err)
	}
	endpoints := make(map[transport.Kind]*url.URL, len(cfg.Endpoints))
	for kind, raw := range cfg.Endpoints {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, bayeuxerrors.InvalidEndpoint(raw, err)
		}
		endpoints[transport.Kind(kind)] = u
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.fillDefaults(cfg); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:       cfg,
		opts:      o,
		logger:    o.logger.WithFields(logging.String("endpoint", endpoint.Redacted())),
		settings:  transport.SettingsFromConfig(cfg),
		endpoint:  endpoint,
		endpoints: endpoints,
		headers:   http.Header{},
		retry:     cfg.Retry,
		liveness:  cfg.Liveness,
		envelopes: make(map[string]*envelope),
	}
	for name, value := range cfg.Headers {
		d.headers.Set(name, value)
	}
	for _, kind := range cfg.Disabled {
		d.disabled = append(d.disabled, transport.Kind(kind))
	}
	d.connectionType.Store("")
	d.host = &host{d: d}

	d.loop = loop.New(loop.WithClock(o.clock), loop.WithPanicHandler(d.recovered("dispatcher")))
	d.events = loop.New(loop.WithClock(o.clock), loop.WithPanicHandler(d.recovered("listener")))

	d.logger.Debug("Dispatcher created",
		logging.Any("connection_types", cfg.ConnectionTypes),
		logging.Duration("retry", cfg.Retry),
		logging.Duration("timeout", cfg.Timeout))

	return d, nil
}

func (o *options) fillDefaults(cfg *config.Config) error {
	if o.logger == nil {
		logger, err := logging.NewFromConfig(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return bayeuxerrors.InvalidConfig("log", err.Error())
		}
		o.logger = logger
	}
	if o.metrics == nil {
		o.metrics = observability.NopRecorder{}
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider().Tracer(observability.TracerName)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.shared == nil {
		o.shared = transport.DefaultShared()
	}
	if o.catalog == nil {
		o.catalog = transport.DefaultCatalog()
	}
	if o.jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return err
		}
		o.jar = jar
	}
	return nil
}

func (d *Dispatcher) recovered(where string) loop.PanicHandler {
	return func(r interface{}) {
		d.logger.Error("Recovered panic on "+where+" loop", logging.Any("panic", r))
	}
}

// call runs fn on the dispatcher loop
func (d *Dispatcher) call(ctx context.Context, op string, fn func()) error {
	if err := d.loop.Call(ctx, fn); err != nil {
		if errors.Is(err, loop.ErrClosed) {
			return bayeuxerrors.DispatcherClosed(op)
		}
		return err
	}
	return nil
}

// EndpointFor returns the URL used for kind
func (d *Dispatcher) EndpointFor(kind transport.Kind) *url.URL {
	if u, ok := d.endpoints[kind]; ok {
		return u
	}
	return d.endpoint
}

// ConnectionType returns the kind of the selected transport, or "" when
// none is selected
func (d *Dispatcher) ConnectionType() transport.Kind {
	return transport.Kind(d.connectionType.Load().(string))
}

// State returns the last reported connection state
func (d *Dispatcher) State() State {
	return State(d.currentState.Load())
}

// SetHeader sets a header sent with every subsequent request
func (d *Dispatcher) SetHeader(ctx context.Context, name, value string) error {
	return d.call(ctx, "set header", func() {
		d.headers.Set(name, value)
	})
}

// Disable removes kind from consideration by later selections
func (d *Dispatcher) Disable(ctx context.Context, kind transport.Kind) error {
	return d.call(ctx, "disable", func() {
		for _, k := range d.disabled {
			if k == kind {
				return
			}
		}
		d.disabled = append(d.disabled, kind)
		d.logger.Debug("Disabled transport", logging.String("connection_type", string(kind)))
	})
}

// OnMessage registers fn for every reply or push received from the server
func (d *Dispatcher) OnMessage(fn func(*protocol.Message)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.messageHandlers = append(d.messageHandlers, fn)
}

// OnStateChange registers fn for connection state changes
func (d *Dispatcher) OnStateChange(fn func(State)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.stateHandlers = append(d.stateHandlers, fn)
}

// SelectTransport picks the first usable transport among kinds, or among
// the configured connection types when kinds is empty. Selecting the
// transport already in use is a no-op; switching closes the previous one.
func (d *Dispatcher) SelectTransport(ctx context.Context, kinds ...transport.Kind) error {
	if len(kinds) == 0 {
		for _, kind := range d.cfg.ConnectionTypes {
			kinds = append(kinds, transport.Kind(kind))
		}
	}

	result := loop.NewFuture[transport.Transport]()
	if err := d.call(ctx, "select transport", func() {
		d.selectTransport(kinds, result)
	}); err != nil {
		return err
	}

	_, err := result.Wait(ctx)
	return err
}

func (d *Dispatcher) selectTransport(kinds []transport.Kind, result *loop.Future[transport.Transport]) {
	_, span := d.opts.tracer.Start(context.Background(), "bayeux.dispatcher.select",
		trace.WithAttributes(attribute.StringSlice("bayeux.candidates", kindStrings(kinds))))

	transport.Select(d.host, d.opts.catalog, kinds, d.disabled, func(t transport.Transport, err error) {
		defer span.End()
		if err != nil {
			observability.RecordError(span, err)
			d.logger.Warn("No usable transport", logging.ErrorField(err))
			result.Reject(err)
			return
		}
		span.SetAttributes(observability.AttrConnectionType.String(string(t.Kind())))

		if t == d.transport {
			result.Resolve(t)
			return
		}
		if d.transport != nil {
			d.logger.Debug("Replacing transport",
				logging.String("from", string(d.transport.Kind())),
				logging.String("to", string(t.Kind())))
			d.transport.Close()
		}

		d.transport = t
		d.connectionType.Store(string(t.Kind()))
		d.opts.metrics.TransportSelected(string(t.Kind()))
		d.logger.Info("Selected transport",
			logging.String("connection_type", string(t.Kind())),
			logging.String("url", t.Endpoint().Redacted()))
		result.Resolve(t)
	})
}

// SendMessage hands msg to the selected transport and keeps redelivering it
// until a reply with a verdict arrives or its policy gives up. A zero
// timeout uses the configured one. Sending a message whose id is already
// pending is a no-op, as is sending with no transport selected.
func (d *Dispatcher) SendMessage(ctx context.Context, msg *protocol.Message, timeout time.Duration, opts ...SendOption) error {
	if msg.ID == "" {
		msg.ID = protocol.NewMessageID()
	}
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}

	so := sendOptions{}
	if d.cfg.MaxAttempts > 0 {
		so.attempts, so.hasAttempts = d.cfg.MaxAttempts, true
	}
	for _, opt := range opts {
		opt(&so)
	}

	return d.call(ctx, "send message", func() {
		d.sendMessage(msg, timeout, so)
	})
}

func (d *Dispatcher) sendMessage(msg *protocol.Message, timeout time.Duration, so sendOptions) {
	if d.transport == nil {
		d.logger.Debug("Dropping send",
			logging.ErrorField(bayeuxerrors.TransportNotChosen("send message")),
			logging.String("id", msg.ID))
		return
	}

	env, ok := d.envelopes[msg.ID]
	if !ok {
		env = newEnvelope(msg, timeout, d.loop.Now(), so)
		d.envelopes[msg.ID] = env
	}
	d.deliver(env)
}

// deliver sends an idle envelope, or retires it if its policy is spent
func (d *Dispatcher) deliver(env *envelope) {
	if env.state != envelopeIdle {
		d.logger.Debug("Message already pending",
			logging.String("id", env.message.ID),
			logging.String("state", env.state.String()))
		return
	}
	if d.transport == nil {
		return
	}

	msg := env.message
	if !env.spendAttempt() {
		d.retire(env, "attempts", bayeuxerrors.AttemptsExhausted(msg.ID, msg.Channel))
		return
	}
	if now := d.loop.Now(); env.expired(now) {
		d.retire(env, "deadline", bayeuxerrors.DeadlineExceeded(msg.ID, msg.Channel, env.deadline))
		return
	}

	env.timer = d.loop.AfterFunc(env.timeout, func() {
		env.timer = nil
		d.logger.Debug("Delivery timed out",
			logging.ErrorField(bayeuxerrors.DeliveryTimeout(msg.ID, msg.Channel, env.timeout)))
		d.handleError(msg, false)
	})
	env.request = d.transport.SendMessage(msg)
	env.sentAt = d.loop.Now()
	env.moveTo(envelopeInFlight)

	d.opts.metrics.MessageSent(string(d.transport.Kind()), msg.Channel)
	d.logger.Debug("Sent message",
		logging.String("id", msg.ID),
		logging.String("channel", msg.Channel),
		logging.String("connection_type", string(d.transport.Kind())))
}

func (d *Dispatcher) retire(env *envelope, reason string, err error) {
	env.stopTimer()
	env.request = nil
	env.moveTo(envelopeDone)
	delete(d.envelopes, env.message.ID)

	d.opts.metrics.MessageDropped(reason)
	d.logger.Info("Giving up on message", logging.ErrorField(err))
}

// HandleResponse processes a message received from the server. Replies
// with a verdict settle the matching pending message; every message is
// then forwarded to the OnMessage listeners.
func (d *Dispatcher) HandleResponse(ctx context.Context, reply *protocol.Message) error {
	return d.call(ctx, "handle response", func() {
		d.handleResponse(reply)
	})
}

func (d *Dispatcher) handleResponse(reply *protocol.Message) {
	if env, ok := d.envelopes[reply.ID]; ok && reply.HasVerdict() {
		env.stopTimer()
		env.request = nil
		env.moveTo(envelopeDone)
		delete(d.envelopes, reply.ID)

		latency := d.loop.Now().Sub(env.sentAt)
		d.opts.metrics.MessageAcked(reply.Channel, reply.IsSuccessful(), latency)
		if !reply.IsSuccessful() && reply.Error != "" {
			info := protocol.ParseError(reply.Error)
			d.logger.Debug("Server rejected message",
				logging.ErrorField(bayeuxerrors.ServerError(reply.Channel, info.Code, info.Args, info.Message)))
		}
	}

	d.applyAdvice(reply)
	d.emitMessage(reply)
	d.setState(StateUp)
}

// applyAdvice takes the server's connection timeout from handshake and
// connect replies
func (d *Dispatcher) applyAdvice(reply *protocol.Message) {
	if reply.Channel != protocol.ChannelHandshake && reply.Channel != protocol.ChannelConnect {
		return
	}
	if reply.Advice == nil || reply.Advice.Timeout == nil || *reply.Advice.Timeout <= 0 {
		return
	}

	liveness := time.Duration(*reply.Advice.Timeout) * time.Millisecond
	if liveness != d.liveness {
		d.logger.Debug("Server advised connection timeout", logging.Duration("timeout", liveness))
		d.liveness = liveness
	}
}

// HandleError reports that the request carrying msg failed. An immediate
// error resends at once; otherwise the message waits for the retry
// interval. Messages with no request in flight are ignored.
func (d *Dispatcher) HandleError(ctx context.Context, msg *protocol.Message, immediate bool) error {
	return d.call(ctx, "handle error", func() {
		d.handleError(msg, immediate)
	})
}

func (d *Dispatcher) handleError(msg *protocol.Message, immediate bool) {
	env, ok := d.envelopes[msg.ID]
	if !ok || env.state != envelopeInFlight {
		return
	}

	id := msg.ID
	env.request.Then(func(req transport.Request, err error) {
		if err != nil || req == nil {
			return
		}
		if err := req.Abort(); err != nil {
			d.logger.Debug("Abort failed", logging.String("id", id), logging.ErrorField(err))
		}
	})
	env.request = nil
	env.stopTimer()

	d.opts.metrics.MessageRetried(immediate)
	if immediate {
		env.moveTo(envelopeIdle)
		d.deliver(env)
	} else {
		env.moveTo(envelopeAwaitingRetry)
		env.timer = d.loop.AfterFunc(d.retry, func() {
			env.timer = nil
			env.moveTo(envelopeIdle)
			d.deliver(env)
		})
	}

	d.setState(StateDown)
}

func (d *Dispatcher) setState(state State) {
	if d.state == state {
		return
	}
	d.state = state
	d.currentState.Store(int32(state))
	d.opts.metrics.ConnectionState(state.String())
	d.logger.Info("Connection state changed", logging.String("state", state.String()))
	d.emitState(state)
}

func (d *Dispatcher) emitMessage(msg *protocol.Message) {
	d.listenersMu.RLock()
	handlers := append([]func(*protocol.Message){}, d.messageHandlers...)
	d.listenersMu.RUnlock()

	if len(handlers) == 0 {
		return
	}
	d.events.Post(func() {
		for _, fn := range handlers {
			fn(msg)
		}
	})
}

func (d *Dispatcher) emitState(state State) {
	d.listenersMu.RLock()
	handlers := append([]func(State){}, d.stateHandlers...)
	d.listenersMu.RUnlock()

	if len(handlers) == 0 {
		return
	}
	d.events.Post(func() {
		for _, fn := range handlers {
			fn(state)
		}
	})
}

// Close closes the selected transport and forgets it. Pending messages
// stay pending until the next selection.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.call(ctx, "close", d.closeTransport)
}

func (d *Dispatcher) closeTransport() {
	t := d.transport
	if t == nil {
		return
	}
	d.transport = nil
	d.connectionType.Store("")
	t.Close()
	d.logger.Debug("Closed transport", logging.String("connection_type", string(t.Kind())))
}

// Reset closes the selected transport and every other transport this
// dispatcher left in the shared registry, so the next selection starts
// from fresh connections.
func (d *Dispatcher) Reset(ctx context.Context) error {
	return d.call(ctx, "reset", d.reset)
}

func (d *Dispatcher) reset() {
	current := d.transport
	d.closeTransport()
	for _, t := range d.opts.shared.Registry.Drain(d.host) {
		if t != current {
			t.Close()
		}
	}
}

// Stop resets the dispatcher, abandons every pending message and shuts
// down its loops. The dispatcher cannot be used afterwards.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := d.loop.Call(ctx, func() {
			d.reset()
			for id, env := range d.envelopes {
				env.stopTimer()
				delete(d.envelopes, id)
			}
		})
		if err != nil {
			d.logger.Warn("Stop did not drain cleanly", logging.ErrorField(err))
		}

		d.loop.Close()
		d.events.Close()
		d.logger.Debug("Dispatcher stopped")
	})
}

// Pending returns the number of messages awaiting a verdict
func (d *Dispatcher) Pending(ctx context.Context) (int, error) {
	var n int
	err := d.call(ctx, "pending", func() {
		n = len(d.envelopes)
	})
	return n, err
}

func kindStrings(kinds []transport.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
