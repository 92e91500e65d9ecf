package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wskit-go/wskit/internal/envelope"
	"github.com/wskit-go/wskit/internal/validator"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB, mirrors wshttp's server-side limit
)

var errQueueOverflow = errors.New("wsclient: outbound queue overflow")

// ErrorKind classifies what an onError hook is being told about.
type ErrorKind string

const (
	ErrorKindParse      ErrorKind = "parse"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindUnknown    ErrorKind = "unknown"
	ErrorKindOverflow   ErrorKind = "overflow"
	ErrorKindTransport  ErrorKind = "transport"
	ErrorKindHandler    ErrorKind = "handler"
)

// ErrorEvent is passed to every registered onError hook.
type ErrorEvent struct {
	Kind ErrorKind
	Err  error
}

// Options configures a Client at construction.
type Options struct {
	// URL is the ws:// or wss:// endpoint to dial.
	URL string

	// Adapter validates outbound payloads and inbound replies. Required.
	Adapter validator.Adapter

	// Subprotocols are user-requested subprotocols, combined with the
	// auth subprotocol (if Auth.Mode is AuthModeSubprotocol) per §4.10.
	Subprotocols []string
	Auth         AuthConfig
	Token        TokenFunc

	QueuePolicy   QueuePolicy
	QueueCapacity int

	Reconnect bool
	Backoff   BackoffConfig

	PendingRequestLimit int
	RequestTimeout      time.Duration

	Dialer *websocket.Dialer
	Header http.Header

	Logger *slog.Logger

	// now is overridable for tests; defaults to time.Now.
	now func() time.Time
}

func (o *Options) setDefaults() {
	if o.QueueCapacity == 0 {
		o.QueueCapacity = 1000
	}
	if o.PendingRequestLimit == 0 {
		o.PendingRequestLimit = 1000
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = DefaultBackoffConfig()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.Auth.QueryParamName == "" {
		o.Auth.QueryParamName = "access_token"
	}
	if o.Auth.SubprotocolPrefix == "" {
		o.Auth.SubprotocolPrefix = "bearer."
	}
}

// connectState lets concurrent Connect calls observe the outcome of
// the in-flight dial, making Connect idempotent.
type connectState struct {
	done chan struct{}
	err  error
}

// Client is the resilient half of the framework: a state machine with
// auto-reconnect, outbound meta normalization, a policy-driven
// outbound queue, request/reply correlation, and multi-handler inbound
// dispatch. Its transport is github.com/gorilla/websocket.
type Client struct {
	opts    Options
	adapter validator.Adapter

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	protocol    string
	manualClose bool
	attempt     int
	inflight    *connectState
	openWaiters []chan struct{}
	readDone    chan struct{}

	sendMu sync.Mutex
	queue  *queue

	tracker  *requestTracker
	handlers *handlerRegistry

	errMu       sync.RWMutex
	errHooks    []func(ErrorEvent)
	onUnhandled func(envelope.Envelope)
}

// New constructs a Client. Connect must be called before Send/Request
// will transmit; until then, messages are queued per QueuePolicy.
func New(opts Options) *Client {
	opts.setDefaults()
	return &Client{
		opts:     opts,
		adapter:  opts.Adapter,
		state:    StateClosed,
		queue:    newQueue(opts.QueuePolicy, opts.QueueCapacity),
		tracker:  newRequestTracker(opts.PendingRequestLimit),
		handlers: newHandlerRegistry(),
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Protocol returns the subprotocol the server selected during the
// handshake, or "" if none was negotiated.
func (c *Client) Protocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// OnError registers a hook invoked for every ErrorEvent.
func (c *Client) OnError(fn func(ErrorEvent)) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.errHooks = append(c.errHooks, fn)
}

// OnUnhandled registers the hook invoked when a structurally valid
// envelope arrives for a type with no registered schema.
func (c *Client) OnUnhandled(fn func(envelope.Envelope)) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.onUnhandled = fn
}

// On registers a handler for schema's wire type, returning an
// unsubscribe func. Multiple handlers may be registered for the same
// type; the schema bound by the first registration is reused to
// validate inbound messages of that type for every subsequent
// handler.
func (c *Client) On(schema any, fn HandlerFunc) (unsubscribe func()) {
	msgType := c.adapter.MessageType(schema)
	return c.handlers.On(msgType, schema, fn)
}

func (c *Client) emitError(ev ErrorEvent) {
	c.errMu.RLock()
	hooks := append([]func(ErrorEvent){}, c.errHooks...)
	c.errMu.RUnlock()
	if len(hooks) == 0 {
		c.opts.Logger.Warn("wsclient: unhandled error event", "kind", ev.Kind, "error", ev.Err)
		return
	}
	for _, h := range hooks {
		h(ev)
	}
}

// Connect dials the server, performing auth attachment per §4.10.
// Idempotent per §4.6: concurrent/while-connecting calls share the
// in-flight attempt; calling while already open resolves immediately;
// calling while closing is rejected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		cs := c.inflight
		c.mu.Unlock()
		if cs == nil {
			return &StateError{Reason: "connecting with no in-flight attempt tracked"}
		}
		select {
		case <-cs.done:
			return cs.err
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateClosing:
		c.mu.Unlock()
		return &StateError{Reason: "connect called while closing"}
	}

	c.manualClose = false
	c.state = StateConnecting
	cs := &connectState{done: make(chan struct{})}
	c.inflight = cs
	c.mu.Unlock()

	err := c.attemptAndSettle(ctx, cs)
	return err
}

// attemptAndSettle dials once, transitions state, and resolves cs.
func (c *Client) attemptAndSettle(ctx context.Context, cs *connectState) error {
	err := c.dial(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = StateClosed
		c.inflight = nil
		c.mu.Unlock()
		cs.err = err
		close(cs.done)
		return err
	}
	c.state = StateOpen
	c.attempt = 0
	c.inflight = nil
	waiters := c.openWaiters
	c.openWaiters = nil
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	close(cs.done)
	for _, w := range waiters {
		close(w)
	}

	c.flushQueue()
	go c.readLoop()
	return nil
}

// OnceOpen resolves immediately if already open, otherwise waits for
// the next open transition or ctx cancellation.
func (c *Client) OnceOpen(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	c.openWaiters = append(c.openWaiters, waiter)
	c.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dial builds the auth-attached URL/subprotocols, performs the
// handshake, and records the resulting connection.
func (c *Client) dial(ctx context.Context) error {
	var token string
	if c.opts.Token != nil {
		t, err := c.opts.Token(ctx)
		if err != nil {
			return fmt.Errorf("wsclient: token retrieval: %w", err)
		}
		token = t
	}

	if err := validateSubprotocolPrefix(c.opts.Auth.SubprotocolPrefix); err != nil {
		return err
	}

	dialURL := c.opts.URL
	var subprotocols []string
	switch c.opts.Auth.Mode {
	case AuthModeSubprotocol:
		subprotocols = buildSubprotocols(c.opts.Subprotocols, c.opts.Auth.SubprotocolPrefix, token, c.opts.Auth.PrependSubprotocol)
	default: // AuthModeQuery
		u, err := attachQueryToken(c.opts.URL, c.opts.Auth.QueryParamName, token)
		if err != nil {
			return err
		}
		dialURL = u
		subprotocols = buildSubprotocols(c.opts.Subprotocols, "", "", false)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if c.opts.Dialer != nil {
		dialer = *c.opts.Dialer
	}
	dialer.Subprotocols = subprotocols

	header := http.Header{}
	if c.opts.Header != nil {
		header = c.opts.Header.Clone()
	}

	conn, resp, err := dialer.DialContext(ctx, dialURL, header)
	if err != nil {
		return fmt.Errorf("wsclient: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	protocol := ""
	if resp != nil {
		protocol = resp.Header.Get("Sec-WebSocket-Protocol")
	}

	c.mu.Lock()
	c.conn = conn
	c.protocol = protocol
	c.mu.Unlock()
	return nil
}

// Close performs an orderly client-initiated shutdown (close code
// 1000): it stops reconnect attempts, closes the transport, rejects
// every pending request with ConnectionClosedError, and clears timers.
// Observationally idempotent: close(); close() behaves as one close().
func (c *Client) Close() error {
	c.mu.Lock()
	c.manualClose = true
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	readDone := c.readDone
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if readDone != nil {
		<-readDone
	}

	c.tracker.CloseAll()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return nil
}

// Send validates payload against schema, applies outbound
// normalization (§4.1), and transmits immediately or queues per
// policy. It never throws: failures are reported by the returned
// error (validation) or surfaced via OnError (overflow/transport).
func (c *Client) Send(schema any, payload any, meta envelope.Meta) (bool, error) {
	raw, _, err := c.buildEnvelope(schema, payload, meta, "")
	if err != nil {
		return false, err
	}
	sent, _ := c.transmitOrQueue(raw, "")
	return sent, nil
}

// buildEnvelope validates payload, applies outbound meta
// normalization, and serializes the envelope. correlationID, if
// non-empty, is the sole source of meta.correlationId — never taken
// from user-supplied meta.
func (c *Client) buildEnvelope(schema any, payload any, meta envelope.Meta, correlationID string) (raw []byte, msgType string, err error) {
	msgType = c.adapter.MessageType(schema)
	if msgType == "" {
		return nil, "", fmt.Errorf("wsclient: schema has no message type")
	}

	// A nil payload means the schema declares none; leave body empty
	// rather than marshaling to the literal "null" so the adapter sees
	// a true absence (schemas with HasPayload:false require len==0).
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, msgType, fmt.Errorf("wsclient: marshal payload: %w", err)
		}
	}

	res, err := c.adapter.SafeParse(schema, body)
	if err != nil {
		return nil, msgType, fmt.Errorf("wsclient: schema adapter: %w", err)
	}
	if !res.OK {
		return nil, msgType, &ValidationError{Expected: msgType, Issues: res.Issues}
	}

	outMeta := envelope.NormalizeOutbound(meta, correlationID, c.opts.now())
	env := envelope.Envelope{Type: msgType, Meta: outMeta, Payload: body}
	raw, err = json.Marshal(env)
	if err != nil {
		return nil, msgType, fmt.Errorf("wsclient: marshal envelope: %w", err)
	}
	return raw, msgType, nil
}

// transmitOrQueue sends raw immediately if open, otherwise enqueues it
// per QueuePolicy. If correlationID is non-empty and the frame is
// transmitted immediately, the associated pending request's timer is
// armed. Returns whether the frame was sent or accepted into the
// queue. Under QueueOff a frame that cannot be sent is dropped: both
// results are false and no overflow is reported.
func (c *Client) transmitOrQueue(raw []byte, correlationID string) (accepted bool, queued bool) {
	c.mu.Lock()
	open := c.state == StateOpen
	conn := c.conn
	c.mu.Unlock()

	if open && conn != nil {
		c.sendMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.TextMessage, raw)
		c.sendMu.Unlock()
		if err == nil {
			if correlationID != "" {
				c.tracker.ArmIfPending(correlationID)
			}
			return true, false
		}
		c.emitError(ErrorEvent{Kind: ErrorKindTransport, Err: err})
	}

	c.sendMu.Lock()
	res := c.queue.Enqueue(raw)
	c.sendMu.Unlock()
	if res.Overflow {
		c.emitError(ErrorEvent{Kind: ErrorKindOverflow, Err: errQueueOverflow})
	}
	return res.Enqueued, res.Enqueued
}

// flushQueue drains the outbound queue to the live transport in FIFO
// order after an open transition, arming any pending request's timer
// once its frame actually reaches the wire.
func (c *Client) flushQueue() {
	c.sendMu.Lock()
	frames := c.queue.Drain()
	c.sendMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for _, raw := range frames {
		c.sendMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.TextMessage, raw)
		c.sendMu.Unlock()
		if err != nil {
			c.emitError(ErrorEvent{Kind: ErrorKindTransport, Err: err})
			return
		}
		if corrID := correlationIDOf(raw); corrID != "" {
			c.tracker.ArmIfPending(corrID)
		}
	}
}

func correlationIDOf(raw []byte) string {
	var probe struct {
		Meta struct {
			CorrelationID string `json:"correlationId"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Meta.CorrelationID
}

// RequestOptions configures a single Request call.
type RequestOptions struct {
	Meta          envelope.Meta
	CorrelationID string
	Timeout       time.Duration
	OnProgress    func(data json.RawMessage)
}

// Request implements the correlated request/reply exchange:
// validate, register, transmit-or-queue, arm the timeout only once
// transmitted, and resolve via the tracker's dispatch in readLoop. ctx
// cancellation aborts the wait and cleans up the pending entry without
// attempting to recall an already-sent frame (at-most-once local
// cancellation, at-least-once delivery).
func (c *Client) Request(ctx context.Context, schema any, payload any, replySchema any, opts RequestOptions) (any, error) {
	corrID := opts.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}

	raw, _, err := c.buildEnvelope(schema, payload, opts.Meta, corrID)
	if err != nil {
		return nil, err
	}

	replyType := c.adapter.MessageType(replySchema)
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.opts.RequestTimeout
	}

	var onProgress func([]byte)
	if opts.OnProgress != nil {
		onProgress = func(data []byte) { opts.OnProgress(json.RawMessage(data)) }
	}

	pr, err := c.tracker.Register(corrID, replyType, replySchema, timeout, onProgress)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	queueOff := c.queue.policy == QueueOff
	open := c.state == StateOpen
	c.mu.Unlock()

	if queueOff && !open {
		c.tracker.Cancel(corrID)
		return nil, &StateError{Reason: "queue is off and client is disconnected"}
	}

	accepted, _ := c.transmitOrQueue(raw, corrID)
	if !accepted {
		c.tracker.Cancel(corrID)
		return nil, &StateError{Reason: "request dropped: queue overflow"}
	}

	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	value, err := pr.Wait(waitCtx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Pre-settlement abort: remove the pending entry and clear its
		// timer. The frame may already be in flight to the server; this
		// only cancels the local wait.
		if c.tracker.Cancel(corrID) {
			return nil, &StateError{Reason: "request aborted"}
		}
	}
	return value, err
}

// readLoop reads frames until the connection fails, dispatching each
// to the request tracker and the handler registry, then triggers
// reconnection if warranted.
func (c *Client) readLoop() {
	c.mu.Lock()
	done := c.readDone
	c.mu.Unlock()
	defer close(done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.dispatchInbound(raw)
	}
}

// dispatchInbound parses the frame, routes correlated replies to the
// tracker, then attempts schema-routed multi-handler dispatch, falling
// back to onUnhandled or onError.
func (c *Client) dispatchInbound(raw []byte) {
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.emitError(ErrorEvent{Kind: ErrorKindParse, Err: err})
		return
	}

	if env.Meta.CorrelationID() != "" {
		if c.tracker.HandleReply(c.adapter, env) {
			return
		}
	}

	if !c.handlers.Has(env.Type) {
		if env.Type != "" {
			c.errMu.RLock()
			onUnhandled := c.onUnhandled
			c.errMu.RUnlock()
			if onUnhandled != nil {
				onUnhandled(env)
			}
			return
		}
		c.emitError(ErrorEvent{Kind: ErrorKindUnknown, Err: fmt.Errorf("message with no type")})
		return
	}

	schema, _ := c.handlers.Schema(env.Type)
	res, err := c.adapter.SafeParse(schema, env.Payload)
	if err != nil || !res.OK {
		c.emitError(ErrorEvent{Kind: ErrorKindValidation, Err: fmt.Errorf("validation failed for type %q: %v", env.Type, res.Issues)})
		return
	}

	msg := InboundMessage{Type: env.Type, Meta: env.Meta, Payload: res.Value}
	c.handlers.Dispatch(msg, func(msgType string, recovered any) {
		c.emitError(ErrorEvent{Kind: ErrorKindHandler, Err: fmt.Errorf("handler for %q panicked: %v", msgType, recovered)})
	})
}

// handleDisconnect transitions out of Open on read failure. A manual
// close, a read failure while closing, or an orderly close from the
// server (code 1000) ends in Closed; any other loss is reported as a
// transport error and, if Reconnect is set, starts the reconnect loop
// per §4.6.
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.conn = nil
	manual := c.manualClose
	closing := c.state == StateClosing
	c.mu.Unlock()
	orderly := websocket.IsCloseError(err, websocket.CloseNormalClosure)

	if manual || closing || orderly {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return
	}

	c.emitError(ErrorEvent{Kind: ErrorKindTransport, Err: err})

	if !c.opts.Reconnect {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return
	}
	go c.reconnectLoop()
}

// reconnectLoop implements the backoff/retry schedule of §4.6,
// stopping when manualClose is observed or attempts are exhausted.
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	c.state = StateReconnecting
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.manualClose {
			c.state = StateClosed
			c.mu.Unlock()
			return
		}
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if attempt > c.opts.Backoff.MaxAttempts {
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			return
		}

		delay := c.opts.Backoff.Delay(attempt)
		timer := time.NewTimer(delay)
		<-timer.C

		c.mu.Lock()
		if c.manualClose {
			c.state = StateClosed
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		cs := &connectState{done: make(chan struct{})}
		c.inflight = cs
		c.mu.Unlock()

		err := c.attemptAndSettle(context.Background(), cs)
		if err == nil {
			return
		}

		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateReconnecting
		}
		c.mu.Unlock()
	}
}
