// Package wsserver implements the schema-indexed server router: route
// registration, middleware chains, connection lifecycle, per-connection
// context, and RPC reply correlation. It depends only on the
// validator.Adapter contract, never a concrete schema library, and on
// the Conn interface for transport, never a concrete socket.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wskit-go/wskit/internal/envelope"
	"github.com/wskit-go/wskit/internal/validator"
)

// Conn is the transport-facing side of a connection: anything that can
// deliver a raw frame. Host glue (wshttp) implements this over a real
// socket; tests implement it over a slice.
type Conn interface {
	Send(raw []byte) error
}

// ErrorKind classifies what went wrong for onError handlers.
type ErrorKind string

const (
	ErrorKindParse      ErrorKind = "parse"
	ErrorKindUnknown    ErrorKind = "unknown"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindHandler    ErrorKind = "handler"
	ErrorKindDelivery   ErrorKind = "delivery"
)

// ErrorEvent is passed to onError callbacks.
type ErrorEvent struct {
	Kind     ErrorKind
	ClientID string
	Err      error
}

// HandlerFunc processes one inbound message.
type HandlerFunc func(ctx *Context) error

// NextFunc continues the middleware chain.
type NextFunc func() error

// MiddlewareFunc wraps a handler invocation; calling next() continues
// the chain, not calling it short-circuits.
type MiddlewareFunc func(ctx *Context, next NextFunc) error

// Kind distinguishes event schemas from RPC schemas.
type Kind int

const (
	KindEvent Kind = iota
	KindRPC
)

type route struct {
	schema      any
	kind        Kind
	replyType   string
	handler     HandlerFunc
	middlewares []MiddlewareFunc
}

// Plugin augments the router's context and lifecycle. Installed via
// Router.Plugin.
type Plugin interface {
	// Name identifies the plugin for duplicate-install detection.
	Name() string
	// Install is called once, before any connections are accepted.
	Install(r *Router) error
}

// Router dispatches inbound messages to registered schema handlers. A
// zero Router is not usable; construct with New.
type Router struct {
	adapter validator.Adapter

	mu     sync.RWMutex
	routes map[string]*route

	globalMiddlewares []MiddlewareFunc

	onOpen  []func(clientID string)
	onClose []func(clientID string, code int, reason string)
	onError []func(ErrorEvent)

	plugins      []Plugin
	pluginNames  map[string]struct{}
	contextHooks []ContextHook

	connsMu sync.RWMutex
	conns   map[string]*connState

	logger *slog.Logger
	now    func() time.Time
}

// ContextHook lets a plugin attach extra fields/behavior to every
// Context at construction time (e.g. pubsub wiring ctx.Publish).
type ContextHook func(ctx *Context)

type connState struct {
	clientID string
	conn     Conn
	data     any
	extra    map[string]any
}

// Option configures a Router at construction.
type Option func(*Router)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New constructs a Router that validates messages with adapter.
func New(adapter validator.Adapter, opts ...Option) *Router {
	r := &Router{
		adapter:     adapter,
		routes:      make(map[string]*route),
		pluginNames: make(map[string]struct{}),
		conns:       make(map[string]*connState),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On registers an event handler for schema. Duplicate registration
// for the same schema type is an error.
func (r *Router) On(schema any, handler HandlerFunc) error {
	return r.register(schema, KindEvent, "", handler)
}

// RPC registers an RPC handler for schema. replyType is the wire type
// used by ctx.Reply; the handler's Context additionally exposes Reply
// and Progress.
func (r *Router) RPC(schema any, replyType string, handler HandlerFunc) error {
	return r.register(schema, KindRPC, replyType, handler)
}

func (r *Router) register(schema any, kind Kind, replyType string, handler HandlerFunc) error {
	msgType := r.adapter.MessageType(schema)
	if msgType == "" {
		return fmt.Errorf("wsserver: schema has no message type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[msgType]; exists {
		return fmt.Errorf("wsserver: duplicate registration for type %q", msgType)
	}
	r.routes[msgType] = &route{schema: schema, kind: kind, replyType: replyType, handler: handler}
	return nil
}

// Use registers global middleware, applied to every dispatch before
// any per-schema middleware, in registration order. Per-schema
// middleware is registered with UseSchema.
func (r *Router) Use(mw MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalMiddlewares = append(r.globalMiddlewares, mw)
}

// UseSchema registers middleware scoped to one schema.
func (r *Router) UseSchema(schema any, mw MiddlewareFunc) error {
	msgType := r.adapter.MessageType(schema)
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[msgType]
	if !ok {
		return fmt.Errorf("wsserver: no route registered for type %q", msgType)
	}
	rt.middlewares = append(rt.middlewares, mw)
	return nil
}

// OnOpen registers a connection-open callback.
func (r *Router) OnOpen(cb func(clientID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = append(r.onOpen, cb)
}

// OnClose registers a connection-close callback.
func (r *Router) OnClose(cb func(clientID string, code int, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, cb)
}

// OnError registers an error callback.
func (r *Router) OnError(cb func(ErrorEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = append(r.onError, cb)
}

// Merge combines other's route table and middleware chains into r.
// Duplicate schema types are an error.
func (r *Router) Merge(other *Router) error {
	other.mu.RLock()
	defer other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	for msgType, rt := range other.routes {
		if _, exists := r.routes[msgType]; exists {
			return fmt.Errorf("wsserver: merge conflict on type %q", msgType)
		}
		r.routes[msgType] = rt
	}
	r.globalMiddlewares = append(r.globalMiddlewares, other.globalMiddlewares...)
	r.onOpen = append(r.onOpen, other.onOpen...)
	r.onClose = append(r.onClose, other.onClose...)
	r.onError = append(r.onError, other.onError...)
	return nil
}

// Plugin installs p exactly once; installing the same plugin name
// twice is an error.
func (r *Router) Plugin(p Plugin) error {
	r.mu.Lock()
	if _, exists := r.pluginNames[p.Name()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("wsserver: plugin %q already installed", p.Name())
	}
	r.pluginNames[p.Name()] = struct{}{}
	r.mu.Unlock()

	if err := p.Install(r); err != nil {
		return fmt.Errorf("wsserver: install plugin %q: %w", p.Name(), err)
	}

	r.mu.Lock()
	r.plugins = append(r.plugins, p)
	r.mu.Unlock()
	return nil
}

// AddContextHook registers a hook invoked on every Context at
// construction, used by plugins to attach extra context fields.
func (r *Router) AddContextHook(hook ContextHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contextHooks = append(r.contextHooks, hook)
}

// HandleOpen assigns a stable clientID, registers connection state,
// and fires onOpen callbacks.
func (r *Router) HandleOpen(conn Conn) string {
	clientID := uuid.NewString()

	r.connsMu.Lock()
	r.conns[clientID] = &connState{clientID: clientID, conn: conn, extra: make(map[string]any)}
	r.connsMu.Unlock()

	r.mu.RLock()
	callbacks := append([]func(string){}, r.onOpen...)
	r.mu.RUnlock()
	for _, cb := range callbacks {
		cb(clientID)
	}
	return clientID
}

// HandleClose fires onClose callbacks then drops connection state.
// Ordering guarantee: every onClose callback completes before the
// clientId↔ws mapping is removed.
func (r *Router) HandleClose(clientID string, code int, reason string) {
	r.mu.RLock()
	callbacks := append([]func(string, int, string){}, r.onClose...)
	r.mu.RUnlock()
	for _, cb := range callbacks {
		cb(clientID, code, reason)
	}

	r.connsMu.Lock()
	delete(r.conns, clientID)
	r.connsMu.Unlock()
}

// Conn returns the live connection for clientID, if any.
func (r *Router) Conn(clientID string) (Conn, bool) {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	cs, ok := r.conns[clientID]
	if !ok {
		return nil, false
	}
	return cs.conn, true
}

// SetConnData sets the application-defined data for clientID.
func (r *Router) SetConnData(clientID string, data any) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	if cs, ok := r.conns[clientID]; ok {
		cs.data = data
	}
}

// Extra returns the plugin-extension bag for clientID (e.g. pubsub's
// topic set), creating one lazily if needed.
func (r *Router) Extra(clientID string) map[string]any {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	cs, ok := r.conns[clientID]
	if !ok {
		return nil
	}
	if cs.extra == nil {
		cs.extra = make(map[string]any)
	}
	return cs.extra
}

// HandleMessage runs the full dispatch pipeline — decode, route
// lookup, meta normalization, validation, middleware, handler — against
// one inbound raw frame from clientID.
func (r *Router) HandleMessage(ctxBg context.Context, clientID string, raw []byte) {
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.emitError(ErrorEvent{Kind: ErrorKindParse, ClientID: clientID, Err: err})
		return
	}

	r.mu.RLock()
	rt, known := r.routes[env.Type]
	r.mu.RUnlock()
	if !known {
		r.emitError(ErrorEvent{Kind: ErrorKindUnknown, ClientID: clientID, Err: fmt.Errorf("unknown type %q", env.Type)})
		return
	}

	env.Meta = envelope.NormalizeInbound(env.Meta, clientID, r.now())
	correlationID := env.Meta.CorrelationID()

	if metaValidator, ok := r.adapter.(validator.MetaValidator); ok {
		res, err := metaValidator.SafeParseMeta(rt.schema, env.Meta)
		if err != nil || !res.OK {
			r.failValidation(clientID, correlationID, err, res)
			return
		}
	}
	res, err := r.adapter.SafeParse(rt.schema, env.Payload)
	if err != nil || !res.OK {
		r.failValidation(clientID, correlationID, err, res)
		return
	}

	conn, hasConn := r.Conn(clientID)
	if !hasConn {
		return
	}

	hctx := &Context{
		Background:    ctxBg,
		router:        r,
		conn:          conn,
		ClientID:      clientID,
		Type:          env.Type,
		Meta:          env.Meta,
		Payload:       env.Payload,
		CorrelationID: correlationID,
		isRPC:         rt.kind == KindRPC,
		replyType:     rt.replyType,
	}
	r.mu.RLock()
	for _, hook := range r.contextHooks {
		hook(hctx)
	}
	r.mu.RUnlock()

	chain := r.buildChain(rt, hctx)
	if err := r.runChain(chain); err != nil {
		r.emitError(ErrorEvent{Kind: ErrorKindHandler, ClientID: clientID, Err: err})
		if correlationID != "" {
			hctx.ReplyError(RPCError{Code: CodeInternal, Message: "internal error"})
		}
	}
}

// runChain invokes chain with a panic recovered and mapped to an error,
// isolating a handler's programming mistake from the rest of the
// process — the same per-handler isolation wsclient's handlerRegistry
// applies on the receive side.
func (r *Router) runChain(chain NextFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("wsserver: handler panic: %v", rec)
		}
	}()
	return chain()
}

func (r *Router) failValidation(clientID, correlationID string, err error, res validator.Result) {
	combined := err
	if combined == nil && len(res.Issues) > 0 {
		combined = fmt.Errorf("validation failed: %v", res.Issues)
	}
	r.emitError(ErrorEvent{Kind: ErrorKindValidation, ClientID: clientID, Err: combined})

	conn, ok := r.Conn(clientID)
	if !ok || correlationID == "" {
		return
	}
	r.sendRPCError(conn, correlationID, RPCError{Code: CodeInvalidArgument, Message: "validation failed"})
}

func (r *Router) buildChain(rt *route, ctx *Context) NextFunc {
	r.mu.RLock()
	global := append([]MiddlewareFunc{}, r.globalMiddlewares...)
	perSchema := append([]MiddlewareFunc{}, rt.middlewares...)
	r.mu.RUnlock()

	all := append(global, perSchema...)
	handler := rt.handler

	var next NextFunc = func() error { return handler(ctx) }
	for i := len(all) - 1; i >= 0; i-- {
		mw := all[i]
		prevNext := next
		next = func() error { return mw(ctx, prevNext) }
	}
	return next
}

func (r *Router) emitError(ev ErrorEvent) {
	r.mu.RLock()
	callbacks := append([]func(ErrorEvent){}, r.onError...)
	r.mu.RUnlock()
	if len(callbacks) == 0 {
		r.logger.Warn("wsserver: unhandled error event", "kind", ev.Kind, "clientId", ev.ClientID, "error", ev.Err)
		return
	}
	for _, cb := range callbacks {
		cb(ev)
	}
}

// PublishFunc is the signature of a server-initiated publish of env to
// topic. Such a publish has no sender, so it takes no exclude-self
// option. Nothing in this package calls a PublishFunc.
type PublishFunc func(ctx context.Context, topic string, env envelope.Envelope) error
