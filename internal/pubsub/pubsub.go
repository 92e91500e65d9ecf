// Package pubsub wires a brokeradapter.Adapter into the router as the
// ctx.publish / ctx.topics surface handlers see. It owns the
// init/shutdown lifecycle of the adapter and the local-delivery
// fan-out loop; per-connection topic mirrors live in the topics
// package.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wskit-go/wskit/internal/brokeradapter"
	"github.com/wskit-go/wskit/internal/envelope"
	"github.com/wskit-go/wskit/internal/topics"
	"github.com/wskit-go/wskit/internal/validator"
)

// ErrExcludeSelfNoSender names the case of excludeSelf requested
// without a sending client. Publish does not return it: a
// server-initiated publish has no sender to exclude, so Publish treats
// excludeSelf as a silent no-op there and delivers to every subscriber.
var ErrExcludeSelfNoSender = errors.New("pubsub: excludeSelf requested with no sender")

// ValidationError reports a publish payload that failed schema
// validation; construction of the outbound envelope never proceeds
// when this is returned.
type ValidationError struct {
	MsgType string
	Issues  []validator.Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pubsub: publish payload for %q failed validation: %v", e.MsgType, e.Issues)
}

// SendFunc delivers env to a single connected client. The plugin calls
// this once per local subscriber during fan-out.
type SendFunc func(ctx context.Context, clientID string, env envelope.Envelope) error

// ErrorKindDelivery mirrors the router's onError kind taxonomy for the one
// kind this package can raise.
const ErrorKindDelivery = "delivery"

// ErrorFunc receives delivery errors that must not abort fan-out.
type ErrorFunc func(kind string, clientID string, err error)

// PublishOptions mirrors the handler-facing publish() options from
// spec §4.5.
type PublishOptions struct {
	ExcludeSelf  bool
	PartitionKey string
}

// Plugin is the pub/sub surface installed into the router. Safe for
// concurrent use once Init has returned.
type Plugin struct {
	adapter       brokeradapter.Adapter
	schemaAdapter validator.Adapter
	onError       ErrorFunc
	maxTopics     int
	validateTopic topics.Validator
	started       atomic.Bool
	mu            sync.Mutex
	stop          brokeradapter.StopFunc
}

// New constructs a Plugin over adapter. schemaAdapter is the same
// validator.Adapter the router validates inbound messages with; Publish
// uses it to validate a publish payload and to resolve the schema's
// wire type before any bytes reach the broker adapter. maxTopics bounds
// the per-connection topic set (spec's maxTopicsPerConnection); onError,
// if nil, is a no-op.
func New(adapter brokeradapter.Adapter, schemaAdapter validator.Adapter, maxTopics int, validateTopic topics.Validator, onError ErrorFunc) *Plugin {
	if onError == nil {
		onError = func(string, string, error) {}
	}
	return &Plugin{
		adapter:       adapter,
		schemaAdapter: schemaAdapter,
		maxTopics:     maxTopics,
		validateTopic: validateTopic,
		onError:       onError,
	}
}

// Init starts the adapter at most once; a failed Init allows a later
// retry (started is only set true on success).
func (p *Plugin) Init(ctx context.Context, onRemoteDelivery brokeradapter.RemoteDeliveryFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started.Load() {
		return nil
	}

	stop, err := p.adapter.Start(ctx, onRemoteDelivery)
	if err != nil {
		return fmt.Errorf("pubsub: init adapter: %w", err)
	}
	p.stop = stop
	p.started.Store(true)
	return nil
}

// Shutdown calls the adapter's stop function exactly once. A second
// Shutdown without an intervening Init is a no-op; a subsequent Init
// re-establishes.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started.Load() {
		return nil
	}
	stop := p.stop
	p.stop = nil
	p.started.Store(false)
	if stop == nil {
		return nil
	}
	return stop(ctx)
}

// NewConnTopics returns a fresh per-connection topic mirror backed by
// this plugin's adapter, for the router to attach to a new
// connection's context at open time.
func (p *Plugin) NewConnTopics(clientID string) *topics.Set {
	return topics.NewSet(clientID, adapterAsTopicsAdapter{p.adapter}, p.validateTopic, p.maxTopics)
}

// adapterAsTopicsAdapter adapts brokeradapter.Adapter's richer
// Subscribe/Unsubscribe signatures to the narrower shape topics.Set
// depends on, so topics never needs to import brokeradapter.
type adapterAsTopicsAdapter struct {
	adapter brokeradapter.Adapter
}

func (a adapterAsTopicsAdapter) Subscribe(ctx context.Context, clientID, topic string) error {
	return a.adapter.Subscribe(ctx, clientID, topic)
}

func (a adapterAsTopicsAdapter) Unsubscribe(ctx context.Context, clientID, topic string) error {
	return a.adapter.Unsubscribe(ctx, clientID, topic)
}

// Publish implements the publish(topic, schema, payload, opts?)
// handler-context method (spec §4.5): it validates payload against
// schema, builds the envelope with schema's registered message type as
// the wire `type` (never the topic string), sanitizes meta, fans the
// envelope out over the adapter, then performs local delivery to every
// subscriber this instance knows about.
//
// senderClientID is "" for a server-initiated router.Publish call; per
// spec, excludeSelf with no sender is a silent no-op rather than an
// error, reflected by skipping the exclude rather than failing the
// whole publish.
func (p *Plugin) Publish(ctx context.Context, topic string, schema any, payload any, opts PublishOptions, senderClientID string, send SendFunc) (brokeradapter.PublishResult, error) {
	msgType := p.schemaAdapter.MessageType(schema)
	if msgType == "" {
		return brokeradapter.PublishResult{}, fmt.Errorf("pubsub: schema has no message type")
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return brokeradapter.PublishResult{}, fmt.Errorf("pubsub: marshal publish payload: %w", err)
		}
	}

	valRes, err := p.schemaAdapter.SafeParse(schema, body)
	if err != nil {
		return brokeradapter.PublishResult{}, fmt.Errorf("pubsub: schema adapter: %w", err)
	}
	if !valRes.OK {
		return brokeradapter.PublishResult{}, &ValidationError{MsgType: msgType, Issues: valRes.Issues}
	}

	env := envelope.Envelope{Type: msgType, Payload: body}
	env.Meta = envelope.StripReserved(env.Meta)
	if env.Meta == nil {
		env.Meta = envelope.Meta{}
	}
	delete(env.Meta, "excludeClientId")

	excludeClientID := ""
	if opts.ExcludeSelf {
		if senderClientID == "" {
			// Server-initiated publish: no-op, not an error.
		} else {
			excludeClientID = senderClientID
			env.Meta["excludeClientId"] = senderClientID
		}
	}

	res, err := p.adapter.Publish(ctx, topic, env, brokeradapter.PublishOptions{PartitionKey: opts.PartitionKey})
	if err != nil {
		return res, err
	}

	p.deliverLocal(ctx, topic, env, excludeClientID, send)
	return res, nil
}

// DeliverRemote is the RemoteDeliveryFunc wired into adapter.Start: it
// runs the same local-delivery loop a local Publish would, for a
// message that originated on another instance.
func (p *Plugin) DeliverRemote(ctx context.Context, topic string, env envelope.Envelope, send SendFunc) {
	excludeClientID := env.Meta.ClientID()
	if v, ok := env.Meta["excludeClientId"].(string); ok {
		excludeClientID = v
	}
	p.deliverLocal(ctx, topic, env, excludeClientID, send)
}

func (p *Plugin) deliverLocal(ctx context.Context, topic string, env envelope.Envelope, excludeClientID string, send SendFunc) {
	subscribers, err := p.adapter.GetSubscribers(ctx, topic)
	if err != nil {
		p.onError(ErrorKindDelivery, "", fmt.Errorf("pubsub: get subscribers for %q: %w", topic, err))
		return
	}

	for _, clientID := range subscribers {
		if clientID == excludeClientID {
			continue
		}
		if err := send(ctx, clientID, env); err != nil {
			p.onError(ErrorKindDelivery, clientID, err)
		}
	}
}
