package wsserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wskit-go/wskit/internal/envelope"
)

// Context is the per-message handler context, constructed fresh for
// every dispatched message. Plugins attach extra fields (Publish,
// Topics) via Router.AddContextHook rather than subclassing, since Go
// has no inheritance — the hook pattern mirrors the teacher's
// functional-options idiom applied to context augmentation.
type Context struct {
	Background context.Context

	router *Router
	conn   Conn

	ClientID      string
	Type          string
	Meta          envelope.Meta
	Payload       json.RawMessage
	CorrelationID string

	// Data is the application-supplied per-connection state, mutated
	// only through AssignData.
	Data any

	// Publish and Topics are populated by the pubsub plugin's context
	// hook when installed; nil otherwise. schema identifies the
	// registered message type publish() validates payload against and
	// whose MessageType becomes the envelope's wire `type` — never the
	// topic string (spec §4.5's publish(topic, schema, payload, opts?)).
	Publish func(ctx context.Context, topic string, schema any, payload any, opts PublishCallOptions) error
	Topics  TopicsHandle

	isRPC     bool
	replyType string
}

// PublishCallOptions mirrors pubsub.PublishOptions without requiring
// wsserver to import pubsub (pubsub imports wsserver's Plugin
// interface, not the reverse).
type PublishCallOptions struct {
	ExcludeSelf  bool
	PartitionKey string
}

// TopicsHandle is the narrow per-connection topic-set surface exposed
// on Context; pubsub.Plugin's *topics.Set satisfies it.
type TopicsHandle interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Has(topic string) bool
	Size() int
	Topics() []string
}

// AssignData sets the connection's application data, visible to every
// subsequent message on this connection.
func (ctx *Context) AssignData(data any) {
	ctx.Data = data
	ctx.router.SetConnData(ctx.ClientID, data)
}

// Send serializes and transmits env over this connection.
func (ctx *Context) Send(env envelope.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wsserver: marshal outbound envelope: %w", err)
	}
	return ctx.conn.Send(raw)
}

// Reply sends the RPC response envelope correlated to this request. A
// no-op error if this context did not originate from an RPC handler.
func (ctx *Context) Reply(payload any, extraMeta envelope.Meta) error {
	if !ctx.isRPC {
		return fmt.Errorf("wsserver: Reply called outside an RPC handler")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wsserver: marshal reply payload: %w", err)
	}
	meta := envelope.Meta{}
	for k, v := range extraMeta {
		meta[k] = v
	}
	meta[envelope.MetaCorrelationID] = ctx.CorrelationID
	return ctx.Send(envelope.Envelope{Type: ctx.replyType, Meta: meta, Payload: body})
}

// Progress sends a non-terminal $ws:rpc-progress frame correlated to
// this request.
func (ctx *Context) Progress(data any) error {
	if !ctx.isRPC {
		return fmt.Errorf("wsserver: Progress called outside an RPC handler")
	}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("wsserver: marshal progress payload: %w", err)
	}
	meta := envelope.Meta{envelope.MetaCorrelationID: ctx.CorrelationID}
	return ctx.Send(envelope.Envelope{Type: envelope.ProgressType, Meta: meta, Payload: body})
}
