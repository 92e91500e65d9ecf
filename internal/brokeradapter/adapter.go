// Package brokeradapter defines the contract the router's pub/sub
// plugin uses to fan messages out to subscribers, whether they live in
// this process or another instance behind a shared broker.
package brokeradapter

import (
	"context"

	"github.com/wskit-go/wskit/internal/envelope"
)

// Capability describes how precisely an adapter can report delivery
// counts from Publish.
type Capability string

const (
	// CapabilityExact means the adapter knows exactly how many
	// subscribers received the message (e.g. an in-process map).
	CapabilityExact Capability = "exact"
	// CapabilityApproximate means the adapter returned a best-effort
	// count (e.g. a broker that acks publish but not per-subscriber
	// delivery).
	CapabilityApproximate Capability = "approximate"
	// CapabilityUnknown means the adapter cannot report a count at
	// all (e.g. MQTT, where the broker never tells a publisher how
	// many subscribers received a message).
	CapabilityUnknown Capability = "unknown"
)

// PublishOptions carries the optional knobs a caller may attach to a
// Publish call.
type PublishOptions struct {
	PartitionKey string
}

// PublishResult reports the outcome of a Publish call.
type PublishResult struct {
	OK         bool
	Capability Capability
	Matched    int
}

// ReplaceResult reports the outcome of an atomic Replace call.
type ReplaceResult struct {
	Added   []string
	Removed []string
	Total   int
}

// RemoteDeliveryFunc is invoked by an adapter when a message published
// on another instance must be delivered to a locally-connected
// subscriber.
type RemoteDeliveryFunc func(ctx context.Context, topic string, env envelope.Envelope)

// StopFunc releases the resources acquired by Start. It is safe to
// call at most once; adapters must not require multiple calls.
type StopFunc func(ctx context.Context) error

// Adapter is the pub/sub plugin's dependency boundary: anything that
// can publish, track subscriptions, and optionally bridge remote
// delivery into this process satisfies it.
type Adapter interface {
	// Publish fans env out to every subscriber of topic, local or
	// remote, and reports how accurately it could count delivery.
	Publish(ctx context.Context, topic string, env envelope.Envelope, opts PublishOptions) (PublishResult, error)

	// Subscribe records that clientID is interested in topic.
	Subscribe(ctx context.Context, clientID, topic string) error

	// Unsubscribe reverses a prior Subscribe. Unsubscribing from a
	// topic the client was never subscribed to is a no-op.
	Unsubscribe(ctx context.Context, clientID, topic string) error

	// Replace atomically sets clientID's subscriptions to exactly
	// topics, used on connection teardown to release everything in
	// one call (topics == nil).
	Replace(ctx context.Context, clientID string, topicsList []string) (ReplaceResult, error)

	// GetSubscribers returns the clientIDs currently subscribed to
	// topic that are connected to this instance.
	GetSubscribers(ctx context.Context, topic string) ([]string, error)

	// Start begins any background work the adapter needs (broker
	// connection, reconnect loop) and registers onRemoteDelivery for
	// messages that arrive from other instances. Adapters with no
	// such background work return a no-op stop function. Start must
	// be safe to call again after a returned stop function has run.
	Start(ctx context.Context, onRemoteDelivery RemoteDeliveryFunc) (StopFunc, error)
}
