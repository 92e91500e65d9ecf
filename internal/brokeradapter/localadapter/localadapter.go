// Package localadapter is a brokeradapter.Adapter that keeps topic
// membership entirely in process memory: no remote fan-out and exact
// delivery counts. It does no dispatch of its own; the pubsub plugin
// sends to each subscriber it reads back through GetSubscribers.
package localadapter

import (
	"context"
	"sync"

	"github.com/wskit-go/wskit/internal/brokeradapter"
	"github.com/wskit-go/wskit/internal/envelope"
)

// Adapter is an in-process, single-instance brokeradapter.Adapter.
// Capability is always Exact since every subscriber lives in this
// process and every delivery outcome is directly observable.
type Adapter struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{} // topic -> set of clientID
}

// New constructs an empty Adapter.
func New() *Adapter {
	return &Adapter{
		subs: make(map[string]map[string]struct{}),
	}
}

// Publish reports how many clientIDs are subscribed to topic. It
// delivers nothing itself and never invokes a remote-delivery
// callback: this adapter has no remote instances, and the actual
// per-connection send happens in the pubsub plugin via GetSubscribers,
// so Publish's only job here is to report an exact count.
func (a *Adapter) Publish(_ context.Context, topic string, _ envelope.Envelope, _ brokeradapter.PublishOptions) (brokeradapter.PublishResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return brokeradapter.PublishResult{
		OK:         true,
		Capability: brokeradapter.CapabilityExact,
		Matched:    len(a.subs[topic]),
	}, nil
}

// Subscribe records clientID's interest in topic. Idempotent.
func (a *Adapter) Subscribe(_ context.Context, clientID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subs[topic] == nil {
		a.subs[topic] = make(map[string]struct{})
	}
	a.subs[topic][clientID] = struct{}{}
	return nil
}

// Unsubscribe removes clientID's interest in topic. Idempotent.
func (a *Adapter) Unsubscribe(_ context.Context, clientID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.subs[topic]
	if !ok {
		return nil
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(a.subs, topic)
	}
	return nil
}

// Replace atomically sets clientID's subscriptions to exactly
// topicsList, used on connection teardown with a nil/empty list.
func (a *Adapter) Replace(_ context.Context, clientID string, topicsList []string) (brokeradapter.ReplaceResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	want := make(map[string]struct{}, len(topicsList))
	for _, t := range topicsList {
		want[t] = struct{}{}
	}

	var removed, added []string
	for topic, set := range a.subs {
		if _, ok := set[clientID]; !ok {
			continue
		}
		if _, keep := want[topic]; !keep {
			delete(set, clientID)
			if len(set) == 0 {
				delete(a.subs, topic)
			}
			removed = append(removed, topic)
		}
	}
	for topic := range want {
		if a.subs[topic] == nil {
			a.subs[topic] = make(map[string]struct{})
		}
		if _, already := a.subs[topic][clientID]; !already {
			a.subs[topic][clientID] = struct{}{}
			added = append(added, topic)
		}
	}

	return brokeradapter.ReplaceResult{Added: added, Removed: removed, Total: len(topicsList)}, nil
}

// GetSubscribers returns the clientIDs subscribed to topic.
func (a *Adapter) GetSubscribers(_ context.Context, topic string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set := a.subs[topic]
	out := make([]string, 0, len(set))
	for clientID := range set {
		out = append(out, clientID)
	}
	return out, nil
}

// Start is a no-op for the local adapter: there is no remote broker to
// connect to, so onRemoteDelivery is never invoked and the returned
// stop function does nothing.
func (a *Adapter) Start(_ context.Context, _ brokeradapter.RemoteDeliveryFunc) (brokeradapter.StopFunc, error) {
	return func(context.Context) error { return nil }, nil
}
