// Package mqttadapter is a brokeradapter.Adapter backed by
// github.com/eclipse/paho.golang/autopaho. Capability is always
// Unknown: MQTT brokers never report how many subscribers received a
// publish, so a caller cannot get an exact or even approximate count
// out of this adapter.
package mqttadapter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/wskit-go/wskit/internal/brokeradapter"
	"github.com/wskit-go/wskit/internal/envelope"
)

// Config configures the broker connection.
type Config struct {
	// BrokerURL is the MQTT broker to dial, e.g. "mqtts://broker:8883".
	BrokerURL string
	// ClientID is the MQTT client identifier. Must be unique per
	// broker connection.
	ClientID string
	Username string
	Password string
	// KeepAlive is the MQTT keep-alive interval in seconds.
	KeepAlive uint16
	// TopicPrefix is prepended to every application topic to form the
	// MQTT topic string, keeping this instance's traffic namespaced
	// from other users of the same broker.
	TopicPrefix string
}

// Adapter bridges the router's pub/sub plugin to a shared MQTT broker.
// Local subscriber bookkeeping (which connected clients care about
// which topic) is tracked the same way localadapter does; only the
// fan-out across instances goes over MQTT.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	cm   *autopaho.ConnectionManager
	subs map[string]map[string]struct{} // topic -> clientID set, local only

	onRemoteDelivery brokeradapter.RemoteDeliveryFunc
}

// New constructs an Adapter. Start must be called before Publish is
// useful; Subscribe/Unsubscribe/Replace/GetSubscribers work against
// the local mirror regardless of connection state.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]map[string]struct{}),
	}
}

// Start connects to the broker and subscribes to the wildcard under
// TopicPrefix so that publishes from any instance (including this one,
// filtered out by the pub/sub plugin's excludeClientId logic) reach
// onRemoteDelivery. Mirrors the teacher publisher's
// ClientConfig/OnConnectionUp/AwaitConnection shape.
func (a *Adapter) Start(ctx context.Context, onRemoteDelivery brokeradapter.RemoteDeliveryFunc) (brokeradapter.StopFunc, error) {
	a.mu.Lock()
	a.onRemoteDelivery = onRemoteDelivery
	a.mu.Unlock()

	brokerURL, err := url.Parse(a.cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqttadapter: parse broker url: %w", err)
	}

	wildcard := a.cfg.TopicPrefix + "/#"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       a.cfg.KeepAlive,
		ConnectUsername: a.cfg.Username,
		ConnectPassword: []byte(a.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqttadapter: connected to broker", "broker", a.cfg.BrokerURL)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: wildcard, QoS: 0}},
			}); err != nil {
				a.logger.Warn("mqttadapter: resubscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			a.logger.Warn("mqttadapter: connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: a.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqttadapter: connect: %w", err)
	}

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		a.handleRemoteMessage(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		a.logger.Warn("mqttadapter: initial connection timed out, retrying in background", "error", err)
	}

	a.mu.Lock()
	a.cm = cm
	a.mu.Unlock()

	stop := func(stopCtx context.Context) error {
		a.mu.Lock()
		a.cm = nil
		a.mu.Unlock()
		return cm.Disconnect(stopCtx)
	}
	return stop, nil
}

// Ping reports whether the broker connection is currently up, for use
// as a connwatch.ProbeFunc.
func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	cm := a.cm
	a.mu.RUnlock()
	if cm == nil {
		return fmt.Errorf("mqttadapter: not connected")
	}
	return cm.AwaitConnection(ctx)
}

// handleRemoteMessage decodes an inbound broker message and routes it
// to onRemoteDelivery, isolating a panicking decode/callback the same
// way the teacher publisher isolates its message handler.
func (a *Adapter) handleRemoteMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("mqttadapter: remote delivery handler panicked", "topic", topic, "panic", r)
		}
	}()

	var env envelope.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		a.logger.Warn("mqttadapter: dropping undecodable message", "topic", topic, "error", err)
		return
	}

	a.mu.RLock()
	deliver := a.onRemoteDelivery
	a.mu.RUnlock()
	if deliver != nil {
		deliver(context.Background(), topic, env)
	}
}

// Publish sends env to the broker topic. Capability is always Unknown
// since MQTT never reports subscriber counts back to the publisher.
func (a *Adapter) Publish(ctx context.Context, topic string, env envelope.Envelope, _ brokeradapter.PublishOptions) (brokeradapter.PublishResult, error) {
	a.mu.RLock()
	cm := a.cm
	a.mu.RUnlock()
	if cm == nil {
		return brokeradapter.PublishResult{}, fmt.Errorf("mqttadapter: not started")
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return brokeradapter.PublishResult{}, fmt.Errorf("mqttadapter: marshal envelope: %w", err)
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   a.cfg.TopicPrefix + "/" + topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return brokeradapter.PublishResult{}, fmt.Errorf("mqttadapter: publish: %w", err)
	}

	return brokeradapter.PublishResult{OK: true, Capability: brokeradapter.CapabilityUnknown}, nil
}

// Subscribe, Unsubscribe, Replace, and GetSubscribers track only the
// local mirror of which connected clients (on this instance) want
// which topic; the MQTT wildcard subscription established in Start
// already receives every message regardless of local interest.

func (a *Adapter) Subscribe(_ context.Context, clientID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subs[topic] == nil {
		a.subs[topic] = make(map[string]struct{})
	}
	a.subs[topic][clientID] = struct{}{}
	return nil
}

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
