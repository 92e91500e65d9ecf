package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wskit-go/wskit/internal/envelope"
	"github.com/wskit-go/wskit/internal/wsserver"
)

// RouterPlugin adapts a Plugin to wsserver.Plugin: it installs the
// ctx.Publish/ctx.Topics context hook, creates a per-connection topic
// set on open, and releases it on close by calling the adapter's
// replace(clientId, []) to drop every subscription at once.
type RouterPlugin struct {
	plugin *Plugin
}

// NewRouterPlugin wraps plugin for installation via router.Plugin.
func NewRouterPlugin(plugin *Plugin) *RouterPlugin {
	return &RouterPlugin{plugin: plugin}
}

// Name implements wsserver.Plugin.
func (*RouterPlugin) Name() string { return "pubsub" }

// Install implements wsserver.Plugin: starts the adapter, wires the
// remote-delivery callback back into the router's live connections,
// and registers lifecycle hooks.
func (rp *RouterPlugin) Install(r *wsserver.Router) error {
	send := func(ctx context.Context, clientID string, env envelope.Envelope) error {
		conn, ok := r.Conn(clientID)
		if !ok {
			return nil
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("pubsub: marshal outbound envelope: %w", err)
		}
		return conn.Send(raw)
	}

	if err := rp.plugin.Init(context.Background(), func(ctx context.Context, topic string, env envelope.Envelope) {
		rp.plugin.DeliverRemote(ctx, topic, env, send)
	}); err != nil {
		return err
	}

	r.OnOpen(func(clientID string) {
		extra := r.Extra(clientID)
		if extra != nil {
			extra["topics"] = rp.plugin.NewConnTopics(clientID)
		}
	})

	r.OnClose(func(clientID string, _ int, _ string) {
		_, _ = rp.plugin.adapter.Replace(context.Background(), clientID, nil)
	})

	r.AddContextHook(func(ctx *wsserver.Context) {
		extra := r.Extra(ctx.ClientID)
		if extra == nil {
			return
		}
		if ts, ok := extra["topics"].(wsserver.TopicsHandle); ok {
			ctx.Topics = ts
		}
		ctx.Publish = func(pubCtx context.Context, topic string, schema any, payload any, opts wsserver.PublishCallOptions) error {
			_, err := rp.plugin.Publish(pubCtx, topic, schema, payload, PublishOptions{
				ExcludeSelf:  opts.ExcludeSelf,
				PartitionKey: opts.PartitionKey,
			}, ctx.ClientID, send)
			return err
		}
	})

	return nil
}
