package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/wskit-go/wskit/internal/brokeradapter"
	"github.com/wskit-go/wskit/internal/brokeradapter/localadapter"
	"github.com/wskit-go/wskit/internal/brokeradapter/mqttadapter"
	"github.com/wskit-go/wskit/internal/buildinfo"
	"github.com/wskit-go/wskit/internal/connwatch"
	"github.com/wskit-go/wskit/internal/events"
	"github.com/wskit-go/wskit/internal/pubsub"
	"github.com/wskit-go/wskit/internal/validator"
	"github.com/wskit-go/wskit/internal/validator/jsonschema"
	"github.com/wskit-go/wskit/internal/wsauth"
	"github.com/wskit-go/wskit/internal/wsconfig"
	"github.com/wskit-go/wskit/internal/wsserver"
	"github.com/wskit-go/wskit/internal/wsserver/wshttp"
)

var chatMessageSchema = jsonschema.Schema{
	Type:       "chat.message",
	HasPayload: true,
	PayloadFields: map[string]jsonschema.Field{
		"room": {Kind: jsonschema.KindString, Required: true},
		"text": {Kind: jsonschema.KindString, Required: true},
	},
}

var chatJoinSchema = jsonschema.Schema{
	Type:       "chat.join",
	HasPayload: true,
	PayloadFields: map[string]jsonschema.Field{
		"room": {Kind: jsonschema.KindString, Required: true},
	},
}

// runServe hosts a single-process chat room: clients join a room by
// sending chat.join, broadcast with chat.message, and receive
// chat.message frames from every other member of the room (topic ==
// room name). MQTT_BROKER_URL in the environment switches the broker
// adapter from the in-process localadapter to mqttadapter, letting
// multiple wskitdemo instances share one room.
func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting wskitdemo", "version", versionString())
	cfg := loadConfig(logger, configPath)

	if cfg.LogLevel != "" {
		level, err := wsconfig.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: wsconfig.ReplaceLogLevelNames,
		}))
	}

	bus := events.New()
	go func() {
		for ev := range bus.Subscribe(64) {
			logger.Debug("event", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
		}
	}()

	tokens := wsauth.NewStore(0)
	demoToken, err := tokens.Issue(wsauth.Identity{ClientID: "demo"}, 0)
	if err != nil {
		logger.Error("failed to issue demo token", "error", err)
		os.Exit(1)
	}
	logger.Info("demo auth token issued (query param access_token)", "token", demoToken)

	schemaAdapter := jsonschema.Adapter{}

	broker := newBrokerAdapter(logger)
	pubsubPlugin := pubsub.New(broker, schemaAdapter, cfg.PubSub.MaxTopicsPerConnection, validateRoomName, func(kind, clientID string, err error) {
		logger.Warn("pubsub delivery error", "kind", kind, "clientId", clientID, "error", err)
		bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourcePubSub, Kind: events.KindDeliveryError,
			Data: map[string]any{"client_id": clientID, "error": err.Error()}})
	})
	defer pubsubPlugin.Shutdown(context.Background())

	router := wsserver.New(validator.Adapter(schemaAdapter), wsserver.WithLogger(logger))

	// router.Plugin calls pubsubPlugin.Init itself, wiring the adapter's
	// remote-delivery callback to this router's live connections; Init
	// here would have locked that callback out (Init is a once-only op).
	if err := router.Plugin(pubsub.NewRouterPlugin(pubsubPlugin)); err != nil {
		logger.Error("failed to install pubsub plugin", "error", err)
		os.Exit(1)
	}

	if err := router.On(chatJoinSchema, handleChatJoin); err != nil {
		logger.Error("failed to register chat.join", "error", err)
		os.Exit(1)
	}
	if err := router.On(chatMessageSchema, handleChatMessage); err != nil {
		logger.Error("failed to register chat.message", "error", err)
		os.Exit(1)
	}

	router.OnOpen(func(clientID string) {
		logger.Info("client connected", "clientId", clientID)
		bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceRouter, Kind: events.KindConnOpen,
			Data: map[string]any{"client_id": clientID}})
	})
	router.OnClose(func(clientID string, code int, reason string) {
		logger.Info("client disconnected", "clientId", clientID, "code", code, "reason", reason)
		bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceRouter, Kind: events.KindConnClose,
			Data: map[string]any{"client_id": clientID, "code": code, "reason": reason}})
	})
	router.OnError(func(ev wsserver.ErrorEvent) {
		logger.Warn("router error", "kind", ev.Kind, "error", ev.Err)
		bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceRouter, Kind: events.KindHandlerError,
			Data: map[string]any{"client_id": ev.ClientID, "kind": ev.Kind, "error": ev.Err.Error()}})
	})

	watchMgr := connwatch.NewManager(logger)
	watchMgr.Watch(context.Background(), connwatch.WatcherConfig{
		Name:           "broker",
		Probe:          brokerProbe(broker),
		Bus:            bus,
		EventSource:    events.SourceBroker,
		ReadyEventKind: events.KindBrokerUp,
		DownEventKind:  events.KindBrokerDown,
		OnDown: func(err error) {
			logger.Warn("broker unreachable", "error", err)
		},
		OnReady: func() {
			logger.Info("broker reachable")
		},
	})
	defer watchMgr.Stop()

	host := wshttp.New(router, wshttp.WithLogger(logger))
	mux := http.NewServeMux()
	mux.Handle("/ws", requireQueryToken(tokens, bus, host))
	mux.HandleFunc("/health", healthHandler(watchMgr))

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	go shutdownOn(sigCh, cancel, logger, server)

	logger.Info("listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	<-ctx.Done()
}

func versionString() string { return buildinfo.String() }

// newBrokerAdapter selects mqttadapter when MQTT_BROKER_URL is set,
// otherwise the single-process localadapter.
func newBrokerAdapter(logger *slog.Logger) brokeradapter.Adapter {
	if url := os.Getenv("MQTT_BROKER_URL"); url != "" {
		return mqttadapter.New(mqttadapter.Config{
			BrokerURL:   url,
			ClientID:    "wskitdemo",
			TopicPrefix: "wskitdemo",
			KeepAlive:   30,
		}, logger)
	}
	return localadapter.New()
}

// brokerProbe adapts broker to connwatch.ProbeFunc: mqttadapter reports
// real connection state via Ping, localadapter has no connection to
// lose so it always reports healthy.
func brokerProbe(broker brokeradapter.Adapter) connwatch.ProbeFunc {
	if mq, ok := broker.(*mqttadapter.Adapter); ok {
		return mq.Ping
	}
	return func(context.Context) error { return nil }
}

func healthHandler(mgr *connwatch.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.Status())
	}
}
