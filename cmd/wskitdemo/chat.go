package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/wskit-go/wskit/internal/envelope"
	"github.com/wskit-go/wskit/internal/validator/jsonschema"
	"github.com/wskit-go/wskit/internal/wsclient"
)

// runChat joins room on the server at url (ws://host:port/ws), prints
// every message it receives, and sends each line of stdin as a
// chat.message. Terminates on EOF or Ctrl-C.
func runChat(logger *slog.Logger, url, room string) {
	token := os.Getenv("WSKITDEMO_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "set WSKITDEMO_TOKEN to the token printed by 'wskitdemo serve'")
		os.Exit(1)
	}

	client := wsclient.New(wsclient.Options{
		URL:     url,
		Adapter: jsonschema.Adapter{},
		Auth: wsclient.AuthConfig{
			Mode:           wsclient.AuthModeQuery,
			QueryParamName: "access_token",
		},
		Token:     func(context.Context) (string, error) { return token, nil },
		Reconnect: true,
		Logger:    logger,
	})

	client.OnError(func(ev wsclient.ErrorEvent) {
		logger.Warn("client error", "kind", ev.Kind, "error", ev.Err)
	})
	client.On(chatMessageSchema, func(msg wsclient.InboundMessage) {
		if p, ok := msg.Payload.(map[string]any); ok {
			fmt.Printf("[%v] %v\n", p["room"], p["text"])
		}
	})

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if _, err := client.Send(chatJoinSchema, map[string]any{"room": room}, envelope.Meta{}); err != nil {
		logger.Error("join failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("joined %q, type to chat, Ctrl-D to quit\n", room)

	for line := range stdinLines() {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := client.Send(chatMessageSchema, map[string]any{"room": room, "text": line}, envelope.Meta{}); err != nil {
			logger.Warn("send failed", "error", err)
		}
	}
}
