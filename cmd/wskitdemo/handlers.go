package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/wskit-go/wskit/internal/events"
	"github.com/wskit-go/wskit/internal/wsauth"
	"github.com/wskit-go/wskit/internal/wsserver"
)

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func validateRoomName(topic string) error {
	if !roomNamePattern.MatchString(topic) {
		return fmt.Errorf("invalid room name %q", topic)
	}
	return nil
}

type joinPayload struct {
	Room string `json:"room"`
}

type messagePayload struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

func handleChatJoin(ctx *wsserver.Context) error {
	var p joinPayload
	if err := json.Unmarshal(ctx.Payload, &p); err != nil {
		return fmt.Errorf("decode chat.join payload: %w", err)
	}
	return ctx.Topics.Subscribe(ctx.Background, p.Room)
}

func handleChatMessage(ctx *wsserver.Context) error {
	var p messagePayload
	if err := json.Unmarshal(ctx.Payload, &p); err != nil {
		return fmt.Errorf("decode chat.message payload: %w", err)
	}
	if !ctx.Topics.Has(p.Room) {
		return fmt.Errorf("client %s is not a member of room %q", ctx.ClientID, p.Room)
	}
	return ctx.Publish(ctx.Background, p.Room, chatMessageSchema, p, wsserver.PublishCallOptions{ExcludeSelf: true})
}

// requireQueryToken is the handshake-time auth gate: it verifies the
// access_token query parameter against tokens before handing the
// connection to next (spec §4.10's query auth mode, server side).
func requireQueryToken(tokens *wsauth.Store, bus *events.Bus, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if token == "" {
			bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceAuth, Kind: events.KindAuthRejected,
				Data: map[string]any{"reason": "missing access_token"}})
			http.Error(w, "missing access_token", http.StatusUnauthorized)
			return
		}
		if _, err := tokens.Verify(r.Context(), token); err != nil {
			bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceAuth, Kind: events.KindAuthRejected,
				Data: map[string]any{"reason": err.Error()}})
			http.Error(w, "invalid access_token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
