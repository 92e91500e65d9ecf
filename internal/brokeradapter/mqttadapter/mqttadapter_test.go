package mqttadapter

import (
	"context"
	"testing"

	"github.com/wskit-go/wskit/internal/brokeradapter"
	"github.com/wskit-go/wskit/internal/envelope"
)

func TestAdapter_PublishBeforeStartErrors(t *testing.T) {
	a := New(Config{BrokerURL: "mqtt://localhost:1883", ClientID: "test", TopicPrefix: "wskit"}, nil)

	_, err := a.Publish(context.Background(), "room:1", envelope.Envelope{Type: "chat.message"}, brokeradapter.PublishOptions{})
	if err == nil {
		t.Fatal("Publish() before Start = nil error, want error")
	}
}

func TestAdapter_LocalSubscriberMirror(t *testing.T) {
	a := New(Config{BrokerURL: "mqtt://localhost:1883", ClientID: "test", TopicPrefix: "wskit"}, nil)
	ctx := context.Background()

	if err := a.Subscribe(ctx, "client-1", "room:1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	subs, err := a.GetSubscribers(ctx, "room:1")
	if err != nil {
		t.Fatalf("GetSubscribers: %v", err)
	}
	if len(subs) != 1 || subs[0] != "client-1" {
		t.Fatalf("GetSubscribers() = %v, want [client-1]", subs)
	}

	if err := a.Unsubscribe(ctx, "client-1", "room:1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	subs, _ = a.GetSubscribers(ctx, "room:1")
	if len(subs) != 0 {
		t.Fatalf("GetSubscribers() after Unsubscribe = %v, want empty", subs)
	}
}

func TestAdapter_ReplaceTracksLocalMirror(t *testing.T) {
	a := New(Config{BrokerURL: "mqtt://localhost:1883", ClientID: "test", TopicPrefix: "wskit"}, nil)
	ctx := context.Background()

	if err := a.Subscribe(ctx, "client-1", "a"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	res, err := a.Replace(ctx, "client-1", []string{"b"})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "a" {
		t.Fatalf("Replace removed = %v, want [a]", res.Removed)
	}
	if len(res.Added) != 1 || res.Added[0] != "b" {
		t.Fatalf("Replace added = %v, want [b]", res.Added)
	}
}
