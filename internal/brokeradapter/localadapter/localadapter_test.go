package localadapter

import (
	"context"
	"testing"

	"github.com/wskit-go/wskit/internal/brokeradapter"
	"github.com/wskit-go/wskit/internal/envelope"
)

func TestAdapter_SubscribePublishExactCount(t *testing.T) {
	a := New()
	ctx := context.Background()

	if err := a.Subscribe(ctx, "client-1", "room:1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := a.Subscribe(ctx, "client-2", "room:1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	res, err := a.Publish(ctx, "room:1", envelope.Envelope{Type: "chat.message"}, brokeradapter.PublishOptions{})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Capability != brokeradapter.CapabilityExact || res.Matched != 2 {
		t.Fatalf("Publish() = %+v, want exact/2", res)
	}
}

func TestAdapter_ReplaceAtomicSwap(t *testing.T) {
	a := New()
	ctx := context.Background()

	if err := a.Subscribe(ctx, "client-1", "a"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := a.Subscribe(ctx, "client-1", "b"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	res, err := a.Replace(ctx, "client-1", []string{"b", "c"})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "a" {
		t.Fatalf("Replace removed = %v, want [a]", res.Removed)
	}
	if len(res.Added) != 1 || res.Added[0] != "c" {
		t.Fatalf("Replace added = %v, want [c]", res.Added)
	}

	subs, _ := a.GetSubscribers(ctx, "a")
	if len(subs) != 0 {
		t.Fatalf("GetSubscribers(a) = %v, want empty after Replace", subs)
	}
}

func TestAdapter_ReplaceTeardownClearsAll(t *testing.T) {
	a := New()
	ctx := context.Background()

	if err := a.Subscribe(ctx, "client-1", "room:1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := a.Replace(ctx, "client-1", nil); err != nil {
		t.Fatalf("Replace teardown: %v", err)
	}

	subs, _ := a.GetSubscribers(ctx, "room:1")
	if len(subs) != 0 {
		t.Fatalf("GetSubscribers after teardown = %v, want empty", subs)
	}
}
