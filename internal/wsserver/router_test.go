package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/wskit-go/wskit/internal/validator"
	"github.com/wskit-go/wskit/internal/validator/jsonschema"
)

var errBoom = errors.New("boom")

type fakeConn struct {
	sent [][]byte
}

func (c *fakeConn) Send(raw []byte) error {
	c.sent = append(c.sent, raw)
	return nil
}

func mustSchema(t *testing.T, s jsonschema.Schema) jsonschema.Schema {
	t.Helper()
	out, err := jsonschema.NewSchema(s)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return out
}

func TestRouter_DispatchesEventHandler(t *testing.T) {
	adapter := jsonschema.Adapter{}
	r := New(validator.Adapter(adapter))

	pingSchema := mustSchema(t, jsonschema.Schema{Type: "ping", HasPayload: false})

	var handled string
	if err := r.On(pingSchema, func(ctx *Context) error {
		handled = ctx.ClientID
		return nil
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	conn := &fakeConn{}
	clientID := r.HandleOpen(conn)
	r.HandleMessage(context.Background(), clientID, []byte(`{"type":"ping","meta":{}}`))

	if handled != clientID {
		t.Fatalf("handler saw ClientID %q, want %q", handled, clientID)
	}
}

func TestRouter_UnknownTypeRoutesToOnError(t *testing.T) {
	adapter := jsonschema.Adapter{}
	r := New(validator.Adapter(adapter))

	var kinds []ErrorKind
	r.OnError(func(ev ErrorEvent) { kinds = append(kinds, ev.Kind) })

	conn := &fakeConn{}
	clientID := r.HandleOpen(conn)
	r.HandleMessage(context.Background(), clientID, []byte(`{"type":"nope","meta":{}}`))

	if len(kinds) != 1 || kinds[0] != ErrorKindUnknown {
		t.Fatalf("kinds = %v, want [unknown]", kinds)
	}
}

func TestRouter_MalformedJSONRoutesToOnError(t *testing.T) {
	adapter := jsonschema.Adapter{}
	r := New(validator.Adapter(adapter))

	var kinds []ErrorKind
	r.OnError(func(ev ErrorEvent) { kinds = append(kinds, ev.Kind) })

	conn := &fakeConn{}
	clientID := r.HandleOpen(conn)
	r.HandleMessage(context.Background(), clientID, []byte(`not json`))

	if len(kinds) != 1 || kinds[0] != ErrorKindParse {
		t.Fatalf("kinds = %v, want [parse]", kinds)
	}
}

func TestRouter_MiddlewareOrderingGlobalThenPerSchema(t *testing.T) {
	adapter := jsonschema.Adapter{}
	r := New(validator.Adapter(adapter))

	pingSchema := mustSchema(t, jsonschema.Schema{Type: "ping"})

	var order []string
	r.Use(func(ctx *Context, next NextFunc) error {
		order = append(order, "global")
		return next()
	})
	if err := r.On(pingSchema, func(ctx *Context) error {
		order = append(order, "handler")
		return nil
	}); err != nil {
		t.Fatalf("On: %v", err)
	}
	if err := r.UseSchema(pingSchema, func(ctx *Context, next NextFunc) error {
		order = append(order, "schema")
		return next()
	}); err != nil {
		t.Fatalf("UseSchema: %v", err)
	}

	conn := &fakeConn{}
	clientID := r.HandleOpen(conn)
	r.HandleMessage(context.Background(), clientID, []byte(`{"type":"ping","meta":{}}`))

	want := []string{"global", "schema", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRouter_HandlerErrorEmitsRPCError(t *testing.T) {
	adapter := jsonschema.Adapter{}
	r := New(validator.Adapter(adapter))

	reqSchema := mustSchema(t, jsonschema.Schema{Type: "do-thing"})
	if err := r.RPC(reqSchema, "do-thing-reply", func(ctx *Context) error {
		return errBoom
	}); err != nil {
		t.Fatalf("RPC: %v", err)
	}

	conn := &fakeConn{}
	clientID := r.HandleOpen(conn)
	r.HandleMessage(context.Background(), clientID, []byte(`{"type":"do-thing","meta":{"correlationId":"abc"}}`))

	if len(conn.sent) != 1 {
		t.Fatalf("sent %d frames, want 1 RPC_ERROR frame", len(conn.sent))
	}
	var env struct {
		Type string `json:"type"`
		Meta struct {
			CorrelationID string `json:"correlationId"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(conn.sent[0], &env); err != nil {
		t.Fatalf("unmarshal sent frame: %v", err)
	}
	if env.Type != "RPC_ERROR" || env.Meta.CorrelationID != "abc" {
		t.Fatalf("sent frame = %+v, want RPC_ERROR correlated to abc", env)
	}
}

func TestRouter_CloseFiresBeforeConnDropped(t *testing.T) {
	adapter := jsonschema.Adapter{}
	r := New(validator.Adapter(adapter))

	conn := &fakeConn{}
	clientID := r.HandleOpen(conn)

	var sawConn bool
	r.OnClose(func(cid string, _ int, _ string) {
		_, sawConn = r.Conn(cid)
	})
	r.HandleClose(clientID, 1000, "bye")

	if !sawConn {
		t.Fatal("onClose ran after connection was already dropped, want it to run before")
	}
	if _, stillThere := r.Conn(clientID); stillThere {
		t.Fatal("connection still registered after HandleClose returned")
	}
}
