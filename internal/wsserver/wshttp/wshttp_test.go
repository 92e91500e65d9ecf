package wshttp

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wskit-go/wskit/internal/envelope"
	"github.com/wskit-go/wskit/internal/validator"
	"github.com/wskit-go/wskit/internal/validator/jsonschema"
	"github.com/wskit-go/wskit/internal/wsserver"
)

func TestHost_EchoesRegisteredEvent(t *testing.T) {
	schema, err := jsonschema.NewSchema(jsonschema.Schema{Type: "ping"})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	router := wsserver.New(validator.Adapter(jsonschema.Adapter{}))
	if err := router.On(schema, func(ctx *wsserver.Context) error {
		return ctx.Send(envelope.Envelope{Type: "pong"})
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	host := New(router)
	server := httptest.NewServer(host)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","meta":{}}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(msg), `"type":"pong"`) {
		t.Fatalf("reply = %s, want a pong envelope", msg)
	}
}
