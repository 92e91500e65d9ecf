package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wskit-go/wskit/internal/envelope"
	"github.com/wskit-go/wskit/internal/validator/jsonschema"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// rawEnvelope mirrors envelope.Envelope but keeps Meta as a plain
// map so tests can inspect exactly what reached the wire.
type rawEnvelope struct {
	Type    string         `json:"type"`
	Meta    map[string]any `json:"meta"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newTestClient(t *testing.T, serverURL string, opts Options) *Client {
	t.Helper()
	opts.URL = serverURL
	opts.Adapter = jsonschema.Adapter{}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = 16
	}
	c := New(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func wsURL(t *testing.T, httpURL string) string {
	t.Helper()
	u, err := url.Parse(httpURL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	u.Scheme = "ws"
	return u.String()
}

// TestClient_Send_StripsReservedKeysAndInjectsTimestamp checks that a
// forged clientId/receivedAt in user meta never reaches the wire, and
// that a timestamp is injected.
func TestClient_Send_StripsReservedKeysAndInjectsTimestamp(t *testing.T) {
	received := make(chan rawEnvelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var env rawEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		received <- env
	}))
	defer srv.Close()

	c := newTestClient(t, wsURL(t, srv.URL), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	schema := jsonschema.Schema{Type: "TestMsg", HasPayload: true, PayloadFields: map[string]jsonschema.Field{
		"id": {Kind: jsonschema.KindNumber},
	}}
	sent, err := c.Send(schema, map[string]any{"id": 1}, envelope.Meta{"clientId": "forged", "receivedAt": 0})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !sent {
		t.Fatalf("Send() = false, want true (open connection)")
	}

	select {
	case env := <-received:
		if _, ok := env.Meta["clientId"]; ok {
			t.Fatalf("meta still carries clientId: %+v", env.Meta)
		}
		if _, ok := env.Meta["receivedAt"]; ok {
			t.Fatalf("meta still carries receivedAt: %+v", env.Meta)
		}
		if _, ok := env.Meta["timestamp"]; !ok {
			t.Fatalf("meta missing injected timestamp: %+v", env.Meta)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive the message")
	}
}

// TestClient_Request_WrongReplyTypeRejectsWithValidationError checks
// that a reply whose type doesn't match the expected reply schema
// rejects with a validation error naming the expected type.
func TestClient_Request_WrongReplyTypeRejectsWithValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var env rawEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		corrID, _ := env.Meta["correlationId"].(string)
		reply := rawEnvelope{
			Type:    "WRONG_TYPE",
			Meta:    map[string]any{"correlationId": corrID},
			Payload: json.RawMessage(`{}`),
		}
		_ = conn.WriteJSON(reply)
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, wsURL(t, srv.URL), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	reqSchema := jsonschema.Schema{Type: "GetThing", HasPayload: false}
	replySchema := jsonschema.Schema{Type: "ThingReply", HasPayload: false}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Request(ctx, reqSchema, nil, replySchema, RequestOptions{})
	if err == nil {
		t.Fatal("Request() = nil error, want ValidationError")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("Request() error = %T(%v), want *ValidationError", err, err)
	}
	if !strings.Contains(ve.Error(), "ThingReply") {
		t.Fatalf("ValidationError.Error() = %q, want it to mention expected type ThingReply", ve.Error())
	}
}

// TestClient_Request_ProgressThenTerminalReply is seed scenario 5:
// onProgress fires for each progress frame, then the promise resolves
// with the final reply.
func TestClient_Request_ProgressThenTerminalReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var env rawEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		corrID, _ := env.Meta["correlationId"].(string)

		for _, step := range []int{1, 2} {
			progress := rawEnvelope{
				Type:    envelope.ProgressType,
				Meta:    map[string]any{"correlationId": corrID},
				Payload: json.RawMessage(`{"step":` + strconv.Itoa(step) + `}`),
			}
			_ = conn.WriteJSON(progress)
		}

		final := rawEnvelope{
			Type:    "ThingReply",
			Meta:    map[string]any{"correlationId": corrID},
			Payload: json.RawMessage(`{}`),
		}
		_ = conn.WriteJSON(final)
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, wsURL(t, srv.URL), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	reqSchema := jsonschema.Schema{Type: "GetThing", HasPayload: false}
	replySchema := jsonschema.Schema{Type: "ThingReply", HasPayload: false}

	var progressSteps []int
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Request(ctx, reqSchema, nil, replySchema, RequestOptions{
		OnProgress: func(data json.RawMessage) {
			var p struct {
				Step int `json:"step"`
			}
			_ = json.Unmarshal(data, &p)
			progressSteps = append(progressSteps, p.Step)
		},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(progressSteps) != 2 || progressSteps[0] != 1 || progressSteps[1] != 2 {
		t.Fatalf("progressSteps = %v, want [1 2]", progressSteps)
	}
}

// TestClient_AuthQuery_AttachesTokenOnConnect verifies §4.10's query
// auth mode: the token returned by Token is attached as a query
// parameter when Connect dials.
func TestClient_AuthQuery_AttachesTokenOnConnect(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.Query().Get("access_token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	calls := 0
	c := newTestClient(t, wsURL(t, srv.URL), Options{
		Auth: AuthConfig{Mode: AuthModeQuery, QueryParamName: "access_token"},
		Token: func(context.Context) (string, error) {
			calls++
			return "tok-" + strconv.Itoa(calls), nil
		},
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case token := <-seen:
		if token != "tok-1" {
			t.Fatalf("server saw token %q, want tok-1", token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a connection")
	}
}
