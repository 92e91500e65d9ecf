// Package envelope defines the wire-level message format shared by the
// server router and the client: a strict {type, meta, payload} object,
// the normalization rules that sit at the trust boundary between
// untrusted callers and the routing layer, and the reserved-key set
// that server-managed metadata occupies.
package envelope

import (
	"encoding/json"
	"time"
)

// ReservedClientID is the server-assigned identifier for the connection
// that produced or will receive a message.
const ReservedClientID = "clientId"

// ReservedReceivedAt is the server-set receipt timestamp, epoch milliseconds.
const ReservedReceivedAt = "receivedAt"

// MetaCorrelationID correlates an RPC reply with its request.
const MetaCorrelationID = "correlationId"

// MetaTimestamp is the optional epoch-ms send time a client attaches.
const MetaTimestamp = "timestamp"

// ErrorType is the legacy one-way error frame.
const ErrorType = "ERROR"

// RPCErrorType is the structured gRPC-aligned error reply.
const RPCErrorType = "RPC_ERROR"

// ProgressType is the non-terminal RPC progress frame.
const ProgressType = "$ws:rpc-progress"

// Meta is protocol-level metadata carried alongside a payload. Keys are
// free-form; the reserved keys below are server-managed and must never
// be trusted from client input.
type Meta map[string]any

// Envelope is the uniform wire object exchanged in both directions.
// Payload is raw so the router/client can defer unmarshalling until a
// schema has been resolved.
type Envelope struct {
	Type    string          `json:"type"`
	Meta    Meta            `json:"meta"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReservedMetaKeys returns the set of keys forbidden in user-defined
// meta schemas and stripped from any client-supplied meta.
func ReservedMetaKeys() []string {
	return []string{ReservedClientID, ReservedReceivedAt}
}

// clone returns a shallow copy of m, or a fresh empty map if m is nil.
// Callers never mutate the input map in place; this mirrors the
// clear-then-rebuild discipline used when restoring subscription state
// after a reconnect.
func clone(m Meta) Meta {
	out := make(Meta, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StripReserved returns a copy of meta with every reserved key removed.
func StripReserved(meta Meta) Meta {
	out := clone(meta)
	for _, k := range ReservedMetaKeys() {
		delete(out, k)
	}
	return out
}

// NormalizeInbound implements the server-side trust boundary (spec
// §4.1): strip any reserved keys the client attempted to set, then
// assign the authoritative clientId/receivedAt. Called after JSON
// parsing and before schema validation.
func NormalizeInbound(meta Meta, clientID string, now time.Time) Meta {
	out := StripReserved(meta)
	out[ReservedClientID] = clientID
	out[ReservedReceivedAt] = now.UnixMilli()
	return out
}

// NormalizeOutbound implements the client-side trust boundary (spec
// §4.1): strip reserved keys plus any user-supplied correlationId,
// inject a timestamp if absent, then set correlationId exclusively
// from corrID (never from user-supplied meta).
func NormalizeOutbound(meta Meta, corrID string, now time.Time) Meta {
	out := StripReserved(meta)
	delete(out, MetaCorrelationID)
	if _, ok := out[MetaTimestamp]; !ok {
		out[MetaTimestamp] = now.UnixMilli()
	}
	if corrID != "" {
		out[MetaCorrelationID] = corrID
	}
	return out
}

// CorrelationID returns the correlationId carried in meta, or "" if absent.
func (m Meta) CorrelationID() string {
	v, ok := m[MetaCorrelationID]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ClientID returns the clientId carried in meta, or "" if absent.
func (m Meta) ClientID() string {
	v, ok := m[ReservedClientID]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
