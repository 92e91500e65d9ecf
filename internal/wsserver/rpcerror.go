package wsserver

import (
	"encoding/json"

	"github.com/wskit-go/wskit/internal/envelope"
)

// Code is the gRPC-aligned RPC error taxonomy.
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeAborted            Code = "ABORTED"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeUnimplemented      Code = "UNIMPLEMENTED"
	CodeInternal           Code = "INTERNAL"
	CodeCancelled          Code = "CANCELLED"
)

// RPCError is the structured error payload sent as an RPC_ERROR frame.
type RPCError struct {
	Code         Code   `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func (r *Router) sendRPCError(conn Conn, correlationID string, rpcErr RPCError) {
	payload, err := json.Marshal(rpcErr)
	if err != nil {
		r.logger.Error("wsserver: marshal RPCError", "error", err)
		return
	}
	meta := envelope.Meta{envelope.MetaCorrelationID: correlationID}
	env := envelope.Envelope{Type: envelope.RPCErrorType, Meta: meta, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("wsserver: marshal RPC_ERROR envelope", "error", err)
		return
	}
	if err := conn.Send(raw); err != nil {
		r.emitError(ErrorEvent{Kind: ErrorKindDelivery, Err: err})
	}
}

// ReplyError sends an RPC_ERROR frame correlated with the current
// request. A no-op if this context did not originate from an RPC
// schema handler invocation with a correlationId.
func (ctx *Context) ReplyError(rpcErr RPCError) {
	if ctx.CorrelationID == "" {
		return
	}
	ctx.router.sendRPCError(ctx.conn, ctx.CorrelationID, rpcErr)
}
