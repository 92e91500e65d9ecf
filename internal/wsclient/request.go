package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wskit-go/wskit/internal/envelope"
	"github.com/wskit-go/wskit/internal/validator"
)

// RPCError mirrors the server's structured RPC_ERROR payload.
type RPCError struct {
	Code          string
	Message       string
	Details       any
	Retryable     bool
	RetryAfterMs  int64
	CorrelationID string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wsclient: rpc error %s: %s", e.Code, e.Message)
}

// ServerError mirrors the legacy one-way ERROR frame.
type ServerError struct {
	Message string
	Code    string
	Details any
}

func (e *ServerError) Error() string { return fmt.Sprintf("wsclient: server error: %s", e.Message) }

// ValidationError reports a reply that failed schema validation or
// arrived with an unexpected type.
type ValidationError struct {
	Expected string
	Got      string
	Issues   []validator.Issue
}

func (e *ValidationError) Error() string {
	if e.Got != "" {
		return fmt.Sprintf("wsclient: expected reply type %q, got %q", e.Expected, e.Got)
	}
	return fmt.Sprintf("wsclient: reply validation failed: %v", e.Issues)
}

// TimeoutError reports a request that exceeded its deadline.
type TimeoutError struct{ CorrelationID string }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wsclient: request %s timed out", e.CorrelationID)
}

// ConnectionClosedError reports a request abandoned by a client close.
type ConnectionClosedError struct{}

func (e *ConnectionClosedError) Error() string { return "wsclient: connection closed" }

// StateError reports an operation rejected because of the client's
// current state (pending-limit exhausted, queue off and disconnected,
// close() called while closing).
type StateError struct{ Reason string }

func (e *StateError) Error() string { return "wsclient: " + e.Reason }

type pendingRequest struct {
	correlationID     string
	expectedReplyType string
	replySchema       any
	resultCh          chan requestResult
	timer             *time.Timer
	onProgress        func(data []byte)
	settled           bool

	// timeoutDur and timerStarted let the timer be armed once the
	// message actually reaches the transport, not when it is merely
	// enqueued: a message queued across a long reconnect must not be
	// charged wall-clock time while it waits.
	timeoutDur   time.Duration
	timerStarted bool
}

type requestResult struct {
	value any
	err   error
}

// requestTracker owns the correlationId -> pending map and the
// reply dispatch algorithm for outstanding requests.
type requestTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	limit   int
}

func newRequestTracker(limit int) *requestTracker {
	return &requestTracker{pending: make(map[string]*pendingRequest), limit: limit}
}

// Register adds a new pending entry, rejecting if the pending-limit is
// reached (the back-pressure surface against unbounded in-flight
// requests). timeout is remembered but the timer does not start until
// Arm is called, so a request queued across a reconnect is not
// charged wall-clock time while it waits.
func (t *requestTracker) Register(correlationID, expectedReplyType string, replySchema any, timeout time.Duration, onProgress func([]byte)) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) >= t.limit {
		return nil, &StateError{Reason: "pending-request limit reached"}
	}

	pr := &pendingRequest{
		correlationID:     correlationID,
		expectedReplyType: expectedReplyType,
		replySchema:       replySchema,
		resultCh:          make(chan requestResult, 1),
		onProgress:        onProgress,
		timeoutDur:        timeout,
	}
	t.pending[correlationID] = pr
	return pr, nil
}

// Arm starts pr's timeout timer if it has not already started. Called
// after transmit, not after enqueue.
func (t *requestTracker) Arm(pr *pendingRequest) {
	t.mu.Lock()
	if pr.timerStarted {
		t.mu.Unlock()
		return
	}
	pr.timerStarted = true
	t.mu.Unlock()

	pr.timer = time.AfterFunc(pr.timeoutDur, func() {
		t.settle(pr.correlationID, requestResult{err: &TimeoutError{CorrelationID: pr.correlationID}})
	})
}

// ArmIfPending starts the timeout timer for correlationID if it is
// still pending and not yet armed; used by the queue flush path, which
// only knows a raw frame's correlationID, not its *pendingRequest.
func (t *requestTracker) ArmIfPending(correlationID string) {
	t.mu.Lock()
	pr, ok := t.pending[correlationID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.Arm(pr)
}

// Cancel removes a pending entry (on abort signal) and clears its
// timer without settling through the normal channel (the caller
// settles directly via the returned bool).
func (t *requestTracker) Cancel(correlationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.pending[correlationID]
	if !ok {
		return false
	}
	delete(t.pending, correlationID)
	if pr.timer != nil {
		pr.timer.Stop()
	}
	return true
}

// HandleReply implements the four-way dispatch: progress / RPC_ERROR /
// legacy ERROR / matching reply / mismatched reply. Returns true if
// correlationID matched a pending request (whether or not it
// settled).
func (t *requestTracker) HandleReply(adapter validator.Adapter, env envelope.Envelope) bool {
	correlationID := env.Meta.CorrelationID()
	if correlationID == "" {
		return false
	}

	t.mu.Lock()
	pr, ok := t.pending[correlationID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	switch env.Type {
	case envelope.ProgressType:
		if pr.onProgress != nil {
			pr.onProgress(env.Payload)
		}
		return true

	case envelope.RPCErrorType:
		var rpcErr struct {
			Code         string `json:"code"`
			Message      string `json:"message"`
			Details      any    `json:"details"`
			Retryable    bool   `json:"retryable"`
			RetryAfterMs int64  `json:"retryAfterMs"`
		}
		_ = json.Unmarshal(env.Payload, &rpcErr)
		t.settle(correlationID, requestResult{err: &RPCError{
			Code: rpcErr.Code, Message: rpcErr.Message, Details: rpcErr.Details,
			Retryable: rpcErr.Retryable, RetryAfterMs: rpcErr.RetryAfterMs, CorrelationID: correlationID,
		}})
		return true

	case envelope.ErrorType:
		var serverErr struct {
			Message string `json:"message"`
			Code    string `json:"code"`
			Details any    `json:"details"`
		}
		_ = json.Unmarshal(env.Payload, &serverErr)
		t.settle(correlationID, requestResult{err: &ServerError{Message: serverErr.Message, Code: serverErr.Code, Details: serverErr.Details}})
		return true

	case pr.expectedReplyType:
		res, err := adapter.SafeParse(pr.replySchema, env.Payload)
		if err != nil || !res.OK {
			t.settle(correlationID, requestResult{err: &ValidationError{Expected: pr.expectedReplyType, Issues: res.Issues}})
			return true
		}
		t.settle(correlationID, requestResult{value: res.Value})
		return true

	default:
		t.settle(correlationID, requestResult{err: &ValidationError{Expected: pr.expectedReplyType, Got: env.Type}})
		return true
	}
}

func (t *requestTracker) settle(correlationID string, res requestResult) {
	t.mu.Lock()
	pr, ok := t.pending[correlationID]
	if !ok || pr.settled {
		t.mu.Unlock()
		return
	}
	pr.settled = true
	delete(t.pending, correlationID)
	t.mu.Unlock()

	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.resultCh <- res
}

// CloseAll rejects every pending request with ConnectionClosedError,
// clearing timers (spec: "on client close, all pending requests are
// rejected").
func (t *requestTracker) CloseAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, pr := range pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		if !pr.settled {
			pr.settled = true
			pr.resultCh <- requestResult{err: &ConnectionClosedError{}}
		}
	}
}

// Wait blocks until pr settles or ctx is done.
func (pr *pendingRequest) Wait(ctx context.Context) (any, error) {
	select {
	case res := <-pr.resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
