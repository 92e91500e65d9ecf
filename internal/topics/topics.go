// Package topics implements the per-connection optimistic topic set: a
// local mirror of what a broker adapter has confirmed a connection is
// subscribed to, kept consistent with the adapter via a
// precheck-then-compensate batch algorithm (see Set.SubscribeMany).
package topics

import (
	"context"
	"errors"
	"fmt"
)

// Validator checks a topic string's format and is supplied by the
// caller (the router wires in whatever the application considers a
// valid topic name).
type Validator func(topic string) error

// ErrAborted is returned when ctx is already done before an operation
// begins.
var ErrAborted = errors.New("topics: operation aborted")

// ErrCapacity is returned when a batch would exceed maxTopics.
var ErrCapacity = errors.New("topics: capacity exceeded")

// Adapter is the subset of brokeradapter.Adapter the topic set needs,
// declared locally to avoid an import cycle between topics and
// brokeradapter (brokeradapter does not depend on topics).
type Adapter interface {
	Subscribe(ctx context.Context, clientID, topic string) error
	Unsubscribe(ctx context.Context, clientID, topic string) error
}

// MutationError wraps a failed batch mutation with rollback telemetry:
// the original error is preserved and re-thrown, only telemetry is
// enriched.
type MutationError struct {
	Err                  error
	RollbackFailed       bool
	FailedRollbackTopics []string
}

func (e *MutationError) Error() string {
	if e.RollbackFailed {
		return fmt.Sprintf("%v (rollback failed for %v)", e.Err, e.FailedRollbackTopics)
	}
	return e.Err.Error()
}

func (e *MutationError) Unwrap() error { return e.Err }

// Set is a per-connection topic mirror. Not safe for concurrent use
// from multiple goroutines without external synchronization — callers
// serialize all topic-set operations for a connection on the
// connection's own dispatch goroutine, the same way the router
// serializes inbound message handling.
type Set struct {
	clientID  string
	adapter   Adapter
	validate  Validator
	maxTopics int

	order []string
	index map[string]struct{}
}

// NewSet constructs an empty Set for clientID, backed by adapter, with
// topic strings checked by validate and bounded to maxTopics entries.
func NewSet(clientID string, adapter Adapter, validate Validator, maxTopics int) *Set {
	return &Set{
		clientID:  clientID,
		adapter:   adapter,
		validate:  validate,
		maxTopics: maxTopics,
		index:     make(map[string]struct{}),
	}
}

// Has reports whether topic is currently in the local mirror.
func (s *Set) Has(topic string) bool {
	_, ok := s.index[topic]
	return ok
}

// Size returns the number of topics currently in the local mirror.
func (s *Set) Size() int { return len(s.order) }

// Topics returns a copy of the currently subscribed topics in
// subscription order.
func (s *Set) Topics() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Subscribe is a convenience wrapper around SubscribeMany for a single
// topic.
func (s *Set) Subscribe(ctx context.Context, topic string) error {
	return s.SubscribeMany(ctx, []string{topic})
}

// Unsubscribe is a convenience wrapper around UnsubscribeMany for a
// single topic.
func (s *Set) Unsubscribe(ctx context.Context, topic string) error {
	return s.UnsubscribeMany(ctx, []string{topic})
}

// SubscribeMany adds all of topics, failing atomically: on the k-th
// adapter failure, it compensates by unsubscribing the first k-1
// successes, then returns the original error (enriched with rollback
// telemetry if compensation itself failed). Already-present topics are
// soft no-ops, kept idempotent, but cancellation is still checked
// first.
func (s *Set) SubscribeMany(ctx context.Context, topicsList []string) error {
	if err := checkAborted(ctx); err != nil {
		return err
	}

	fresh := make([]string, 0, len(topicsList))
	for _, t := range topicsList {
		if s.Has(t) {
			continue
		}
		fresh = append(fresh, t)
	}

	if err := s.validateBatch(fresh); err != nil {
		return err
	}
	if s.Size()+len(fresh) > s.maxTopics {
		return ErrCapacity
	}
	if len(fresh) == 0 {
		return nil
	}

	succeeded := make([]string, 0, len(fresh))
	var opErr error
	for _, t := range fresh {
		if err := s.adapter.Subscribe(ctx, s.clientID, t); err != nil {
			opErr = err
			break
		}
		succeeded = append(succeeded, t)
	}

	if opErr == nil {
		for _, t := range succeeded {
			s.add(t)
		}
		return nil
	}

	return s.rollback(ctx, opErr, succeeded, s.adapter.Unsubscribe)
}

// UnsubscribeMany is the symmetric counterpart of SubscribeMany: on
// failure it compensates with subscribe calls on the successes so far.
func (s *Set) UnsubscribeMany(ctx context.Context, topicsList []string) error {
	if err := checkAborted(ctx); err != nil {
		return err
	}

	present := make([]string, 0, len(topicsList))
	for _, t := range topicsList {
		if s.Has(t) {
			present = append(present, t)
		}
	}
	if len(present) == 0 {
		return nil
	}

	succeeded := make([]string, 0, len(present))
	var opErr error
	for _, t := range present {
		if err := s.adapter.Unsubscribe(ctx, s.clientID, t); err != nil {
			opErr = err
			break
		}
		succeeded = append(succeeded, t)
	}

	if opErr == nil {
		for _, t := range succeeded {
			s.remove(t)
		}
		return nil
	}

	return s.rollback(ctx, opErr, succeeded, s.adapter.Subscribe)
}

// Replace atomically swaps the local mirror to exactly target:
// removals are applied before additions, so a set already at capacity
// can swap N out for N in. Rollback on failure restores the prior set
// in full (re-add removed, remove added).
func (s *Set) Replace(ctx context.Context, target []string) error {
	if err := checkAborted(ctx); err != nil {
		return err
	}

	want := make(map[string]struct{}, len(target))
	for _, t := range target {
		want[t] = struct{}{}
	}

	var removals, additions []string
	for _, t := range s.order {
		if _, keep := want[t]; !keep {
			removals = append(removals, t)
		}
	}
	for _, t := range target {
		if !s.Has(t) {
			additions = append(additions, t)
		}
	}

	all := append(append([]string{}, removals...), additions...)
	if err := s.validateBatch(additions); err != nil {
		return err
	}
	if len(s.order)-len(removals)+len(additions) > s.maxTopics {
		return ErrCapacity
	}
	_ = all

	removedOK := make([]string, 0, len(removals))
	var opErr error
	for _, t := range removals {
		if err := s.adapter.Unsubscribe(ctx, s.clientID, t); err != nil {
			opErr = err
			break
		}
		removedOK = append(removedOK, t)
	}

	var addedOK []string
	if opErr == nil {
		for _, t := range additions {
			if err := s.adapter.Subscribe(ctx, s.clientID, t); err != nil {
				opErr = err
				break
			}
			addedOK = append(addedOK, t)
		}
	}

	if opErr == nil {
		for _, t := range removedOK {
			s.remove(t)
		}
		for _, t := range addedOK {
			s.add(t)
		}
		return nil
	}

	// Compensate in reverse: undo additions first, then removals.
	var rollbackFailed bool
	var failedTopics []string
	for _, t := range addedOK {
		if err := s.adapter.Unsubscribe(ctx, s.clientID, t); err != nil {
			rollbackFailed = true
			failedTopics = append(failedTopics, t)
		}
	}
	for _, t := range removedOK {
		if err := s.adapter.Subscribe(ctx, s.clientID, t); err != nil {
			rollbackFailed = true
			failedTopics = append(failedTopics, t)
		}
	}

	if rollbackFailed {
		return &MutationError{Err: opErr, RollbackFailed: true, FailedRollbackTopics: failedTopics}
	}
	return &MutationError{Err: opErr}
}

// Clear removes every currently subscribed topic.
func (s *Set) Clear(ctx context.Context) error {
	return s.Replace(ctx, nil)
}

func (s *Set) rollback(ctx context.Context, opErr error, succeeded []string, compensate func(context.Context, string, string) error) error {
	var rollbackFailed bool
	var failedTopics []string
	for i := len(succeeded) - 1; i >= 0; i-- {
		if err := compensate(ctx, s.clientID, succeeded[i]); err != nil {
			rollbackFailed = true
			failedTopics = append(failedTopics, succeeded[i])
		}
	}
	if rollbackFailed {
		return &MutationError{Err: opErr, RollbackFailed: true, FailedRollbackTopics: failedTopics}
	}
	return &MutationError{Err: opErr}
}

func (s *Set) validateBatch(batch []string) error {
	if s.validate == nil {
		return nil
	}
	for _, t := range batch {
		if err := s.validate(t); err != nil {
			return fmt.Errorf("topics: invalid topic %q: %w", t, err)
		}
	}
	return nil
}

func (s *Set) add(topic string) {
	if s.Has(topic) {
		return
	}
	s.index[topic] = struct{}{}
	s.order = append(s.order, topic)
}

func (s *Set) remove(topic string) {
	if !s.Has(topic) {
		return
	}
	delete(s.index, topic)
	for i, t := range s.order {
		if t == topic {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func checkAborted(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrAborted
	default:
		return nil
	}
}
