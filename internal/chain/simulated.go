package chain

import (
	"context"
	"fmt"
	"sync"
)

// Simulator is an in-process chain.Client used by tests and by local
// deployments that run without a real node. Height advances only when
// the caller asks it to, which makes confirmation-depth behavior easy
// to drive deterministically.
type Simulator struct {
	mu      sync.Mutex
	height  uint64
	pending []RequestEvent
	subs    []chan RequestEvent

	deliveries map[uint64]string
	txSeq      uint64

	// SubmitErr, when set, is returned by the next SubmitDelivery call
	// and then cleared. Tests use it to exercise publish retries.
	SubmitErr error

	// ConfirmDepth is the depth reported by ConfirmationDepth. Zero
	// means events are final as soon as they are emitted.
	ConfirmDepth uint64
}

// NewSimulator creates an empty simulated chain at the given height.
func NewSimulator(height uint64) *Simulator {
	return &Simulator{
		height:     height,
		deliveries: make(map[uint64]string),
	}
}

// EmitRequest records a request event at the current height and fans it
// out to every open subscription.
func (s *Simulator) EmitRequest(event RequestEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.BlockHeight == 0 {
		event.BlockHeight = s.height
	}
	s.pending = append(s.pending, event)
	for _, ch := range s.subs {
		ch <- event
	}
}

// AdvanceHeight moves the chain head forward by delta blocks.
func (s *Simulator) AdvanceHeight(delta uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += delta
}

// DeliveredHash returns the result hash submitted for a request, if any.
func (s *Simulator) DeliveredHash(requestID uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.deliveries[requestID]
	return hash, ok
}

// DeliveryCount reports how many deliveries have been accepted.
func (s *Simulator) DeliveryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}

// SubscribeRequests replays events already emitted at or above
// fromHeight and then streams live ones.
func (s *Simulator) SubscribeRequests(ctx context.Context, fromHeight uint64) (*RequestSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make(chan RequestEvent, 256)
	errs := make(chan error, 1)
	for _, event := range s.pending {
		if event.BlockHeight >= fromHeight {
			events <- event
		}
	}
	s.subs = append(s.subs, events)

	return NewRequestSubscription(events, errs, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, ch := range s.subs {
			if ch == events {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
	}), nil
}

// ConfirmationDepth reports the configured simulated finality depth.
func (s *Simulator) ConfirmationDepth() uint64 {
	return s.ConfirmDepth
}

// CurrentHeight reports the simulated chain head.
func (s *Simulator) CurrentHeight(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

// SubmitDelivery records the delivery and mints a deterministic
// transaction hash.
func (s *Simulator) SubmitDelivery(ctx context.Context, requestID uint64, resultHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SubmitErr != nil {
		err := s.SubmitErr
		s.SubmitErr = nil
		return "", err
	}

	s.deliveries[requestID] = resultHash
	s.txSeq++
	return fmt.Sprintf("0xsim%016x", s.txSeq), nil
}

// Close tears down all open subscriptions.
func (s *Simulator) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}

var _ Client = (*Simulator)(nil)
