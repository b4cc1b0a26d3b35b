package chain

import (
	"context"

	xerrors "Mech-Chain/internal/errors"
)

// RequestEvent is a single on-chain delivery request observed from the
// marketplace contract. BlockHeight records the block that carried the
// event so callers can apply their own confirmation policy.
type RequestEvent struct {
	RequestID   uint64
	Requester   string
	ToolID      string
	PayloadHash string
	Payment     string
	BlockHeight uint64
}

// RequestSubscription wraps a stream of marketplace request events so
// callers can manage lifecycle without depending on the transport.
type RequestSubscription struct {
	events <-chan RequestEvent
	errs   <-chan error
	cancel func()
}

// NewRequestSubscription constructs a managed subscription wrapper.
func NewRequestSubscription(events <-chan RequestEvent, errs <-chan error, cancel func()) *RequestSubscription {
	return &RequestSubscription{events: events, errs: errs, cancel: cancel}
}

// Events returns the channel that receives marketplace requests.
func (s *RequestSubscription) Events() <-chan RequestEvent {
	return s.events
}

// Err forwards the subscription error channel.
func (s *RequestSubscription) Err() <-chan error {
	if s == nil {
		return nil
	}
	return s.errs
}

// Close terminates the subscription.
func (s *RequestSubscription) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Client defines the interface a chain backend must provide so the
// dispatch layer can observe requests and publish deliveries without
// caring which network it talks to.
type Client interface {
	// SubscribeRequests streams marketplace request events starting at
	// fromHeight. Events may arrive more than once; consumers are
	// expected to deduplicate by request ID.
	SubscribeRequests(ctx context.Context, fromHeight uint64) (*RequestSubscription, error)

	// CurrentHeight reports the latest known block height.
	CurrentHeight(ctx context.Context) (uint64, error)

	// ConfirmationDepth reports how many blocks must build on top of an
	// event before this backend considers it final.
	ConfirmationDepth() uint64

	// SubmitDelivery records the delivery of resultHash for requestID on
	// chain and returns the transaction hash.
	SubmitDelivery(ctx context.Context, requestID uint64, resultHash string) (string, error)

	// Close releases any network connections held by the client.
	Close()
}

// Error codes surfaced by chain backends. Nonce staleness and RPC
// outages are retryable; an underfunded operator account is not.
const (
	CodeNonceStale        xerrors.Code = "CHAIN_NONCE_STALE"
	CodeInsufficientFunds xerrors.Code = "CHAIN_INSUFFICIENT_FUNDS"
)

func init() {
	xerrors.Register(CodeNonceStale, xerrors.Attributes{
		Message:   "transaction nonce is stale",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "operator account has insufficient funds",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
