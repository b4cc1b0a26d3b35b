package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"Mech-Chain/internal/chain"
	xerrors "Mech-Chain/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type fakeLogSub struct {
	errs chan error
}

func (s *fakeLogSub) Unsubscribe() {}

func (s *fakeLogSub) Err() <-chan error { return s.errs }

type fakeLogSource struct {
	logs []coretypes.Log
}

func (f *fakeLogSource) SubscribeFilterLogs(_ context.Context, _ gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error) {
	go func() {
		for i := range f.logs {
			ch <- f.logs[i]
		}
	}()
	return &fakeLogSub{errs: make(chan error)}, nil
}

func newStreamTestClient(t *testing.T) *Client {
	t.Helper()
	parsedABI, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &Client{
		contractABI:  parsedABI,
		eventID:      parsedABI.Events["MechRequest"].ID,
		marketplace:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		pollInterval: 10 * time.Millisecond,
	}
}

func TestStreamLoopForwardsDecodedEvents(t *testing.T) {
	c := newStreamTestClient(t)
	requester := common.HexToAddress("0x00000000000000000000000000000000000000fe")

	var payloadHash [32]byte
	copy(payloadHash[:], []byte("payload"))
	data, err := c.contractABI.Events["MechRequest"].Inputs.NonIndexed().Pack(
		"echo", payloadHash, big.NewInt(1000))
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}
	entry := coretypes.Log{
		Address: c.marketplace,
		Topics: []common.Hash{
			c.eventID,
			common.BigToHash(big.NewInt(77)),
			common.BytesToHash(requester.Bytes()),
		},
		Data:        data,
		BlockNumber: 123,
	}

	events := make(chan chain.RequestEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.streamLoop(ctx, &fakeLogSource{logs: []coretypes.Log{entry}}, events)
	}()

	select {
	case event := <-events:
		if event.RequestID != 77 || event.Requester != requester.Hex() {
			t.Fatalf("unexpected identity fields: %+v", event)
		}
		if event.ToolID != "echo" || event.Payment != "1000" || event.BlockHeight != 123 {
			t.Fatalf("unexpected event payload: %+v", event)
		}
		if event.PayloadHash != common.BytesToHash(payloadHash[:]).Hex() {
			t.Fatalf("unexpected payload hash %q", event.PayloadHash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event arrived over the live stream")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream loop did not stop on cancel")
	}
}

func TestClassifySubmitErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want xerrors.Code
	}{
		{"nonce too low", "nonce too low", chain.CodeNonceStale},
		{"nonce too high", "Nonce too HIGH: expected 5 got 9", chain.CodeNonceStale},
		{"replacement underpriced", "replacement transaction underpriced", chain.CodeNonceStale},
		{"insufficient funds", "insufficient funds for gas * price + value", chain.CodeInsufficientFunds},
		{"plain rpc failure", "connection refused", xerrors.CodeRPCUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{}
			got := c.classifySubmitError(errors.New(tc.msg))
			if code := xerrors.CodeOf(got); code != tc.want {
				t.Fatalf("expected code %s, got %s (%v)", tc.want, code, got)
			}
		})
	}
}

func TestClassifySubmitErrorAlwaysResetsNonce(t *testing.T) {
	// Whatever code a failed submission maps to, the claimed nonce can
	// no longer be trusted and the next attempt must re-seed from the
	// node's pending pool.
	msgs := []string{
		"nonce too low",
		"insufficient funds for gas * price + value",
		"connection refused",
	}
	for _, msg := range msgs {
		c := &Client{nonceInit: true, nextNonce: 7}
		_ = c.classifySubmitError(errors.New(msg))
		c.mu.Lock()
		init := c.nonceInit
		c.mu.Unlock()
		if init {
			t.Fatalf("%q: nonce counter still seeded after failed submit", msg)
		}
	}
}

func TestResetNonce(t *testing.T) {
	c := &Client{nonceInit: true, nextNonce: 42}
	c.resetNonce()
	if c.nonceInit {
		t.Fatal("expected nonce counter to require re-seeding")
	}
}
