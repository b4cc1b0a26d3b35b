package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"Mech-Chain/internal/mech"
	"Mech-Chain/internal/registry"
)

func TestExecuteSuccess(t *testing.T) {
	eng := New(time.Second)
	capability := registry.Capability{
		ID: "echo",
		Run: func(_ context.Context, payload mech.ResolvedPayload) ([]byte, error) {
			return payload.Raw, nil
		},
	}

	result, err := eng.Execute(context.Background(), capability, mech.ResolvedPayload{
		ToolID: "echo",
		Raw:    []byte(`{"value":42}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != mech.ResultSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if string(result.Output) != `{"value":42}` {
		t.Fatalf("unexpected output: %s", result.Output)
	}
}

func TestExecuteTimeoutProducesFailedResult(t *testing.T) {
	eng := New(time.Second)
	capability := registry.Capability{
		ID:               "slow",
		MaxExecutionTime: 20 * time.Millisecond,
		Run: func(ctx context.Context, _ mech.ResolvedPayload) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return []byte("too late"), nil
			}
		},
	}

	result, err := eng.Execute(context.Background(), capability, mech.ResolvedPayload{ToolID: "slow"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != mech.ResultFailed {
		t.Fatalf("expected failed result, got %s", result.Status)
	}
	if result.ErrorKind != string(CodeExecutionTimeout) {
		t.Fatalf("expected timeout kind, got %q", result.ErrorKind)
	}
	if len(result.Output) != 0 {
		t.Fatalf("timeout must not carry output, got %q", result.Output)
	}
}

func TestExecuteToolErrorProducesFailedResult(t *testing.T) {
	eng := New(time.Second)
	capability := registry.Capability{
		ID: "broken",
		Run: func(_ context.Context, _ mech.ResolvedPayload) ([]byte, error) {
			return nil, errors.New("backend unreachable")
		},
	}

	result, err := eng.Execute(context.Background(), capability, mech.ResolvedPayload{ToolID: "broken"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != mech.ResultFailed {
		t.Fatalf("expected failed result, got %s", result.Status)
	}
	if result.ErrorKind != string(CodeToolFailure) {
		t.Fatalf("expected tool failure kind, got %q", result.ErrorKind)
	}
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	eng := New(time.Second)
	capability := registry.Capability{
		ID: "panicky",
		Run: func(_ context.Context, _ mech.ResolvedPayload) ([]byte, error) {
			panic("boom")
		},
	}

	result, err := eng.Execute(context.Background(), capability, mech.ResolvedPayload{ToolID: "panicky"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != mech.ResultFailed {
		t.Fatalf("expected failed result, got %s", result.Status)
	}
	if result.ErrorKind != string(CodeToolFailure) {
		t.Fatalf("expected tool failure kind, got %q", result.ErrorKind)
	}
}

func TestExecuteCallerCancellation(t *testing.T) {
	eng := New(time.Second)
	capability := registry.Capability{
		ID:               "waiting",
		MaxExecutionTime: 5 * time.Second,
		Run: func(ctx context.Context, _ mech.ResolvedPayload) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := eng.Execute(ctx, capability, mech.ResolvedPayload{ToolID: "waiting"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
