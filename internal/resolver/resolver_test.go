package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"Mech-Chain/internal/blobstore"
	xerrors "Mech-Chain/internal/errors"
	"Mech-Chain/internal/mech"
	"Mech-Chain/internal/registry"
)

type flakyBlobStore struct {
	inner    *blobstore.MemoryStore
	failures int32
	calls    atomic.Int32
}

func (s *flakyBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	call := s.calls.Add(1)
	if call <= s.failures {
		return nil, blobstore.ErrStoreUnavailable
	}
	return s.inner.Get(ctx, hash)
}

func (s *flakyBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	return s.inner.Put(ctx, data)
}

func echoRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.Register(registry.Capability{
		ID: "echo",
		InputSchema: registry.Schema{
			Fields:   map[string]registry.FieldKind{"value": registry.KindAny},
			Required: []string{"value"},
		},
		MaxExecutionTime: time.Second,
		Run: func(_ context.Context, payload mech.ResolvedPayload) ([]byte, error) {
			return payload.Raw, nil
		},
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
	reg.Freeze()
	return reg
}

func TestResolveSuccess(t *testing.T) {
	reg := echoRegistry(t)
	blobs := blobstore.NewMemoryStore()
	hash, err := blobs.Put(context.Background(), []byte(`{"value": 42}`))
	if err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	res := New(reg, blobs)
	payload, capability, err := res.Resolve(context.Background(), mech.Request{
		ID:          1,
		ToolID:      "echo",
		PayloadHash: hash,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if capability.ID != "echo" {
		t.Fatalf("expected echo capability, got %q", capability.ID)
	}
	if payload.Fields["value"] != 42.0 {
		t.Fatalf("expected value 42, got %v", payload.Fields["value"])
	}
}

func TestResolveUnknownTool(t *testing.T) {
	reg := echoRegistry(t)
	res := New(reg, blobstore.NewMemoryStore())

	_, _, err := res.Resolve(context.Background(), mech.Request{ID: 1, ToolID: "nope"})
	if !errors.Is(err, registry.ErrToolUnknown) {
		t.Fatalf("expected unknown tool, got %v", err)
	}
}

func TestResolveRetriesTransientFetchFailures(t *testing.T) {
	reg := echoRegistry(t)
	inner := blobstore.NewMemoryStore()
	hash, err := inner.Put(context.Background(), []byte(`{"value": "hi"}`))
	if err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	flaky := &flakyBlobStore{inner: inner, failures: 2}

	res := New(reg, flaky,
		WithMaxAttempts(4),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	payload, _, err := res.Resolve(context.Background(), mech.Request{
		ID: 1, ToolID: "echo", PayloadHash: hash,
	})
	if err != nil {
		t.Fatalf("resolve after retries: %v", err)
	}
	if payload.Fields["value"] != "hi" {
		t.Fatalf("unexpected payload: %+v", payload.Fields)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", got)
	}
}

func TestResolveBlobMissingAfterRetries(t *testing.T) {
	reg := echoRegistry(t)
	res := New(reg, blobstore.NewMemoryStore(),
		WithMaxAttempts(2),
		WithBackoff(time.Millisecond, time.Millisecond),
	)

	_, _, err := res.Resolve(context.Background(), mech.Request{
		ID: 1, ToolID: "echo", PayloadHash: "0xmissing",
	})
	if xerrors.CodeOf(err) != CodeBlobMissing {
		t.Fatalf("expected blob missing code, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatal("blob missing must be terminal")
	}
}

func TestResolveInvalidPayload(t *testing.T) {
	reg := echoRegistry(t)
	blobs := blobstore.NewMemoryStore()

	// 非 JSON 内容。
	rawHash, err := blobs.Put(context.Background(), []byte("not json"))
	if err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	res := New(reg, blobs)
	_, _, err = res.Resolve(context.Background(), mech.Request{ID: 1, ToolID: "echo", PayloadHash: rawHash})
	if xerrors.CodeOf(err) != CodePayloadInvalid {
		t.Fatalf("expected invalid payload code, got %v", err)
	}

	// 缺少必填字段。
	missingHash, err := blobs.Put(context.Background(), []byte(`{"other": 1}`))
	if err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	_, _, err = res.Resolve(context.Background(), mech.Request{ID: 2, ToolID: "echo", PayloadHash: missingHash})
	if xerrors.CodeOf(err) != CodePayloadInvalid {
		t.Fatalf("expected schema violation code, got %v", err)
	}
}
