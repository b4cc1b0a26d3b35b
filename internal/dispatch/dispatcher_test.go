package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Mech-Chain/internal/blobstore"
	"Mech-Chain/internal/chain"
	"Mech-Chain/internal/engine"
	xerrors "Mech-Chain/internal/errors"
	"Mech-Chain/internal/mech"
	"Mech-Chain/internal/observability/alerting"
	"Mech-Chain/internal/registry"
	"Mech-Chain/internal/resolver"
)

type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureAlerts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type testRig struct {
	store     *mech.MemoryStore
	queue     *mech.MemoryQueue
	blobs     *blobstore.MemoryStore
	sim       *chain.Simulator
	alerts    *captureAlerts
	runCounts map[string]*atomic.Int64
}

func newEchoRegistry(t *testing.T, rig *testRig) *registry.Registry {
	t.Helper()
	reg := registry.New()
	counter := &atomic.Int64{}
	rig.runCounts["echo"] = counter
	err := reg.Register(registry.Capability{
		ID: "echo",
		InputSchema: registry.Schema{
			Fields:   map[string]registry.FieldKind{"value": registry.KindAny},
			Required: []string{"value"},
		},
		MaxExecutionTime: time.Second,
		Run: func(_ context.Context, payload mech.ResolvedPayload) ([]byte, error) {
			counter.Add(1)
			return payload.Raw, nil
		},
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return reg
}

// startDispatcher wires a full in-memory pipeline and runs it until the
// returned stop function is called.
func startDispatcher(t *testing.T, rig *testRig, reg *registry.Registry, chainClient chain.Client, opts ...Option) func() {
	t.Helper()
	reg.Freeze()

	res := resolver.New(reg, rig.blobs,
		resolver.WithMaxAttempts(2),
		resolver.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	eng := engine.New(time.Second)
	pub := NewPublisher(rig.blobs, chainClient, rig.store, 1)

	base := []Option{
		WithWorkerCount(4),
		WithMaxAttempts(3),
		WithLeaseTTL(time.Minute),
		WithConfirmationDepth(0),
		WithAdmitPoll(10 * time.Millisecond),
		WithAlertDispatcher(rig.alerts),
	}
	dispatcher := New(rig.store, rig.queue, chainClient, res, eng, pub, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func newTestRig() *testRig {
	return &testRig{
		store:     mech.NewMemoryStore(),
		queue:     mech.NewMemoryQueue(64),
		blobs:     blobstore.NewMemoryStore(),
		sim:       chain.NewSimulator(100),
		alerts:    &captureAlerts{},
		runCounts: map[string]*atomic.Int64{},
	}
}

func waitForStage(t *testing.T, store mech.Store, requestID uint64, stage mech.Stage) *mech.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		record, err := store.Get(context.Background(), requestID)
		if err == nil && record.Stage == stage {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	record, err := store.Get(context.Background(), requestID)
	t.Fatalf("request %d never reached stage %s (record=%+v err=%v)", requestID, stage, record, err)
	return nil
}

func seedPayload(t *testing.T, rig *testRig, payload string) string {
	t.Helper()
	hash, err := rig.blobs.Put(context.Background(), []byte(payload))
	if err != nil {
		t.Fatalf("seed payload: %v", err)
	}
	return hash
}

func TestDispatcherProcessesEchoRequest(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)
	stop := startDispatcher(t, rig, reg, rig.sim)
	defer stop()

	hash := seedPayload(t, rig, `{"value": 42}`)
	rig.sim.EmitRequest(chain.RequestEvent{
		RequestID:   42,
		Requester:   "0xfeed",
		ToolID:      "echo",
		PayloadHash: hash,
		Payment:     "1000",
	})

	record := waitForStage(t, rig.store, 42, mech.StageCompleted)
	if record.ResultBlobHash == "" || record.TxHash == "" {
		t.Fatalf("completed record missing publish fields: %+v", record)
	}

	delivered, ok := rig.sim.DeliveredHash(42)
	if !ok || delivered != record.ResultBlobHash {
		t.Fatalf("delivery mismatch: delivered=%q record=%q", delivered, record.ResultBlobHash)
	}

	blob, err := rig.blobs.Get(context.Background(), record.ResultBlobHash)
	if err != nil {
		t.Fatalf("fetch result blob: %v", err)
	}
	var result mech.Result
	if err := json.Unmarshal(blob, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != mech.ResultSuccess || string(result.Output) != `{"value": 42}` {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := rig.runCounts["echo"].Load(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
}

func TestDispatcherConfirmationDepthGatesAdmission(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)
	stop := startDispatcher(t, rig, reg, rig.sim, WithConfirmationDepth(3))
	defer stop()

	hash := seedPayload(t, rig, `{"value": "gated"}`)
	rig.sim.EmitRequest(chain.RequestEvent{
		RequestID:   7,
		ToolID:      "echo",
		PayloadHash: hash,
	})

	// 确认深度未满足前事件不得准入。
	time.Sleep(100 * time.Millisecond)
	if _, err := rig.store.Get(context.Background(), 7); err == nil {
		t.Fatal("request admitted before confirmation depth was reached")
	}

	rig.sim.AdvanceHeight(3)
	waitForStage(t, rig.store, 7, mech.StageCompleted)
}

func TestDispatcherDeduplicatesReplayedEvents(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)
	stop := startDispatcher(t, rig, reg, rig.sim)
	defer stop()

	hash := seedPayload(t, rig, `{"value": 1}`)
	event := chain.RequestEvent{RequestID: 9, ToolID: "echo", PayloadHash: hash}
	rig.sim.EmitRequest(event)
	rig.sim.EmitRequest(event)

	waitForStage(t, rig.store, 9, mech.StageCompleted)

	// 再次重放已完成的请求也不会触发新的执行。
	rig.sim.EmitRequest(event)
	time.Sleep(100 * time.Millisecond)

	if got := rig.runCounts["echo"].Load(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
	if got := rig.sim.DeliveryCount(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestDispatcherFailsUnknownTool(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)
	stop := startDispatcher(t, rig, reg, rig.sim)
	defer stop()

	hash := seedPayload(t, rig, `{"value": 1}`)
	rig.sim.EmitRequest(chain.RequestEvent{RequestID: 5, ToolID: "not-a-tool", PayloadHash: hash})

	record := waitForStage(t, rig.store, 5, mech.StageFailed)
	if record.ErrorCode != string(registry.CodeToolUnknown) {
		t.Fatalf("expected tool unknown code, got %q", record.ErrorCode)
	}
	if rig.sim.DeliveryCount() != 0 {
		t.Fatal("failed request must not publish a delivery")
	}
}

func TestDispatcherTimeoutMarksFailed(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)
	err := reg.Register(registry.Capability{
		ID: "slow",
		InputSchema: registry.Schema{
			Fields:   map[string]registry.FieldKind{"value": registry.KindAny},
			Required: []string{"value"},
		},
		MaxExecutionTime: 20 * time.Millisecond,
		Run: func(ctx context.Context, _ mech.ResolvedPayload) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("register slow: %v", err)
	}
	stop := startDispatcher(t, rig, reg, rig.sim)
	defer stop()

	hash := seedPayload(t, rig, `{"value": "zzz"}`)
	rig.sim.EmitRequest(chain.RequestEvent{RequestID: 12, ToolID: "slow", PayloadHash: hash})

	record := waitForStage(t, rig.store, 12, mech.StageFailed)
	if record.ErrorCode != string(engine.CodeExecutionTimeout) {
		t.Fatalf("expected timeout code, got %q", record.ErrorCode)
	}
	if record.ResultBlobHash != "" || record.TxHash != "" {
		t.Fatalf("timeout must not publish: %+v", record)
	}
	if rig.sim.DeliveryCount() != 0 {
		t.Fatal("timeout must not submit a delivery")
	}
}

func TestDispatcherResumesPublishAfterCrash(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)

	// 模拟崩溃前的状态：结果已经写入存储并落库，确认交易未发出。
	result := mech.Result{ToolID: "echo", Status: mech.ResultSuccess, Output: []byte(`{"value":1}`)}
	encoded, _ := json.Marshal(result)
	blobHash, err := rig.blobs.Put(context.Background(), encoded)
	if err != nil {
		t.Fatalf("seed result blob: %v", err)
	}
	record := &mech.Record{
		RequestID:      21,
		ToolID:         "echo",
		PayloadHash:    "0xoriginal",
		Stage:          mech.StageExecuting,
		Attempts:       1,
		MaxAttempts:    3,
		ResultBlobHash: blobHash,
	}
	if err := rig.store.Create(context.Background(), record); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	stop := startDispatcher(t, rig, reg, rig.sim)
	defer stop()

	completed := waitForStage(t, rig.store, 21, mech.StageCompleted)
	if completed.TxHash == "" {
		t.Fatal("expected confirming transaction hash")
	}
	delivered, ok := rig.sim.DeliveredHash(21)
	if !ok || delivered != blobHash {
		t.Fatalf("expected stored blob hash delivered, got %q", delivered)
	}
	if got := rig.runCounts["echo"].Load(); got != 0 {
		t.Fatalf("resume must not re-execute the tool, ran %d times", got)
	}
}

func TestDispatcherResumesResolvedRecordAfterCrash(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)

	hash := seedPayload(t, rig, `{"value": "resolved"}`)
	record := &mech.Record{
		RequestID:   22,
		ToolID:      "echo",
		PayloadHash: hash,
		Stage:       mech.StageResolved,
		Attempts:    1,
		MaxAttempts: 3,
	}
	if err := rig.store.Create(context.Background(), record); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	stop := startDispatcher(t, rig, reg, rig.sim)
	defer stop()

	// 结果哈希尚未落库，重启后必须重新执行一次工具。
	waitForStage(t, rig.store, 22, mech.StageCompleted)
	if got := rig.runCounts["echo"].Load(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
	if got := rig.sim.DeliveryCount(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestDispatcherRetriesPublishWithoutReExecution(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)
	rig.sim.SubmitErr = xerrors.New(xerrors.CodeRPCUnavailable, "node napping")
	stop := startDispatcher(t, rig, reg, rig.sim)
	defer stop()

	hash := seedPayload(t, rig, `{"value": "retry"}`)
	rig.sim.EmitRequest(chain.RequestEvent{RequestID: 30, ToolID: "echo", PayloadHash: hash})

	record := waitForStage(t, rig.store, 30, mech.StageCompleted)
	if record.Attempts < 2 {
		t.Fatalf("expected at least two claims, got %d", record.Attempts)
	}
	if got := rig.runCounts["echo"].Load(); got != 1 {
		t.Fatalf("publish retry must not re-execute, ran %d times", got)
	}
	if got := rig.sim.DeliveryCount(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

type brokenSubmitChain struct {
	*chain.Simulator
}

func (c *brokenSubmitChain) SubmitDelivery(context.Context, uint64, string) (string, error) {
	return "", xerrors.New(xerrors.CodeRPCUnavailable, "node unreachable")
}

func TestDispatcherAbandonsUnconfirmedResultAfterRetries(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)
	broken := &brokenSubmitChain{Simulator: rig.sim}
	stop := startDispatcher(t, rig, reg, broken, WithMaxAttempts(2))
	defer stop()

	hash := seedPayload(t, rig, `{"value": "doomed"}`)
	rig.sim.EmitRequest(chain.RequestEvent{RequestID: 44, ToolID: "echo", PayloadHash: hash})

	record := waitForStage(t, rig.store, 44, mech.StageAbandoned)
	if record.ResultBlobHash == "" {
		t.Fatal("abandoned record should keep the computed result hash")
	}
	if got := rig.runCounts["echo"].Load(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
	if rig.alerts.count() == 0 {
		t.Fatal("abandonment must raise an alert")
	}
}

func TestDispatcherIgnoresDuplicateDeliveryWhileLeased(t *testing.T) {
	rig := newTestRig()
	reg := registry.New()
	gate := make(chan struct{})
	entered := &atomic.Int64{}
	err := reg.Register(registry.Capability{
		ID:               "hold",
		MaxExecutionTime: 5 * time.Second,
		Run: func(_ context.Context, payload mech.ResolvedPayload) ([]byte, error) {
			entered.Add(1)
			<-gate
			return payload.Raw, nil
		},
	})
	if err != nil {
		t.Fatalf("register hold: %v", err)
	}

	hash := seedPayload(t, rig, `{"value": "dup"}`)
	record := &mech.Record{
		RequestID:   61,
		ToolID:      "hold",
		PayloadHash: hash,
		Stage:       mech.StageObserved,
		MaxAttempts: 3,
	}
	if err := rig.store.Create(context.Background(), record); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	stop := startDispatcher(t, rig, reg, rig.sim)
	defer stop()

	// 同一请求被重复投递两次，租约必须把第二次挡在执行之外。
	if err := rig.queue.Publish(context.Background(), 61); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := rig.queue.Publish(context.Background(), 61); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for entered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := entered.Load(); got != 1 {
		t.Fatalf("duplicate delivery reached the tool: %d executions started", got)
	}

	close(gate)
	waitForStage(t, rig.store, 61, mech.StageCompleted)
	if got := entered.Load(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
	if got := rig.sim.DeliveryCount(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestDispatcherLimitsConcurrentExecutions(t *testing.T) {
	rig := newTestRig()
	reg := registry.New()
	gate := make(chan struct{})
	inFlight := &atomic.Int64{}
	var mu sync.Mutex
	maxInFlight := 0
	err := reg.Register(registry.Capability{
		ID:               "hold",
		MaxExecutionTime: 5 * time.Second,
		Run: func(_ context.Context, payload mech.ResolvedPayload) ([]byte, error) {
			cur := int(inFlight.Add(1))
			mu.Lock()
			if cur > maxInFlight {
				maxInFlight = cur
			}
			mu.Unlock()
			<-gate
			inFlight.Add(-1)
			return payload.Raw, nil
		},
	})
	if err != nil {
		t.Fatalf("register hold: %v", err)
	}

	stop := startDispatcher(t, rig, reg, rig.sim, WithWorkerCount(2))
	defer stop()

	hash := seedPayload(t, rig, `{"value": "burst"}`)
	const total = 6
	for i := uint64(1); i <= total; i++ {
		rig.sim.EmitRequest(chain.RequestEvent{RequestID: i, ToolID: "hold", PayloadHash: hash})
	}

	// 两个工作协程占满后，其余请求必须在队列里等待。
	deadline := time.Now().Add(3 * time.Second)
	for inFlight.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	observed := maxInFlight
	mu.Unlock()
	if observed != 2 {
		t.Fatalf("expected exactly 2 concurrent executions, observed %d", observed)
	}

	close(gate)
	for i := uint64(1); i <= total; i++ {
		waitForStage(t, rig.store, i, mech.StageCompleted)
	}
	mu.Lock()
	observed = maxInFlight
	mu.Unlock()
	if observed > 2 {
		t.Fatalf("worker pool exceeded its size: %d concurrent executions", observed)
	}
}

type corruptListStore struct {
	*mech.MemoryStore
	corruptIDs []uint64
}

func (s *corruptListStore) ListNonTerminal(ctx context.Context) ([]*mech.Record, []uint64, error) {
	records, _, err := s.MemoryStore.ListNonTerminal(ctx)
	return records, s.corruptIDs, err
}

func TestDispatcherRecoveryIsolatesCorruptRecords(t *testing.T) {
	rig := newTestRig()
	reg := newEchoRegistry(t, rig)

	hash := seedPayload(t, rig, `{"value": "ok"}`)
	healthy := &mech.Record{
		RequestID:   2,
		ToolID:      "echo",
		PayloadHash: hash,
		Stage:       mech.StageObserved,
		MaxAttempts: 3,
	}
	if err := rig.store.Create(context.Background(), healthy); err != nil {
		t.Fatalf("seed healthy record: %v", err)
	}
	damaged := &mech.Record{
		RequestID:   3,
		ToolID:      "echo",
		PayloadHash: hash,
		Stage:       mech.StageObserved,
		MaxAttempts: 3,
	}
	if err := rig.store.Create(context.Background(), damaged); err != nil {
		t.Fatalf("seed damaged record: %v", err)
	}

	wrapped := &corruptListStore{MemoryStore: rig.store, corruptIDs: []uint64{3}}

	res := resolver.New(reg, rig.blobs,
		resolver.WithMaxAttempts(2),
		resolver.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	reg.Freeze()
	eng := engine.New(time.Second)
	pub := NewPublisher(rig.blobs, rig.sim, wrapped, 1)
	dispatcher := New(wrapped, rig.queue, rig.sim, res, eng, pub,
		WithWorkerCount(2),
		WithConfirmationDepth(0),
		WithAdmitPoll(10*time.Millisecond),
		WithAlertDispatcher(rig.alerts),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// 损坏记录被隔离为 Abandoned，健康记录照常完成。
	waitForStage(t, rig.store, 2, mech.StageCompleted)
	record := waitForStage(t, rig.store, 3, mech.StageAbandoned)
	if record.ErrorCode != string(mech.CodeRecordCorrupt) {
		t.Fatalf("expected corrupt code, got %q", record.ErrorCode)
	}
}
