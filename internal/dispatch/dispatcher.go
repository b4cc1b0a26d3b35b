package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"Mech-Chain/internal/chain"
	"Mech-Chain/internal/engine"
	xerrors "Mech-Chain/internal/errors"
	"Mech-Chain/internal/mech"
	"Mech-Chain/internal/observability/alerting"
	"Mech-Chain/internal/observability/metrics"
	"Mech-Chain/internal/resolver"
	"Mech-Chain/pkg/logger"

	"github.com/google/uuid"
)

const (
	defaultWorkerCount  = 8
	defaultMaxAttempts  = 3
	defaultLeaseTTL     = 5 * time.Minute
	defaultConfirmDepth = 6
	defaultAdmitPoll    = 2 * time.Second
)

// Option 定义调度器的可选配置。
type Option func(*Dispatcher)

// WithWorkerCount 设置执行工作协程数量。
func WithWorkerCount(workers int) Option {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置单个请求的最大领取次数。
func WithMaxAttempts(attempts int) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
	}
}

// WithLeaseTTL 设置记录租约的有效期。
func WithLeaseTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.leaseTTL = ttl
		}
	}
}

// WithConfirmationDepth 覆盖事件准入所需的区块确认数。
// 未设置时采用链客户端自身上报的确认深度。
func WithConfirmationDepth(depth uint64) Option {
	return func(d *Dispatcher) {
		d.confirmDepth = depth
		d.confirmDepthSet = true
	}
}

// WithStartHeight 设置链上订阅的起始高度。
func WithStartHeight(height uint64) Option {
	return func(d *Dispatcher) {
		d.startHeight = height
	}
}

// WithAdmitPoll 设置确认高度的轮询间隔。
func WithAdmitPoll(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.admitPoll = interval
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(d *Dispatcher) {
		d.alerter = dispatcher
	}
}

// WithLogger 指定调试日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = log
	}
}

// Dispatcher 驱动请求处理的完整流水线：
// 观察链上事件、确认深度准入、去重落库、入队，
// 以及工作协程侧的领取、解析、执行与发布。
type Dispatcher struct {
	store     mech.Store
	queue     mech.Queue
	chain     chain.Client
	resolver  *resolver.Resolver
	engine    *engine.Engine
	publisher *Publisher

	owner           string
	workerCount     int
	maxAttempts     int
	leaseTTL        time.Duration
	confirmDepth    uint64
	confirmDepthSet bool
	startHeight     uint64
	admitPoll       time.Duration
	alerter         alerting.Dispatcher
	logger          *slog.Logger
}

// New 构造 Dispatcher。owner 标识由 uuid 随机生成，
// 同一进程内所有工作协程共享一个租约身份。
func New(store mech.Store, queue mech.Queue, chainClient chain.Client,
	res *resolver.Resolver, eng *engine.Engine, pub *Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		queue:        queue,
		chain:        chainClient,
		resolver:     res,
		engine:       eng,
		publisher:    pub,
		owner:        uuid.NewString(),
		workerCount:  defaultWorkerCount,
		maxAttempts:  defaultMaxAttempts,
		leaseTTL:     defaultLeaseTTL,
		confirmDepth: defaultConfirmDepth,
		admitPoll:    defaultAdmitPoll,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Owner 返回本进程的租约持有者标识。
func (d *Dispatcher) Owner() string {
	return d.owner
}

// Run 启动调度器并阻塞运行：先做崩溃恢复，再同时启动链上
// 事件摄取与队列消费，任一环节出错即整体退出。
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.store == nil || d.queue == nil || d.chain == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未完整初始化")
	}
	if !d.confirmDepthSet {
		d.confirmDepth = d.chain.ConfirmationDepth()
	}

	if err := d.recover(ctx); err != nil {
		return err
	}

	sub, err := d.chain.SubscribeRequests(ctx, d.startHeight)
	if err != nil {
		return err
	}
	defer sub.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- d.ingest(runCtx, sub)
	}()
	go func() {
		errCh <- d.queue.Consume(runCtx, d.workerCount, d.handle)
	}()

	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case err := <-errCh:
		cancel()
		return err
	}
}

// recover 在订阅链上事件之前完成崩溃恢复：
// 无法解析的记录单独置为 Abandoned，其余非终态记录重新入队。
// 单条损坏记录绝不阻塞其他记录的恢复。
func (d *Dispatcher) recover(ctx context.Context) error {
	records, corrupt, err := d.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}

	for _, requestID := range corrupt {
		if markErr := d.store.MarkAbandoned(ctx, requestID, mech.CodeRecordCorrupt, "记录无法解析"); markErr != nil {
			logger.L().Error("标记损坏记录失败",
				slog.Uint64("request_id", requestID),
				slog.Any("error", markErr))
		}
		d.emitAlert(ctx, &mech.Record{RequestID: requestID}, mech.CodeRecordCorrupt,
			mech.ErrRecordCorrupt, "recover")
	}

	for _, record := range records {
		if err := d.queue.Publish(ctx, record.RequestID); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err,
				fmt.Sprintf("请求 %d 恢复入队失败", record.RequestID))
		}
	}

	if len(records) > 0 || len(corrupt) > 0 {
		logger.L().Info("崩溃恢复完成",
			slog.Int("requeued", len(records)),
			slog.Int("abandoned", len(corrupt)))
	}
	return nil
}

// ingest 消费链上事件流。事件先进入确认缓冲，
// 当前高度超过事件高度加确认深度后才准入处理。
func (d *Dispatcher) ingest(ctx context.Context, sub *chain.RequestSubscription) error {
	var pending []chain.RequestEvent
	var head uint64

	if h, err := d.chain.CurrentHeight(ctx); err == nil {
		head = h
	}

	ticker := time.NewTicker(d.admitPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err != nil {
				return xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "链上事件订阅中断")
			}
		case event, ok := <-sub.Events():
			if !ok {
				return xerrors.New(xerrors.CodeRPCUnavailable, "链上事件流已关闭")
			}
			if d.confirmed(event, head) {
				if err := d.admit(ctx, event); err != nil {
					return err
				}
			} else {
				pending = append(pending, event)
			}
		case <-ticker.C:
			h, err := d.chain.CurrentHeight(ctx)
			if err != nil {
				d.logDebug("查询链上高度失败", slog.Any("error", err))
				continue
			}
			head = h
			remaining := pending[:0]
			for _, event := range pending {
				if d.confirmed(event, head) {
					if err := d.admit(ctx, event); err != nil {
						return err
					}
				} else {
					remaining = append(remaining, event)
				}
			}
			pending = remaining
		}
	}
}

func (d *Dispatcher) confirmed(event chain.RequestEvent, head uint64) bool {
	return head >= event.BlockHeight+d.confirmDepth
}

// admit 将确认后的事件落库并入队。记录已存在即视为重复事件丢弃，
// 这是幂等性的第一道闸门。队列写满时 Publish 阻塞，摄取随之暂停，
// 背压由此传导回链上订阅侧。
func (d *Dispatcher) admit(ctx context.Context, event chain.RequestEvent) error {
	record := &mech.Record{
		RequestID:   event.RequestID,
		Requester:   event.Requester,
		ToolID:      event.ToolID,
		PayloadHash: event.PayloadHash,
		Payment:     event.Payment,
		BlockHeight: event.BlockHeight,
		Stage:       mech.StageObserved,
		MaxAttempts: d.maxAttempts,
	}
	if err := d.store.Create(ctx, record); err != nil {
		if stdErrors.Is(err, mech.ErrRecordConflict) {
			d.logDebug("丢弃重复事件", slog.Uint64("request_id", event.RequestID))
			return nil
		}
		return err
	}
	metrics.ObserveStageTransition(string(mech.StageObserved))

	if err := d.queue.Publish(ctx, event.RequestID); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err,
			fmt.Sprintf("请求 %d 入队失败", event.RequestID))
	}
	return nil
}

// handle 是队列工作协程的入口。
func (d *Dispatcher) handle(ctx context.Context, requestID uint64) error {
	record, err := d.store.Claim(ctx, requestID, d.owner, d.leaseTTL)
	if err != nil {
		switch {
		case stdErrors.Is(err, mech.ErrRecordNotFound),
			stdErrors.Is(err, mech.ErrRecordTerminal),
			stdErrors.Is(err, mech.ErrRecordConflict):
			d.logDebug("跳过请求", slog.Uint64("request_id", requestID), slog.String("reason", err.Error()))
			return nil
		case stdErrors.Is(err, mech.ErrRecordExhausted):
			return d.abandonExhausted(ctx, record, requestID)
		default:
			logger.L().Error("领取记录失败", slog.Uint64("request_id", requestID), slog.Any("error", err))
			return err
		}
	}
	return d.process(ctx, record)
}

// abandonExhausted 处理领取次数耗尽仍未终态的记录。
func (d *Dispatcher) abandonExhausted(ctx context.Context, record *mech.Record, requestID uint64) error {
	if record == nil {
		record = &mech.Record{RequestID: requestID}
	}
	detail := fmt.Sprintf("领取次数耗尽 (%d/%d)", record.Attempts, record.MaxAttempts)
	if err := d.store.MarkAbandoned(ctx, requestID, xerrors.CodeRetriesExhausted, detail); err != nil {
		if stdErrors.Is(err, mech.ErrRecordTerminal) {
			return nil
		}
		return err
	}
	metrics.ObserveStageTransition(string(mech.StageAbandoned))
	logger.Audit().Warn("请求重试耗尽，转入人工处理",
		slog.Uint64("request_id", requestID),
		slog.Int("attempts", record.Attempts),
		slog.Int("max_attempts", record.MaxAttempts))
	d.emitAlert(ctx, record, xerrors.CodeRetriesExhausted, mech.ErrRecordExhausted, "exhausted")
	return nil
}

// process 按记录当前阶段续跑流水线。
// 结果哈希已落库的执行中记录直接续传发布阶段，绝不重复执行工具。
func (d *Dispatcher) process(ctx context.Context, record *mech.Record) error {
	if record.Stage == mech.StageExecuting && record.ResultBlobHash != "" {
		if err := d.publisher.Confirm(ctx, record); err != nil {
			return d.handleFailure(ctx, record, err, "confirm")
		}
		metrics.ObserveStageTransition(string(mech.StageCompleted))
		return nil
	}

	req := record.Request()
	payload, capability, err := d.resolver.Resolve(ctx, req)
	if err != nil {
		return d.handleFailure(ctx, record, err, "resolve")
	}
	if err := d.advance(ctx, record, mech.StageResolved); err != nil {
		return err
	}

	if err := d.advance(ctx, record, mech.StageExecuting); err != nil {
		return err
	}
	started := time.Now()
	result, err := d.engine.Execute(ctx, capability, payload)
	if err != nil {
		// 仅在调用方取消时出现，留待下次领取继续。
		return err
	}
	metrics.ObserveToolExecution(capability.ID, string(result.Status), time.Since(started))

	if result.Status == mech.ResultFailed {
		return d.failTerminal(ctx, record, xerrors.Code(result.ErrorKind), result.ErrorDetail)
	}

	if err := d.publisher.Publish(ctx, record, result); err != nil {
		return d.handleFailure(ctx, record, err, "publish")
	}
	metrics.ObserveStageTransition(string(mech.StageCompleted))
	return nil
}

func (d *Dispatcher) advance(ctx context.Context, record *mech.Record, stage mech.Stage) error {
	if err := d.store.AdvanceStage(ctx, record.RequestID, stage); err != nil {
		if stdErrors.Is(err, mech.ErrRecordTerminal) {
			d.logDebug("记录已终态，停止推进",
				slog.Uint64("request_id", record.RequestID),
				slog.String("stage", string(stage)))
			return nil
		}
		return err
	}
	record.Stage = stage
	metrics.ObserveStageTransition(string(stage))
	return nil
}

// handleFailure 对流水线中段的失败做统一处置：
// 可重试且次数未尽则重新入队，否则按结果有无落库分别
// 置为 Abandoned 或 Failed。
func (d *Dispatcher) handleFailure(ctx context.Context, record *mech.Record, failure error, phase string) error {
	code := xerrors.CodeOf(failure)
	retryable := xerrors.RetryableError(failure)

	if retryable && record.Attempts < record.MaxAttempts {
		// 先释放租约再重投，否则下一次领取会撞上自己尚未过期的租约。
		if relErr := d.store.ReleaseLease(ctx, record.RequestID, d.owner); relErr != nil {
			logger.L().Warn("释放租约失败，重投后需等待租约过期",
				slog.Uint64("request_id", record.RequestID),
				slog.String("error", relErr.Error()))
		}
		if pubErr := d.queue.Publish(ctx, record.RequestID); pubErr != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, pubErr,
				fmt.Sprintf("请求 %d 重投失败", record.RequestID))
		}
		logger.Audit().Warn("请求处理失败，已重新排队",
			slog.Uint64("request_id", record.RequestID),
			slog.String("phase", phase),
			slog.String("error_code", string(code)),
			slog.Int("attempts", record.Attempts),
			slog.String("error", failure.Error()))
		return nil
	}

	if retryable && record.ResultBlobHash != "" {
		// 结果已算出但上链确认未成，放弃重试并等待人工介入。
		if err := d.store.MarkAbandoned(ctx, record.RequestID, code, failure.Error()); err != nil && !stdErrors.Is(err, mech.ErrRecordTerminal) {
			return err
		}
		metrics.ObserveStageTransition(string(mech.StageAbandoned))
		logger.Audit().Warn("结果未能上链确认，请求已搁置",
			slog.Uint64("request_id", record.RequestID),
			slog.String("result_blob", record.ResultBlobHash),
			slog.String("error", failure.Error()))
		d.emitAlert(ctx, record, code, failure, phase)
		return nil
	}

	return d.failTerminal(ctx, record, code, failure.Error())
}

// failTerminal 将记录置为 Failed 终态并记录审计与告警。
func (d *Dispatcher) failTerminal(ctx context.Context, record *mech.Record, code xerrors.Code, detail string) error {
	if code == "" {
		code = xerrors.CodeUnknown
	}
	if err := d.store.MarkFailed(ctx, record.RequestID, code, detail); err != nil {
		if stdErrors.Is(err, mech.ErrRecordTerminal) {
			return nil
		}
		logger.L().Error("标记失败状态出错",
			slog.Uint64("request_id", record.RequestID),
			slog.Any("error", err))
		return err
	}
	metrics.ObserveStageTransition(string(mech.StageFailed))
	logger.Audit().Warn("请求处理失败",
		slog.Uint64("request_id", record.RequestID),
		slog.String("tool_id", record.ToolID),
		slog.String("error_code", string(code)),
		slog.String("error", detail),
		slog.Int("attempts", record.Attempts))
	d.emitAlert(ctx, record, code, stdErrors.New(detail), "terminal")
	return nil
}

func (d *Dispatcher) logDebug(msg string, attrs ...slog.Attr) {
	if d.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	d.logger.Debug(msg, args...)
}

func (d *Dispatcher) emitAlert(ctx context.Context, record *mech.Record, code xerrors.Code, cause error, phase string) {
	if d == nil || d.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert && !xerrors.ShouldAlert(cause) {
		return
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"phase": phase,
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		RequestID:   record.RequestID,
		ToolID:      record.ToolID,
		Attempts:    record.Attempts,
		MaxAttempts: record.MaxAttempts,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.Uint64("request_id", record.RequestID),
			slog.String("phase", phase))
	}
}
