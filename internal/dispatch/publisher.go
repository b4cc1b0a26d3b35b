package dispatch

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"Mech-Chain/internal/blobstore"
	"Mech-Chain/internal/chain"
	xerrors "Mech-Chain/internal/errors"
	"Mech-Chain/internal/mech"
	"Mech-Chain/pkg/logger"
)

// 发布阶段的错误码。
const (
	CodePublishBlob xerrors.Code = "PUBLISH_BLOB_FAILED"
	CodePublishTx   xerrors.Code = "PUBLISH_TX_FAILED"
)

func init() {
	xerrors.Register(CodePublishBlob, xerrors.Attributes{
		Message:   "result blob upload failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodePublishTx, xerrors.Attributes{
		Message:   "delivery transaction failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

const (
	defaultPublishRetries = 3
	publishRetryBackoff   = time.Second
)

// Publisher 负责结果的两阶段发布：先把结果写入内容寻址存储，
// 把数据块哈希落到处理记录，再提交链上确认交易。
// 哈希落库后的任何重试都从提交交易开始，绝不重复执行工具。
type Publisher struct {
	blobs   blobstore.Client
	chain   chain.Client
	store   mech.Store
	retries int
}

// NewPublisher 创建发布器。retries 限定确认交易的提交次数。
func NewPublisher(blobs blobstore.Client, chainClient chain.Client, store mech.Store, retries int) *Publisher {
	if retries <= 0 {
		retries = defaultPublishRetries
	}
	return &Publisher{
		blobs:   blobs,
		chain:   chainClient,
		store:   store,
		retries: retries,
	}
}

// Publish 发布一次成功执行的结果。record.ResultBlobHash 非空时跳过
// 上传阶段直接提交交易，这使崩溃后的续传天然幂等。
func (p *Publisher) Publish(ctx context.Context, record *mech.Record, result mech.Result) error {
	blobHash := record.ResultBlobHash
	if blobHash == "" {
		payload, err := json.Marshal(result)
		if err != nil {
			return xerrors.Wrap(CodePublishBlob, err, "序列化执行结果失败")
		}
		blobHash, err = p.blobs.Put(ctx, payload)
		if err != nil {
			return xerrors.Wrap(CodePublishBlob, err, "写入结果数据块失败")
		}
		if err := p.store.SetResultBlob(ctx, record.RequestID, blobHash); err != nil {
			return err
		}
		record.ResultBlobHash = blobHash
	}

	return p.Confirm(ctx, record)
}

// Confirm 提交链上确认交易并将记录置为 Completed。
// 前置条件：record.ResultBlobHash 已经落库。
func (p *Publisher) Confirm(ctx context.Context, record *mech.Record) error {
	if record.ResultBlobHash == "" {
		return xerrors.New(CodePublishTx, "记录缺少结果数据块哈希")
	}

	log := logger.Named("publisher")
	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		txHash, err := p.chain.SubmitDelivery(ctx, record.RequestID, record.ResultBlobHash)
		if err == nil {
			return p.markCompleted(ctx, record.RequestID, txHash)
		}
		lastErr = err

		if !xerrors.RetryableError(err) {
			return xerrors.Wrap(CodePublishTx, err, "确认交易被拒绝")
		}
		log.Warn("提交确认交易失败，准备重试",
			slog.Uint64("request_id", record.RequestID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		if attempt == p.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(publishRetryBackoff * time.Duration(attempt)):
		}
	}
	return xerrors.Wrap(CodePublishTx, lastErr, "确认交易重试耗尽")
}

func (p *Publisher) markCompleted(ctx context.Context, requestID uint64, txHash string) error {
	err := p.store.MarkCompleted(ctx, requestID, txHash)
	if err == nil {
		logger.Audit().Info("请求处理完成",
			slog.Uint64("request_id", requestID),
			slog.String("tx_hash", txHash))
		return nil
	}
	if stdErrors.Is(err, mech.ErrRecordTerminal) {
		// 另一个执行路径已经完成了该记录，本次交易结果仅记录日志。
		logger.L().Warn("记录已处于终态，忽略重复完成",
			slog.Uint64("request_id", requestID),
			slog.String("tx_hash", txHash))
		return nil
	}
	return err
}
