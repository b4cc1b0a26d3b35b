package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"Mech-Chain/internal/blobstore"
	xerrors "Mech-Chain/internal/errors"
	"Mech-Chain/internal/mech"
	"Mech-Chain/internal/registry"
	"Mech-Chain/pkg/logger"
)

// 解析阶段的错误码。数据块最终未找到与载荷不合法都是终态错误，
// 不应再进入重试。
const (
	CodeBlobMissing    xerrors.Code = "RESOLVE_BLOB_MISSING"
	CodePayloadInvalid xerrors.Code = "RESOLVE_PAYLOAD_INVALID"
)

func init() {
	xerrors.Register(CodeBlobMissing, xerrors.Attributes{
		Message:   "payload blob not found after retries",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePayloadInvalid, xerrors.Attributes{
		Message:   "payload failed schema validation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
)

// Option 调整解析器行为。
type Option func(*Resolver)

// WithMaxAttempts 设置数据块取回的最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff 设置取回重试的起始与上限间隔。
func WithBackoff(base, max time.Duration) Option {
	return func(r *Resolver) {
		if base > 0 {
			r.baseBackoff = base
		}
		if max > 0 {
			r.maxBackoff = max
		}
	}
}

// Resolver 将链上请求解析为可执行的工具输入：
// 查注册表、取数据块、解码并做模式校验。
type Resolver struct {
	tools *registry.Registry
	blobs blobstore.Client

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// New 创建解析器。
func New(tools *registry.Registry, blobs blobstore.Client, opts ...Option) *Resolver {
	r := &Resolver{
		tools:       tools,
		blobs:       blobs,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 把请求转换为已校验的工具输入，并返回对应的工具能力。
// 工具未注册、数据块缺失或载荷非法时返回终态错误；
// 存储网关抖动会在内部按指数退避重试。
func (r *Resolver) Resolve(ctx context.Context, req mech.Request) (mech.ResolvedPayload, registry.Capability, error) {
	capability, err := r.tools.Lookup(req.ToolID)
	if err != nil {
		return mech.ResolvedPayload{}, registry.Capability{}, err
	}

	raw, err := r.fetchBlob(ctx, req)
	if err != nil {
		return mech.ResolvedPayload{}, registry.Capability{}, err
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return mech.ResolvedPayload{}, registry.Capability{},
			xerrors.Wrap(CodePayloadInvalid, err, "解码请求载荷失败")
	}
	if err := capability.InputSchema.Validate(fields); err != nil {
		return mech.ResolvedPayload{}, registry.Capability{},
			xerrors.Wrap(CodePayloadInvalid, err, "请求载荷未通过模式校验")
	}

	return mech.ResolvedPayload{
		ToolID: req.ToolID,
		Fields: fields,
		Raw:    raw,
	}, capability, nil
}

// fetchBlob 按指数退避取回载荷数据块。数据块可能尚未在存储网络中
// 传播开，因此未找到同样参与重试，直到尝试次数耗尽才判定缺失。
func (r *Resolver) fetchBlob(ctx context.Context, req mech.Request) ([]byte, error) {
	log := logger.Named("resolver")
	backoff := r.baseBackoff

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		raw, err := r.blobs.Get(ctx, req.PayloadHash)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if !errors.Is(err, blobstore.ErrBlobNotFound) && !xerrors.RetryableError(err) {
			return nil, err
		}
		if attempt == r.maxAttempts {
			break
		}

		log.Debug("载荷取回失败，准备重试",
			"request_id", req.ID,
			"payload_hash", req.PayloadHash,
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}

	if errors.Is(lastErr, blobstore.ErrBlobNotFound) {
		return nil, xerrors.Wrap(CodeBlobMissing, lastErr, "载荷数据块不存在")
	}
	return nil, lastErr
}
