package mech

import (
	"context"
	"time"

	xerrors "Mech-Chain/internal/errors"
)

// Store 抽象了处理记录的持久化接口。
// 记录是崩溃恢复的唯一事实来源，所有写入都必须是事务性的
// （读-改-写加锁，或等价的条件更新）。
type Store interface {
	// Create 插入新的处理记录，记录已存在时返回 ErrRecordConflict。
	Create(ctx context.Context, record *Record) error
	// Get 返回指定请求的处理记录。
	Get(ctx context.Context, requestID uint64) (*Record, error)
	// Claim 以租约方式领取记录：仅当记录非终态、租约空闲或已过期、
	// 且领取次数未耗尽时成功，成功后递增 Attempts 并刷新租约。
	// 未过期的租约一律拒绝，同一持有者重复领取同样返回 ErrRecordConflict。
	Claim(ctx context.Context, requestID uint64, owner string, ttl time.Duration) (*Record, error)
	// ReleaseLease 释放 owner 持有的租约，使记录可以被立即重新领取。
	// 租约已被他人持有或已清空时不做任何修改。
	ReleaseLease(ctx context.Context, requestID uint64, owner string) error
	// AdvanceStage 将记录推进到指定的非终态阶段。
	AdvanceStage(ctx context.Context, requestID uint64, stage Stage) error
	// SetResultBlob 记录已写入存储网络的结果数据块哈希。
	// 这是发布阶段幂等续传的依据：哈希存在时重试不再执行工具。
	SetResultBlob(ctx context.Context, requestID uint64, blobHash string) error
	// MarkCompleted 将记录置为 Completed 并保存确认交易哈希。
	// 记录已处于终态时返回 ErrRecordTerminal，保证 Completed 迁移至多一次。
	MarkCompleted(ctx context.Context, requestID uint64, txHash string) error
	// MarkFailed 将记录置为 Failed 终态。
	MarkFailed(ctx context.Context, requestID uint64, code xerrors.Code, detail string) error
	// MarkAbandoned 将记录置为 Abandoned 终态，等待人工介入。
	MarkAbandoned(ctx context.Context, requestID uint64, code xerrors.Code, detail string) error
	// ListNonTerminal 返回所有非终态记录，供启动恢复使用。
	// 无法解析的记录以请求 ID 形式单独返回，不阻塞其余记录的恢复。
	ListNonTerminal(ctx context.Context) ([]*Record, []uint64, error)
	// List 返回符合过滤条件的记录。
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	// Stats 返回各阶段的记录数量聚合。
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// ListOptions 控制记录查询的过滤与分页。
type ListOptions struct {
	Limit  int
	Offset int
	Stages []Stage
}

// applyDefaults 规范化查询参数。
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if len(opts.Stages) > 0 {
		valid := opts.Stages[:0]
		for _, stage := range opts.Stages {
			if IsValidStage(stage) {
				valid = append(valid, stage)
			}
		}
		opts.Stages = valid
	}
}

func (opts ListOptions) matches(record *Record) bool {
	if len(opts.Stages) == 0 {
		return true
	}
	for _, stage := range opts.Stages {
		if record.Stage == stage {
			return true
		}
	}
	return false
}
