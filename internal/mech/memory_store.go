package mech

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Mech-Chain/internal/errors"
)

// MemoryStore 以内存方式保存处理记录，主要用于测试和单机演示。
type MemoryStore struct {
	mu      sync.Mutex
	records map[uint64]*Record
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uint64]*Record),
		now:     time.Now,
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.RequestID == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.RequestID]; ok {
		return ErrRecordConflict
	}
	now := m.now().Unix()
	clone := *record
	if clone.Stage == "" {
		clone.Stage = StageObserved
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.records[record.RequestID] = &clone
	return nil
}

// Get 返回处理记录。
func (m *MemoryStore) Get(_ context.Context, requestID uint64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// Claim 以租约方式领取记录。
func (m *MemoryStore) Claim(_ context.Context, requestID uint64, owner string, ttl time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if record.Stage.IsTerminal() {
		return cloneRecord(record), ErrRecordTerminal
	}
	// 未过期的租约一律拒绝，包括同一持有者：进程内所有工作协程
	// 共享一个持有者标识，重复投递的消息必须在这里被挡住。
	now := m.now().Unix()
	if record.LeaseOwner != "" && record.LeaseExpiresAt > now {
		return cloneRecord(record), ErrRecordConflict
	}
	if record.Attempts >= record.MaxAttempts {
		return cloneRecord(record), ErrRecordExhausted
	}
	record.Attempts++
	record.LeaseOwner = owner
	record.LeaseExpiresAt = now + int64(ttl/time.Second)
	record.LastAttemptAt = now
	record.UpdatedAt = now
	return cloneRecord(record), nil
}

// ReleaseLease 释放当前持有的租约，使记录可以被立即重新领取。
// 租约已被他人持有或已清空时不做任何修改。
func (m *MemoryStore) ReleaseLease(_ context.Context, requestID uint64, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return ErrRecordNotFound
	}
	if record.LeaseOwner != owner {
		return nil
	}
	record.LeaseOwner = ""
	record.LeaseExpiresAt = 0
	record.UpdatedAt = m.now().Unix()
	return nil
}

// AdvanceStage 推进记录阶段。
func (m *MemoryStore) AdvanceStage(_ context.Context, requestID uint64, stage Stage) error {
	if stage.IsTerminal() || !IsValidStage(stage) {
		return xerrors.New(xerrors.CodeInvalidArgument, "AdvanceStage 仅接受非终态阶段")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Stage.IsTerminal() {
		return ErrRecordTerminal
	}
	record.Stage = stage
	record.UpdatedAt = m.now().Unix()
	return nil
}

// SetResultBlob 记录结果数据块哈希。
func (m *MemoryStore) SetResultBlob(_ context.Context, requestID uint64, blobHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return ErrRecordNotFound
	}
	record.ResultBlobHash = blobHash
	record.UpdatedAt = m.now().Unix()
	return nil
}

// MarkCompleted 置为 Completed 终态。
func (m *MemoryStore) MarkCompleted(_ context.Context, requestID uint64, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Stage.IsTerminal() {
		return ErrRecordTerminal
	}
	record.Stage = StageCompleted
	record.TxHash = txHash
	record.LastError = ""
	record.ErrorCode = ""
	record.LeaseOwner = ""
	record.LeaseExpiresAt = 0
	record.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 置为 Failed 终态。
func (m *MemoryStore) MarkFailed(_ context.Context, requestID uint64, code xerrors.Code, detail string) error {
	return m.markTerminal(requestID, StageFailed, code, detail)
}

// MarkAbandoned 置为 Abandoned 终态。
func (m *MemoryStore) MarkAbandoned(_ context.Context, requestID uint64, code xerrors.Code, detail string) error {
	return m.markTerminal(requestID, StageAbandoned, code, detail)
}

func (m *MemoryStore) markTerminal(requestID uint64, stage Stage, code xerrors.Code, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Stage.IsTerminal() {
		return ErrRecordTerminal
	}
	record.Stage = stage
	record.LastError = detail
	record.ErrorCode = string(code)
	record.LeaseOwner = ""
	record.LeaseExpiresAt = 0
	record.UpdatedAt = m.now().Unix()
	return nil
}

// ListNonTerminal 返回所有非终态记录。内存实现不会出现损坏记录。
func (m *MemoryStore) ListNonTerminal(_ context.Context) ([]*Record, []uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]*Record, 0)
	for _, record := range m.records {
		if !record.Stage.IsTerminal() {
			results = append(results, cloneRecord(record))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].RequestID < results[j].RequestID
	})
	return results, nil, nil
}

// List 返回符合过滤条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if opts.matches(record) {
			results = append(results, cloneRecord(record))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].RequestID > results[j].RequestID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if opts.Offset >= len(results) {
		return nil, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计各阶段记录数量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{}
	for _, record := range m.records {
		stats.count(record)
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
