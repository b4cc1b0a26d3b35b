package mech

import (
	xerrors "Mech-Chain/internal/errors"
)

// Stage 表示请求在生命周期中的阶段。
type Stage string

const (
	StageObserved  Stage = "observed"
	StageResolved  Stage = "resolved"
	StageExecuting Stage = "executing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageAbandoned Stage = "abandoned"
)

// IsTerminal 判断阶段是否为终态。终态记录不再被调度。
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageAbandoned:
		return true
	default:
		return false
	}
}

// IsValidStage 检查给定阶段是否为支持的枚举值。
func IsValidStage(stage Stage) bool {
	switch stage {
	case StageObserved, StageResolved, StageExecuting, StageCompleted, StageFailed, StageAbandoned:
		return true
	default:
		return false
	}
}

// Record 是请求处理状态的持久化锚点。
// 不存在记录的请求视为未见过；记录进入终态后对应请求绝不重新执行。
type Record struct {
	RequestID      uint64 `json:"request_id"`
	Requester      string `json:"requester"`
	ToolID         string `json:"tool_id"`
	PayloadHash    string `json:"payload_hash"`
	Payment        string `json:"payment"`
	BlockHeight    uint64 `json:"block_height"`
	Stage          Stage  `json:"stage"`
	Attempts       int    `json:"attempts"`
	MaxAttempts    int    `json:"max_attempts"`
	LeaseOwner     string `json:"lease_owner,omitempty"`
	LeaseExpiresAt int64  `json:"lease_expires_at,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ResultBlobHash string `json:"result_blob_hash,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	LastAttemptAt  int64  `json:"last_attempt_at,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Request 从记录还原出原始请求，供崩溃恢复后重新走流水线。
func (r *Record) Request() Request {
	return Request{
		ID:          r.RequestID,
		Requester:   r.Requester,
		ToolID:      r.ToolID,
		PayloadHash: r.PayloadHash,
		Payment:     r.Payment,
		BlockHeight: r.BlockHeight,
	}
}

var (
	// ErrRecordNotFound 表示指定的处理记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "processing record not found")
	// ErrRecordConflict 表示记录的租约被其他工作协程持有。
	ErrRecordConflict = xerrors.New(CodeRecordConflict, "processing record lease held", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRecordTerminal 表示记录已进入终态，不能再被领取。
	ErrRecordTerminal = xerrors.New(CodeRecordTerminal, "processing record already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRecordExhausted 表示记录的领取次数已经耗尽。
	ErrRecordExhausted = xerrors.New(CodeRecordExhausted, "processing record attempts exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrRecordCorrupt 表示持久化的记录无法解析。
	ErrRecordCorrupt = xerrors.New(CodeRecordCorrupt, "processing record corrupt", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRecordNotFound  xerrors.Code = "RECORD_NOT_FOUND"
	CodeRecordConflict  xerrors.Code = "RECORD_CONFLICT"
	CodeRecordTerminal  xerrors.Code = "RECORD_TERMINAL"
	CodeRecordExhausted xerrors.Code = "RECORD_ATTEMPTS_EXHAUSTED"
	CodeRecordCorrupt   xerrors.Code = "RECORD_CORRUPT"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "processing record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:   "processing record lease held",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordTerminal, xerrors.Attributes{
		Message:   "processing record already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordExhausted, xerrors.Attributes{
		Message:   "processing record attempts exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRecordCorrupt, xerrors.Attributes{
		Message:   "processing record corrupt",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

func cloneRecord(record *Record) *Record {
	if record == nil {
		return nil
	}
	clone := *record
	return &clone
}
