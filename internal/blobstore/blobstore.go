package blobstore

import (
	"context"

	xerrors "Mech-Chain/internal/errors"
)

// Client 抽象了内容寻址存储网络的读写能力。
// 相同字节写入后必然得到相同哈希，这是发布阶段幂等续传的前提。
type Client interface {
	// Get 按哈希取回数据块，不存在时返回 ErrBlobNotFound。
	Get(ctx context.Context, hash string) ([]byte, error)
	// Put 写入数据块并返回内容哈希。
	Put(ctx context.Context, data []byte) (string, error)
}

var (
	// ErrBlobNotFound 表示指定哈希的数据块不存在。
	ErrBlobNotFound = xerrors.New(CodeBlobNotFound, "blob not found")
	// ErrStoreUnavailable 表示存储网关暂时不可达。
	ErrStoreUnavailable = xerrors.New(CodeStoreUnavailable, "blob store unavailable")
)

const (
	CodeBlobNotFound     xerrors.Code = "BLOB_NOT_FOUND"
	CodeStoreUnavailable xerrors.Code = "BLOB_STORE_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeBlobNotFound, xerrors.Attributes{
		Message:   "blob not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStoreUnavailable, xerrors.Attributes{
		Message:   "blob store unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
