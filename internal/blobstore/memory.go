package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// MemoryStore 以内存方式实现内容寻址存储，主要用于测试。
// 哈希为数据的 SHA-256 摘要，带 0x 前缀。
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Get 按哈希取回数据块。
func (m *MemoryStore) Get(_ context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash]
	if !ok {
		return nil, ErrBlobNotFound
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// Put 写入数据块并返回内容哈希。
func (m *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	hash := HashBytes(data)
	clone := make([]byte, len(data))
	copy(clone, data)
	m.mu.Lock()
	m.blobs[hash] = clone
	m.mu.Unlock()
	return hash, nil
}

// Seed 预先放入一个数据块并返回其哈希，供测试构造场景。
func (m *MemoryStore) Seed(data []byte) string {
	hash, _ := m.Put(context.Background(), data)
	return hash
}

// Len 返回当前存储的数据块数量。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// HashBytes 计算数据块的内容哈希。
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "0x" + hex.EncodeToString(sum[:])
}

var _ Client = (*MemoryStore)(nil)
