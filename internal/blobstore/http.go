package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "Mech-Chain/internal/errors"
)

const (
	defaultTimeout     = 30 * time.Second
	maxErrorBodyLength = 2048
)

// HTTPConfig 描述存储网关的访问参数。
type HTTPConfig struct {
	GatewayURL string
	Timeout    time.Duration
}

// HTTPStore 通过 HTTP 网关访问内容寻址存储网络。
// 网关契约：POST /blobs 写入并返回 {"hash": "..."}；
// GET /blobs/{hash} 取回原始字节，未找到时返回 404。
type HTTPStore struct {
	gatewayURL string
	httpClient *http.Client
}

// NewHTTPStore 根据配置创建网关客户端。
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	gatewayURL := strings.TrimSpace(cfg.GatewayURL)
	if gatewayURL == "" {
		return nil, errors.New("未配置存储网关地址")
	}
	gatewayURL = strings.TrimRight(gatewayURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPStore{
		gatewayURL: gatewayURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Get 按哈希取回数据块。
func (s *HTTPStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据块哈希不能为空")
	}

	endpoint := s.gatewayURL + "/blobs/" + hash
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建网关请求失败: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeStoreUnavailable, err, "请求存储网关失败")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrBlobNotFound
	case resp.StatusCode >= http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		return nil, xerrors.New(CodeStoreUnavailable,
			fmt.Sprintf("网关返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(CodeStoreUnavailable, err, "读取数据块失败")
	}
	return data, nil
}

// Put 写入数据块并返回网关分配的内容哈希。
func (s *HTTPStore) Put(ctx context.Context, data []byte) (string, error) {
	endpoint := s.gatewayURL + "/blobs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("构建网关请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(CodeStoreUnavailable, err, "写入存储网关失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		return "", xerrors.New(CodeStoreUnavailable,
			fmt.Sprintf("网关返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(CodeStoreUnavailable, err, "解析网关响应失败")
	}
	if strings.TrimSpace(decoded.Hash) == "" {
		return "", xerrors.New(CodeStoreUnavailable, "网关响应缺少内容哈希")
	}
	return decoded.Hash, nil
}

var _ Client = (*HTTPStore)(nil)
