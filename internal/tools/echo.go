package tools

import (
	"context"
	"time"

	"Mech-Chain/internal/mech"
	"Mech-Chain/internal/registry"
)

// EchoToolID 是回显工具的注册标识。
const EchoToolID = "echo"

// NewEcho 构造回显工具：输出即输入，主要用于端到端联调与验收。
// 模式声明为空，任意 JSON 对象都可以原样回显。
func NewEcho(timeout time.Duration) registry.Capability {
	return registry.Capability{
		ID:               EchoToolID,
		Description:      "原样返回请求载荷，用于链路联调",
		MaxExecutionTime: timeout,
		Run: func(_ context.Context, payload mech.ResolvedPayload) ([]byte, error) {
			return payload.Raw, nil
		},
	}
}
