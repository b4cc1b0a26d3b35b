package tools

import (
	"fmt"
	"os"

	"Mech-Chain/internal/config"
	"Mech-Chain/internal/registry"
)

// BuildRegistry 依据配置注册内置工具并冻结注册表。
// 回显工具始终可用；openai-gpt 仅在显式开启且环境变量
// 中能取到 API Key 时注册。
func BuildRegistry(cfg config.ToolsConfig) (*registry.Registry, error) {
	reg := registry.New()

	if err := reg.Register(NewEcho(cfg.TimeoutFor(EchoToolID))); err != nil {
		return nil, fmt.Errorf("注册 echo 工具失败: %w", err)
	}

	if cfg.OpenAI.Enabled {
		apiKey := os.Getenv(cfg.OpenAI.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("openai 工具已开启，但环境变量 %s 为空", cfg.OpenAI.APIKeyEnv)
		}
		client, err := NewOpenAIClient(OpenAIConfig{
			APIKey:  apiKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.TimeoutFor(OpenAIToolID),
		})
		if err != nil {
			return nil, fmt.Errorf("创建 OpenAI 客户端失败: %w", err)
		}
		if err := reg.Register(NewOpenAI(client, cfg.TimeoutFor(OpenAIToolID))); err != nil {
			return nil, fmt.Errorf("注册 openai-gpt 工具失败: %w", err)
		}
	}

	reg.Freeze()
	return reg, nil
}
