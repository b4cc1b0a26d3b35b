package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mechd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: "http://127.0.0.1:8545"
  marketplace_address: "0x0000000000000000000000000000000000000001"
blob_store:
  gateway_url: "http://127.0.0.1:5001"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Chain.ConfirmationDepth != 6 {
		t.Fatalf("unexpected confirmation depth %d", cfg.Chain.ConfirmationDepth)
	}
	if cfg.Chain.PrivateKeyEnv != "MECHD_PRIVATE_KEY" {
		t.Fatalf("unexpected private key env %q", cfg.Chain.PrivateKeyEnv)
	}
	if cfg.Records.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected drivers: records=%q queue=%q", cfg.Records.Driver, cfg.Queue.Driver)
	}
	if cfg.Queue.Capacity != 1024 {
		t.Fatalf("unexpected queue capacity %d", cfg.Queue.Capacity)
	}
	if cfg.Dispatch.Concurrency != 8 || cfg.Dispatch.MaxAttempts != 3 {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg.Dispatch)
	}
	// 数据块抓取的重试上限由存储段配置，供载荷解析使用。
	if cfg.BlobStore.MaxRetries != 5 {
		t.Fatalf("unexpected blob store retries %d", cfg.BlobStore.MaxRetries)
	}
	if cfg.Dispatch.LeaseTTL() != 5*time.Minute {
		t.Fatalf("unexpected lease ttl %s", cfg.Dispatch.LeaseTTL())
	}
	if cfg.Chain.PollEvery() != 5*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.Chain.PollEvery())
	}
	if cfg.Tools.DefaultTimeout() != 30*time.Second {
		t.Fatalf("unexpected default tool timeout %s", cfg.Tools.DefaultTimeout())
	}
	if cfg.Tools.OpenAI.APIKeyEnv != "OPENAI_API_KEY" {
		t.Fatalf("unexpected api key env %q", cfg.Tools.OpenAI.APIKeyEnv)
	}
}

func TestLoadExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
chain:
  rpc_url: "http://127.0.0.1:8545"
  confirmation_depth: 12
  poll_interval_seconds: 2
dispatch:
  concurrency: 2
  max_attempts: 5
  lease_ttl_seconds: 60
queue:
  driver: redis
  redis:
    address: "127.0.0.1:6379"
    queue: "mech:requests"
tools:
  default_timeout_seconds: 10
  timeout_overrides:
    openai-gpt: 90
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Chain.ConfirmationDepth != 12 {
		t.Fatalf("unexpected depth %d", cfg.Chain.ConfirmationDepth)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Redis.Queue != "mech:requests" {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Dispatch.LeaseTTL() != time.Minute {
		t.Fatalf("unexpected lease ttl %s", cfg.Dispatch.LeaseTTL())
	}
	if cfg.Tools.TimeoutFor("openai-gpt") != 90*time.Second {
		t.Fatalf("unexpected override %s", cfg.Tools.TimeoutFor("openai-gpt"))
	}
	if cfg.Tools.TimeoutFor("echo") != 10*time.Second {
		t.Fatalf("unexpected fallback %s", cfg.Tools.TimeoutFor("echo"))
	}
}

func TestLoadAuditPathDefault(t *testing.T) {
	path := writeConfig(t, `
logging:
  audit:
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "logs", "audit.log")
	if cfg.Logging.Audit.Path != want {
		t.Fatalf("unexpected audit path %q, want %q", cfg.Logging.Audit.Path, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [broken")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
