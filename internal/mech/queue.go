package mech

import (
	"context"
)

// Handler 处理来自工作队列的请求 ID。
type Handler func(ctx context.Context, requestID uint64) error

// Producer 负责向队列投递请求。
type Producer interface {
	Publish(ctx context.Context, requestID uint64) error
	Close() error
}

// Consumer 负责从队列中消费请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
