// Package memory 提供基于内存队列的消息传输实现
// 适用于单机部署、开发环境和测试场景
package memory

import (
	"context"
	"fmt"
	"sync"

	"sagaflow/logging"
	"sagaflow/messaging"
)

// MemoryTransport 内存消息传输实现
//
// 特性:
//   - 基于内存队列的异步消息传输
//   - Worker 池模式处理消息
//   - 支持批量发布
//   - 并发安全
//
// 注意：异步分发，handler 错误不会传播给发布者；
// 可靠投递（重试/死信）由 outbox/inbox 层实现。
type MemoryTransport struct {
	handlers    map[string][]messaging.IMessageHandler
	queue       chan messaging.IMessage
	queueSize   int
	workerCount int
	running     bool
	logger      logging.Logger
	mutex       sync.RWMutex
	wg          sync.WaitGroup
}

// NewMemoryTransport 创建内存传输实例
//
// 参数:
//   - queueSize: 队列大小（<=0 时使用默认 1000）
//   - workerCount: Worker 数量（<=0 时使用默认 4）
func NewMemoryTransport(queueSize, workerCount int) *MemoryTransport {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if workerCount <= 0 {
		workerCount = 4
	}

	return &MemoryTransport{
		handlers:    make(map[string][]messaging.IMessageHandler),
		queue:       make(chan messaging.IMessage, queueSize),
		queueSize:   queueSize,
		workerCount: workerCount,
		logger:      logging.ComponentLogger("transport.memory"),
	}
}

// Publish 发布消息到队列
//
// 消息将被放入队列，由 Worker 池异步处理。
// 队列满或传输未启动时返回错误。
func (t *MemoryTransport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mutex.RLock()
	running := t.running
	t.mutex.RUnlock()

	if !running {
		return fmt.Errorf("memory transport is not running")
	}

	select {
	case t.queue <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("message queue is full")
	}
}

// PublishAll 批量发布消息到队列
func (t *MemoryTransport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	if len(messages) == 0 {
		return nil
	}

	t.mutex.RLock()
	running := t.running
	t.mutex.RUnlock()

	if !running {
		return fmt.Errorf("memory transport is not running")
	}

	for _, message := range messages {
		select {
		case t.queue <- message:
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("message queue is full")
		}
	}

	return nil
}

// Subscribe 订阅指定类型的消息
func (t *MemoryTransport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.handlers[messageType] = append(t.handlers[messageType], handler)
	return nil
}

// Unsubscribe 取消订阅
func (t *MemoryTransport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	handlers := t.handlers[messageType]
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return nil
}

// Stats 获取统计信息
func (t *MemoryTransport) Stats() messaging.TransportStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	handlerCount := 0
	messageTypes := make([]string, 0, len(t.handlers))

	for messageType, handlers := range t.handlers {
		messageTypes = append(messageTypes, messageType)
		handlerCount += len(handlers)
	}

	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		MessageTypes: messageTypes,
		QueueSize:    t.queueSize,
		QueueDepth:   len(t.queue),
		WorkerCount:  t.workerCount,
	}
}

// dispatch 分发消息到订阅的处理器
//
// 收集精确匹配和通配符("*")的处理器后逐一调用；
// 单个处理器的错误只记录日志，不影响其他处理器。
func (t *MemoryTransport) dispatch(ctx context.Context, message messaging.IMessage) {
	messageType := message.GetType()

	t.mutex.RLock()
	exact := t.handlers[messageType]
	wildcard := t.handlers["*"]

	// 拷贝到新的切片，避免在读锁释放后被并发修改
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	t.mutex.RUnlock()

	for _, handler := range handlers {
		if err := handler.Handle(ctx, message); err != nil {
			t.logger.Warn(ctx, "message handler failed",
				logging.String("message_type", messageType),
				logging.String("handler", handler.Type()),
				logging.Error(err))
		}
	}
}

var _ messaging.Transport = (*MemoryTransport)(nil)
