// Package memory 实现 Worker 池管理
package memory

import (
	"context"
	"fmt"
)

// Start 启动传输层
//
// 启动 Worker 池开始处理消息队列。
func (t *MemoryTransport) Start(ctx context.Context) error {
	t.mutex.Lock()
	if t.running {
		t.mutex.Unlock()
		return fmt.Errorf("memory transport is already running")
	}

	t.running = true

	for i := 0; i < t.workerCount; i++ {
		t.wg.Add(1)
		go t.worker(ctx)
	}

	t.mutex.Unlock()
	return nil
}

// Close 关闭传输层
//
// 停止所有 Worker 并等待队列中缓冲的消息处理完成。
func (t *MemoryTransport) Close() error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return fmt.Errorf("memory transport is not running")
	}

	// 标记为已停止，并复制队列引用，避免持锁阻塞等待
	t.running = false
	queue := t.queue
	t.mutex.Unlock()

	// 关闭队列，Worker 将在读取完缓冲中的消息后自然退出
	close(queue)
	t.wg.Wait()

	return nil
}

// worker 工作协程：从队列中取出消息并分发给订阅的处理器
func (t *MemoryTransport) worker(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case message, ok := <-t.queue:
			if !ok {
				return
			}
			t.dispatch(ctx, message)

		case <-ctx.Done():
			return
		}
	}
}
