// Package timeout 提供 Saga SLA 超时调度
//
// 调度是建议性的：取消只保证回调不再被调度，不保证已触发的回调
// 停止执行。因此回调内必须重新加载实例并检查终态，终态实例的
// 超时触发是空操作。
package timeout

import (
	"context"
	"sync"
	"time"

	"sagaflow/logging"
)

// Callback 超时回调
type Callback func(ctx context.Context)

// IScheduler 超时调度器接口
type IScheduler interface {
	// Schedule 在 delay 之后执行回调，同一 key 重复调度会替换旧的
	Schedule(key string, delay time.Duration, fn Callback)

	// Cancel 取消指定 key 的调度，返回是否存在待触发的调度
	//
	// 取消是建议性的，已经开始执行的回调不会被打断。
	Cancel(key string) bool

	// Stop 停止调度器并取消所有待触发的调度
	Stop()
}

// MemoryScheduler 基于 time.Timer 的进程内调度器
//
// 进程重启后调度丢失，依赖启动时扫描未终态实例重新调度。
type MemoryScheduler struct {
	mutex   sync.Mutex
	timers  map[string]*time.Timer
	logger  logging.Logger
	stopped bool
}

var _ IScheduler = (*MemoryScheduler)(nil)

// NewMemoryScheduler 创建内存调度器
func NewMemoryScheduler(logger logging.Logger) *MemoryScheduler {
	if logger == nil {
		logger = logging.ComponentLogger("saga.timeout")
	}
	return &MemoryScheduler{
		timers: make(map[string]*time.Timer),
		logger: logger,
	}
}

// Schedule 调度超时回调
func (s *MemoryScheduler) Schedule(key string, delay time.Duration, fn Callback) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stopped {
		return
	}
	if existing, ok := s.timers[key]; ok {
		existing.Stop()
	}

	s.timers[key] = time.AfterFunc(delay, func() {
		s.mutex.Lock()
		delete(s.timers, key)
		s.mutex.Unlock()

		s.logger.Debug(context.Background(), "超时触发", logging.String("key", key))
		fn(context.Background())
	})
}

// Cancel 取消调度
func (s *MemoryScheduler) Cancel(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	timer, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	return timer.Stop()
}

// Stop 停止调度器
func (s *MemoryScheduler) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.stopped = true
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}
