package timeout

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestMemoryScheduler_FiresCallback 测试超时回调触发
func TestMemoryScheduler_FiresCallback(t *testing.T) {
	scheduler := NewMemoryScheduler(nil)
	defer scheduler.Stop()

	var fired int32
	scheduler.Schedule("saga-1", 10*time.Millisecond, func(_ context.Context) {
		atomic.AddInt32(&fired, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)

	// 触发后调度项被移除
	assert.False(t, scheduler.Cancel("saga-1"))
}

// TestMemoryScheduler_Cancel 测试取消后回调不触发
func TestMemoryScheduler_Cancel(t *testing.T) {
	scheduler := NewMemoryScheduler(nil)
	defer scheduler.Stop()

	var fired int32
	scheduler.Schedule("saga-1", 30*time.Millisecond, func(_ context.Context) {
		atomic.AddInt32(&fired, 1)
	})

	assert.True(t, scheduler.Cancel("saga-1"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	// 不存在的 key
	assert.False(t, scheduler.Cancel("saga-missing"))
}

// TestMemoryScheduler_Reschedule 测试同一 key 重复调度替换旧的
func TestMemoryScheduler_Reschedule(t *testing.T) {
	scheduler := NewMemoryScheduler(nil)
	defer scheduler.Stop()

	var first, second int32
	scheduler.Schedule("saga-1", 20*time.Millisecond, func(_ context.Context) {
		atomic.AddInt32(&first, 1)
	})
	scheduler.Schedule("saga-1", 20*time.Millisecond, func(_ context.Context) {
		atomic.AddInt32(&second, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&second) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
}

// TestMemoryScheduler_Stop 测试停止后取消全部调度且不再接受新调度
func TestMemoryScheduler_Stop(t *testing.T) {
	scheduler := NewMemoryScheduler(nil)

	var fired int32
	scheduler.Schedule("saga-1", 20*time.Millisecond, func(_ context.Context) {
		atomic.AddInt32(&fired, 1)
	})
	scheduler.Stop()

	scheduler.Schedule("saga-2", time.Millisecond, func(_ context.Context) {
		atomic.AddInt32(&fired, 1)
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
