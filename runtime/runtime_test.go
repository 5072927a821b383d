package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 记录组件启停顺序
type recorder struct {
	mutex  sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.events...)
}

func component(name string, rec *recorder, startErr error) IComponent {
	return &ComponentFunc{
		ComponentName: name,
		OnStart: func(_ context.Context) error {
			if startErr != nil {
				return startErr
			}
			rec.add("start:" + name)
			return nil
		},
		OnStop: func(_ context.Context) error {
			rec.add("stop:" + name)
			return nil
		},
	}
}

// TestRuntime_StartStopOrder 测试按注册顺序启动、逆序停止
func TestRuntime_StartStopOrder(t *testing.T) {
	rec := &recorder{}
	rt := New(nil, WithName("test"))
	rt.Register(component("transport", rec, nil), component("relay", rec, nil), component("inbox", rec, nil))

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	assert.Equal(t, StateRunning, rt.State())

	require.NoError(t, rt.Stop(ctx))
	assert.Equal(t, StateStopped, rt.State())

	assert.Equal(t, []string{
		"start:transport", "start:relay", "start:inbox",
		"stop:inbox", "stop:relay", "stop:transport",
	}, rec.all())
}

// TestRuntime_StartFailureRollsBack 测试启动失败时已启动组件回滚
func TestRuntime_StartFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	rt := New(nil)
	rt.Register(
		component("transport", rec, nil),
		component("relay", rec, fmt.Errorf("nats unavailable")),
	)

	err := rt.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, rt.State())
	assert.Equal(t, []string{"start:transport", "stop:transport"}, rec.all())
}

// TestRuntime_AfterStartHook 测试启动后回调执行（恢复扫描挂载点）
func TestRuntime_AfterStartHook(t *testing.T) {
	var called bool
	rt := New(nil, WithAfterStart(func(_ context.Context) error {
		called = true
		return nil
	}))

	require.NoError(t, rt.Start(context.Background()))
	assert.True(t, called)
	require.NoError(t, rt.Stop(context.Background()))
}

// TestRuntime_DoubleStart 测试重复启动被拒绝
func TestRuntime_DoubleStart(t *testing.T) {
	rt := New(nil)
	require.NoError(t, rt.Start(context.Background()))
	assert.Error(t, rt.Start(context.Background()))

	// 未运行状态下 Stop 是空操作
	require.NoError(t, rt.Stop(context.Background()))
	assert.NoError(t, rt.Stop(context.Background()))
}

// TestRuntime_RunCancelledByContext 测试上下文取消触发优雅停止
func TestRuntime_RunCancelledByContext(t *testing.T) {
	rec := &recorder{}
	rt := New(nil)
	rt.Register(component("transport", rec, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, rt.Run(ctx))
	assert.Equal(t, StateStopped, rt.State())
	assert.Equal(t, []string{"start:transport", "stop:transport"}, rec.all())
}
