// Package runtime 提供投递基架组件的生命周期管理
//
// 一个进程通常同时运行传输层、发件箱中继、收件箱处理器与超时调度器。
// Runtime 按注册顺序启动组件，按逆序优雅停止，并负责信号监听。
package runtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sagaflow/logging"
)

// State 生命周期状态
type State int

const (
	// StatePending 等待启动
	StatePending State = iota
	// StateRunning 运行中
	StateRunning
	// StateStopping 正在优雅停止
	StateStopping
	// StateStopped 已停止
	StateStopped
	// StateError 启动或停止过程中出错
	StateError
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// IComponent 可被 Runtime 管理的组件
type IComponent interface {
	// Name 组件名称（日志用）
	Name() string

	// Start 启动组件，必须非阻塞返回
	Start(ctx context.Context) error

	// Stop 停止组件，应在 ctx 超时前完成清理
	Stop(ctx context.Context) error
}

// Hook 生命周期回调
type Hook func(ctx context.Context) error

// Options Runtime 配置
type Options struct {
	Name            string
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration

	// OnAfterStart 全部组件启动后执行（用于恢复扫描等启动任务）
	OnAfterStart []Hook

	// OnBeforeStop 停止组件前执行
	OnBeforeStop []Hook
}

// Option 配置修改函数
type Option func(*Options)

// DefaultOptions 获取默认配置
func DefaultOptions() *Options {
	return &Options{
		Name:            "sagaflow",
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// WithName 设置进程名称
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithStartupTimeout 设置启动超时
func WithStartupTimeout(t time.Duration) Option {
	return func(o *Options) { o.StartupTimeout = t }
}

// WithShutdownTimeout 设置停止超时
func WithShutdownTimeout(t time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = t }
}

// WithAfterStart 添加启动后回调
func WithAfterStart(fn Hook) Option {
	return func(o *Options) { o.OnAfterStart = append(o.OnAfterStart, fn) }
}

// WithBeforeStop 添加停止前回调
func WithBeforeStop(fn Hook) Option {
	return func(o *Options) { o.OnBeforeStop = append(o.OnBeforeStop, fn) }
}

// Runtime 组件生命周期运行时
type Runtime struct {
	options    *Options
	components []IComponent
	logger     logging.Logger

	mutex   sync.Mutex
	state   State
	started []IComponent
}

// New 创建 Runtime
func New(logger logging.Logger, opts ...Option) *Runtime {
	options := DefaultOptions()
	for _, o := range opts {
		o(options)
	}
	if logger == nil {
		logger = logging.ComponentLogger("runtime")
	}
	return &Runtime{
		options: options,
		logger:  logger,
		state:   StatePending,
	}
}

// Register 注册组件，按注册顺序启动
func (r *Runtime) Register(components ...IComponent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.components = append(r.components, components...)
}

// State 获取当前状态
func (r *Runtime) State() State {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state
}

// Start 启动全部组件并执行启动后回调
//
// 任一组件启动失败时，已启动的组件按逆序回滚停止。
func (r *Runtime) Start(ctx context.Context) error {
	r.mutex.Lock()
	if r.state != StatePending {
		r.mutex.Unlock()
		return fmt.Errorf("runtime 已启动（状态 %s）", r.state)
	}
	components := r.components
	r.mutex.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, r.options.StartupTimeout)
	defer cancel()

	r.logger.Info(ctx, "启动运行时", logging.String("name", r.options.Name))

	for _, component := range components {
		if err := component.Start(startCtx); err != nil {
			r.logger.Error(ctx, "组件启动失败",
				logging.String("component", component.Name()), logging.Error(err))
			r.rollback(ctx)
			r.setState(StateError)
			return fmt.Errorf("组件 %s 启动失败: %w", component.Name(), err)
		}
		r.logger.Info(ctx, "组件已启动", logging.String("component", component.Name()))

		r.mutex.Lock()
		r.started = append(r.started, component)
		r.mutex.Unlock()
	}

	for _, hook := range r.options.OnAfterStart {
		if err := hook(ctx); err != nil {
			r.logger.Warn(ctx, "启动后回调失败", logging.Error(err))
		}
	}

	r.setState(StateRunning)
	return nil
}

// Stop 按启动逆序停止全部组件
func (r *Runtime) Stop(ctx context.Context) error {
	r.mutex.Lock()
	if r.state != StateRunning {
		r.mutex.Unlock()
		return nil
	}
	r.state = StateStopping
	r.mutex.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), r.options.ShutdownTimeout)
	defer cancel()

	for _, hook := range r.options.OnBeforeStop {
		if err := hook(stopCtx); err != nil {
			r.logger.Warn(ctx, "停止前回调失败", logging.Error(err))
		}
	}

	err := r.rollback(stopCtx)
	if err != nil {
		r.setState(StateError)
		return err
	}

	r.setState(StateStopped)
	r.logger.Info(ctx, "运行时已停止", logging.String("name", r.options.Name))
	return nil
}

// Run 启动后阻塞等待退出信号，收到信号或 ctx 取消后优雅停止
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		r.logger.Info(ctx, "收到退出信号", logging.String("signal", sig.String()))
	case <-ctx.Done():
		r.logger.Info(ctx, "上下文取消，准备停止")
	}

	return r.Stop(context.Background())
}

// rollback 按逆序停止已启动的组件
func (r *Runtime) rollback(ctx context.Context) error {
	r.mutex.Lock()
	started := r.started
	r.started = nil
	r.mutex.Unlock()

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		component := started[i]
		if err := component.Stop(ctx); err != nil {
			r.logger.Warn(ctx, "组件停止失败",
				logging.String("component", component.Name()), logging.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("组件 %s 停止失败: %w", component.Name(), err)
			}
			continue
		}
		r.logger.Info(ctx, "组件已停止", logging.String("component", component.Name()))
	}
	return firstErr
}

func (r *Runtime) setState(state State) {
	r.mutex.Lock()
	r.state = state
	r.mutex.Unlock()
}

// ComponentFunc 以函数对组装组件
type ComponentFunc struct {
	ComponentName string
	OnStart       func(ctx context.Context) error
	OnStop        func(ctx context.Context) error
}

var _ IComponent = (*ComponentFunc)(nil)

func (c *ComponentFunc) Name() string { return c.ComponentName }

func (c *ComponentFunc) Start(ctx context.Context) error {
	if c.OnStart == nil {
		return nil
	}
	return c.OnStart(ctx)
}

func (c *ComponentFunc) Stop(ctx context.Context) error {
	if c.OnStop == nil {
		return nil
	}
	return c.OnStop(ctx)
}
