package saga

import (
	"context"
	"time"

	"sagaflow/eventing"
	"sagaflow/messaging/command"
)

// HandlerFunc Saga 事件处理函数
//
// 处理函数读取事件内容，更新类型化的 Saga 数据，并通过执行上下文
// 排队命令或事件。排队的副作用由编排器在实例持久化成功后统一下发，
// 处理函数内不直接发布。
type HandlerFunc func(ctx context.Context, exec *ExecutionContext, event eventing.IEvent) error

// IDefinition Saga 定义接口
//
// 一个定义描述一种业务流程：它关心哪些事件、每个事件如何推进状态、
// 何时算完成、失败时如何补偿。定义本身无状态，可被多个实例共享。
type IDefinition interface {
	// SagaType 返回 Saga 类型标识（注册表键）
	SagaType() string

	// NewData 返回该类型 Saga 的空数据对象（指针），
	// 注册表用它解码持久化的 JSON 快照
	NewData() interface{}

	// OnStart Saga 启动处理，通常排队第一个命令
	OnStart(ctx context.Context, exec *ExecutionContext) error

	// Handlers 返回事件类型到处理函数的显式映射
	//
	// 映射在注册时固定，不做运行时方法扫描。收到映射之外的事件
	// 类型时编排器记录日志并丢弃。
	Handlers() map[string]HandlerFunc

	// IsComplete 判断 Saga 是否已达成完成条件
	//
	// 注意：每次事件处理成功后都会评估该判定。判定条件必须建立在
	// 确认性事件写入的数据上。若某步骤的命令已下发但确认事件尚未
	// 返回时判定就已为真，Saga 会在该步骤结果未知的情况下提前完成。
	IsComplete(data interface{}) bool

	// Compensate 补偿处理
	//
	// 按 exec.CompletedStepsReversed() 的顺序排队补偿事件，
	// 实际回滚由各子系统订阅补偿事件执行。
	Compensate(ctx context.Context, exec *ExecutionContext) error
}

// ITimeoutAware 带 SLA 超时的 Saga 定义
//
// 实现该接口的定义在启动时会被调度超时检查，超时触发时若实例
// 仍未到达终态则按超时原因进入失败补偿流程。
type ITimeoutAware interface {
	// Timeout 返回从启动算起的 SLA 时长
	Timeout() time.Duration
}

// ExecutionContext Saga 处理函数的执行上下文
//
// 上下文收集处理函数产生的副作用（命令、事件、失败标记），
// 编排器在持久化实例之后按序执行这些副作用。
type ExecutionContext struct {
	instance *SagaInstance
	data     interface{}

	commands []*command.Command
	events   []*eventing.Event

	failed     bool
	failReason string
}

func newExecutionContext(instance *SagaInstance, data interface{}) *ExecutionContext {
	return &ExecutionContext{
		instance: instance,
		data:     data,
	}
}

// SagaID 返回当前 Saga 实例 ID
func (e *ExecutionContext) SagaID() string {
	return e.instance.SagaID
}

// Data 返回类型化的 Saga 数据，处理函数断言为具体类型后读写
func (e *ExecutionContext) Data() interface{} {
	return e.data
}

// Instance 返回当前实例（只读视角，状态变更由编排器执行）
func (e *ExecutionContext) Instance() *SagaInstance {
	return e.instance
}

// MarkStepCompleted 记录一个正向步骤完成
func (e *ExecutionContext) MarkStepCompleted(stepName string) {
	e.instance.MarkStepCompleted(stepName)
}

// CompletedStepsReversed 返回已完成步骤的逆序副本（补偿顺序）
func (e *ExecutionContext) CompletedStepsReversed() []string {
	steps := e.instance.CompletedSteps
	reversed := make([]string, 0, len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		reversed = append(reversed, steps[i])
	}
	return reversed
}

// DispatchCommand 排队一个命令
//
// 命令在实例持久化成功后写入命令存储并经分发器下发。
func (e *ExecutionContext) DispatchCommand(commandType string, payload interface{}) *command.Command {
	cmd := command.NewCommand(e.instance.SagaID, commandType, payload)
	e.commands = append(e.commands, cmd)
	return cmd
}

// PublishEvent 排队一个携带 Saga 关联键的事件
func (e *ExecutionContext) PublishEvent(eventType string, data interface{}) *eventing.Event {
	evt := eventing.NewSagaEvent(e.instance.SagaID, eventType, data)
	e.events = append(e.events, evt)
	return evt
}

// Fail 标记当前处理为业务失败，编排器据此进入补偿流程
//
// Fail 之后排队的命令不会下发。
func (e *ExecutionContext) Fail(reason string) {
	e.failed = true
	e.failReason = reason
}

// Failed 返回是否已标记失败及原因
func (e *ExecutionContext) Failed() (bool, string) {
	return e.failed, e.failReason
}

// PendingCommands 返回已排队的命令
func (e *ExecutionContext) PendingCommands() []*command.Command {
	return e.commands
}

// PendingEvents 返回已排队的事件
func (e *ExecutionContext) PendingEvents() []*eventing.Event {
	return e.events
}
