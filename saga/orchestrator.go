package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
	"sagaflow/idgen"
	"sagaflow/logging"
	"sagaflow/messaging/command"
	"sagaflow/outbox"
	"sagaflow/retry"
	"sagaflow/saga/timeout"
)

// Saga 生命周期事件类型
const (
	// EventSagaStarted Saga 已启动
	EventSagaStarted = "saga.started"

	// EventSagaCompleted Saga 已完成
	EventSagaCompleted = "saga.completed"

	// EventSagaFailed Saga 已失败，即将补偿
	EventSagaFailed = "saga.failed"

	// EventSagaCompensated Saga 已补偿完成
	EventSagaCompensated = "saga.compensated"

	// EventSagaCompensationFailed Saga 补偿失败，需要人工介入
	EventSagaCompensationFailed = "saga.compensation_failed"
)

// TimeoutReason 超时触发失败时记录的原因
const TimeoutReason = "saga execution timed out"

// sagaLifecyclePayload 生命周期事件负载
type sagaLifecyclePayload struct {
	SagaID   string `json:"saga_id"`
	SagaType string `json:"saga_type"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// VersionRetry 乐观锁版本冲突的有界重试
	VersionRetry retry.Config

	// CompensationRetry 直连总线发布补偿事件时的重试，
	// 走 Outbox 路径时由中继自带重试，不使用该配置
	CompensationRetry retry.Config
}

// DefaultOrchestratorConfig 返回默认配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		VersionRetry:      retry.DefaultConfig(),
		CompensationRetry: retry.DefaultConfig(),
	}
}

// Orchestrator Saga 编排器
//
// 编排器是事件驱动的：它不线性执行步骤，而是消费各子系统的集成事件，
// 按事件推进 Saga 状态机。每个事件的处理遵循同一条路径：
// 加载实例、终态与重复检查、执行处理函数、持久化（乐观锁）、
// 下发命令并发布事件。
//
// 并发约束：同一 Saga 实例的事件应串行处理（收件箱按实例排队），
// 乐观版本控制兜底处理竞态。
type Orchestrator struct {
	registry     *Registry
	store        IInstanceStore
	commandStore ICommandStore
	dispatcher   command.IDispatcher
	eventBus     eventing.IEventBus

	// outboxRepo 非 nil 时事件经 Outbox 入库，由中继异步发布
	outboxRepo outbox.IOutboxRepository

	// scheduler 非 nil 时为带 SLA 的 Saga 调度超时检查
	scheduler timeout.IScheduler

	config OrchestratorConfig
	logger logging.Logger
}

// Option 编排器可选配置
type Option func(*Orchestrator)

// WithOutbox 启用 Outbox 发布路径
func WithOutbox(repo outbox.IOutboxRepository) Option {
	return func(o *Orchestrator) { o.outboxRepo = repo }
}

// WithScheduler 启用超时调度
func WithScheduler(scheduler timeout.IScheduler) Option {
	return func(o *Orchestrator) { o.scheduler = scheduler }
}

// WithConfig 覆盖默认配置
func WithConfig(config OrchestratorConfig) Option {
	return func(o *Orchestrator) { o.config = config }
}

// NewOrchestrator 创建 Saga 编排器
func NewOrchestrator(
	registry *Registry,
	store IInstanceStore,
	commandStore ICommandStore,
	dispatcher command.IDispatcher,
	eventBus eventing.IEventBus,
	logger logging.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = logging.ComponentLogger("saga.orchestrator")
	}
	o := &Orchestrator{
		registry:     registry,
		store:        store,
		commandStore: commandStore,
		dispatcher:   dispatcher,
		eventBus:     eventBus,
		config:       DefaultOrchestratorConfig(),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start 启动一个新的 Saga 实例
//
// 执行定义的起始处理，持久化实例与命令，下发命令并发布启动事件，
// 带 SLA 的定义同时调度超时检查。返回新实例的 SagaID。
func (o *Orchestrator) Start(ctx context.Context, sagaType string, data interface{}) (string, error) {
	def, err := o.registry.Resolve(sagaType)
	if err != nil {
		return "", err
	}
	if data == nil {
		data = def.NewData()
	}

	instance := NewSagaInstance(idgen.NewSagaID(), sagaType)
	exec := newExecutionContext(instance, data)

	o.logger.Info(ctx, "启动 Saga",
		logging.String("saga_id", instance.SagaID),
		logging.String("saga_type", sagaType))

	if err := def.OnStart(ctx, exec); err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeInternal, "saga 起始处理失败")
	}
	if failed, reason := exec.Failed(); failed {
		return "", apperrors.NewError(apperrors.ErrCodeValidation, "saga 起始处理拒绝启动: "+reason)
	}

	if err := instance.MarkExecuting(); err != nil {
		return "", err
	}

	var slaDelay time.Duration
	if aware, ok := def.(ITimeoutAware); ok && aware.Timeout() > 0 {
		slaDelay = aware.Timeout()
		instance.SetTimeout(instance.StartedAt.Add(slaDelay))
	}

	records, err := o.stageCommands(instance, exec)
	if err != nil {
		return "", err
	}
	if err := o.snapshotData(instance, exec); err != nil {
		return "", err
	}

	if err := o.store.Save(ctx, instance); err != nil {
		return "", err
	}

	if err := o.flushCommands(ctx, exec.PendingCommands(), records); err != nil {
		return "", err
	}
	if err := o.publishEvents(ctx, exec.PendingEvents()); err != nil {
		return "", err
	}
	o.publishLifecycle(ctx, instance, EventSagaStarted, "")

	if o.scheduler != nil && slaDelay > 0 {
		sagaID := instance.SagaID
		o.scheduler.Schedule(sagaID, slaDelay, func(cbCtx context.Context) {
			if err := o.FailIfActive(cbCtx, sagaID, TimeoutReason); err != nil {
				o.logger.Error(cbCtx, "超时处理失败",
					logging.String("saga_id", sagaID), logging.Error(err))
			}
		})
	}

	return instance.SagaID, nil
}

// Handle 处理一个携带 Saga 关联键的事件
//
// 处理语义：
//   - 实例不存在：记录告警并丢弃（返回 nil），晚到事件不算错误
//   - 实例终态：空操作
//   - 事件已应用过：空操作（幂等）
//   - 版本冲突：有界重试后转为结构性错误，由消费方转入死信
func (o *Orchestrator) Handle(ctx context.Context, event eventing.IEvent) error {
	sagaID := event.GetSagaID()
	if sagaID == "" {
		o.logger.Warn(ctx, "事件缺少 saga_id，忽略",
			logging.String("event_id", event.GetID()),
			logging.String("event_type", event.GetType()))
		return nil
	}

	return o.withVersionRetry(ctx, sagaID, func(ctx context.Context) error {
		return o.handleOnce(ctx, sagaID, event)
	})
}

// HandlerFunc 返回可注册到事件总线或收件箱处理器的处理函数
func (o *Orchestrator) HandlerFunc() eventing.EventHandlerFunc {
	return o.Handle
}

// withVersionRetry 在版本冲突时做有界重试
//
// 重试耗尽后错误升格为结构性错误：持续冲突说明存在未按实例
// 串行化的消费路径，继续自动重试只会空转，转入死信等待排查。
func (o *Orchestrator) withVersionRetry(ctx context.Context, sagaID string, op func(ctx context.Context) error) error {
	cfg := o.config.VersionRetry
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err

		o.logger.Warn(ctx, "Saga 版本冲突，重试",
			logging.String("saga_id", sagaID),
			logging.Int("attempt", attempt))

		if attempt < cfg.MaxAttempts {
			select {
			case <-time.After(retry.Backoff(cfg, attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return apperrors.WrapError(lastErr, apperrors.ErrCodeStructural, "saga 版本冲突重试耗尽")
}

func (o *Orchestrator) handleOnce(ctx context.Context, sagaID string, event eventing.IEvent) error {
	instance, err := o.store.Load(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			o.logger.Warn(ctx, "Saga 实例不存在，丢弃事件",
				logging.String("saga_id", sagaID),
				logging.String("event_type", event.GetType()))
			return nil
		}
		return err
	}

	if instance.IsTerminal() {
		o.logger.Debug(ctx, "Saga 已到终态，忽略事件",
			logging.String("saga_id", sagaID),
			logging.String("status", string(instance.Status)),
			logging.String("event_type", event.GetType()))
		return nil
	}

	if instance.HasProcessedEvent(event.GetID()) {
		o.logger.Debug(ctx, "事件已应用过，忽略",
			logging.String("saga_id", sagaID),
			logging.String("event_id", event.GetID()))
		return nil
	}

	def, err := o.registry.Resolve(instance.SagaType)
	if err != nil {
		return err
	}
	data, err := o.registry.DecodeData(def, instance.Data)
	if err != nil {
		return err
	}

	handler, ok := def.Handlers()[event.GetType()]
	if !ok {
		o.logger.Warn(ctx, "事件类型无对应处理函数，忽略",
			logging.String("saga_id", sagaID),
			logging.String("saga_type", instance.SagaType),
			logging.String("event_type", event.GetType()))
		return nil
	}

	exec := newExecutionContext(instance, data)
	if err := handler(ctx, exec, event); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "saga 事件处理失败")
	}

	instance.RecordProcessedEvent(event.GetID())

	if failed, reason := exec.Failed(); failed {
		o.logger.Warn(ctx, "Saga 标记失败，进入补偿",
			logging.String("saga_id", sagaID),
			logging.String("reason", reason))
		return o.fail(ctx, instance, def, exec, reason)
	}

	completed := def.IsComplete(data)
	if completed {
		if err := instance.MarkCompleted(); err != nil {
			return err
		}
	}

	records, err := o.stageCommands(instance, exec)
	if err != nil {
		return err
	}
	if err := o.snapshotData(instance, exec); err != nil {
		return err
	}

	if err := o.store.Update(ctx, instance); err != nil {
		return err
	}

	if err := o.flushCommands(ctx, exec.PendingCommands(), records); err != nil {
		return err
	}
	if err := o.publishEvents(ctx, exec.PendingEvents()); err != nil {
		return err
	}

	if completed {
		o.cancelTimeout(instance.SagaID)
		o.publishLifecycle(ctx, instance, EventSagaCompleted, "")
		o.logger.Info(ctx, "Saga 完成",
			logging.String("saga_id", sagaID),
			logging.String("saga_type", instance.SagaType))
	}

	return nil
}

// Fail 将指定实例标记为失败并触发补偿
//
// 用于事件处理之外的失败来源（外部中止、运维介入）。
func (o *Orchestrator) Fail(ctx context.Context, sagaID, reason string) error {
	return o.withVersionRetry(ctx, sagaID, func(ctx context.Context) error {
		return o.failByID(ctx, sagaID, reason, false)
	})
}

// FailIfActive 实例仍未到终态时标记失败并触发补偿
//
// 超时回调使用：取消是建议性的，回调触发时实例可能刚好完成，
// 终态实例的触发是空操作。
func (o *Orchestrator) FailIfActive(ctx context.Context, sagaID, reason string) error {
	return o.withVersionRetry(ctx, sagaID, func(ctx context.Context) error {
		return o.failByID(ctx, sagaID, reason, true)
	})
}

func (o *Orchestrator) failByID(ctx context.Context, sagaID, reason string, skipMissing bool) error {
	instance, err := o.store.Load(ctx, sagaID)
	if err != nil {
		if skipMissing && errors.Is(err, ErrSagaNotFound) {
			return nil
		}
		return err
	}
	if instance.IsTerminal() {
		o.logger.Debug(ctx, "Saga 已到终态，跳过失败处理",
			logging.String("saga_id", sagaID),
			logging.String("status", string(instance.Status)))
		return nil
	}

	def, err := o.registry.Resolve(instance.SagaType)
	if err != nil {
		return err
	}
	data, err := o.registry.DecodeData(def, instance.Data)
	if err != nil {
		return err
	}

	exec := newExecutionContext(instance, data)
	return o.fail(ctx, instance, def, exec, reason)
}

// fail 执行失败与补偿流程
//
// 先持久化 failed 状态再持久化 compensating，两次持久化之间崩溃时，
// 启动恢复扫描会把 failed 实例重新送入补偿。补偿事件按正向完成的
// 逆序发布，实际回滚由各子系统订阅补偿事件执行。
func (o *Orchestrator) fail(ctx context.Context, instance *SagaInstance, def IDefinition, exec *ExecutionContext, reason string) error {
	if instance.Status == SagaStatusCompensating {
		o.logger.Debug(ctx, "Saga 已在补偿中，跳过重复触发",
			logging.String("saga_id", instance.SagaID))
		return nil
	}

	if instance.Status != SagaStatusFailed {
		if err := instance.MarkFailed(reason); err != nil {
			return err
		}
		if err := o.snapshotData(instance, exec); err != nil {
			return err
		}
		if err := o.store.Update(ctx, instance); err != nil {
			return err
		}
	}

	o.publishLifecycle(ctx, instance, EventSagaFailed, reason)

	if err := instance.MarkCompensating(); err != nil {
		return err
	}
	if err := o.store.Update(ctx, instance); err != nil {
		return err
	}

	o.logger.Info(ctx, "开始补偿",
		logging.String("saga_id", instance.SagaID),
		logging.String("saga_type", instance.SagaType),
		logging.String("reason", reason))

	compExec := newExecutionContext(instance, exec.data)
	compensationErr := def.Compensate(ctx, compExec)
	if compensationErr == nil {
		compensationErr = o.publishCompensationEvents(ctx, compExec.PendingEvents())
	}

	if compensationErr != nil {
		o.logger.Error(ctx, "补偿失败",
			logging.String("saga_id", instance.SagaID),
			logging.Error(compensationErr))
		if err := instance.MarkCompensationFailed(compensationErr.Error()); err != nil {
			return err
		}
		if err := o.store.Update(ctx, instance); err != nil {
			return err
		}
		o.cancelTimeout(instance.SagaID)
		o.publishLifecycle(ctx, instance, EventSagaCompensationFailed, compensationErr.Error())
		return nil
	}

	if err := instance.MarkCompensated(); err != nil {
		return err
	}
	if err := o.store.Update(ctx, instance); err != nil {
		return err
	}
	o.cancelTimeout(instance.SagaID)
	o.publishLifecycle(ctx, instance, EventSagaCompensated, reason)

	o.logger.Info(ctx, "补偿完成", logging.String("saga_id", instance.SagaID))
	return nil
}

// publishCompensationEvents 发布补偿事件
//
// 配置了 Outbox 时入库交给中继（中继自带重试与死信），
// 否则直连总线发布并做有界重试。
func (o *Orchestrator) publishCompensationEvents(ctx context.Context, events []*eventing.Event) error {
	if len(events) == 0 {
		return nil
	}
	if o.outboxRepo != nil {
		return o.outboxRepo.Save(ctx, asIEvents(events)...)
	}

	for _, evt := range events {
		evt := evt
		err := retry.Do(ctx, func(ctx context.Context) error {
			return o.eventBus.PublishEvent(ctx, evt)
		}, o.config.CompensationRetry)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeQueue, "发布补偿事件失败")
		}
	}
	return nil
}

// RestoreTimeouts 进程重启后恢复超时调度
//
// 扫描执行中的实例：超时时间已过的立即进入失败补偿，
// 未过的按剩余时长重新调度。failed 状态的实例重新送入补偿。
func (o *Orchestrator) RestoreTimeouts(ctx context.Context) error {
	if o.scheduler == nil {
		return nil
	}

	for _, status := range []SagaStatus{SagaStatusStarted, SagaStatusExecuting} {
		instances, err := o.store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, instance := range instances {
			if instance.TimeoutAt == nil {
				continue
			}
			sagaID := instance.SagaID
			remaining := time.Until(*instance.TimeoutAt)
			if remaining <= 0 {
				if err := o.FailIfActive(ctx, sagaID, TimeoutReason); err != nil {
					o.logger.Error(ctx, "恢复超时处理失败",
						logging.String("saga_id", sagaID), logging.Error(err))
				}
				continue
			}
			o.scheduler.Schedule(sagaID, remaining, func(cbCtx context.Context) {
				if err := o.FailIfActive(cbCtx, sagaID, TimeoutReason); err != nil {
					o.logger.Error(cbCtx, "超时处理失败",
						logging.String("saga_id", sagaID), logging.Error(err))
				}
			})
		}
	}

	failed, err := o.store.ListByStatus(ctx, SagaStatusFailed)
	if err != nil {
		return err
	}
	for _, instance := range failed {
		if err := o.FailIfActive(ctx, instance.SagaID, instance.FailureReason); err != nil {
			o.logger.Error(ctx, "恢复补偿失败",
				logging.String("saga_id", instance.SagaID), logging.Error(err))
		}
	}
	return nil
}

// stageCommands 将排队命令转为存储记录并登记到实例
func (o *Orchestrator) stageCommands(instance *SagaInstance, exec *ExecutionContext) ([]*SagaCommand, error) {
	commands := exec.PendingCommands()
	if len(commands) == 0 {
		return nil, nil
	}

	records := make([]*SagaCommand, 0, len(commands))
	for _, cmd := range commands {
		record, err := CommandFromDispatch(cmd)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeValidation, "命令序列化失败")
		}
		records = append(records, record)
		instance.RecordCommand(record.CommandID)
	}
	return records, nil
}

// flushCommands 持久化并下发命令
//
// commands 与 records 一一对应，下发走排队时的原始命令对象，
// 本进程处理方收到的是类型化负载而非序列化副本。
func (o *Orchestrator) flushCommands(ctx context.Context, commands []*command.Command, records []*SagaCommand) error {
	if len(records) == 0 {
		return nil
	}
	if o.commandStore != nil {
		if err := o.commandStore.Save(ctx, records...); err != nil {
			return err
		}
	}

	for i, cmd := range commands {
		if err := o.dispatcher.Dispatch(ctx, cmd); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeQueue, "命令下发失败")
		}
		if o.commandStore != nil {
			if err := o.commandStore.MarkDispatched(ctx, records[i].CommandID); err != nil {
				o.logger.Warn(ctx, "标记命令已下发失败",
					logging.String("command_id", records[i].CommandID), logging.Error(err))
			}
		}
	}
	return nil
}

// publishEvents 发布处理函数排队的事件
func (o *Orchestrator) publishEvents(ctx context.Context, events []*eventing.Event) error {
	if len(events) == 0 {
		return nil
	}
	if o.outboxRepo != nil {
		return o.outboxRepo.Save(ctx, asIEvents(events)...)
	}
	return o.eventBus.PublishEvents(ctx, asIEvents(events))
}

// publishLifecycle 发布生命周期事件，失败只记日志不影响主流程
func (o *Orchestrator) publishLifecycle(ctx context.Context, instance *SagaInstance, eventType, reason string) {
	evt := eventing.NewSagaEvent(instance.SagaID, eventType, sagaLifecyclePayload{
		SagaID:   instance.SagaID,
		SagaType: instance.SagaType,
		Status:   string(instance.Status),
		Reason:   reason,
	})

	var err error
	if o.outboxRepo != nil {
		err = o.outboxRepo.Save(ctx, evt)
	} else {
		err = o.eventBus.PublishEvent(ctx, evt)
	}
	if err != nil {
		o.logger.Warn(ctx, "发布生命周期事件失败",
			logging.String("saga_id", instance.SagaID),
			logging.String("event_type", eventType),
			logging.Error(err))
	}
}

// snapshotData 将类型化数据序列化为实例快照
func (o *Orchestrator) snapshotData(instance *SagaInstance, exec *ExecutionContext) error {
	if exec.data == nil {
		return nil
	}
	data, err := json.Marshal(exec.data)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeValidation, "saga 数据快照序列化失败")
	}
	instance.Data = data
	return nil
}

func (o *Orchestrator) cancelTimeout(sagaID string) {
	if o.scheduler != nil {
		o.scheduler.Cancel(sagaID)
	}
}

func asIEvents(events []*eventing.Event) []eventing.IEvent {
	result := make([]eventing.IEvent, len(events))
	for i, e := range events {
		result[i] = e
	}
	return result
}
