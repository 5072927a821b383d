// Package saga 提供 Saga 模式实现，用于管理分布式长时事务
//
// Saga 将跨子系统的长时事务拆分为多个本地事务，每个本地事务都有对应的
// 补偿事务。某个步骤失败时，按正向完成的逆序发布补偿事件，由独立注册的
// 处理器执行实际回滚，最终达到最终一致性。
//
// 设计原则：
//   - 事件驱动：编排器消费集成事件推进状态机，而非线性执行步骤
//   - 状态快照持久化（乐观版本控制），不做事件溯源回放
//   - 复用 CommandDispatcher 下发命令，复用 EventBus 发布事件
//   - 类型化的 Saga 数据与显式注册的处理器映射，不做运行时扫描
package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// SagaStatus Saga 实例状态枚举
type SagaStatus string

const (
	// SagaStatusStarted 已创建，起始处理尚未完成
	SagaStatusStarted SagaStatus = "started"

	// SagaStatusExecuting 正向执行中
	SagaStatusExecuting SagaStatus = "executing"

	// SagaStatusCompleted 已完成（终态）
	SagaStatusCompleted SagaStatus = "completed"

	// SagaStatusFailed 已失败，等待补偿
	SagaStatusFailed SagaStatus = "failed"

	// SagaStatusCompensating 补偿中
	SagaStatusCompensating SagaStatus = "compensating"

	// SagaStatusCompensated 已补偿（终态）
	SagaStatusCompensated SagaStatus = "compensated"

	// SagaStatusCompensationFailed 补偿失败（终态，需要人工介入）
	SagaStatusCompensationFailed SagaStatus = "compensation_failed"
)

// IsTerminal 判断是否为终态
//
// 终态实例吸收后续事件：再收到事件时记录日志并丢弃，不做任何状态变更。
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusCompensated, SagaStatusCompensationFailed:
		return true
	}
	return false
}

// allowedTransitions 合法的状态迁移
//
// 状态机只进不退：正向路径 started → executing → completed；
// 失败路径 executing → failed → compensating → compensated/compensation_failed。
var allowedTransitions = map[SagaStatus][]SagaStatus{
	SagaStatusStarted:      {SagaStatusExecuting, SagaStatusCompleted, SagaStatusFailed},
	SagaStatusExecuting:    {SagaStatusCompleted, SagaStatusFailed},
	SagaStatusFailed:       {SagaStatusCompensating},
	SagaStatusCompensating: {SagaStatusCompensated, SagaStatusCompensationFailed},
}

// CanTransition 判断状态迁移是否合法
func (s SagaStatus) CanTransition(target SagaStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// SagaError Saga 执行过程中记录的一次错误
type SagaError struct {
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SagaInstance Saga 实例
//
// 记录一次业务流程的执行状态，用于持久化和恢复。
//
// 并发约束：实例的所有变更都走"加载、变更、带版本保存"，版本冲突由
// 调用方（编排器）做有界重试。实例本身不加锁。
type SagaInstance struct {
	// SagaID Saga 唯一标识（关联键）
	SagaID string `json:"saga_id"`

	// SagaType Saga 类型，对应注册表中的定义
	SagaType string `json:"saga_type"`

	// Status 当前状态
	Status SagaStatus `json:"status"`

	// Data 类型化业务数据的 JSON 快照，由注册表按类型解码
	Data json.RawMessage `json:"data,omitempty"`

	// CompletedSteps 已完成步骤名称，按正向完成顺序记录，
	// 补偿按此逆序发布补偿事件
	CompletedSteps []string `json:"completed_steps"`

	// ProcessedEventIDs 已应用的事件 ID（幂等去重）
	ProcessedEventIDs []string `json:"processed_event_ids"`

	// PendingCommandIDs 已生成命令的 ID 列表，命令本体在命令存储中
	PendingCommandIDs []string `json:"pending_command_ids"`

	// Version 乐观并发控制版本号
	Version uint64 `json:"version"`

	// FailureReason 最近一次失败原因
	FailureReason string `json:"failure_reason,omitempty"`

	// Errors 执行过程中的错误日志
	Errors []SagaError `json:"errors,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// TimeoutAt SLA 超时时间点，nil 表示无超时
	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
}

// NewSagaInstance 创建新的 Saga 实例
func NewSagaInstance(sagaID, sagaType string) *SagaInstance {
	now := time.Now()
	return &SagaInstance{
		SagaID:            sagaID,
		SagaType:          sagaType,
		Status:            SagaStatusStarted,
		CompletedSteps:    []string{},
		ProcessedEventIDs: []string{},
		PendingCommandIDs: []string{},
		Version:           0,
		StartedAt:         now,
		UpdatedAt:         now,
	}
}

// IsTerminal 判断实例是否处于终态
func (s *SagaInstance) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// transitionTo 执行状态迁移，非法迁移返回错误
func (s *SagaInstance) transitionTo(target SagaStatus) error {
	if s.Status == target {
		return nil
	}
	if !s.Status.CanTransition(target) {
		return fmt.Errorf("%w: %s -> %s", ErrSagaInvalidTransition, s.Status, target)
	}
	s.Status = target
	s.UpdatedAt = time.Now()
	return nil
}

// MarkExecuting 标记进入正向执行
func (s *SagaInstance) MarkExecuting() error {
	return s.transitionTo(SagaStatusExecuting)
}

// MarkCompleted 标记完成
func (s *SagaInstance) MarkCompleted() error {
	if err := s.transitionTo(SagaStatusCompleted); err != nil {
		return err
	}
	now := time.Now()
	s.CompletedAt = &now
	return nil
}

// MarkFailed 标记失败并记录原因
func (s *SagaInstance) MarkFailed(reason string) error {
	if err := s.transitionTo(SagaStatusFailed); err != nil {
		return err
	}
	s.FailureReason = reason
	s.RecordError(reason)
	return nil
}

// MarkCompensating 标记进入补偿
func (s *SagaInstance) MarkCompensating() error {
	return s.transitionTo(SagaStatusCompensating)
}

// MarkCompensated 标记补偿完成
func (s *SagaInstance) MarkCompensated() error {
	if err := s.transitionTo(SagaStatusCompensated); err != nil {
		return err
	}
	now := time.Now()
	s.CompletedAt = &now
	return nil
}

// MarkCompensationFailed 标记补偿失败
func (s *SagaInstance) MarkCompensationFailed(reason string) error {
	if err := s.transitionTo(SagaStatusCompensationFailed); err != nil {
		return err
	}
	s.RecordError(reason)
	now := time.Now()
	s.CompletedAt = &now
	return nil
}

// MarkStepCompleted 记录一个正向步骤完成
//
// 同一步骤重复标记是幂等的。
func (s *SagaInstance) MarkStepCompleted(stepName string) {
	for _, step := range s.CompletedSteps {
		if step == stepName {
			return
		}
	}
	s.CompletedSteps = append(s.CompletedSteps, stepName)
	s.UpdatedAt = time.Now()
}

// HasProcessedEvent 判断事件是否已应用过
func (s *SagaInstance) HasProcessedEvent(eventID string) bool {
	for _, id := range s.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// RecordProcessedEvent 记录已应用的事件 ID
func (s *SagaInstance) RecordProcessedEvent(eventID string) {
	if eventID == "" || s.HasProcessedEvent(eventID) {
		return
	}
	s.ProcessedEventIDs = append(s.ProcessedEventIDs, eventID)
}

// RecordCommand 记录一个已生成的命令 ID
func (s *SagaInstance) RecordCommand(commandID string) {
	s.PendingCommandIDs = append(s.PendingCommandIDs, commandID)
}

// RecordError 追加一条错误日志
func (s *SagaInstance) RecordError(message string) {
	s.Errors = append(s.Errors, SagaError{
		Message:    message,
		OccurredAt: time.Now(),
	})
}

// SetTimeout 设置 SLA 超时时间点
func (s *SagaInstance) SetTimeout(at time.Time) {
	s.TimeoutAt = &at
}

// Clone 深拷贝实例（存储实现用，避免别名共享）
func (s *SagaInstance) Clone() *SagaInstance {
	clone := *s

	clone.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	clone.ProcessedEventIDs = append([]string(nil), s.ProcessedEventIDs...)
	clone.PendingCommandIDs = append([]string(nil), s.PendingCommandIDs...)
	clone.Errors = append([]SagaError(nil), s.Errors...)

	if s.Data != nil {
		clone.Data = append(json.RawMessage(nil), s.Data...)
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		clone.CompletedAt = &t
	}
	if s.TimeoutAt != nil {
		t := *s.TimeoutAt
		clone.TimeoutAt = &t
	}
	return &clone
}
