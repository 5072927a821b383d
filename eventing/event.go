// Package eventing 提供集成事件的定义与事件总线
//
// 集成事件是 Saga 编排器与各业务子系统之间的通信载体：
// 子系统完成（或失败）一个步骤后发布事件，编排器消费事件驱动状态机前进。
package eventing

import (
	"fmt"
	"time"

	"sagaflow/idgen"
	"sagaflow/messaging"
)

// IEvent 集成事件接口（用于事件传输/路由）
type IEvent interface {
	messaging.IMessage

	// 关联信息（用于追踪与 Saga 路由）
	GetSagaID() string
	GetCorrelationID() string
	GetCausationID() string
}

// Event 集成事件实现
type Event struct {
	messaging.Message

	// SagaID 关联的 Saga 实例 ID，可为空（非 Saga 链路产生的事件）
	SagaID string `json:"saga_id,omitempty"`

	// CorrelationID 贯穿整个业务流程的关联 ID
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID 直接触发本事件的消息 ID
	CausationID string `json:"causation_id,omitempty"`
}

func (e *Event) GetSagaID() string        { return e.SagaID }
func (e *Event) GetCorrelationID() string { return e.CorrelationID }
func (e *Event) GetCausationID() string   { return e.CausationID }

// Validate 校验事件的结构完整性
func (e *Event) Validate() error {
	if e.GetID() == "" {
		return fmt.Errorf("事件ID不能为空")
	}
	if e.GetType() == "" {
		return fmt.Errorf("事件类型不能为空")
	}
	return nil
}

// NewEvent 创建集成事件
//
// 参数：
//   - eventType: 事件类型（例如："StripeCustomerCreated"）
//   - data: 事件数据
func NewEvent(eventType string, data interface{}) *Event {
	return &Event{
		Message: messaging.Message{
			ID:        idgen.NewEventID(),
			Type:      eventType,
			Timestamp: time.Now(),
			Payload:   data,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// NewSagaEvent 创建关联到 Saga 实例的集成事件
func NewSagaEvent(sagaID, eventType string, data interface{}) *Event {
	e := NewEvent(eventType, data)
	e.SagaID = sagaID
	e.SetMetadata("saga_id", sagaID)
	return e
}

// Followup 基于当前事件创建后续事件，保留关联链
//
// 新事件的 CausationID 指向当前事件，CorrelationID 沿用当前事件的
// CorrelationID（为空时退化为当前事件 ID）。
func (e *Event) Followup(eventType string, data interface{}) *Event {
	next := NewEvent(eventType, data)
	next.SagaID = e.SagaID
	next.CausationID = e.GetID()
	next.CorrelationID = e.CorrelationID
	if next.CorrelationID == "" {
		next.CorrelationID = e.GetID()
	}
	if next.SagaID != "" {
		next.SetMetadata("saga_id", next.SagaID)
	}
	// 跨进程传输层只携带通用消息，关联字段需同步写入元数据
	next.SetMetadata("correlation_id", next.CorrelationID)
	next.SetMetadata("causation_id", next.CausationID)
	return next
}

// WithCorrelationID 设置关联 ID，同步写入元数据
func (e *Event) WithCorrelationID(correlationID string) *Event {
	e.CorrelationID = correlationID
	e.SetMetadata("correlation_id", correlationID)
	return e
}

// FromMessage 将任意 messaging.IMessage 转换为 IEvent
//
// 优先返回已实现 IEvent 的消息；否则从元数据恢复关联字段
// （跨进程传输层反序列化得到的是通用消息）。
func FromMessage(msg messaging.IMessage) (IEvent, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is nil")
	}
	if evt, ok := msg.(IEvent); ok {
		return evt, nil
	}

	meta := msg.GetMetadata()
	evt := &Event{
		Message: messaging.Message{
			ID:        msg.GetID(),
			Type:      msg.GetType(),
			Timestamp: msg.GetTimestamp(),
			Payload:   msg.GetPayload(),
			Metadata:  meta,
		},
	}
	if sagaID, ok := meta["saga_id"].(string); ok {
		evt.SagaID = sagaID
	}
	if correlationID, ok := meta["correlation_id"].(string); ok {
		evt.CorrelationID = correlationID
	}
	if causationID, ok := meta["causation_id"].(string); ok {
		evt.CausationID = causationID
	}
	return evt, nil
}

var _ IEvent = (*Event)(nil)
