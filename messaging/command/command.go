// Package command 提供命令封装与命令分发
//
// 命令表示编排器对某个子系统的写操作意图，投递语义为 at-least-once，
// 命令处理方必须基于命令 ID 幂等。
package command

import (
	"time"

	"sagaflow/idgen"
	"sagaflow/messaging"
)

// Command 命令实现
//
// Command 是 Message 的特化。
//
// 设计原则：
//   - 命令是不可变的
//   - 命令应该是幂等的（基于 ID）
//   - 命令包含执行所需的所有信息
//   - 命令通过 SagaID 关联到发起它的 Saga 实例
type Command struct {
	messaging.Message // 嵌入 Message，继承所有 IMessage 能力

	// SagaID 发起该命令的 Saga 实例 ID（关联键）
	SagaID string `json:"saga_id"`
}

// NewCommand 创建命令
//
// 参数：
//   - sagaID: 发起命令的 Saga 实例 ID
//   - commandType: 命令类型（例如："CreateStripeCustomer"）
//   - payload: 命令数据
func NewCommand(sagaID, commandType string, payload interface{}) *Command {
	cmd := &Command{
		Message: messaging.Message{
			ID:        idgen.NewCommandID(),
			Type:      messaging.MessageTypeCommand,
			Timestamp: time.Now(),
			Payload:   payload,
			Metadata:  make(map[string]interface{}),
		},
		SagaID: sagaID,
	}

	// 将路由信息存入元数据，便于中间件与传输层访问
	cmd.SetMetadata("command_type", commandType)
	cmd.SetMetadata("saga_id", sagaID)

	return cmd
}

// GetCommandType 获取命令类型
func (c *Command) GetCommandType() string {
	if cmdType, ok := c.GetMetadata()["command_type"].(string); ok {
		return cmdType
	}
	return c.Type
}

// GetSagaID 获取关联的 Saga 实例 ID
func (c *Command) GetSagaID() string {
	return c.SagaID
}

// WithCorrelationID 设置关联 ID（用于追踪）
func (c *Command) WithCorrelationID(correlationID string) *Command {
	c.SetMetadata("correlation_id", correlationID)
	return c
}

// WithCausationID 设置因果 ID（触发此命令的事件 ID）
func (c *Command) WithCausationID(causationID string) *Command {
	c.SetMetadata("causation_id", causationID)
	return c
}

// FromMessage 从通用消息重建命令
//
// 跨进程传输层反序列化得到的是通用消息，路由前需要按元数据
// 重建命令。非命令消息（缺少 command_type 元数据或类型不符）返回 nil。
func FromMessage(message messaging.IMessage) *Command {
	if message.GetType() != messaging.MessageTypeCommand {
		return nil
	}
	metadata := message.GetMetadata()
	if _, ok := metadata["command_type"].(string); !ok {
		return nil
	}

	cmd := &Command{
		Message: messaging.Message{
			ID:        message.GetID(),
			Type:      message.GetType(),
			Timestamp: message.GetTimestamp(),
			Payload:   message.GetPayload(),
			Metadata:  make(map[string]interface{}, len(metadata)),
		},
	}
	for k, v := range metadata {
		cmd.Metadata[k] = v
	}
	if sagaID, ok := metadata["saga_id"].(string); ok {
		cmd.SagaID = sagaID
	}
	return cmd
}
