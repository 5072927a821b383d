// Package messaging 提供消息处理器抽象
package messaging

import (
	"context"
)

// IMessageHandler 消息处理器接口
type IMessageHandler interface {
	// Handle 处理消息
	Handle(ctx context.Context, message IMessage) error

	// Type 返回处理器类型（用于日志和调试）
	Type() string
}

// MessageHandlerFunc 函数式消息处理器
type MessageHandlerFunc func(ctx context.Context, message IMessage) error

func (f MessageHandlerFunc) Handle(ctx context.Context, message IMessage) error {
	return f(ctx, message)
}

func (f MessageHandlerFunc) Type() string { return "MessageHandlerFunc" }
