// Package idgen 提供事件、命令和 Saga 实例的唯一标识生成
package idgen

import "github.com/google/uuid"

// NewID 生成全局唯一标识
func NewID() string {
	return uuid.NewString()
}

// NewSagaID 生成 Saga 实例标识
func NewSagaID() string {
	return "saga-" + uuid.NewString()
}

// NewEventID 生成事件标识
func NewEventID() string {
	return "evt-" + uuid.NewString()
}

// NewCommandID 生成命令标识
func NewCommandID() string {
	return "cmd-" + uuid.NewString()
}
