package saga

import (
	"encoding/json"
	"fmt"
	"sync"

	apperrors "sagaflow/errors"
)

// Factory Saga 定义工厂函数
type Factory func() IDefinition

// Registry Saga 类型注册表
//
// 注册表维护类型标识到定义工厂的映射，替代运行时反射扫描。
// 所有类型必须在编排器启动前显式注册。
type Registry struct {
	mutex     sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register 注册 Saga 类型
//
// 重复注册同一类型返回错误。
func (r *Registry) Register(sagaType string, factory Factory) error {
	if sagaType == "" {
		return apperrors.NewError(apperrors.ErrCodeValidation, "saga 类型不能为空")
	}
	if factory == nil {
		return apperrors.NewError(apperrors.ErrCodeValidation, "saga 工厂不能为空")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.factories[sagaType]; exists {
		return fmt.Errorf("%w: %s", ErrSagaTypeAlreadyRegistered, sagaType)
	}
	r.factories[sagaType] = factory
	return nil
}

// MustRegister 注册 Saga 类型，失败时 panic（用于启动期装配）
func (r *Registry) MustRegister(sagaType string, factory Factory) {
	if err := r.Register(sagaType, factory); err != nil {
		panic(err)
	}
}

// Resolve 按类型解析定义
//
// 未注册的类型是结构性错误：携带该类型的消息无法通过重试恢复，
// 应直接进入死信。
func (r *Registry) Resolve(sagaType string) (IDefinition, error) {
	r.mutex.RLock()
	factory, exists := r.factories[sagaType]
	r.mutex.RUnlock()

	if !exists {
		return nil, apperrors.WrapError(
			fmt.Errorf("%w: %s", ErrSagaTypeNotRegistered, sagaType),
			apperrors.ErrCodeStructural, "saga 类型未注册")
	}
	return factory(), nil
}

// DecodeData 将实例的 JSON 快照解码为定义声明的数据类型
//
// 快照为空时返回 NewData 的零值对象。解码失败是结构性错误。
func (r *Registry) DecodeData(def IDefinition, raw json.RawMessage) (interface{}, error) {
	data := def.NewData()
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeStructural, "saga 数据快照解码失败")
	}
	return data, nil
}

// Types 返回已注册的类型列表
func (r *Registry) Types() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
