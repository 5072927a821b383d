package saga

import "errors"

// Saga 相关错误定义
var (
	// ErrSagaNotFound Saga 实例不存在
	ErrSagaNotFound = errors.New("saga instance not found")

	// ErrSagaAlreadyExists Saga 实例已存在
	ErrSagaAlreadyExists = errors.New("saga instance already exists")

	// ErrSagaInvalidTransition 非法的状态迁移
	ErrSagaInvalidTransition = errors.New("invalid saga status transition")

	// ErrVersionConflict 乐观并发版本冲突
	ErrVersionConflict = errors.New("saga version conflict")

	// ErrSagaTypeNotRegistered Saga 类型未注册
	ErrSagaTypeNotRegistered = errors.New("saga type not registered")

	// ErrSagaTypeAlreadyRegistered Saga 类型重复注册
	ErrSagaTypeAlreadyRegistered = errors.New("saga type already registered")

	// ErrCommandNotFound 命令不存在
	ErrCommandNotFound = errors.New("saga command not found")
)
