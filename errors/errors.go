// Package errors 提供带错误代码的应用错误类型
//
// 错误代码用于消息处理循环中的重试决策：
//   - 瞬时错误（数据库/网络/队列）→ 有界重试后死信
//   - 结构性错误（反序列化失败、未注册的 Saga 类型）→ 直接死信，不重试
package errors

import (
	stdErrors "errors"
	"fmt"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 通用错误代码
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"
	ErrCodeTimeout  ErrorCode = "TIMEOUT"

	// 业务错误代码
	ErrCodeValidation  ErrorCode = "VALIDATION_ERROR"
	ErrCodeDuplicate   ErrorCode = "DUPLICATE_ERROR"
	ErrCodeConcurrency ErrorCode = "CONCURRENCY_ERROR"
	ErrCodeStructural  ErrorCode = "STRUCTURAL_ERROR"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
	ErrCodeNetwork  ErrorCode = "NETWORK_ERROR"
)

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) *AppError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
	}
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *AppError) Message() string {
	return e.message
}

// Cause 获取原始错误
func (e *AppError) Cause() error {
	return e.cause
}

// Unwrap 支持 errors.Is / errors.As 链式展开
func (e *AppError) Unwrap() error {
	return e.cause
}

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	return e.details
}

// WithContext 添加上下文详情（链式调用）
func (e *AppError) WithContext(key string, value any) *AppError {
	e.details[key] = value
	return e
}

// CodeOf 提取错误的错误代码
//
// 非 AppError 返回 ErrCodeInternal。
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

// IsStructural 判断错误是否为结构性错误（不可重试）
//
// 结构性错误包括反序列化失败、未注册的类型等；
// 消息处理循环对这类错误应直接死信而非重试。
func IsStructural(err error) bool {
	switch CodeOf(err) {
	case ErrCodeStructural, ErrCodeValidation:
		return true
	}
	return false
}

// IsConflict 判断错误是否为并发冲突（乐观锁版本不匹配）
func IsConflict(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeConflict || code == ErrCodeConcurrency
}

// Is 代理标准库 errors.Is
func Is(err, target error) bool {
	return stdErrors.Is(err, target)
}

// As 代理标准库 errors.As
func As(err error, target any) bool {
	return stdErrors.As(err, target)
}

// New 代理标准库 errors.New
func New(text string) error {
	return stdErrors.New(text)
}
