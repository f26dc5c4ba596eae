// Package error 定义了各组件共用的错误基础类型。
// 每个包在此基础上声明自己的 ErrorCode 常量，通过错误代码而不是错误文本进行判断。
package error

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

// BaseError 基础错误类型
type BaseError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// NewError 创建新的基础错误
func NewError(code ErrorCode, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError 包装现有错误
func WrapError(code ErrorCode, message string, cause error) *BaseError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// Error 实现 error 接口
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 支持错误包装
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较，任何嵌入了 BaseError 的类型都能与同代码的错误匹配。
func (e *BaseError) Is(target error) bool {
	if code, ok := CodeOf(target); ok {
		return e.Code == code
	}
	return false
}

// ErrorCode 返回错误代码，供 CodeOf 通过接口识别嵌入类型。
func (e *BaseError) ErrorCode() ErrorCode {
	return e.Code
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

type coded interface {
	ErrorCode() ErrorCode
}

// CodeOf 沿错误链查找第一个带错误代码的错误。
func CodeOf(err error) (ErrorCode, bool) {
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode(), true
	}
	return "", false
}

// HasCode 判断错误链中是否包含指定代码。
func HasCode(err error, code ErrorCode) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
