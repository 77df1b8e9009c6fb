// Package errors 提供带错误代码的统一错误类型
//
// 所有代理操作的失败都以错误代码区分种类，调用方通过
// IsErrorCode / GetErrorCode 判断并分支，不使用异常式控制流。
package errors

import (
	stdErrors "errors"
	"fmt"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 绑定操作错误代码
	ErrCodeNameInvalid         ErrorCode = "NAME_INVALID"
	ErrCodeNameTooLong         ErrorCode = "NAME_TOO_LONG"
	ErrCodeReplierAlreadyBound ErrorCode = "REPLIER_ALREADY_BOUND"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"

	// 发送操作错误代码
	ErrCodeInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	ErrCodeNoReplierBound     ErrorCode = "NO_REPLIER_BOUND"
	ErrCodeReplyNotExpected   ErrorCode = "REPLY_NOT_EXPECTED"
	ErrCodeWrongReplier       ErrorCode = "WRONG_REPLIER"
	ErrCodeQueueFull          ErrorCode = "QUEUE_FULL"
	ErrCodeQueueFullRetryable ErrorCode = "QUEUE_FULL_RETRYABLE"

	// 线缆层错误代码
	ErrCodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"

	// 基础设施错误代码
	ErrCodeClosed   ErrorCode = "CLOSED"
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeTimeout  ErrorCode = "TIMEOUT"
	ErrCodeNetwork  ErrorCode = "NETWORK_ERROR"
)

// IError 错误接口
type IError interface {
	error

	// 获取错误代码
	Code() ErrorCode

	// 获取错误消息
	Message() string

	// 获取原始错误
	Cause() error
}

// BusError 代理错误实现
type BusError struct {
	code    ErrorCode
	message string
	cause   error
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &BusError{
		code:    code,
		message: message,
	}
}

// NewErrorf 创建带格式化消息的新错误
func NewErrorf(code ErrorCode, format string, args ...any) IError {
	return &BusError{
		code:    code,
		message: fmt.Sprintf(format, args...),
	}
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return &BusError{
		code:    code,
		message: message,
		cause:   err,
	}
}

// Error 实现 error 接口
func (e *BusError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *BusError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *BusError) Message() string {
	return e.message
}

// Cause 获取原始错误
func (e *BusError) Cause() error {
	return e.cause
}

// Is 检查是否为相同代码的错误（支持 errors.Is）
func (e *BusError) Is(target error) bool {
	if target == nil {
		return false
	}
	if busErr, ok := target.(*BusError); ok {
		return e.code == busErr.code
	}
	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}
	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *BusError) Unwrap() error {
	return e.cause
}

// IsErrorCode 检查是否为指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var busErr *BusError
	if stdErrors.As(err, &busErr) {
		return busErr.code == code
	}
	return false
}

// GetErrorCode 获取错误代码
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var busErr *BusError
	if stdErrors.As(err, &busErr) {
		return busErr.code
	}
	return ErrCodeInternal
}

// IsRetryable 是否为调用方应当重试的错误
//
// 仅 QueueFullRetryable 一种：在 AllOrWait 语义下，或等到
// 可写就绪信号后重试；其余错误对该次调用均为终态。
func IsRetryable(err error) bool {
	return IsErrorCode(err, ErrCodeQueueFullRetryable)
}
