package model

import (
	"errors"
	"fmt"
)

// ErrorCode 稳定的错误代码，调用方据此区分处理方式
type ErrorCode string

const (
	// ErrCodeNotFound 资源不存在
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeCircuitOpen 熔断器打开，暂不重试
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrCodeNoEndpoint 没有可用端点
	ErrCodeNoEndpoint ErrorCode = "NO_ENDPOINT"
	// ErrCodeDownstream 下游调用失败，可立即重试
	ErrCodeDownstream ErrorCode = "DOWNSTREAM_FAILURE"
	// ErrCodeTimeout 下游调用超时
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeValidation 请求不合法
	ErrCodeValidation ErrorCode = "VALIDATION_FAILED"
	// ErrCodeConfiguration 配置或外部依赖缺失
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"
	// ErrCodeInternal 内部错误
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// CoreError 编排核心对外返回的错误类型
type CoreError struct {
	Code    ErrorCode
	Message string
}

// Error 实现error接口
func (e *CoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(format string, args ...interface{}) *CoreError {
	return &CoreError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError 创建参数无效错误
func NewValidationError(format string, args ...interface{}) *CoreError {
	return &CoreError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewCircuitOpenError 创建熔断错误
func NewCircuitOpenError(serviceID string) *CoreError {
	return &CoreError{Code: ErrCodeCircuitOpen, Message: "服务熔断中: " + serviceID}
}

// NewNoEndpointError 创建无可用端点错误
func NewNoEndpointError(serviceID string) *CoreError {
	return &CoreError{Code: ErrCodeNoEndpoint, Message: "没有可用端点: " + serviceID}
}

// NewDownstreamError 创建下游失败错误
func NewDownstreamError(format string, args ...interface{}) *CoreError {
	return &CoreError{Code: ErrCodeDownstream, Message: fmt.Sprintf(format, args...)}
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(format string, args ...interface{}) *CoreError {
	return &CoreError{Code: ErrCodeTimeout, Message: fmt.Sprintf(format, args...)}
}

// NewConfigurationError 创建配置错误
func NewConfigurationError(format string, args ...interface{}) *CoreError {
	return &CoreError{Code: ErrCodeConfiguration, Message: fmt.Sprintf(format, args...)}
}

// CodeOf 提取错误代码，非CoreError一律视为内部错误
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// Retryable 判断调用方是否可以立即重试
func Retryable(code ErrorCode) bool {
	return code == ErrCodeDownstream || code == ErrCodeTimeout
}
