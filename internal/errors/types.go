package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误
	ErrCodeInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"

	// 验证错误
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"

	// 业务逻辑错误
	ErrCodeResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"

	// 数据库错误
	ErrCodePersistence ErrorCode = "PERSISTENCE_ERROR"

	// 外部服务错误
	ErrCodeNetwork               ErrorCode = "NETWORK_ERROR"
	ErrCodeProviderNotConfigured ErrorCode = "PROVIDER_NOT_CONFIGURED"
	ErrCodeUpstreamAPI           ErrorCode = "UPSTREAM_API_ERROR"
)

// AppError 应用错误结构体
type AppError struct {
	Code     ErrorCode   `json:"code"`
	Message  string      `json:"message"`
	HTTPCode int         `json:"-"`
	Details  interface{} `json:"details,omitempty"`
	Cause    error       `json:"-"`

	// UpstreamStatus 上游API返回的HTTP状态码（仅UPSTREAM_API_ERROR）
	UpstreamStatus int `json:"upstream_status,omitempty"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// 错误构造函数

// NewAuthenticationError 创建认证错误
func NewAuthenticationError(message string) *AppError {
	return &AppError{
		Code:     ErrCodeUnauthorized,
		Message:  message,
		HTTPCode: http.StatusUnauthorized,
	}
}

// NewNetworkError 创建网络错误（超时、不可达）
func NewNetworkError(message string) *AppError {
	return &AppError{
		Code:     ErrCodeNetwork,
		Message:  message,
		HTTPCode: http.StatusBadGateway,
	}
}

// NewNotFoundError 创建资源未找到错误
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:     ErrCodeResourceNotFound,
		Message:  fmt.Sprintf("%s not found", resource),
		HTTPCode: http.StatusNotFound,
	}
}

// NewValidationError 创建验证错误（写入前的输入校验）
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:     ErrCodeValidationFailed,
		Message:  message,
		HTTPCode: http.StatusBadRequest,
	}
}

// NewInvalidStateError 创建非法状态错误
func NewInvalidStateError(message string) *AppError {
	return &AppError{
		Code:     ErrCodeInvalidState,
		Message:  message,
		HTTPCode: http.StatusConflict,
	}
}

// NewProviderConfigurationError 创建提供商未配置错误（缺少API Key）
func NewProviderConfigurationError(provider string) *AppError {
	return &AppError{
		Code:     ErrCodeProviderNotConfigured,
		Message:  fmt.Sprintf("API key for provider '%s' is not configured", provider),
		HTTPCode: http.StatusInternalServerError,
	}
}

// NewUpstreamAPIError 创建上游API错误（非2xx响应）
func NewUpstreamAPIError(status int, message string) *AppError {
	return &AppError{
		Code:           ErrCodeUpstreamAPI,
		Message:        message,
		HTTPCode:       http.StatusBadGateway,
		UpstreamStatus: status,
	}
}

// NewPersistenceError 创建持久化错误
func NewPersistenceError(message string) *AppError {
	return &AppError{
		Code:     ErrCodePersistence,
		Message:  message,
		HTTPCode: http.StatusInternalServerError,
	}
}

// IsCode 检查错误链中是否存在指定错误码的AppError
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError 获取AppError，如果不是则包装为系统错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return &AppError{
		Code:     ErrCodeInternalServer,
		Message:  "Internal server error",
		HTTPCode: http.StatusInternalServerError,
		Cause:    err,
	}
}
