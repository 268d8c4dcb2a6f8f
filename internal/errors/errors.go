// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Corphon/StoryLoom/internal/models"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 工作流错误类型
	ErrorTypePhaseConflict       ErrorType = "phase_conflict"
	ErrorTypeInvalidTransition   ErrorType = "invalid_transition"
	ErrorTypeMalformedOutput     ErrorType = "malformed_model_output"
	ErrorTypeTotalGenerationFail ErrorType = "total_generation_failure"
	ErrorTypeCascadeIntegrity    ErrorType = "cascade_integrity_violation"
	ErrorTypeProviderUnavailable ErrorType = "provider_unavailable"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码

	// RawPayload 模型原始输出，仅 malformed_model_output 使用
	RawPayload string
	// Failures 每个候选的失败原因，仅 total_generation_failure 使用
	Failures []models.CandidateFailure
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

// NewPhaseConflictError 操作与项目当前阶段不符
func NewPhaseConflictError(projectID string, phase models.ProjectPhase, operation string) *AppError {
	return NewAppError(ErrorTypePhaseConflict,
		fmt.Sprintf("project %s in phase %s cannot %s", projectID, phase, operation), nil)
}

// NewInvalidTransitionError 转换表中不存在的阶段转换
func NewInvalidTransitionError(from, to models.ProjectPhase) *AppError {
	return NewAppError(ErrorTypeInvalidTransition,
		fmt.Sprintf("transition %s -> %s is not allowed", from, to), nil)
}

// NewMalformedOutputError 模型输出无法解析，保留原始内容
func NewMalformedOutputError(raw string, originalError error) *AppError {
	e := NewAppError(ErrorTypeMalformedOutput, "model output could not be parsed", originalError)
	e.RawPayload = raw
	return e
}

// NewTotalGenerationFailure 所有候选均失败
func NewTotalGenerationFailure(chapterNumber int, failures []models.CandidateFailure) *AppError {
	reasons := make([]string, 0, len(failures))
	for _, f := range failures {
		reasons = append(reasons, fmt.Sprintf("slot %d (%s): %s", f.VersionIndex, f.Style, f.Reason))
	}
	e := NewAppError(ErrorTypeTotalGenerationFail,
		fmt.Sprintf("all %d candidates for chapter %d failed: %s", len(failures), chapterNumber, strings.Join(reasons, "; ")), nil)
	e.Failures = failures
	return e
}

// NewCascadeIntegrityError 级联删除中外部索引清理失败
func NewCascadeIntegrityError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeCascadeIntegrity, message, originalError)
}

// NewProviderUnavailableError LLM 提供商未就绪
func NewProviderUnavailableError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeProviderUnavailable, message, originalError)
}

// TypeOf 返回错误链中第一个 AppError 的类型
func TypeOf(err error) (ErrorType, bool) {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type, true
	}
	return "", false
}

func isType(err error, errType ErrorType) bool {
	t, ok := TypeOf(err)
	return ok && t == errType
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

func IsPhaseConflict(err error) bool { return isType(err, ErrorTypePhaseConflict) }

func IsInvalidTransition(err error) bool { return isType(err, ErrorTypeInvalidTransition) }

func IsMalformedOutput(err error) bool { return isType(err, ErrorTypeMalformedOutput) }

func IsTotalGenerationFailure(err error) bool { return isType(err, ErrorTypeTotalGenerationFail) }

func IsCascadeIntegrityViolation(err error) bool { return isType(err, ErrorTypeCascadeIntegrity) }

func IsProviderUnavailable(err error) bool { return isType(err, ErrorTypeProviderUnavailable) }

// RawPayloadOf 取出错误链中保存的模型原始输出
func RawPayloadOf(err error) (string, bool) {
	var appError *AppError
	if errors.As(err, &appError) && appError.Type == ErrorTypeMalformedOutput {
		return appError.RawPayload, true
	}
	return "", false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypePhaseConflict:
		return "PHASE_CONFLICT"
	case ErrorTypeInvalidTransition:
		return "INVALID_TRANSITION"
	case ErrorTypeMalformedOutput:
		return "MALFORMED_MODEL_OUTPUT"
	case ErrorTypeTotalGenerationFail:
		return "TOTAL_GENERATION_FAILURE"
	case ErrorTypeCascadeIntegrity:
		return "CASCADE_INTEGRITY_VIOLATION"
	case ErrorTypeProviderUnavailable:
		return "LLM_SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 已经是 AppError 时保留类型与附带数据
		return &AppError{
			Type:       appError.Type,
			Message:    fmt.Sprintf("%s: %s", message, appError.Message),
			Err:        appError,
			Code:       appError.Code,
			RawPayload: appError.RawPayload,
			Failures:   appError.Failures,
		}
	}

	return NewAppError(errType, message, err)
}
