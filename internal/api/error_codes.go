// internal/api/error_codes.go
package api

import (
	"errors"
	"net/http"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorTimeout       = "TIMEOUT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 资源不存在
	ErrorProjectNotFound   = "PROJECT_NOT_FOUND"
	ErrorBlueprintNotFound = "BLUEPRINT_NOT_FOUND"
	ErrorChapterNotFound   = "CHAPTER_NOT_FOUND"
	ErrorTaskNotFound      = "TASK_NOT_FOUND"

	// 工作流错误
	ErrorPhaseConflict             = "PHASE_CONFLICT"
	ErrorInvalidTransition         = "INVALID_TRANSITION"
	ErrorMalformedModelOutput      = "MALFORMED_MODEL_OUTPUT"
	ErrorTotalGenerationFailure    = "TOTAL_GENERATION_FAILURE"
	ErrorCascadeIntegrityViolation = "CASCADE_INTEGRITY_VIOLATION"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
)

// statusForError maps the AppError taxonomy to an HTTP status and error code.
// Errors outside the taxonomy are internal errors.
func statusForError(err error) (int, string) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, ErrorInternalError
	}
	switch appErr.Type {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, ErrorBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorNotFound
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict, ErrorConflict
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout, ErrorTimeout
	case apperrors.ErrorTypePhaseConflict:
		return http.StatusConflict, ErrorPhaseConflict
	case apperrors.ErrorTypeInvalidTransition:
		return http.StatusConflict, ErrorInvalidTransition
	case apperrors.ErrorTypeMalformedOutput:
		return http.StatusBadGateway, ErrorMalformedModelOutput
	case apperrors.ErrorTypeTotalGenerationFail:
		return http.StatusBadGateway, ErrorTotalGenerationFailure
	case apperrors.ErrorTypeCascadeIntegrity:
		return http.StatusInternalServerError, ErrorCascadeIntegrityViolation
	case apperrors.ErrorTypeProviderUnavailable:
		return http.StatusServiceUnavailable, ErrorLLMServiceUnavailable
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}
