package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	credentialdomain "github.com/smallbiznis/headliner/internal/credential/domain"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	"github.com/smallbiznis/headliner/internal/platform"
	"github.com/smallbiznis/headliner/internal/quota"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// validationFields maps domain validation sentinels onto the request field
// they describe. The sentinel text doubles as the error code.
var validationFields = []struct {
	err     error
	field   string
	message string
}{
	{ErrInvalidRequest, "request", "invalid request"},
	{experimentdomain.ErrInvalidID, "id", "invalid experiment id"},
	{experimentdomain.ErrInvalidOwner, "owner_id", "owner_id is required"},
	{experimentdomain.ErrInvalidVideo, "video_id", "video_id is required"},
	{experimentdomain.ErrInvalidVariants, "variants", "between 2 and 5 variants are required"},
	{experimentdomain.ErrBlankVariant, "variants", "variants must not be blank"},
	{experimentdomain.ErrDuplicateVariant, "variants", "variants must be unique"},
	{experimentdomain.ErrVariantTooLong, "variants", "variants must be at most 100 characters"},
	{experimentdomain.ErrInvalidInterval, "interval_minutes", "interval must be between one minute and 30 days"},
	{experimentdomain.ErrInvalidWindow, "ends_at", "ends_at must be in the future and after starts_at"},
	{quota.ErrInvalidOwner, "owner_id", "owner_id is required"},
	{quota.ErrInvalidCost, "cost", "cost must be positive"},
	{credentialdomain.ErrInvalidOwner, "owner_id", "owner_id is required"},
	{credentialdomain.ErrInvalidToken, "token", "access_token, refresh_token and a future expires_at are required"},
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	for _, v := range validationFields {
		if errors.Is(err, v.err) {
			return http.StatusBadRequest, errorPayload{
				Type:    "validation_error",
				Message: "validation error",
				Errors: []ValidationError{
					{
						Field:   v.field,
						Code:    v.err.Error(),
						Message: v.message,
					},
				},
			}
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, experimentdomain.ErrInvalidTransition),
		errors.Is(err, experimentdomain.ErrNotTerminal),
		errors.Is(err, experimentdomain.ErrArchived):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_state",
			Message: err.Error(),
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, experimentdomain.ErrVersionConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, platform.ErrAuthExpired),
		errors.Is(err, credentialdomain.ErrRevoked),
		errors.Is(err, credentialdomain.ErrRefreshRejected):
		return http.StatusConflict, errorPayload{
			Type:    "reconnect_required",
			Message: "the owner must reconnect their platform account",
		}
	case errors.Is(err, platform.ErrNotFound):
		return http.StatusConflict, errorPayload{
			Type:    "video_missing",
			Message: "the video no longer exists on the platform",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, platform.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "daily platform quota exhausted",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, platform.ErrTransient),
		errors.Is(err, credentialdomain.ErrRefreshFailed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the payload type and the most specific code
// for the request log.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, experimentdomain.ErrNotFound),
		errors.Is(err, credentialdomain.ErrNotConnected),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
