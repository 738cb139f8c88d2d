package api

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/shaiso/crmflow/internal/telemetry"
	"github.com/shaiso/crmflow/internal/workflows"
)

// ErrorCode: код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeValidation     ErrorCode = "VALIDATION_FAILED"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeNodeFailed     ErrorCode = "NODE_FAILED"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllow ErrorCode = "METHOD_NOT_ALLOWED"
)

// ErrorResponse: структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail: детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

// DataResponse: структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse: структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// Success отправляет успешный ответ с данными.
func Success(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(c echo.Context, data any) error {
	return c.JSON(http.StatusCreated, DataResponse{Data: data})
}

// Accepted отправляет ответ 202: работа поставлена в очередь.
func Accepted(c echo.Context, data any) error {
	return c.JSON(http.StatusAccepted, DataResponse{Data: data})
}

// List отправляет ответ со списком.
func List(c echo.Context, data any, total int) error {
	return c.JSON(http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(c echo.Context, status int, code ErrorCode, message string, details any) error {
	return c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// badRequest: ошибка 400 для некорректных параметров запроса.
func badRequest(message string) error {
	return echo.NewHTTPError(http.StatusBadRequest, message)
}

// ErrorHandler преобразует ошибки обработчиков в JSON ответ.
//
//	*workflows.ValidationError -> 400 с details
//	*workflows.RateLimitError  -> 429 с Retry-After
//	workflows.ErrNotFound      -> 404
//	workflows.ErrConflict      -> 409
//	*echo.HTTPError            -> его код
//	остальное                  -> 500
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			validationErr *workflows.ValidationError
			rateErr       *workflows.RateLimitError
			httpErr       *echo.HTTPError
		)

		var sendErr error
		switch {
		case errors.As(err, &validationErr):
			sendErr = Error(c, http.StatusBadRequest, ErrCodeValidation, "validation failed", validationErr.Errors)

		case errors.As(err, &rateErr):
			retry := int(math.Ceil(rateErr.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
			sendErr = Error(c, http.StatusTooManyRequests, ErrCodeRateLimited, rateErr.Error(), nil)

		case errors.Is(err, workflows.ErrNotFound):
			sendErr = Error(c, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)

		case errors.Is(err, workflows.ErrConflict):
			sendErr = Error(c, http.StatusConflict, ErrCodeConflict, err.Error(), nil)

		case errors.As(err, &httpErr):
			sendErr = Error(c, httpErr.Code, codeForStatus(httpErr.Code), fmt.Sprint(httpErr.Message), nil)

		default:
			telemetry.FromContext(c.Request().Context()).Error("internal error",
				"method", c.Request().Method,
				"path", c.Path(),
				"error", err,
			)
			sendErr = Error(c, http.StatusInternalServerError, ErrCodeInternalError, "internal server error", nil)
		}

		if sendErr != nil {
			logger.Warn("failed to write error response", "error", sendErr)
		}
	}
}

func codeForStatus(status int) ErrorCode {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllow
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	}
	if status >= http.StatusInternalServerError {
		return ErrCodeInternalError
	}
	return ErrCodeBadRequest
}
