package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Relay/internal/delay"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/kv"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/orchestrator"
	"github.com/shaiso/Relay/internal/repo"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — тело ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — тело успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — тело ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// errorClass — HTTP-статус для группы ошибок домена.
type errorClass struct {
	status  int
	code    ErrorCode
	targets []error
}

// errorClasses проверяются по порядку, первое совпадение по errors.Is выигрывает.
var errorClasses = []errorClass{
	{http.StatusNotFound, ErrCodeNotFound, []error{
		repo.ErrNotFound, kv.ErrNotFound,
		orchestrator.ErrInstanceNotFound, orchestrator.ErrDefinitionNotFound,
	}},
	{http.StatusBadRequest, ErrCodeBadRequest, []error{
		domain.ErrValidation, orchestrator.ErrInvalidDefinition, delay.ErrInvalidKey,
	}},
	{http.StatusConflict, ErrCodeConflict, []error{
		repo.ErrAlreadyExists, delay.ErrDelayTaskExists,
		domain.ErrOptimisticConflict, orchestrator.ErrTooManyConflicts,
	}},
	{http.StatusUnprocessableEntity, ErrCodeInvalidState, []error{
		domain.ErrInvalidTransition, domain.ErrInstanceTerminal,
	}},
	// брокер недоступен: узел не отправлен, запрос можно повторить
	{http.StatusServiceUnavailable, ErrCodeUnavailable, []error{
		mq.ErrNoChannel, mq.ErrNotConnected, mq.ErrNotConfirmed,
	}},
}

func classify(err error) (errorClass, bool) {
	for _, c := range errorClasses {
		for _, target := range c.targets {
			if errors.Is(err, target) {
				return c, true
			}
		}
	}
	return errorClass{}, false
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет 200 с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет 201 с созданным ресурсом.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// NoContent отправляет 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List отправляет страницу списка.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// BadRequest отправляет 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// InternalError логирует err и отправляет 500 без деталей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleError преобразует ошибку домена в HTTP ответ.
// Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}
	c, ok := classify(err)
	if !ok {
		InternalError(w, logger, err)
		return true
	}
	if c.status == http.StatusServiceUnavailable {
		logger.Warn("dependency unavailable", "error", err)
		w.Header().Set("Retry-After", "5")
	}
	Error(w, c.status, c.code, err.Error())
	return true
}
