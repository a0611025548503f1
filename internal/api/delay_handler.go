package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// SubmitDelay планирует отложенную задачу.
// POST /api/v1/delays
func (h *Handler) SubmitDelay(w http.ResponseWriter, r *http.Request) {
	var req SubmitDelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	delay := time.Duration(req.DelaySec) * time.Second
	key, err := h.delays.Submit(r.Context(), domain.DelayTaskType(req.TaskType), req.TaskID, req.Params, delay)
	if HandleError(w, h.logger, err) {
		return
	}
	Created(w, DelayResponse{Key: key})
}

// GetDelay возвращает запланированную задачу.
// GET /api/v1/delays/{key}
func (h *Handler) GetDelay(w http.ResponseWriter, r *http.Request) {
	task, err := h.delays.Get(r.Context(), r.PathValue("key"))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, task)
}

// CancelDelay отменяет задачу. Отмена уже сработавшей задачи
// не ошибка: cancelled=false.
// DELETE /api/v1/delays/{key}
func (h *Handler) CancelDelay(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	cancelled, err := h.delays.Cancel(r.Context(), key)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, CancelDelayResponse{Key: key, Cancelled: cancelled})
}
