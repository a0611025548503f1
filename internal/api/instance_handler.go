package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/repo"
)

// DefaultFailedWindowMinutes — окно /instances/failed по умолчанию.
const DefaultFailedWindowMinutes = 60

// ListInstances возвращает список экземпляров с фильтрацией.
// GET /api/v1/instances?definition_id=...&status=...&limit=...&offset=...
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.InstanceFilter{DefinitionID: q.Get("definition_id")}

	if status := q.Get("status"); status != "" {
		filter.Status = domain.InstanceStatus(status)
		if !filter.Status.IsValid() {
			BadRequest(w, "invalid status")
			return
		}
	}

	var ok bool
	if filter.Limit, ok = queryInt(w, r, "limit", repo.DefaultListLimit); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, r, "offset", 0); !ok {
		return
	}

	instances, err := h.instances.List(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}
	List(w, instances, len(instances))
}

// GetInstance возвращает экземпляр по ID.
// GET /api/v1/instances/{id}
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	inst, err := h.instances.FindByID(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, inst)
}

// ListFailedInstances возвращает экземпляры, упавшие за последние minutes минут.
// GET /api/v1/instances/failed?minutes=...
func (h *Handler) ListFailedInstances(w http.ResponseWriter, r *http.Request) {
	minutes, ok := queryInt(w, r, "minutes", DefaultFailedWindowMinutes)
	if !ok {
		return
	}

	failed, err := h.instances.FindFailedRecentMinutes(r.Context(), minutes)
	if HandleError(w, h.logger, err) {
		return
	}
	List(w, failed, len(failed))
}

// CountActiveInstances возвращает количество нетерминальных экземпляров.
// GET /api/v1/instances/count
func (h *Handler) CountActiveInstances(w http.ResponseWriter, r *http.Request) {
	n, err := h.instances.CountActiveInstances(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, CountResponse{Active: n})
}

// SubmitInstance создаёт экземпляр и по умолчанию запускает его.
// POST /api/v1/instances
func (h *Handler) SubmitInstance(w http.ResponseWriter, r *http.Request) {
	var req SubmitInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.DefinitionID == "" {
		BadRequest(w, "definition_id is required")
		return
	}

	submit := h.workflows.SubmitAndStart
	if req.Start != nil && !*req.Start {
		submit = h.workflows.Submit
	}

	inst, err := submit(r.Context(), req.DefinitionID, req.Input)
	if HandleError(w, h.logger, err) {
		return
	}
	Created(w, inst)
}

// StartInstance запускает PENDING экземпляр.
// POST /api/v1/instances/{id}/start
func (h *Handler) StartInstance(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.workflows.Start)
}

// PauseInstance приостанавливает экземпляр.
// POST /api/v1/instances/{id}/pause
func (h *Handler) PauseInstance(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.workflows.Pause)
}

// ResumeInstance возобновляет экземпляр.
// POST /api/v1/instances/{id}/resume
func (h *Handler) ResumeInstance(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.workflows.Resume)
}

// CancelInstance отменяет экземпляр.
// POST /api/v1/instances/{id}/cancel
func (h *Handler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.workflows.Cancel)
}

// RedispatchInstance повторно отправляет активные узлы.
// POST /api/v1/instances/{id}/redispatch
func (h *Handler) RedispatchInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	n, err := h.workflows.Redispatch(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, RedispatchResponse{InstanceID: id, Dispatched: n})
}

type transitionFunc func(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	inst, err := fn(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, inst)
}

// pathUUID парсит {id} из пути.
func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid instance id")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt парсит неотрицательный query параметр.
func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		BadRequest(w, "invalid "+name)
		return 0, false
	}
	return n, true
}
