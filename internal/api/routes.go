package api

import (
	"net/http"
)

// RegisterRoutes регистрирует маршруты API для заданных зависимостей.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		RequestID(h.logger),
		Recovery(h.logger),
		Logging(h.logger),
		MaxBody(MaxBodyBytes),
	)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, chain(fn))
	}

	// Instances
	if h.instances != nil {
		handle("GET /api/v1/instances", h.ListInstances)
		handle("GET /api/v1/instances/{id}", h.GetInstance)
		handle("GET /api/v1/instances/failed", h.ListFailedInstances)
		handle("GET /api/v1/instances/count", h.CountActiveInstances)
	}
	if h.workflows != nil {
		handle("POST /api/v1/instances", h.SubmitInstance)
		handle("POST /api/v1/instances/{id}/start", h.StartInstance)
		handle("POST /api/v1/instances/{id}/pause", h.PauseInstance)
		handle("POST /api/v1/instances/{id}/resume", h.ResumeInstance)
		handle("POST /api/v1/instances/{id}/cancel", h.CancelInstance)
		handle("POST /api/v1/instances/{id}/redispatch", h.RedispatchInstance)
	}

	// Definitions
	if h.definitions != nil {
		handle("GET /api/v1/definitions", h.ListDefinitions)
		handle("PUT /api/v1/definitions/{id}", h.SaveDefinition)
		handle("GET /api/v1/definitions/{id}", h.GetDefinition)
		handle("DELETE /api/v1/definitions/{id}", h.DeleteDefinition)
	}

	// Delays
	if h.delays != nil {
		handle("POST /api/v1/delays", h.SubmitDelay)
		handle("GET /api/v1/delays/{key}", h.GetDelay)
		handle("DELETE /api/v1/delays/{key}", h.CancelDelay)
	}

	// Ops
	if h.sweeper != nil {
		handle("POST /api/v1/sweep/timeouts", h.SweepTimeouts)
		handle("POST /api/v1/sweep/cleanup", h.Cleanup)
	}
	if h.processors != nil {
		handle("GET /api/v1/processors", h.ListProcessors)
	}
	if h.breakers != nil {
		handle("GET /api/v1/breakers", h.ListBreakers)
	}
	if h.workerStats != nil {
		handle("GET /api/v1/worker/stats", h.GetWorkerStats)
	}
}
