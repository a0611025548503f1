package api

import (
	"net/http"
	"sort"
)

// SweepTimeouts вручную переводит зависшие экземпляры в FAILED.
// POST /api/v1/sweep/timeouts
func (h *Handler) SweepTimeouts(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.SweepTimeouts(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, SweepResponse{Affected: int64(n)})
}

// Cleanup вручную удаляет устаревшие экземпляры.
// POST /api/v1/sweep/cleanup
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.Cleanup(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, SweepResponse{Affected: n})
}

// ListProcessors возвращает зарегистрированные процессоры.
// GET /api/v1/processors
func (h *Handler) ListProcessors(w http.ResponseWriter, _ *http.Request) {
	names := h.processors.List()
	List(w, names, len(names))
}

// ListBreakers возвращает состояние circuit breakers.
// GET /api/v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.breakers.Snapshot()

	result := make([]BreakerResponse, 0, len(snapshot))
	for name, stats := range snapshot {
		result = append(result, BreakerFromStats(name, stats))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Processor < result[j].Processor })

	List(w, result, len(result))
}

// GetWorkerStats возвращает загрузку пулов воркера.
// GET /api/v1/worker/stats
func (h *Handler) GetWorkerStats(w http.ResponseWriter, _ *http.Request) {
	Success(w, h.workerStats.Stats())
}
