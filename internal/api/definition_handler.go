package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
	"github.com/shaiso/Relay/internal/orchestrator"
)

// ListDefinitions возвращает все определения.
// GET /api/v1/definitions
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.definitions.List(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}
	List(w, defs, len(defs))
}

// GetDefinition возвращает определение по ID.
// GET /api/v1/definitions/{id}
func (h *Handler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.definitions.FindByID(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, def)
}

// SaveDefinition создаёт или заменяет определение.
// PUT /api/v1/definitions/{id}
//
// Определение проверяется целиком (узлы, зависимости, циклы)
// до записи. ID в теле, если задан, должен совпадать с путём.
func (h *Handler) SaveDefinition(w http.ResponseWriter, r *http.Request) {
	var def domain.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	id := r.PathValue("id")
	if def.ID != "" && def.ID != id {
		BadRequest(w, fmt.Sprintf("definition id %q does not match path %q", def.ID, id))
		return
	}
	def.ID = id
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	if _, err := engine.BuildDAG(&def); err != nil {
		HandleError(w, h.logger, fmt.Errorf("%w: %v", orchestrator.ErrInvalidDefinition, err))
		return
	}

	if HandleError(w, h.logger, h.definitions.Save(r.Context(), &def)) {
		return
	}
	Success(w, def)
}

// DeleteDefinition удаляет определение.
// DELETE /api/v1/definitions/{id}
func (h *Handler) DeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if HandleError(w, h.logger, h.definitions.Delete(r.Context(), r.PathValue("id"))) {
		return
	}
	NoContent(w)
}
