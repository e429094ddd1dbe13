package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/buildqueue/internal/api/errors"
	"github.com/narvanalabs/buildqueue/internal/search"
)

// SearchHandler serves the build search endpoint.
type SearchHandler struct {
	engine *search.Engine
	logger *slog.Logger
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(engine *search.Engine, logger *slog.Logger) *SearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHandler{
		engine: engine,
		logger: logger,
	}
}

// Search handles POST /v1/builds/search.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var q search.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("invalid JSON body"))
		return
	}

	page, err := h.engine.Search(r.Context(), &q)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	apierrors.WriteJSON(w, http.StatusOK, page)
}
