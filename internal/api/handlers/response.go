// Package handlers implements the HTTP handlers for the build queue API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/buildqueue/internal/api/errors"
	"github.com/narvanalabs/buildqueue/internal/auth"
	"github.com/narvanalabs/buildqueue/internal/creation"
	"github.com/narvanalabs/buildqueue/internal/lifecycle"
	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/search"
	"github.com/narvanalabs/buildqueue/internal/store"
)

// apiError maps a domain error onto a structured API error. The mapping
// keeps authorization distinct from not-found so callers cannot probe for
// hidden builds, and state conflicts distinct from validation so callers
// know to re-fetch rather than fix their request.
func apiError(err error) *apierrors.APIError {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return apierrors.NewUnauthorizedError(err.Error())
	case errors.Is(err, auth.ErrForbidden):
		return apierrors.NewForbiddenError(err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, creation.ErrScopeNotFound),
		errors.Is(err, creation.ErrBuilderNotFound):
		return apierrors.NewNotFoundError(err.Error())
	case errors.Is(err, lifecycle.ErrLeaseExpired),
		errors.Is(err, lifecycle.ErrBuildCompleted),
		errors.Is(err, lifecycle.ErrStateConflict):
		return apierrors.NewConflictError(err.Error())
	case errors.Is(err, models.ErrMalformedTag),
		errors.Is(err, models.ErrInvalidScope),
		errors.Is(err, models.ErrInvalidBuilder),
		errors.Is(err, search.ErrBadCursor):
		return apierrors.NewValidationError(err.Error())
	default:
		return apierrors.NewInternalError("internal error")
	}
}

// writeDomainError writes a mapped domain error with the request id attached.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	apierrors.WriteError(w, apiError(err).WithRequestID(middleware.GetReqID(r.Context())))
}
