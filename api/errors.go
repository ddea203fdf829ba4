package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/johanlelan/entitysource/domain"
)

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

// respondError maps the domain error taxonomy to HTTP statuses. Not-found
// and gone stay distinct (404 vs 410); validation and conflict responses
// carry field-level detail.
func respondError(c echo.Context, err error) error {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: validationErr.Fields})
	}
	var conflictErr *domain.ConflictError
	if errors.As(err, &conflictErr) {
		return c.JSON(http.StatusConflict, errorResponse{
			Error:  conflictErr.Error(),
			Fields: []domain.FieldError{{Field: conflictErr.Field, Message: "already exists"}},
		})
	}
	var patchErr *domain.PatchError
	if errors.As(err, &patchErr) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: patchErr.Error()})
	}
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	}
	if errors.Is(err, domain.ErrGone) {
		return c.JSON(http.StatusGone, errorResponse{Error: "gone"})
	}
	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}
