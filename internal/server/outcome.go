package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinrec/clinrec/internal/resource"
)

// operationOutcome is the error body every failed request gets.
func operationOutcome(code, diagnostics string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []map[string]interface{}{
			{
				"severity":    "error",
				"code":        code,
				"diagnostics": diagnostics,
			},
		},
	}
}

// writeError maps the service error taxonomy onto HTTP statuses: NotFound to
// 404 (410 for tombstones), VersionConflict to 409 with the current version,
// ValidationError to 400. Everything else is logged and answered as a 500
// with no internals leaked.
func (h *Handler) writeError(c echo.Context, err error) error {
	var nf *resource.NotFoundError
	if errors.As(err, &nf) {
		if nf.Deleted {
			return c.JSON(http.StatusGone, operationOutcome("deleted", err.Error()))
		}
		return c.JSON(http.StatusNotFound, operationOutcome("not-found", err.Error()))
	}

	var vc *resource.VersionConflictError
	if errors.As(err, &vc) {
		c.Response().Header().Set("ETag", etagOf(vc.Current))
		return c.JSON(http.StatusConflict, operationOutcome("conflict", err.Error()))
	}

	var ve *resource.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, operationOutcome("invalid", err.Error()))
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, operationOutcome("processing", fmt.Sprintf("%v", he.Message)))
	}

	h.logger.Error().
		Err(err).
		Str("method", c.Request().Method).
		Str("path", c.Request().URL.Path).
		Msg("request failed unexpectedly")
	return c.JSON(http.StatusInternalServerError, operationOutcome("exception", "internal server error"))
}

func etagOf(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}
