package httpx

import (
	"errors"
	"net/http"

	"github.com/casafleet/casafleet/internal/shared"
)

// RespondError maps engine errors to HTTP responses using RFC7807. Business
// failures keep their message; infrastructure failures are surfaced generically.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrPrivilege):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
