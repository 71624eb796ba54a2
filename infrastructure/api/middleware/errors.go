package middleware

import (
	"encoding/json"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/lightspeed-dms/cidx/internal/errs"
	"github.com/lightspeed-dms/cidx/internal/log"
)

// ErrorBody is the JSON error envelope shared by every endpoint. The
// correlation ID lets a client quote the exact server-side log trail.
type ErrorBody struct {
	Error         string `json:"error"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteError writes err as a JSON error response with the status code
// its kind maps to, tagged with the request's correlation ID.
// Unclassified errors surface a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var correlationID string
	if r != nil {
		correlationID = log.CorrelationID(r.Context())
		if correlationID == "" {
			correlationID = chimiddleware.GetReqID(r.Context())
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error:         errs.MessageOf(err),
		Kind:          string(errs.KindOf(err)),
		CorrelationID: correlationID,
	})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
