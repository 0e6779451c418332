package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/exla-ai/synv2/internal/apierr"
)

var unauthorizedErr = apierr.New(apierr.KindUnauthorized, "missing or invalid bearer token")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates an apierr.Error into its mapped HTTP status with a
// single-sentence operator-safe message; any other error is folded into a
// generic 500 so internal detail (stack traces, driver errors) never leaks.
func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		writeJSON(w, apiErr.Kind.HTTPStatus(), map[string]string{"error": apiErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Validationf("invalid request body: %v", err)
	}
	return nil
}
