package api

import (
	"encoding/json"
	"net/http"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/log"
)

// errorResponse is the single error shape every failed request gets
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.WithComponent("api").Error().Err(err).Msg("response encode failed")
		}
	}
}

// writeError maps a classified error to its status. Internal errors are
// logged with detail but surface a generic message.
func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.WithComponent("api").Error().Err(err).Msg("request failed")
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.New(errs.KindValidation, "invalid request body")
	}
	return nil
}
