package facilitator

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

type jsonResponse struct {
	Success bool        `json:"success"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respondSuccess(w http.ResponseWriter, code int, data interface{}) {
	writeJSON(w, code, &jsonResponse{
		Success: true,
		Code:    code,
		Message: "Success",
		Data:    data,
	})
}

// respondError sends an error envelope and logs err when present.
func respondError(w http.ResponseWriter, log zerolog.Logger, code int, message string, err error) {
	if err != nil {
		ev := log.Warn()
		if code >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Err(err).Int("status", code).Msg(message)
	}
	writeJSON(w, code, &jsonResponse{
		Success: false,
		Code:    code,
		Message: message,
	})
}

// writeJSON writes v as the response body. Used directly for x402 wire bodies.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
