package main

import (
	"encoding/json"
	"net/http"

	"github.com/halogen-labs/image-gateway/internal/gateway"
)

// writeGatewayError maps a pipeline error onto the wire: adapter-originated
// 5xx failures carry the structured OpenAI error object, everything else the
// plain string form.
func writeGatewayError(w http.ResponseWriter, e *gateway.HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if e.Status >= 500 && (e.Type != "" || e.Provider != "") {
		body := map[string]any{
			"message": e.Message,
			"type":    e.Type,
		}
		if e.Provider != "" {
			body["provider"] = e.Provider
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": e.Message})
}

// writeBadRequest writes the plain-string 400 form.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeGatewayError(w, &gateway.HTTPError{Status: http.StatusBadRequest, Message: msg})
}
