// Package responders holds tiny HTTP response helpers shared by the
// engine's handlers.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload as an application/json response. HTML escaping is
// off so text with angle brackets survives round trips untouched. A nil
// payload sends the status line alone.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
