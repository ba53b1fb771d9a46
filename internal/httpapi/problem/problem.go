// Package problem writes RFC 7807 problem-details JSON responses,
// grounded on the teacher's internal/control/http/problem package.
package problem

import (
	"encoding/json"
	"net/http"

	"github.com/fbxstream/fbxstream/internal/xlog"
)

// HeaderRequestID is the response header carrying the correlation id.
const HeaderRequestID = "X-Request-Id"

// Write writes an RFC 7807 problem-details response.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string, extra map[string]any) {
	reqID := xlog.RequestIDFromContext(r.Context())

	body := map[string]any{
		"type":   problemType,
		"title":  title,
		"status": status,
	}
	if detail != "" {
		body["detail"] = detail
	}
	if reqID != "" {
		body["request_id"] = reqID
	}
	body["instance"] = r.URL.EscapedPath()
	for k, v := range extra {
		switch k {
		case "type", "title", "status", "detail", "instance":
			continue
		}
		body[k] = v
	}

	if reqID != "" {
		w.Header().Set(HeaderRequestID, reqID)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
