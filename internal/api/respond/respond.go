// Package respond centralizes HTTP response writing: JSON envelopes, ETag
// / cache-control headers, and error formatting.
//
// Grounded on the recovered internal/api/respond/respond.go snapshot
// carried by the teacher repo.
package respond

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/albapepper/hoopcal/internal/cache"
)

// ErrorResponse is the JSON body written by WriteError/WriteErrorDetail.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes v as JSON with status 200, setting an ETag computed
// from the encoded body and a stale-while-revalidate Cache-Control header.
func WriteJSON(w http.ResponseWriter, v interface{}, ttl time.Duration) {
	body, err := json.Marshal(v)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	etag := cache.ComputeETag(body)
	setCacheHeaders(w, etag, ttl)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// WriteJSONObject writes a pre-serialized JSON body (e.g. from a cache
// hit), skipping the Marshal step.
func WriteJSONObject(w http.ResponseWriter, body []byte, etag string, ttl time.Duration) {
	setCacheHeaders(w, etag, ttl)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// WriteNotModified writes a bare 304, used when the request's
// If-None-Match matches the current ETag.
func WriteNotModified(w http.ResponseWriter, etag string) {
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusNotModified)
}

// WriteError writes a minimal JSON error envelope.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: http.StatusText(status), Message: message})
}

// WriteErrorDetail writes a JSON error envelope carrying a semantic kind
// (e.g. "InvalidFilter", "StoreUnavailable") alongside the message (§7).
func WriteErrorDetail(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: http.StatusText(status), Kind: kind, Message: message})
}

// WriteICS writes an iCalendar document with the correct content type.
func WriteICS(w http.ResponseWriter, document string, etag string) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(document))
}

func setCacheHeaders(w http.ResponseWriter, etag string, ttl time.Duration) {
	w.Header().Set("ETag", etag)
	seconds := int(ttl.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(seconds)+", stale-while-revalidate=60")
}
