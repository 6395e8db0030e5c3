// Package http serves the sync REST surface used by replicas talking to a
// master over the HTTP transport.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/transport"
)

type contextKey string

// requestIDKey is the context key for the request ID.
const requestIDKey contextKey = "request_id"

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RequestIDMiddleware adds a unique request_id to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("http: panic serving %s: %v", r.URL.Path, err)
				writeError(w, http.StatusInternalServerError, "internal server error", "", GetRequestID(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type snappyWriter struct {
	http.ResponseWriter
	sw *snappy.Writer
}

func (w *snappyWriter) Write(p []byte) (int, error) { return w.sw.Write(p) }

// SnappyMiddleware snappy-frames response bodies for clients that ask for it.
func SnappyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), transport.SnappyEncoding) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", transport.SnappyEncoding)
		w.Header().Del("Content-Length")
		sw := snappy.NewBufferedWriter(w)
		defer sw.Close()
		next.ServeHTTP(&snappyWriter{ResponseWriter: w, sw: sw}, r)
	})
}

// writeError writes an error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, message, code string, requestID ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := ErrorResponse{Error: message, Code: code}
	if len(requestID) > 0 {
		resp.RequestID = requestID[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// writeMywError maps an error onto a status by its category and code.
func writeMywError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var me *myerrors.MywError
	code := ""
	if errors.As(err, &me) {
		code = me.Code
		switch {
		case me.Code == myerrors.CodeReplicaNotFound || me.Code == myerrors.CodeObjectNotFound || me.Code == myerrors.CodeMissingFile:
			status = http.StatusNotFound
		case me.Code == myerrors.CodeBadCSRF:
			status = http.StatusForbidden
		case me.Category == myerrors.ErrCategoryConfig:
			status = http.StatusBadRequest
		case me.Category == myerrors.ErrCategoryIntegrity:
			status = http.StatusConflict
		}
	}
	if status == http.StatusInternalServerError {
		log.Printf("http: %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, err.Error(), code, GetRequestID(r.Context()))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
