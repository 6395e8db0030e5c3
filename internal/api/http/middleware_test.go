package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/transport"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "field-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "field-42", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RequestIDMiddleware(RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("corrupt package")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync/file", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.RequestID)
}

func TestSnappyMiddleware(t *testing.T) {
	body := []byte("id,owner\n1,ops\n2,field\n")
	h := SnappyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync/file", nil))
	assert.Equal(t, body, rec.Body.Bytes(), "plain clients get the raw body")

	req := httptest.NewRequest(http.MethodGet, "/sync/file", nil)
	req.Header.Set("Accept-Encoding", transport.SnappyEncoding)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, transport.SnappyEncoding, rec.Header().Get("Content-Encoding"))
	got, err := io.ReadAll(snappy.NewReader(rec.Body))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestWriteMywErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{myerrors.NewIntegrityError(myerrors.CodeReplicaNotFound, "no replica"), http.StatusNotFound},
		{myerrors.NewConfigError(myerrors.CodeBadValue, "bad owner"), http.StatusBadRequest},
		{myerrors.NewIntegrityError(myerrors.CodeShardExhausted, "no ids left"), http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeMywError(rec, httptest.NewRequest(http.MethodPost, "/sync/register", nil), tt.err)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
	}
}
