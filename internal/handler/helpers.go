package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/service"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	middleware.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	middleware.WriteError(w, status, typ, msg)
}

// errorWriter maps service errors to HTTP responses. With dev set, the full
// error chain is returned in details.
type errorWriter struct {
	dev bool
}

func statusFor(code string) int {
	switch code {
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeUnauthorized:
		return http.StatusForbidden
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeOperationNotAllowed:
		return http.StatusConflict
	case service.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (e errorWriter) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := service.Code(err)
	status := statusFor(code)

	var rle *service.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter/time.Second)))
	}

	detail := middleware.ErrorDetail{Message: err.Error(), Type: code}
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		detail.Message = "internal server error"
	}
	if e.dev {
		detail.Details = fmt.Sprintf("%+v", err)
	}
	writeJSON(w, status, middleware.ErrorResponse{Error: detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, service.CodeValidation, "request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, service.CodeValidation, "invalid body")
		return false
	}
	return true
}

// queryInt reads the first present key; unparsable values fall back to defaultVal.
func queryInt(r *http.Request, defaultVal int, keys ...string) int {
	q := r.URL.Query()
	for _, key := range keys {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}
