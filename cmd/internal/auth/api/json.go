package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

var errMediaType = errors.New("content type must be application/json")

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	// Forms can be posted cross-site without a preflight; JSON cannot.
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return errMediaType
	}
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// readJSON decodes the request body into dst, writing 415 or 400 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	err := decodeJSON(w, r, maxBytes, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errMediaType):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
	}
	return false
}
