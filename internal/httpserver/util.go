package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/campusmart/server/internal/errors"
	"github.com/campusmart/server/internal/ratelimit"
)

// maxBodyBytes bounds request bodies, including provider callbacks.
const maxBodyBytes = 64 << 10

var errInvalidUser = errors.New("X-User-ID must be a positive integer")

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// viewerID returns the caller's user id, or 0 for anonymous requests.
func viewerID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(ratelimit.UserHeader))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidUser
	}
	return id, nil
}

// requireUser resolves the caller and writes a 401 when there is none.
func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := viewerID(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return 0, false
	}
	if id == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthenticated, "X-User-ID header is required")
		return 0, false
	}
	return id, true
}

// pathID parses a positive integer URL parameter and writes a 400 when it is not one.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "invalid "+name, "param", name)
		return 0, false
	}
	return id, true
}

// queryInt reads an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

// queryBool reads an optional boolean query parameter.
func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return b, nil
}
