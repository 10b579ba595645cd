package server

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/Prophet73/aihub/pkg/errors"
	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/oauth"
	"github.com/Prophet73/aihub/pkg/storage"
)

// pageResponse is the admin list envelope.
type pageResponse struct {
	Items   any `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// writeDetail writes the admin error envelope.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps application and storage errors onto the admin envelope.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.IsValidation(err):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case apperrors.IsAuth(err):
		writeDetail(w, http.StatusUnauthorized, err.Error())
	case apperrors.IsPolicy(err):
		writeDetail(w, http.StatusForbidden, err.Error())
	case apperrors.IsNotFound(err), errors.Is(err, storage.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "not found")
	case apperrors.IsConflict(err), errors.Is(err, storage.ErrAlreadyExists):
		writeDetail(w, http.StatusBadRequest, "already exists")
	case apperrors.IsRateLimited(err):
		writeDetail(w, http.StatusTooManyRequests, err.Error())
	case apperrors.IsUpstream(err):
		writeDetail(w, http.StatusBadGateway, "upstream service failed")
	default:
		logger.Errorw("request failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "internal server error")
	}
}

// oauthErrorBody is the RFC 6749 error envelope.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	State            string `json:"state,omitempty"`
}

// writeOAuthError maps a provider error onto the RFC 6749 envelope with the
// matching status code.
func writeOAuthError(w http.ResponseWriter, err error, state string) {
	var oerr *oauth.Error
	if !errors.As(err, &oerr) {
		logger.Errorw("oauth request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, oauthErrorBody{Error: oauth.ErrCodeServerError})
		return
	}

	status := http.StatusBadRequest
	switch oerr.Code {
	case oauth.ErrCodeInvalidClient:
		status = http.StatusUnauthorized
	case oauth.ErrCodeServerError:
		status = http.StatusInternalServerError
		logger.Errorw("oauth request failed", "error", oerr.Unwrap())
	}

	writeJSON(w, status, oauthErrorBody{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
		State:            state,
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.NewValidationError("invalid request body", err)
	}
	return nil
}
