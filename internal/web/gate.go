package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/asheshgoplani/wa-deck/internal/media"
	"github.com/asheshgoplani/wa-deck/internal/session"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

// clientHandler runs with the client's lock held and a live session.
type clientHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

// client is the request pipeline for client routes: authenticate, resolve
// the client id, admit the session (lock, ensure, self-heal, start polling),
// enforce login when required, dispatch, then release the lock on every
// exit path including a panic in h.
func (s *Server) client(requireLogin bool, h clientHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizeRequest(r) {
			s.writeError(w, session.ErrUnauthorized)
			return
		}

		sess, err := s.manager.Admit(r.Context(), clientID(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		defer sess.Release()

		if requireLogin {
			if err := sess.RequireLogin(); err != nil {
				s.writeError(w, err)
				return
			}
		}
		h(w, r, sess)
	})
}

// admin is the pipeline for admin routes: authentication only.
func (s *Server) admin(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizeRequest(r) {
			s.writeError(w, session.ErrUnauthorized)
			return
		}
		h(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "you must send a valid auth-key")
	case errors.Is(err, session.ErrMissingClient):
		writeAPIError(w, http.StatusBadRequest, "MISSING_CLIENT", "client-id is mandatory")
	case errors.Is(err, session.ErrInvalidClient):
		writeAPIError(w, http.StatusBadRequest, "INVALID_CLIENT", err.Error())
	case errors.Is(err, session.ErrLockTimeout):
		secs := int(math.Ceil(s.manager.LockTimeout().Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeAPIError(w, http.StatusServiceUnavailable, "CLIENT_BUSY", err.Error())
	case errors.Is(err, session.ErrClosed):
		writeAPIError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	case errors.Is(err, session.ErrConstruction):
		writeAPIError(w, http.StatusBadGateway, "RESOURCE_UNAVAILABLE", err.Error())
	case errors.Is(err, session.ErrNotLoggedIn):
		writeAPIError(w, http.StatusForbidden, "NOT_LOGGED_IN", "client is not logged in")
	case errors.Is(err, session.ErrCommand):
		writeAPIError(w, http.StatusBadGateway, "COMMAND_FAILED", err.Error())
	case errors.Is(err, media.ErrEmptyName), errors.Is(err, media.ErrUnsupportedType):
		writeAPIError(w, http.StatusBadRequest, "INVALID_MEDIA", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		webLog.Debug("request_cancelled", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusServiceUnavailable, "REQUEST_CANCELLED", err.Error())
	default:
		webLog.Error("request_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

// parseBool treats "true" and "1" as true. An absent value yields def.
func parseBool(v string, def bool) bool {
	switch v {
	case "":
		return def
	case "true", "1", "True", "TRUE":
		return true
	}
	return false
}
