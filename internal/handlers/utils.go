package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jason-s-yu/pairplay/internal/blob"
	"github.com/jason-s-yu/pairplay/internal/room"
	"github.com/jason-s-yu/pairplay/internal/teardown"
	"github.com/sirupsen/logrus"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps domain errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, room.ErrInvalidPin), errors.Is(err, teardown.ErrRoomGone), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, room.ErrRoomFull), errors.Is(err, room.ErrNameTaken):
		return http.StatusConflict
	case errors.Is(err, room.ErrMissingIdentity), errors.Is(err, blob.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, teardown.ErrNotHost), errors.Is(err, errNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, room.ErrNoFreePin):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server-side failures and replies with {"error": "..."}.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
