// internal/handlers/rooms.go
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/pairplay/internal/auth"
	"github.com/jason-s-yu/pairplay/internal/middleware"
	"github.com/jason-s-yu/pairplay/internal/minigames"
	"github.com/jason-s-yu/pairplay/internal/room"
	"github.com/jason-s-yu/pairplay/internal/teardown"
	"github.com/skip2/go-qrcode"
)

const (
	qrSize       = 256
	maxSelfieLen = 8 << 20
)

type guestRequest struct {
	Name string `json:"name"`
}

type guestResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// handleGuest issues a fresh guest id and token and sets the auth_token cookie.
func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	var req guestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad guest request payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, s.entry(r), room.ErrMissingIdentity)
		return
	}

	id := uuid.New()
	if s.Guests != nil {
		if err := s.Guests.CreateGuest(r.Context(), id, req.Name); err != nil {
			writeError(w, s.entry(r), fmt.Errorf("create guest: %w", err))
			return
		}
	}
	token, err := s.Issuer.Create(auth.Identity{ID: id.String(), Name: req.Name})
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	writeJSON(w, http.StatusCreated, guestResponse{ID: id.String(), Name: req.Name, Token: token})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())
	pin, err := s.Rooms.Create(r.Context(), id.ID, id.Name)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"pin": pin})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	id, _ := middleware.IdentityFrom(r.Context())
	if err := s.Rooms.Join(r.Context(), pin, id.ID, id.Name); err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	roster, err := s.Rooms.Roster(r.Context(), pin)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pin": pin, "participants": roster.Names()})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	if _, err := s.requireMember(r.Context(), pin); err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	rm, err := s.Rooms.Load(r.Context(), pin)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	id, err := s.requireMember(r.Context(), pin)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	body := struct {
		Ready *bool `json:"ready"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad ready payload"})
		return
	}
	ready := body.Ready == nil || *body.Ready
	if err := s.Rooms.SetReady(r.Context(), pin, id.ID, ready); err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	if _, err := s.requireMember(r.Context(), pin); err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	if err := s.Rooms.StartGame(r.Context(), pin); err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExit counts the caller out. The second exit deletes the room.
func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	id, err := s.requireMember(r.Context(), pin)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	res, err := teardown.NewCoordinator(s.Store, s.Log).Exit(r.Context(), pin, id.ID)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	if res.Deleted || res.Gone {
		s.forgetEngines(pin)
	}
	writeJSON(w, http.StatusOK, map[string]any{"exited": res.Exited, "deleted": res.Deleted || res.Gone})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	id, _ := middleware.IdentityFrom(r.Context())
	if err := teardown.NewCoordinator(s.Store, s.Log).EndEarly(r.Context(), pin, id.ID); err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	s.forgetEngines(pin)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelfie(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	id, err := s.requireMember(r.Context(), pin)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSelfieLen))
	if err != nil || len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty selfie"})
		return
	}
	url, err := minigames.UploadSelfie(r.Context(), s.selfieDeps(), pin, id.Name, data)
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

// handleQR renders a PNG QR code that opens the join page for this room.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	if _, err := s.requireMember(r.Context(), pin); err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	png, err := qrcode.Encode(s.joinURL(pin), qrcode.Medium, qrSize)
	if err != nil {
		writeError(w, s.entry(r), fmt.Errorf("encode qr: %w", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (s *Server) joinURL(pin string) string {
	base := strings.TrimRight(s.PublicURL, "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	return base + "/join/" + pin
}
