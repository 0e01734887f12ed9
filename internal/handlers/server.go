// internal/handlers/server.go

// Package handlers exposes rooms, blobs and the shared tree over HTTP and websockets.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jason-s-yu/pairplay/internal/auth"
	"github.com/jason-s-yu/pairplay/internal/blob"
	"github.com/jason-s-yu/pairplay/internal/matching"
	"github.com/jason-s-yu/pairplay/internal/middleware"
	"github.com/jason-s-yu/pairplay/internal/minigames"
	"github.com/jason-s-yu/pairplay/internal/room"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/sirupsen/logrus"
)

var errNotParticipant = errors.New("handlers: caller is not in this room")

// GuestStore records guests as they are issued tokens. Optional.
type GuestStore interface {
	CreateGuest(ctx context.Context, id uuid.UUID, name string) error
}

// Server holds everything the routes need.
type Server struct {
	Store  store.Store
	Rooms  *room.Manager
	Blobs  blob.Store
	Issuer *auth.Issuer
	Guests GuestStore
	Log    *logrus.Logger

	// Actions receives accepted memory moves. Optional.
	Actions          matching.ActionSink
	// MismatchDelay overrides how long mismatched cards stay face up.
	MismatchDelay    time.Duration
	// TreeWriteTimeout bounds one websocket write; a client that stops reading is dropped.
	TreeWriteTimeout time.Duration

	// PublicURL is where clients reach this server; join QR codes point at it.
	PublicURL      string
	AllowedOrigins []string

	engines sync.Map // pin/player -> *matching.Engine
	trees   atomic.Int64
}

// NewServer wires a server around a store. Guests may be nil.
func NewServer(st store.Store, blobs blob.Store, issuer *auth.Issuer, guests GuestStore, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		Store:  st,
		Rooms:  room.NewManager(st, logger, nil),
		Blobs:  blobs,
		Issuer: issuer,
		Guests: guests,
		Log:    logger,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.LogMiddleware(s.Log))
	r.Use(chimw.Heartbeat("/ping"))

	origins := s.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/auth/guest", s.handleGuest)
	r.Get("/blobs/*", s.handleGetBlob)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(s.Issuer))
		r.Use(chimw.Timeout(30 * time.Second))

		r.Post("/rooms", s.handleCreateRoom)
		r.Route("/rooms/{pin}", func(r chi.Router) {
			r.Get("/", s.handleGetRoom)
			r.Post("/join", s.handleJoinRoom)
			r.Post("/ready", s.handleReady)
			r.Post("/start", s.handleStart)
			r.Post("/exit", s.handleExit)
			r.Post("/end", s.handleEnd)
			r.Put("/selfie", s.handleSelfie)
			r.Post("/flip", s.handleFlip)
			r.Get("/qr", s.handleQR)
		})
		r.Put("/blobs/*", s.handlePutBlob)
	})

	// Authenticated after the upgrade; failures close with InvalidAuthTokenError.
	r.Get("/tree/ws", s.handleTreeWS)
	return r
}

func (s *Server) entry(r *http.Request) *logrus.Entry {
	e := s.Log.WithField("request_id", chimw.GetReqID(r.Context()))
	if pin := chi.URLParam(r, "pin"); pin != "" {
		e = e.WithField("pin", pin)
	}
	return e
}

// requireMember returns the caller when they are in the room.
func (s *Server) requireMember(ctx context.Context, pin string) (auth.Identity, error) {
	id, _ := middleware.IdentityFrom(ctx)
	return id, s.checkMember(ctx, pin, id.ID)
}

func (s *Server) checkMember(ctx context.Context, pin, userID string) error {
	roster, err := s.Rooms.Roster(ctx, pin)
	if err != nil {
		return err
	}
	if len(roster) == 0 {
		return room.ErrInvalidPin
	}
	if !roster.Has(userID) {
		return errNotParticipant
	}
	return nil
}

func (s *Server) selfieDeps() minigames.Deps {
	return minigames.Deps{Store: s.Store, Blobs: s.Blobs, Logger: s.Log}
}
