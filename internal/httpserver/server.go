package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/backend"
	"github.com/chadiek/memoir-glasses/internal/config"
	"github.com/chadiek/memoir-glasses/internal/conversation"
	"github.com/chadiek/memoir-glasses/internal/logging"
	"github.com/chadiek/memoir-glasses/internal/recognition"
	"github.com/chadiek/memoir-glasses/internal/rtc"
	"github.com/chadiek/memoir-glasses/internal/speech"
)

// State is the full UI snapshot.
type State struct {
	Identity                  recognition.Identity `json:"identity"`
	Conversation              conversation.State   `json:"conversation"`
	Present                   bool                 `json:"present"`
	CanRecognize              bool                 `json:"can_recognize"`
	CanStart                  bool                 `json:"can_start"`
	LeaveRequiresConfirmation bool                 `json:"leave_requires_confirmation"`
	Preview                   speech.Preview       `json:"preview"`
}

// Service is what the HTTP layer drives.
type Service interface {
	Snapshot() State
	Recognize(ctx context.Context) (recognition.PersonID, error)
	Enroll(ctx context.Context, personID recognition.PersonID) error
	StartConversation(ctx context.Context, personID recognition.PersonID) (conversation.State, error)
	PauseToggle(ctx context.Context) (bool, error)
	StopConversation(ctx context.Context) (recognition.PersonID, error)
	SetSpeaker(ctx context.Context, sp conversation.Speaker) error
	People(ctx context.Context) ([]backend.Person, error)
	OpenProfile(ctx context.Context, id recognition.PersonID) (backend.Profile, error)
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler

	svc    Service
	logger zerolog.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

type personRequest struct {
	PersonID int64 `json:"person_id"`
}

type speakerRequest struct {
	Speaker string `json:"speaker"`
}

// NewServer constructs the HTTP server with routes. hub may be nil when no
// live feed is wanted.
func NewServer(cfg config.Config, svc Service, hub *Hub) *Server {
	s := &Server{svc: svc, logger: logging.Component("http")}
	e := newRouter()

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	auth := requireAuth(cfg.AuthPassword)
	e.POST("/call", s.handleOffer, auth)
	e.GET("/api/state", s.handleState, auth)
	e.POST("/api/face/recognize", s.handleRecognize, auth)
	e.POST("/api/face/enroll", s.handleEnroll, auth)
	e.POST("/api/conversation/start", s.handleStart, auth)
	e.POST("/api/conversation/pause", s.handlePause, auth)
	e.POST("/api/conversation/stop", s.handleStop, auth)
	e.POST("/api/conversation/speaker", s.handleSpeaker, auth)
	e.GET("/api/people", s.handlePeople, auth)
	e.GET("/api/people/:id", s.handleProfile, auth)
	if hub != nil {
		e.GET("/ws", hub.ServeWS, auth)
	}

	s.Router = e
	return s
}

func (s *Server) handleOffer(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		s.logger.Debug().Err(err).Msg("invalid offer")
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid offer"})
	}
	answer, err := s.svc.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		s.logger.Error().Err(err).Msg("webrtc handle offer failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Snapshot())
}

func (s *Server) handleRecognize(c echo.Context) error {
	id, err := s.svc.Recognize(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, personRequest{PersonID: int64(id)})
}

func (s *Server) handleEnroll(c echo.Context) error {
	var req personRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	if err := s.svc.Enroll(c.Request().Context(), recognition.PersonID(req.PersonID)); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// handleStart accepts an optional person_id; without one the displayed
// profile is used.
func (s *Server) handleStart(c echo.Context) error {
	var req personRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
	}
	id := recognition.PersonID(req.PersonID)
	if id == 0 {
		id = s.svc.Snapshot().Identity.DisplayedPersonID
	}
	st, err := s.svc.StartConversation(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handlePause(c echo.Context) error {
	paused, err := s.svc.PauseToggle(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"paused": paused})
}

func (s *Server) handleStop(c echo.Context) error {
	prior, err := s.svc.StopConversation(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, personRequest{PersonID: int64(prior)})
}

func (s *Server) handleSpeaker(c echo.Context) error {
	var req speakerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	if err := s.svc.SetSpeaker(c.Request().Context(), conversation.Speaker(req.Speaker)); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"speaker": req.Speaker})
}

func (s *Server) handlePeople(c echo.Context) error {
	people, err := s.svc.People(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if people == nil {
		people = []backend.Person{}
	}
	return c.JSON(http.StatusOK, people)
}

func (s *Server) handleProfile(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid person id"})
	}
	prof, err := s.svc.OpenProfile(c.Request().Context(), recognition.PersonID(id))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, prof)
}

// fail maps wearer-facing errors to 422 and backend faults to 502.
func (s *Server) fail(c echo.Context, err error) error {
	if recognition.IsUserError(err) || conversation.IsUserError(err) {
		return c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	}
	if errors.Is(err, context.Canceled) {
		return c.NoContent(http.StatusRequestTimeout)
	}
	s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return c.JSON(http.StatusBadGateway, errorBody{Error: err.Error()})
}
