package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/diagnosis/turnstile/internal/domain"
	"github.com/diagnosis/turnstile/internal/http/middleware"
	"github.com/diagnosis/turnstile/internal/http/response"
	"github.com/diagnosis/turnstile/internal/identity"
	"github.com/diagnosis/turnstile/internal/utils"
	"github.com/diagnosis/turnstile/pkg/auth"
	"github.com/diagnosis/turnstile/pkg/logger"
)

// Controller is the slice of the mode controller the HTTP surface drives.
type Controller interface {
	GateStatus() domain.GateStatus
	SensorPresent() bool
	EnrollmentStatus() domain.EnrollmentStatus
	RequestEnrollment(req domain.EnrollmentRequest) (domain.EnrollmentSession, error)
	CancelEnrollment() bool
	TestGate(ctx context.Context) (bool, error)
	Diagnose(ctx context.Context) domain.Diagnostics
	Reconnect(ctx context.Context) error
	ClearTemplates(ctx context.Context) (int, error)
}

type Users interface {
	Resolve(ctx context.Context, id int64, identifier string) (*domain.User, error)
}

type AccessLog interface {
	ListRecent(ctx context.Context, limit int) ([]domain.AccessEvent, error)
}

// Presenter queues simulated finger presentations. Only the simulator
// driver provides one.
type Presenter interface {
	Present(fingers ...string)
}

type Options struct {
	AuthEnabled bool
	JWTSecret   string
	// applied to the routes that drive hardware outside the normal flow
	RateLimiter *middleware.RateLimiter
	Presenter   Presenter
	// DevRoutes mounts the unauthenticated /dev routes; they also need a Presenter
	DevRoutes bool
}

type Handlers struct {
	ctrl      Controller
	users     Users
	accessLog AccessLog
	opts      Options
}

func New(ctrl Controller, users Users, accessLog AccessLog, opts Options) *Handlers {
	return &Handlers{ctrl: ctrl, users: users, accessLog: accessLog, opts: opts}
}

func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.health)
	r.Get("/gate/status", h.gateStatus)
	r.Get("/enroll/status", h.enrollStatus)
	r.Get("/diagnostics", h.diagnostics)
	r.Get("/access/recent", h.recentAccess)

	r.Group(func(pr chi.Router) { // operator actions
		pr.Use(h.requireRole(auth.RoleOperator, auth.RoleAdmin))
		pr.Post("/enroll", h.enroll)
		pr.Post("/enroll/cancel", h.cancelEnroll)

		pr.Group(func(hw chi.Router) {
			if h.opts.RateLimiter != nil {
				hw.Use(h.opts.RateLimiter.Middleware())
			}
			hw.Post("/gate/test", h.testGate)
			hw.Post("/sensor/reconnect", h.reconnect)
			hw.With(h.requireRole(auth.RoleAdmin)).Post("/sensor/clear", h.clearTemplates)
		})
	})

	if h.opts.DevRoutes && h.opts.Presenter != nil {
		r.Post("/dev/sensor/present", h.presentFinger)
	}

	return r
}

func (h *Handlers) requireRole(roles ...string) func(http.Handler) http.Handler {
	if !h.opts.AuthEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RequireRole(h.opts.JWTSecret, roles...)
}

type enrollReq struct {
	UserID         int64  `json:"user_id"`
	Identifier     string `json:"identifier"`
	DisplayName    string `json:"display_name"`
	NotifyEndpoint string `json:"notify_endpoint"`
}

type enrollRes struct {
	Accepted  bool                   `json:"accepted"`
	Stage     domain.EnrollmentStage `json:"stage,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

func (h *Handlers) enroll(w http.ResponseWriter, r *http.Request) {
	var in enrollReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	if in.UserID < 0 || (in.UserID == 0 && in.Identifier == "") {
		response.BadRequest(w, "user_id or identifier is required")
		return
	}
	if in.Identifier != "" && !utils.IsValidIdentifier(in.Identifier) {
		response.BadRequest(w, "invalid identifier")
		return
	}
	if in.NotifyEndpoint != "" {
		u, err := url.Parse(in.NotifyEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			response.BadRequest(w, "notify_endpoint must be an http(s) URL")
			return
		}
	}

	user, err := h.users.Resolve(r.Context(), in.UserID, utils.NormalizeIdentifier(in.Identifier))
	switch {
	case errors.Is(err, identity.ErrUserNotFound):
		response.NotFound(w, "user not found")
		return
	case errors.Is(err, identity.ErrIdentifierMismatch):
		response.BadRequest(w, "identifier does not belong to user_id")
		return
	case err != nil:
		logger.ErrorContext(r.Context(), "resolving enrollment user", "error", err)
		response.InternalError(w, "could not look up user")
		return
	}

	name := utils.NormalizeString(in.DisplayName)
	if name == "" {
		name = user.Name
	}
	snap, err := h.ctrl.RequestEnrollment(domain.EnrollmentRequest{
		UserID:         user.ID,
		Identifier:     user.Identifier,
		DisplayName:    name,
		NotifyEndpoint: in.NotifyEndpoint,
	})
	switch {
	case errors.Is(err, domain.ErrSessionConflict):
		response.WriteJSON(w, http.StatusConflict, enrollRes{Accepted: false, Reason: "already in progress"})
		return
	case err != nil:
		writeControllerError(w, r, err)
		return
	}

	logger.InfoContext(r.Context(), "enrollment requested", "session_id", snap.ID, "user_id", user.ID)
	response.WriteJSON(w, http.StatusAccepted, enrollRes{Accepted: true, Stage: snap.Stage, SessionID: snap.ID})
}

func (h *Handlers) cancelEnroll(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]bool{"accepted": h.ctrl.CancelEnrollment()})
}

func (h *Handlers) enrollStatus(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.ctrl.EnrollmentStatus())
}

func (h *Handlers) gateStatus(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.ctrl.GateStatus())
}

func (h *Handlers) testGate(w http.ResponseWriter, r *http.Request) {
	passed, err := h.ctrl.TestGate(r.Context())
	if err != nil {
		writeControllerError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]bool{"passed": passed})
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]any{
		"status":           "online",
		"service":          "turnstile",
		"sensor_connected": h.ctrl.SensorPresent(),
		"timestamp":        time.Now().UTC(),
	})
}

func (h *Handlers) diagnostics(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.ctrl.Diagnose(r.Context()))
}

func (h *Handlers) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Reconnect(r.Context()); err != nil {
		writeControllerError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]bool{"sensor_connected": true})
}

func (h *Handlers) clearTemplates(w http.ResponseWriter, r *http.Request) {
	n, err := h.ctrl.ClearTemplates(r.Context())
	if err != nil {
		writeControllerError(w, r, err)
		return
	}
	if claims := middleware.Claims(r); claims != nil {
		logger.WarnContext(r.Context(), "templates cleared by operator", "operator", claims.Sub, "count", n)
	}
	response.WriteJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handlers) recentAccess(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			response.BadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	evs, err := h.accessLog.ListRecent(r.Context(), limit)
	if err != nil {
		logger.ErrorContext(r.Context(), "listing access log", "error", err)
		response.InternalError(w, "db error")
		return
	}
	if evs == nil {
		evs = []domain.AccessEvent{}
	}
	response.WriteJSON(w, http.StatusOK, evs)
}

func (h *Handlers) presentFinger(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Fingers []string `json:"fingers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.Fingers) == 0 {
		response.BadRequest(w, "fingers is required")
		return
	}
	h.opts.Presenter.Present(in.Fingers...)
	response.WriteJSON(w, http.StatusAccepted, map[string]int{"queued": len(in.Fingers)})
}

// writeControllerError maps a controller failure kind to its HTTP status.
func writeControllerError(w http.ResponseWriter, r *http.Request, err error) {
	switch domain.KindOf(err) {
	case domain.KindSessionConflict:
		response.EnrollmentActive(w, "an enrollment is in progress")
	case domain.KindDeviceUnavailable, domain.KindAuthentication:
		response.DeviceUnavailable(w, "fingerprint sensor unavailable", err.Error())
	default:
		logger.ErrorContext(r.Context(), "controller operation failed", "error", err)
		response.InternalError(w, "internal error")
	}
}
