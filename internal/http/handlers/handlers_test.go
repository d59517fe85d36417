package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/turnstile/internal/domain"
	"github.com/diagnosis/turnstile/internal/http/handlers"
	"github.com/diagnosis/turnstile/internal/http/middleware"
	"github.com/diagnosis/turnstile/internal/identity"
	"github.com/diagnosis/turnstile/pkg/auth"
)

const testSecret = "test-secret"

// ---------- Mocks ----------

type mockController struct {
	enrollErr   error
	lastRequest *domain.EnrollmentRequest
	cancelled   bool
	gatePassed  bool
	gateErr     error
	reconnErr   error
	cleared     int
	clearErr    error
	present     bool
}

func (m *mockController) GateStatus() domain.GateStatus {
	return domain.GateStatus{Mode: domain.ModeVerifying, SensorPresent: m.present}
}

func (m *mockController) SensorPresent() bool { return m.present }

func (m *mockController) EnrollmentStatus() domain.EnrollmentStatus {
	return domain.EnrollmentStatus{Stage: domain.StageFailed, Message: "first-read timeout"}
}

func (m *mockController) RequestEnrollment(req domain.EnrollmentRequest) (domain.EnrollmentSession, error) {
	if m.enrollErr != nil {
		return domain.EnrollmentSession{}, m.enrollErr
	}
	m.lastRequest = &req
	return domain.EnrollmentSession{ID: "sess-1", UserID: req.UserID, Stage: domain.StageStarting}, nil
}

func (m *mockController) CancelEnrollment() bool { return m.cancelled }

func (m *mockController) TestGate(context.Context) (bool, error) { return m.gatePassed, m.gateErr }

func (m *mockController) Diagnose(context.Context) domain.Diagnostics {
	return domain.Diagnostics{SensorConnected: m.present, SensorOperational: m.present, TemplateCount: 4, Capacity: 1000, Mode: domain.ModeVerifying}
}

func (m *mockController) Reconnect(context.Context) error { return m.reconnErr }

func (m *mockController) ClearTemplates(context.Context) (int, error) { return m.cleared, m.clearErr }

type mockUsers struct {
	byID  map[int64]*domain.User
	byIdf map[string]*domain.User
}

func (m *mockUsers) Resolve(_ context.Context, id int64, identifier string) (*domain.User, error) {
	if id == 0 {
		if u, ok := m.byIdf[identifier]; ok {
			return u, nil
		}
		return nil, identity.ErrUserNotFound
	}
	u, ok := m.byID[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	if identifier != "" && identifier != u.Identifier {
		return nil, identity.ErrIdentifierMismatch
	}
	return u, nil
}

type mockAccessLog struct {
	events    []domain.AccessEvent
	lastLimit int
}

func (m *mockAccessLog) ListRecent(_ context.Context, limit int) ([]domain.AccessEvent, error) {
	m.lastLimit = limit
	return m.events, nil
}

type mockPresenter struct{ fingers []string }

func (m *mockPresenter) Present(fingers ...string) { m.fingers = append(m.fingers, fingers...) }

// ---------- Helpers ----------

type fixture struct {
	srv       *httptest.Server
	ctrl      *mockController
	accessLog *mockAccessLog
	presenter *mockPresenter
}

func setup(t *testing.T, opts handlers.Options) *fixture {
	t.Helper()
	ana := &domain.User{ID: 7, Name: "Ana Souza", Type: "student", Identifier: "E7"}
	f := &fixture{
		ctrl:      &mockController{present: true, gatePassed: true},
		accessLog: &mockAccessLog{},
		presenter: &mockPresenter{},
	}
	users := &mockUsers{
		byID:  map[int64]*domain.User{7: ana},
		byIdf: map[string]*domain.User{"E7": ana},
	}
	if opts.Presenter == nil {
		opts.Presenter = f.presenter
	}

	h := handlers.New(f.ctrl, users, f.accessLog, opts)
	r := chi.NewRouter()
	r.Mount("/", h.Routes())
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.NewOperatorToken("op-1", "Operator", role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

// ---------- Tests ----------

func TestEnroll(t *testing.T) {
	f := setup(t, handlers.Options{})

	t.Run("accepted by identifier", func(t *testing.T) {
		resp, body := f.do(t, "POST", "/enroll", map[string]any{
			"identifier":      " e7 ",
			"notify_endpoint": "http://kiosk.local/webhook",
		}, "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, true, body["accepted"])
		assert.Equal(t, "starting", body["stage"])
		assert.Equal(t, "sess-1", body["session_id"])

		require.NotNil(t, f.ctrl.lastRequest)
		assert.Equal(t, int64(7), f.ctrl.lastRequest.UserID)
		assert.Equal(t, "Ana Souza", f.ctrl.lastRequest.DisplayName)
		assert.Equal(t, "http://kiosk.local/webhook", f.ctrl.lastRequest.NotifyEndpoint)
	})

	t.Run("display name override", func(t *testing.T) {
		resp, _ := f.do(t, "POST", "/enroll", map[string]any{"user_id": 7, "display_name": "  Ana   S. "}, "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "Ana S.", f.ctrl.lastRequest.DisplayName)
	})

	t.Run("conflict", func(t *testing.T) {
		f.ctrl.enrollErr = domain.ErrSessionConflict
		defer func() { f.ctrl.enrollErr = nil }()

		resp, body := f.do(t, "POST", "/enroll", map[string]any{"user_id": 7}, "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, false, body["accepted"])
		assert.Equal(t, "already in progress", body["reason"])
	})

	t.Run("sensor offline", func(t *testing.T) {
		f.ctrl.enrollErr = domain.Errorf(domain.KindDeviceUnavailable, "request enrollment", "sensor offline")
		defer func() { f.ctrl.enrollErr = nil }()

		resp, body := f.do(t, "POST", "/enroll", map[string]any{"user_id": 7}, "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "DEVICE_UNAVAILABLE", body["code"])
	})

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"missing user", map[string]any{}, http.StatusBadRequest},
		{"bad identifier", map[string]any{"identifier": "E 7!"}, http.StatusBadRequest},
		{"bad endpoint", map[string]any{"user_id": 7, "notify_endpoint": "ftp://x"}, http.StatusBadRequest},
		{"unknown user", map[string]any{"user_id": 99}, http.StatusNotFound},
		{"identifier mismatch", map[string]any{"user_id": 7, "identifier": "E8"}, http.StatusBadRequest},
		{"invalid json", "not-an-object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := f.do(t, "POST", "/enroll", tc.body, "")
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestStatusRoutes(t *testing.T) {
	f := setup(t, handlers.Options{})

	resp, body := f.do(t, "GET", "/enroll/status", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["stage"])
	assert.Equal(t, "first-read timeout", body["message"])

	resp, body = f.do(t, "GET", "/gate/status", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "VERIFYING", body["mode"])
	assert.Equal(t, true, body["sensor_present"])

	resp, body = f.do(t, "GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, true, body["sensor_connected"])

	resp, body = f.do(t, "GET", "/diagnostics", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), body["template_count"])
	assert.Equal(t, float64(1000), body["capacity"])
}

func TestOperatorActions(t *testing.T) {
	f := setup(t, handlers.Options{})

	f.ctrl.cancelled = true
	resp, body := f.do(t, "POST", "/enroll/cancel", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])

	resp, body = f.do(t, "POST", "/gate/test", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["passed"])

	f.ctrl.gateErr = domain.ErrSessionConflict
	resp, body = f.do(t, "POST", "/gate/test", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ENROLLMENT_IN_PROGRESS", body["code"])

	resp, body = f.do(t, "POST", "/sensor/reconnect", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["sensor_connected"])

	f.ctrl.reconnErr = domain.Wrap(domain.KindDeviceUnavailable, "acquire sensor", context.DeadlineExceeded)
	resp, body = f.do(t, "POST", "/sensor/reconnect", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "DEVICE_UNAVAILABLE", body["code"])
	assert.Contains(t, body["details"], "deadline exceeded")

	f.ctrl.cleared = 12
	resp, body = f.do(t, "POST", "/sensor/clear", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(12), body["cleared"])
}

func TestRecentAccess(t *testing.T) {
	f := setup(t, handlers.Options{})
	f.accessLog.events = []domain.AccessEvent{{UserID: 7, DisplayName: "Ana", Period: domain.PeriodMorning}}

	resp, err := http.Get(f.srv.URL + "/access/recent?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out []domain.AccessEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, domain.PeriodMorning, out[0].Period)
	assert.Equal(t, 10, f.accessLog.lastLimit)

	bad, _ := f.do(t, "GET", "/access/recent?limit=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestPresentFinger(t *testing.T) {
	f := setup(t, handlers.Options{DevRoutes: true})

	resp, body := f.do(t, "POST", "/dev/sensor/present", map[string]any{"fingers": []string{"ana", "ana"}}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(2), body["queued"])
	assert.Equal(t, []string{"ana", "ana"}, f.presenter.fingers)

	resp, _ = f.do(t, "POST", "/dev/sensor/present", map[string]any{"fingers": []string{}}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPresentFinger_NotMountedByDefault(t *testing.T) {
	f := setup(t, handlers.Options{})

	resp, _ := f.do(t, "POST", "/dev/sensor/present", map[string]any{"fingers": []string{"ana"}}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, f.presenter.fingers)
}

func TestAuth(t *testing.T) {
	f := setup(t, handlers.Options{AuthEnabled: true, JWTSecret: testSecret})

	resp, _ := f.do(t, "POST", "/enroll/cancel", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, "POST", "/enroll/cancel", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	resp, _ = f.do(t, "POST", "/enroll/cancel", nil, token(t, auth.RoleOperator))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// erasing templates is reserved to admins
	resp, _ = f.do(t, "POST", "/sensor/clear", nil, token(t, auth.RoleOperator))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(t, "POST", "/sensor/clear", nil, token(t, auth.RoleAdmin))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// reads stay open
	resp, _ = f.do(t, "GET", "/gate/status", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitedHardwareRoutes(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimitConfig{RPS: 0.001, Burst: 2})
	f := setup(t, handlers.Options{RateLimiter: rl})

	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, "POST", "/gate/test", nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := f.do(t, "POST", "/gate/test", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])

	// status and enrollment routes are not limited
	for i := 0; i < 5; i++ {
		resp, _ := f.do(t, "GET", "/gate/status", nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}
