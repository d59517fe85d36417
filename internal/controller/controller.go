// Package controller arbitrates the single fingerprint sensor between the
// standing verification loop and on-demand enrollment sessions, and owns the
// operating mode both of them derive their right to the sensor from.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diagnosis/turnstile/internal/domain"
	"github.com/diagnosis/turnstile/internal/notify"
	"github.com/diagnosis/turnstile/internal/sensor"
	"github.com/diagnosis/turnstile/pkg/events"
	"github.com/diagnosis/turnstile/pkg/logger"
)

type SensorGuard interface {
	WithSensor(ctx context.Context, op func(sensor.Device) error) error
	Recover(ctx context.Context, within sensor.Within) (bool, error)
	Acquire(ctx context.Context) error
	Probe(ctx context.Context) (count, capacity int, err error)
	Present() bool
	LastError() string
}

type Identities interface {
	UserBySlot(ctx context.Context, slot int) (*domain.User, error)
	BindTemplate(ctx context.Context, userID int64, slot int) error
	ClearBindings(ctx context.Context) error
	CountBindings(ctx context.Context) (int, error)
}

type AccessLog interface {
	Record(ctx context.Context, ev domain.AccessEvent) error
}

type Gate interface {
	Open(ctx context.Context) (bool, error)
}

type Notifier interface {
	Send(endpoint string, n notify.Notification) bool
}

// notifierStats is implemented by notifiers that count their deliveries.
type notifierStats interface {
	Stats() notify.Stats
}

type VerificationConfig struct {
	PresenceWindow time.Duration
	PollInterval   time.Duration
	MaxFailures    int
	IdleInterval   time.Duration
	RetryPause     time.Duration
}

type EnrollmentConfig struct {
	ReadWindow       time.Duration
	PollInterval     time.Duration
	ReminderInterval time.Duration
	StartDelay       time.Duration
	StepDelay        time.Duration
	RepresentDelay   time.Duration
}

type Config struct {
	Verification VerificationConfig
	Enrollment   EnrollmentConfig
	// DiagnoseWait bounds how long Diagnose waits for the sensor.
	DiagnoseWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Verification: VerificationConfig{
			PresenceWindow: 5 * time.Second,
			PollInterval:   100 * time.Millisecond,
			MaxFailures:    5,
			IdleInterval:   time.Second,
			RetryPause:     500 * time.Millisecond,
		},
		Enrollment: EnrollmentConfig{
			ReadWindow:       30 * time.Second,
			PollInterval:     100 * time.Millisecond,
			ReminderInterval: 5 * time.Second,
			StartDelay:       2 * time.Second,
			StepDelay:        time.Second,
			RepresentDelay:   3 * time.Second,
		},
		DiagnoseWait: 250 * time.Millisecond,
	}
}

type Deps struct {
	Guard      SensorGuard
	Identities Identities
	AccessLog  AccessLog
	Gate       Gate
	Notifier   Notifier
	Events     events.Publisher
	Logger     *slog.Logger
}

type session struct {
	domain.EnrollmentSession
	cancel context.CancelCauseFunc
}

type Controller struct {
	cfg        Config
	guard      SensorGuard
	identities Identities
	accessLog  AccessLog
	gate       Gate
	notifier   Notifier
	events     events.Publisher
	logger     *slog.Logger

	mu          sync.RWMutex
	mode        domain.Mode
	session     *session
	lastStage   domain.EnrollmentStage
	lastMessage string

	// parent of every enrollment session; cancelled by Close
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	now   func() time.Time
	newID func() string
}

var errSuperseded = errors.New("sensor claimed by enrollment")

func New(cfg Config, deps Deps) *Controller {
	if cfg.Verification.MaxFailures < 1 {
		cfg.Verification.MaxFailures = 1
	}
	if cfg.DiagnoseWait <= 0 {
		cfg.DiagnoseWait = DefaultConfig().DiagnoseWait
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		guard:      deps.Guard,
		identities: deps.Identities,
		accessLog:  deps.AccessLog,
		gate:       deps.Gate,
		notifier:   deps.Notifier,
		events:     deps.Events,
		logger:     deps.Logger.With("component", "controller"),
		mode:       domain.ModeVerifying,
		lastStage:  domain.StageIdle,
		baseCtx:    ctx,
		baseCancel: cancel,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

func (c *Controller) Mode() domain.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Controller) GateStatus() domain.GateStatus {
	return domain.GateStatus{Mode: c.Mode(), SensorPresent: c.guard.Present()}
}

func (c *Controller) SensorPresent() bool { return c.guard.Present() }

// EnrollmentStatus reports the running session, or the outcome of the last one
// when nothing is running.
func (c *Controller) EnrollmentStatus() domain.EnrollmentStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil {
		return domain.EnrollmentStatus{Stage: c.lastStage, Message: c.lastMessage}
	}
	snap := c.session.EnrollmentSession
	return domain.EnrollmentStatus{
		Stage:      snap.Stage,
		Message:    snap.Message,
		InProgress: true,
		Session:    &snap,
	}
}

// RequestEnrollment claims the sensor for a new session and starts the
// protocol in the background. It never waits for the sensor.
func (c *Controller) RequestEnrollment(req domain.EnrollmentRequest) (domain.EnrollmentSession, error) {
	if !c.guard.Present() {
		return domain.EnrollmentSession{}, domain.Errorf(domain.KindDeviceUnavailable, "request enrollment", "sensor offline")
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return domain.EnrollmentSession{}, domain.ErrSessionConflict
	}
	if err := c.baseCtx.Err(); err != nil {
		c.mu.Unlock()
		return domain.EnrollmentSession{}, domain.Wrap(domain.KindDeviceUnavailable, "request enrollment", err)
	}

	id := c.newID()
	ctx, cancel := context.WithCancelCause(context.WithValue(c.baseCtx, logger.SessionIDKey, id))
	s := &session{
		EnrollmentSession: domain.EnrollmentSession{
			ID:             id,
			UserID:         req.UserID,
			Identifier:     req.Identifier,
			DisplayName:    req.DisplayName,
			Stage:          domain.StageStarting,
			Message:        "Starting enrollment",
			NotifyEndpoint: req.NotifyEndpoint,
			StartedAt:      c.now(),
		},
		cancel: cancel,
	}
	c.session = s
	c.mode = domain.ModeEnrolling
	snap := s.EnrollmentSession
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("enrollment accepted",
		"session_id", snap.ID, "user_id", snap.UserID, "identifier", snap.Identifier)

	go c.runEnrollment(ctx, s)
	return snap, nil
}

// CancelEnrollment asks the running session to stop. The workflow notices at
// its next wait tick or stage boundary. It reports whether a session was
// running.
func (c *Controller) CancelEnrollment() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.Stage.Terminal() {
		return false
	}
	if !c.session.CancelPending {
		c.session.CancelPending = true
		c.session.Message = "Cancellation requested"
		c.session.cancel(domain.ErrCancelled)
		c.logger.Info("enrollment cancellation requested", "session_id", c.session.ID)
	}
	return true
}

// TestGate actuates the gate once outside the verification flow.
func (c *Controller) TestGate(ctx context.Context) (bool, error) {
	if c.Mode() == domain.ModeEnrolling {
		return false, domain.ErrSessionConflict
	}
	passed, err := c.gate.Open(ctx)
	if err != nil {
		return false, err
	}
	c.logger.Info("gate test finished", "passed", passed)
	return passed, nil
}

// Diagnose reports sensor health, stored bindings and notification counters.
// The sensor is probed only in VERIFYING mode, and only if the lock frees up
// within DiagnoseWait; otherwise the report is marked SensorBusy.
func (c *Controller) Diagnose(ctx context.Context) domain.Diagnostics {
	d := domain.Diagnostics{
		SensorConnected: c.guard.Present(),
		Mode:            c.Mode(),
	}
	if d.SensorConnected && d.Mode == domain.ModeVerifying {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.DiagnoseWait)
		count, capacity, err := c.guard.Probe(probeCtx)
		switch {
		case err == nil:
			d.SensorOperational = true
			d.TemplateCount = count
			d.Capacity = capacity
		case probeCtx.Err() != nil && ctx.Err() == nil:
			d.SensorBusy = true
		}
		cancel()
	} else if d.SensorConnected {
		d.SensorBusy = true
	}

	if n, err := c.identities.CountBindings(ctx); err != nil {
		c.logger.Warn("counting bindings failed", "error", err)
	} else {
		d.BoundTemplates = n
	}
	if ns, ok := c.notifier.(notifierStats); ok {
		st := ns.Stats()
		d.Notifications = &domain.NotificationStats{
			Delivered: st.Delivered,
			Failed:    st.Failed,
			Dropped:   st.Dropped,
		}
	}
	d.LastError = c.guard.LastError()
	return d
}

// Reconnect redials the sensor on operator request. It is refused while an
// enrollment owns the sensor.
func (c *Controller) Reconnect(ctx context.Context) error {
	if c.Mode() == domain.ModeEnrolling {
		return domain.ErrSessionConflict
	}
	return c.guard.Acquire(ctx)
}

// ClearTemplates erases every template on the device and every stored
// binding. It returns how many templates the device held before the wipe.
func (c *Controller) ClearTemplates(ctx context.Context) (int, error) {
	if c.Mode() == domain.ModeEnrolling {
		return 0, domain.ErrSessionConflict
	}
	var before int
	err := c.guard.WithSensor(ctx, func(d sensor.Device) error {
		return c.whileVerifying(func() error {
			var err error
			if before, err = d.TemplateCount(); err != nil {
				return domain.Wrap(domain.KindDeviceUnavailable, "count templates", err)
			}
			if err := d.ClearDatabase(); err != nil {
				return domain.Wrap(domain.KindDeviceUnavailable, "clear templates", err)
			}
			return nil
		})
	})
	if errors.Is(err, errSuperseded) {
		return 0, domain.ErrSessionConflict
	}
	if err != nil {
		return 0, err
	}
	if err := c.identities.ClearBindings(ctx); err != nil {
		return before, err
	}

	c.logger.Warn("all fingerprint templates erased", "count", before)
	c.publish(ctx, events.TemplatesClear, events.TemplatesClearedEvent{ClearedAt: c.now()})
	return before, nil
}

// Close cancels a running enrollment and waits for its cleanup.
func (c *Controller) Close() {
	c.baseCancel()
	c.wg.Wait()
}

// whileVerifying runs one sensor step under the state read lock, refusing it
// once the mode has left VERIFYING. Callers already hold the sensor guard.
func (c *Controller) whileVerifying(step func() error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mode != domain.ModeVerifying {
		return errSuperseded
	}
	return step()
}

func (c *Controller) publish(ctx context.Context, subject string, payload any) {
	if err := c.events.Publish(ctx, subject, payload); err != nil {
		c.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}
