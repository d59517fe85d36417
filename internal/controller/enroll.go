package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/diagnosis/turnstile/internal/domain"
	"github.com/diagnosis/turnstile/internal/notify"
	"github.com/diagnosis/turnstile/internal/sensor"
	"github.com/diagnosis/turnstile/internal/waitfor"
	"github.com/diagnosis/turnstile/pkg/events"
	"github.com/diagnosis/turnstile/pkg/logger"
)

// runEnrollment drives one session to a terminal outcome. Whatever happens,
// including a panic, the deferred finish restores VERIFYING and sends the
// single terminal notification.
func (c *Controller) runEnrollment(ctx context.Context, s *session) {
	defer c.wg.Done()

	var res domain.EnrollmentResult
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("enrollment panicked", "session_id", s.ID, "panic", r, "stack", string(debug.Stack()))
			res = domain.EnrollmentResult{
				Stage: domain.StageFailed,
				Err:   domain.Errorf(domain.KindInternal, "enroll", "panic: %v", r),
			}
		}
		c.finish(s, res)
	}()

	res = c.enroll(ctx, s)
}

func (c *Controller) enroll(ctx context.Context, s *session) domain.EnrollmentResult {
	cfg := c.cfg.Enrollment

	c.advance(ctx, s, domain.StageStarting, "Starting enrollment", nil)
	if err := waitfor.Sleep(ctx, cfg.StartDelay); err != nil {
		return failed(err)
	}
	c.notify(s, domain.EventConnected, "Sensor ready", nil, true)
	if err := waitfor.Sleep(ctx, cfg.StepDelay); err != nil {
		return failed(err)
	}

	if err := c.awaitFinger(ctx, s, domain.StageAwaitingFirstRead, "Place your finger on the sensor", "first-read", 0); err != nil {
		return failed(err)
	}
	c.advance(ctx, s, domain.StageFirstCaptured, "First fingerprint captured", nil)
	if err := c.sensorStep(ctx, "convert first image", func(d sensor.Device) error {
		return d.ConvertImage(sensor.Buffer1)
	}); err != nil {
		return failed(err)
	}
	if err := waitfor.Sleep(ctx, cfg.StepDelay); err != nil {
		return failed(err)
	}

	if err := checkpoint(ctx); err != nil {
		return failed(err)
	}
	c.advance(ctx, s, domain.StageCheckingDuplicate, "Checking existing fingerprints", nil)
	existing := -1
	if err := c.sensorStep(ctx, "check duplicate", func(d sensor.Device) error {
		var err error
		existing, _, err = d.SearchTemplate()
		return err
	}); err != nil {
		return failed(err)
	}
	if existing >= 0 {
		e := domain.Errorf(domain.KindDuplicateTemplate, "check duplicate", "template already enrolled at slot %d", existing)
		e.Slot = existing
		return failed(e)
	}

	if err := checkpoint(ctx); err != nil {
		return failed(err)
	}
	if err := c.awaitFinger(ctx, s, domain.StageAwaitingSecondRead, "Remove your finger and place the same finger again", "second-read", cfg.RepresentDelay); err != nil {
		return failed(err)
	}
	c.advance(ctx, s, domain.StageSecondCaptured, "Second fingerprint captured", nil)
	if err := c.sensorStep(ctx, "convert second image", func(d sensor.Device) error {
		return d.ConvertImage(sensor.Buffer2)
	}); err != nil {
		return failed(err)
	}
	if err := waitfor.Sleep(ctx, cfg.StepDelay); err != nil {
		return failed(err)
	}

	if err := checkpoint(ctx); err != nil {
		return failed(err)
	}
	c.advance(ctx, s, domain.StageValidating, "Comparing both captures", nil)
	var score int
	if err := c.sensorStep(ctx, "compare captures", func(d sensor.Device) error {
		var err error
		score, err = d.CompareCharacteristics()
		return err
	}); err != nil {
		return failed(err)
	}
	// any non-zero score is accepted; the device applies its own threshold
	if score == 0 {
		return failed(domain.Errorf(domain.KindMismatch, "compare captures", "templates do not match"))
	}
	c.notify(s, domain.EventValidated, "Fingerprints match", map[string]any{"score": score}, true)

	if err := checkpoint(ctx); err != nil {
		return failed(err)
	}
	c.advance(ctx, s, domain.StageSaving, "Saving fingerprint", nil)

	// past this point the session can no longer be cancelled
	saveCtx := context.WithoutCancel(ctx)
	slot := -1
	if err := c.sensorStep(saveCtx, "store template", func(d sensor.Device) error {
		var err error
		slot, err = d.StoreTemplate()
		return err
	}); err != nil {
		return failed(err)
	}
	if err := c.identities.BindTemplate(saveCtx, s.UserID, slot); err != nil {
		c.logger.Error("template stored on sensor but binding not saved",
			"session_id", s.ID, "user_id", s.UserID, "slot", slot, "error", err)
		return failed(err)
	}

	return domain.EnrollmentResult{
		Stage:   domain.StageFinished,
		Slot:    slot,
		Message: fmt.Sprintf("Fingerprint enrolled at slot %d", slot),
	}
}

// awaitFinger enters stage, gives the bearer settle to comply with the prompt
// and then polls for a finger for one read window, repeating the prompt with
// the remaining time at every reminder mark.
func (c *Controller) awaitFinger(ctx context.Context, s *session, stage domain.EnrollmentStage, prompt, label string, settle time.Duration) error {
	cfg := c.cfg.Enrollment
	c.advance(ctx, s, stage, prompt, map[string]any{"timeout_seconds": int(cfg.ReadWindow.Seconds())})
	if err := waitfor.Sleep(ctx, settle); err != nil {
		return err
	}

	reminders := 0
	err := c.guard.WithSensor(ctx, func(d sensor.Device) error {
		return waitfor.Until(ctx, cfg.ReadWindow, cfg.PollInterval, func(elapsed time.Duration) (bool, error) {
			if cfg.ReminderInterval > 0 {
				if mark := int(elapsed / cfg.ReminderInterval); mark > reminders {
					reminders = mark
					remaining := int((cfg.ReadWindow - elapsed).Round(time.Second).Seconds())
					c.notify(s, string(stage), fmt.Sprintf("%s (%ds left)", prompt, remaining),
						map[string]any{"remaining_seconds": remaining}, true)
				}
			}
			return d.ReadImage()
		})
	})
	if errors.Is(err, waitfor.ErrTimeout) {
		return domain.Errorf(domain.KindReadTimeout, label, "%s timeout", label)
	}
	if err != nil {
		return classify(ctx, label, err)
	}
	return nil
}

func (c *Controller) sensorStep(ctx context.Context, op string, fn func(sensor.Device) error) error {
	if err := c.guard.WithSensor(ctx, fn); err != nil {
		return classify(ctx, op, err)
	}
	return nil
}

// classify keeps typed errors and cancellation causes as they are and treats
// anything else raised by the device as a device fault.
func classify(ctx context.Context, op string, err error) error {
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		return err
	case context.Cause(ctx) != nil && errors.Is(err, context.Cause(ctx)):
		return err
	default:
		return domain.Wrap(domain.KindDeviceUnavailable, op, err)
	}
}

// checkpoint surfaces a pending cancellation at a stage boundary.
func checkpoint(ctx context.Context) error {
	return context.Cause(ctx)
}

func failed(err error) domain.EnrollmentResult {
	return domain.EnrollmentResult{Stage: domain.StageFailed, Err: err}
}

// advance moves the session forward and announces the new stage. Moves that
// would go backwards are ignored.
func (c *Controller) advance(ctx context.Context, s *session, stage domain.EnrollmentStage, message string, data map[string]any) {
	c.mu.Lock()
	if s.Stage != stage && !s.Stage.CanAdvance(stage) {
		c.mu.Unlock()
		return
	}
	s.Stage = stage
	s.Message = message
	c.mu.Unlock()

	c.logger.Info("enrollment stage", "session_id", s.ID, "stage", stage)
	c.notify(s, string(stage), message, data, true)
	c.publishStage(ctx, s, stage, message, nil)
}

// finish records the outcome, hands the sensor back to verification and sends
// the terminal notifications.
func (c *Controller) finish(s *session, res domain.EnrollmentResult) {
	stage, message := domain.StageFinished, res.Message
	var kind domain.Kind
	switch {
	case res.Err == nil:
	case isCancellation(res.Err):
		stage, message = domain.StageCancelled, domain.KindCancelled.UserMessage()
	default:
		kind = domain.KindOf(res.Err)
		stage, message = domain.StageFailed, failureReason(res.Err)
	}

	c.mu.Lock()
	s.Stage = stage
	s.Message = message
	c.lastStage, c.lastMessage = stage, message
	c.session = nil
	c.mode = domain.ModeVerifying
	c.mu.Unlock()
	s.cancel(nil)

	log := c.logger.With("session_id", s.ID, "user_id", s.UserID, "stage", stage)
	ctx := context.WithValue(context.Background(), logger.SessionIDKey, s.ID)
	switch stage {
	case domain.StageFinished:
		log.Info("enrollment finished", "slot", res.Slot)
		data := map[string]any{"slot": res.Slot}
		c.notify(s, string(domain.StageFinished), "Enrollment finished", data, true)
		c.notify(s, domain.EventSuccess, message, data, true)
		c.publishStage(ctx, s, stage, message, &res.Slot)
	case domain.StageCancelled:
		log.Info("enrollment cancelled")
		c.notify(s, domain.EventCancelled, message, nil, false)
		c.publishStage(ctx, s, stage, message, nil)
	default:
		log.Warn("enrollment failed", "kind", kind, "error", res.Err)
		data := map[string]any{
			"technical_error": res.Err.Error(),
			"error_kind":      kind.String(),
		}
		var de *domain.Error
		if errors.As(res.Err, &de) && kind == domain.KindDuplicateTemplate {
			data["slot"] = de.Slot
		}
		c.notify(s, domain.EventError, kind.UserMessage(), data, false)
		c.publishStage(ctx, s, stage, message, nil)
	}
}

// isCancellation covers operator cancellation and controller shutdown.
func isCancellation(err error) bool {
	return errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled)
}

// failureReason is the short technical reason kept in the status API, such as
// "first-read timeout" or "template already enrolled at slot 12".
func failureReason(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	return err.Error()
}

func (c *Controller) notify(s *session, stage, message string, data map[string]any, success bool) {
	payload := map[string]any{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"identifier": s.Identifier,
	}
	for k, v := range data {
		payload[k] = v
	}
	c.notifier.Send(s.NotifyEndpoint, notify.Notification{
		Stage:     stage,
		Message:   message,
		Data:      payload,
		Success:   success,
		Timestamp: c.now(),
		SessionID: s.ID,
	})
}

func (c *Controller) publishStage(ctx context.Context, s *session, stage domain.EnrollmentStage, message string, slot *int) {
	c.publish(ctx, events.EnrollmentStage, events.EnrollmentStageEvent{
		SessionID: s.ID,
		UserID:    s.UserID,
		Stage:     string(stage),
		Message:   message,
		Slot:      slot,
		At:        c.now(),
	})
}
