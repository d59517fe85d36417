package controller

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/turnstile/internal/domain"
	"github.com/diagnosis/turnstile/internal/identity"
	"github.com/diagnosis/turnstile/internal/sensor"
	"github.com/diagnosis/turnstile/internal/waitfor"
	"github.com/diagnosis/turnstile/pkg/events"
)

// Run is the verification loop. It polls the sensor for bearers while the
// controller is VERIFYING and a sensor is present, and idles otherwise. It
// returns when ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	cfg := c.cfg.Verification
	log := c.logger.With("loop", "verification")
	log.Info("verification loop started")
	defer log.Info("verification loop stopped")

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.Mode() != domain.ModeVerifying || !c.guard.Present() {
			_ = waitfor.Sleep(ctx, cfg.IdleInterval)
			continue
		}

		err := c.verifyOnce(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		log.Warn("verification attempt failed", "error", err, "consecutive_failures", failures)
		if failures >= cfg.MaxFailures {
			c.recoverSensor(ctx)
			failures = 0
		}
		_ = waitfor.Sleep(ctx, cfg.RetryPause)
	}
}

// verifyOnce runs one presence window and admits a recognized bearer. Only
// sensor faults are returned; an empty window, an unknown finger or losing
// the sensor to an enrollment are normal outcomes.
func (c *Controller) verifyOnce(ctx context.Context) error {
	cfg := c.cfg.Verification
	slot := -1

	err := c.guard.WithSensor(ctx, func(d sensor.Device) error {
		err := waitfor.Until(ctx, cfg.PresenceWindow, cfg.PollInterval, func(_ time.Duration) (bool, error) {
			var present bool
			err := c.whileVerifying(func() error {
				var err error
				present, err = d.ReadImage()
				return err
			})
			return present, err
		})
		if err != nil {
			return err
		}
		if err := c.whileVerifying(func() error { return d.ConvertImage(sensor.Buffer1) }); err != nil {
			return err
		}
		return c.whileVerifying(func() error {
			var err error
			slot, _, err = d.SearchTemplate()
			return err
		})
	})

	switch {
	case err == nil:
	case errors.Is(err, waitfor.ErrTimeout), errors.Is(err, errSuperseded):
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		return domain.Wrap(domain.KindDeviceUnavailable, "verify", err)
	}

	if slot < 0 {
		c.logger.Info("fingerprint not recognized")
		return nil
	}
	c.admit(ctx, slot)
	return nil
}

// admit resolves the slot owner, opens the gate and logs the passage. Failures
// here lose the access attempt but never count against the sensor.
func (c *Controller) admit(ctx context.Context, slot int) {
	log := c.logger.With("slot", slot)

	user, err := c.identities.UserBySlot(ctx, slot)
	if errors.Is(err, identity.ErrUserNotFound) {
		log.Warn("template slot has no user, access denied")
		return
	}
	if err != nil {
		log.Error("identity lookup failed, access attempt dropped", "error", err)
		return
	}
	log = log.With("user_id", user.ID, "identifier", user.Identifier)
	log.Info("access granted", "name", user.Name)

	passed, err := c.gate.Open(ctx)
	if err != nil {
		log.Error("gate actuation failed", "error", err)
		return
	}
	if !passed {
		log.Info("bearer did not pass the gate")
		return
	}

	now := c.now()
	ev := domain.AccessEvent{
		UserID:      user.ID,
		DisplayName: user.Name,
		UserType:    user.Type,
		Identifier:  user.Identifier,
		Period:      domain.PeriodOf(now),
		Timestamp:   now,
	}
	if err := c.accessLog.Record(ctx, ev); err != nil {
		log.Error("access log write failed", "error", domain.Wrap(domain.KindPersistence, "record access", err))
	}
	c.publish(ctx, events.AccessGranted, events.AccessGrantedEvent{
		UserID:     ev.UserID,
		Name:       ev.DisplayName,
		UserType:   ev.UserType,
		Identifier: ev.Identifier,
		Period:     string(ev.Period),
		Slot:       slot,
		GrantedAt:  now,
	})
}

// recoverSensor runs the diagnostic probe and redials when it fails. Both
// steps are abandoned as soon as an enrollment claims the sensor.
func (c *Controller) recoverSensor(ctx context.Context) {
	c.logger.Warn("too many consecutive sensor failures, checking sensor")
	redialed, err := c.guard.Recover(ctx, c.whileVerifying)
	switch {
	case errors.Is(err, errSuperseded):
		c.logger.Info("sensor check skipped, enrollment in progress")
	case err != nil:
		c.logger.Error("sensor recovery failed, running offline", "error", err)
	case redialed:
		c.logger.Info("sensor reconnected")
	default:
		c.logger.Info("sensor check passed")
	}
}
