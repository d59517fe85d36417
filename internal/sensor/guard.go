package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/diagnosis/turnstile/internal/domain"
)

type GuardConfig struct {
	ConnectAttempts int
	ConnectDelay    time.Duration
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{ConnectAttempts: 3, ConnectDelay: 3 * time.Second}
}

// Guard is the single owner of the device handle. Every physical operation,
// whatever goroutine issues it, runs inside WithSensor under one lock. Waiting
// for the lock honours the caller's context.
type Guard struct {
	dialer Dialer
	cfg    GuardConfig
	logger *slog.Logger

	sem chan struct{} // capacity 1; holding a token is holding the lock
	dev Device        // guarded by sem

	present atomic.Bool
	errMu   sync.Mutex
	lastErr string
}

func NewGuard(dialer Dialer, cfg GuardConfig, logger *slog.Logger) *Guard {
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	return &Guard{
		dialer: dialer,
		cfg:    cfg,
		logger: logger.With("component", "sensor_guard"),
		sem:    make(chan struct{}, 1),
	}
}

func (g *Guard) lock(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (g *Guard) unlock() { <-g.sem }

// WithSensor runs op with exclusive use of the device. It fails fast with
// domain.ErrDeviceUnavailable when no handle is held, and gives up waiting for
// the lock when ctx ends.
func (g *Guard) WithSensor(ctx context.Context, op func(Device) error) error {
	if err := g.lock(ctx); err != nil {
		return err
	}
	defer g.unlock()

	if err := context.Cause(ctx); err != nil {
		return err
	}
	if g.dev == nil {
		return domain.ErrDeviceUnavailable
	}
	return op(g.dev)
}

// Present reports whether a handle is held without waiting for the lock, so
// status reads never queue behind a presence window.
func (g *Guard) Present() bool {
	return g.present.Load()
}

func (g *Guard) LastError() string {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return g.lastErr
}

// Acquire drops any current handle and dials a new one, retrying up to the
// configured number of attempts with a constant delay. On exhaustion the guard
// stays offline and the last failure is returned, classified as
// authentication or device-unavailable.
func (g *Guard) Acquire(ctx context.Context) error {
	if err := g.lock(ctx); err != nil {
		return err
	}
	defer g.unlock()
	return g.acquireLocked(ctx, direct)
}

// Within runs one physical step on behalf of a caller that may have lost its
// claim on the sensor. Returning an error without calling step aborts.
type Within func(step func() error) error

func direct(step func() error) error { return step() }

// Recover probes the held handle and, when the probe fails, redials it. Every
// physical step goes through within, so the caller can refuse steps once it no
// longer owns the sensor. It reports whether a new handle was dialed.
func (g *Guard) Recover(ctx context.Context, within Within) (bool, error) {
	if err := g.lock(ctx); err != nil {
		return false, err
	}
	defer g.unlock()

	if g.dev != nil {
		err := within(func() error {
			if _, err := g.dev.TemplateCount(); err != nil {
				return &deviceFault{err: err}
			}
			return nil
		})
		if err == nil {
			return false, nil
		}
		if !isDeviceFault(err) {
			return false, err
		}
		g.setLastError(errors.Unwrap(err))
		g.logger.Warn("sensor probe failed, reconnecting", "error", errors.Unwrap(err))
	}
	// keep the handle when the caller has already given the sensor up
	if err := within(func() error { return nil }); err != nil {
		return false, err
	}
	return true, g.acquireLocked(ctx, within)
}

// deviceFault marks errors raised by the device itself, as opposed to
// refusals from a Within wrapper.
type deviceFault struct{ err error }

func (f *deviceFault) Error() string { return f.err.Error() }
func (f *deviceFault) Unwrap() error { return f.err }

func isDeviceFault(err error) bool {
	var f *deviceFault
	return errors.As(err, &f)
}

func (g *Guard) acquireLocked(ctx context.Context, within Within) error {
	g.closeLocked()

	var (
		dev     Device
		attempt int
		lastErr error
	)
	dial := func() error {
		d, err := g.dialer.Dial(ctx)
		if err == nil {
			// the count query doubles as a liveness check right after the handshake
			if _, err = d.TemplateCount(); err != nil {
				_ = d.Close()
			}
		}
		if err != nil {
			return &deviceFault{err: err}
		}
		dev = d
		return nil
	}
	operation := func() error {
		attempt++
		g.logger.Info("connecting to sensor", "attempt", attempt, "max_attempts", g.cfg.ConnectAttempts)

		err := within(dial)
		if err != nil && !isDeviceFault(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			err = errors.Unwrap(err)
			lastErr = err
			g.setLastError(err)
			g.logger.Warn("sensor connection attempt failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.cfg.ConnectDelay), uint64(g.cfg.ConnectAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, b); err != nil {
		if lastErr == nil {
			// aborted before any dial failed
			return err
		}
		g.logger.Error("sensor unavailable, running offline", "attempts", attempt, "error", lastErr)
		if errors.Is(lastErr, domain.ErrAuthentication) {
			return domain.Wrap(domain.KindAuthentication, "acquire sensor", lastErr)
		}
		return domain.Wrap(domain.KindDeviceUnavailable, "acquire sensor",
			fmt.Errorf("after %d attempts: %w", attempt, lastErr))
	}

	g.dev = dev
	g.present.Store(true)
	g.setLastError(nil)
	g.logger.Info("sensor ready", "attempts", attempt)
	return nil
}

// Probe runs the diagnostic query set against the device. Giving up on the
// lock because ctx ended is not recorded as a device error.
func (g *Guard) Probe(ctx context.Context) (count, capacity int, err error) {
	err = g.WithSensor(ctx, func(d Device) error {
		var err error
		if count, err = d.TemplateCount(); err != nil {
			return err
		}
		capacity, err = d.StorageCapacity()
		return err
	})
	if err != nil && ctx.Err() == nil {
		g.setLastError(err)
	}
	return count, capacity, err
}

// Release closes the handle; the guard is offline afterwards.
func (g *Guard) Release() {
	_ = g.lock(context.Background())
	defer g.unlock()
	g.closeLocked()
}

func (g *Guard) closeLocked() {
	if g.dev == nil {
		return
	}
	if err := g.dev.Close(); err != nil {
		g.logger.Warn("closing sensor handle", "error", err)
	}
	g.dev = nil
	g.present.Store(false)
}

func (g *Guard) setLastError(err error) {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	if err == nil {
		g.lastErr = ""
		return
	}
	g.lastErr = err.Error()
}
