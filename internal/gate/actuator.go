package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/diagnosis/turnstile/internal/gpio"
	"github.com/diagnosis/turnstile/internal/waitfor"
)

type Config struct {
	PassageWindow time.Duration
	PollInterval  time.Duration
	SettleDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PassageWindow: 8 * time.Second,
		PollInterval:  100 * time.Millisecond,
		SettleDelay:   time.Second,
	}
}

// Actuator releases the barrier and waits for the bearer to pass through.
type Actuator struct {
	out    gpio.Output
	in     gpio.Input
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex // one actuation at a time
}

func NewActuator(out gpio.Output, in gpio.Input, cfg Config, logger *slog.Logger) *Actuator {
	return &Actuator{out: out, in: in, cfg: cfg, logger: logger.With("component", "gate")}
}

// Open activates the release output and polls the passage sensor for up to the
// passage window. It returns true when a passage was detected. A bearer who
// never walks through is not an error. The output is deactivated on every
// return path.
func (a *Actuator) Open(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.out.Set(1); err != nil {
		a.release()
		return false, err
	}
	defer a.release()
	a.logger.Info("gate released")

	err := waitfor.Until(ctx, a.cfg.PassageWindow, a.cfg.PollInterval, func(time.Duration) (bool, error) {
		v, err := a.in.Read()
		if err != nil {
			// a flaky read counts as "not yet"; the window still bounds the wait
			a.logger.Warn("passage sensor read failed", "error", err)
			return false, nil
		}
		return v == 1, nil
	})
	switch {
	case err == nil:
		a.logger.Info("passage detected")
		_ = waitfor.Sleep(ctx, a.cfg.SettleDelay)
		return true, nil
	case errors.Is(err, waitfor.ErrTimeout):
		a.logger.Info("passage window elapsed, bearer did not pass")
		return false, nil
	default:
		return false, err
	}
}

func (a *Actuator) release() {
	if err := a.out.Set(0); err != nil {
		a.logger.Error("failed to lock gate", "error", err)
		return
	}
	a.logger.Info("gate locked")
}
