package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/diagnosis/turnstile/internal/controller"
	"github.com/diagnosis/turnstile/internal/gate"
	"github.com/diagnosis/turnstile/internal/gpio"
	"github.com/diagnosis/turnstile/internal/http/handlers"
	"github.com/diagnosis/turnstile/internal/http/middleware"
	"github.com/diagnosis/turnstile/internal/identity"
	"github.com/diagnosis/turnstile/internal/notify"
	"github.com/diagnosis/turnstile/internal/repo/postgres"
	"github.com/diagnosis/turnstile/internal/sensor"
	"github.com/diagnosis/turnstile/pkg/config"
	"github.com/diagnosis/turnstile/pkg/database"
	"github.com/diagnosis/turnstile/pkg/events"
	"github.com/diagnosis/turnstile/pkg/logger"
	mw "github.com/diagnosis/turnstile/pkg/middleware"
)

func main() {
	if err := run(); err != nil {
		logger.Error("turnstile stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(pool); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	// Event bus is optional; without NATS_URL events are dropped
	var bus events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nb, err := events.NewNATSEventBus(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		bus = nb
	}
	defer bus.Close()

	// Sensor
	var (
		dialer    sensor.Dialer
		presenter handlers.Presenter
	)
	switch cfg.Sensor.Driver {
	case "simulator":
		sim := sensor.NewSimulator(cfg.Sensor.Capacity)
		dialer, presenter = sim.Dialer(), sim
	default:
		return fmt.Errorf("unknown SENSOR_DRIVER %q", cfg.Sensor.Driver)
	}
	guard := sensor.NewGuard(dialer, sensor.GuardConfig{
		ConnectAttempts: cfg.Sensor.ConnectAttempts,
		ConnectDelay:    cfg.Sensor.ConnectDelay,
	}, logger.Default())
	if err := guard.Acquire(ctx); err != nil {
		logger.Warn("starting without a sensor", "error", err)
	}
	defer guard.Release()

	// Gate
	var (
		out gpio.Output
		in  gpio.Input
	)
	switch cfg.GPIO.Driver {
	case "sysfs":
		out, in = gpio.NewSysfsPin(cfg.GPIO.OutputPath), gpio.NewSysfsPin(cfg.GPIO.InputPath)
	case "memory":
		out, in = gpio.NewMemoryPin(), gpio.NewMemoryPin()
	default:
		return fmt.Errorf("unknown GPIO_DRIVER %q", cfg.GPIO.Driver)
	}
	actuator := gate.NewActuator(out, in, gate.Config{
		PassageWindow: cfg.Gate.PassageWindow,
		PollInterval:  cfg.Gate.PollInterval,
		SettleDelay:   cfg.Gate.SettleDelay,
	}, logger.Default())

	dispatcher := notify.New(notify.Config{
		Timeout:   cfg.Notify.Timeout,
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
	}, logger.Default())

	users := postgres.NewUsersRepo(pool)
	fingers := postgres.NewFingersRepo(pool)
	accessLog := postgres.NewAccessLogRepo(pool)
	resolver := identity.NewResolver(users, fingers)

	ctrl := controller.New(controller.Config{
		Verification: controller.VerificationConfig{
			PresenceWindow: cfg.Verification.PresenceWindow,
			PollInterval:   cfg.Verification.PollInterval,
			MaxFailures:    cfg.Verification.MaxFailures,
			IdleInterval:   cfg.Verification.IdleInterval,
			RetryPause:     cfg.Verification.RetryPause,
		},
		Enrollment: controller.EnrollmentConfig{
			ReadWindow:       cfg.Enrollment.ReadWindow,
			PollInterval:     cfg.Enrollment.PollInterval,
			ReminderInterval: cfg.Enrollment.ReminderInterval,
			StartDelay:       cfg.Enrollment.StartDelay,
			StepDelay:        cfg.Enrollment.StepDelay,
			RepresentDelay:   cfg.Enrollment.RepresentDelay,
		},
		DiagnoseWait: cfg.Sensor.DiagnoseWait,
	}, controller.Deps{
		Guard:      guard,
		Identities: resolver,
		AccessLog:  accessLog,
		Gate:       actuator,
		Notifier:   dispatcher,
		Events:     bus,
		Logger:     logger.Default(),
	})

	h := handlers.New(ctrl, resolver, accessLog, handlers.Options{
		AuthEnabled: cfg.Auth.Enabled,
		JWTSecret:   cfg.Auth.JWTSecret,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			RPS:   cfg.Server.RateLimitRPS,
			Burst: cfg.Server.RateLimitBurst,
		}),
		Presenter: presenter,
		DevRoutes: cfg.Server.DevRoutes,
	})
	if cfg.Server.DevRoutes {
		logger.Warn("unauthenticated /dev routes are enabled")
	}

	// Setup router
	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("turnstile"))
	r.Use(mw.Logging)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Mount("/", h.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// The dispatcher outlives the other services so the notification queued by
	// ctrl.Close reaches its listener.
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notifyDone := make(chan error, 1)
	go func() { notifyDone <- dispatcher.Run(notifyCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		logger.Info("Starting turnstile service", "port", cfg.Server.Port, "sensor_driver", cfg.Sensor.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down turnstile service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// a running enrollment ends as cancelled and restores verification mode
		ctrl.Close()

		stopNotify()
		return errors.Join(err, <-notifyDone)
	})

	return g.Wait()
}
