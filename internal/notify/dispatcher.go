// Package notify delivers enrollment progress to the listener registered with
// the session. Delivery is best effort: one attempt, short timeout, failures
// are logged and dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Notification struct {
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
}

type Config struct {
	Timeout   time.Duration
	Workers   int
	QueueSize int
}

func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Second, Workers: 2, QueueSize: 64}
}

type delivery struct {
	endpoint string
	payload  Notification
}

type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

type Dispatcher struct {
	cfg    Config
	client *http.Client
	queue  chan delivery
	logger *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan delivery, cfg.QueueSize),
		logger: logger.With("component", "notify"),
	}
}

// Send schedules n for delivery to endpoint and returns immediately. It is a
// no-op without an endpoint and drops the notification when the queue is full.
func (d *Dispatcher) Send(endpoint string, n Notification) bool {
	if endpoint == "" {
		return false
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case d.queue <- delivery{endpoint: endpoint, payload: n}:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping", "stage", n.Stage, "session_id", n.SessionID)
		return false
	}
}

// Run starts the worker pool and blocks until ctx is done. Notifications still
// queued at that point are delivered before Run returns, each bounded by the
// delivery timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	// in-flight and drained deliveries outlive ctx; post applies the timeout
	base := context.WithoutCancel(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					d.drain(base)
					return nil
				case job := <-d.queue:
					d.deliver(base, job)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case job := <-d.queue:
			d.deliver(ctx, job)
		default:
			return
		}
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job delivery) {
	log := d.logger.With("stage", job.payload.Stage, "session_id", job.payload.SessionID)

	if err := d.post(ctx, job); err != nil {
		d.failed.Add(1)
		log.Warn("notification not delivered", "error", err)
		return
	}
	d.delivered.Add(1)
	log.Debug("notification delivered")
}

func (d *Dispatcher) post(ctx context.Context, job delivery) error {
	body, err := json.Marshal(job.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if job.payload.SessionID != "" {
		req.Header.Set("X-Session-ID", job.payload.SessionID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("listener returned status %d", resp.StatusCode)
	}
	return nil
}
