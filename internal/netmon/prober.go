package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Probe defaults.
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Prober feeds a Monitor by periodically sending HEAD requests to the
// backend health endpoint. Any HTTP response below 500 counts as reachable;
// transport errors, timeouts and 5xx count as offline.
type Prober struct {
	url        string
	httpClient *http.Client
	monitor    *Monitor
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	// sleepFunc waits between probes. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewProber creates a Prober for healthURL reporting into mon.
func NewProber(
	healthURL string, httpClient *http.Client, mon *Monitor,
	interval, timeout time.Duration, logger *slog.Logger,
) *Prober {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	return &Prober{
		url:        healthURL,
		httpClient: httpClient,
		monitor:    mon,
		interval:   interval,
		timeout:    timeout,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Probe performs a single reachability check and reports it to the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	p.monitor.Report(online)

	return online
}

// ProbeNow performs a single check and commits the result without
// waiting for the debounce window.
func (p *Prober) ProbeNow(ctx context.Context) bool {
	online := p.check(ctx)
	p.monitor.ReportNow(online)

	return online
}

func (p *Prober) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("building probe request", slog.String("error", err.Error()))
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("probe failed",
			slog.String("url", p.url),
			slog.String("error", err.Error()),
		)

		return false
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		p.logger.Debug("probe got server error",
			slog.String("url", p.url),
			slog.Int("status", resp.StatusCode),
		)

		return false
	}

	return true
}

// Run probes until ctx is canceled. It always returns nil on cancellation.
func (p *Prober) Run(ctx context.Context) error {
	p.logger.Info("connectivity prober starting",
		slog.String("url", p.url),
		slog.Duration("interval", p.interval),
	)

	for {
		p.Probe(ctx)

		if err := p.sleepFunc(ctx, p.interval); err != nil {
			return nil
		}
	}
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
