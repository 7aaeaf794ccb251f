package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/procflow/procflow/pkg/services"
)

// Poller periodically fires timer transitions that have come due.
type Poller struct {
	id       string
	runtime  *services.InstanceRuntime
	logger   *slog.Logger
	tenant   string
	interval time.Duration
}

func NewPoller(
	id string,
	runtime *services.InstanceRuntime,
	logger *slog.Logger,
	tenant string,
	interval time.Duration,
) *Poller {
	return &Poller{
		id:       id,
		runtime:  runtime,
		logger:   logger.With("module", "procflow-timer", "poller_id", id),
		tenant:   tenant,
		interval: interval,
	}
}

func (p *Poller) Start(ctx context.Context) {
	pollerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.handleSignals(cancel)

	p.logger.Info("Starting timer poller", "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pollerCtx.Done():
			p.logger.Info("Timer poller stopped")

			return
		case now := <-ticker.C:
			fired, err := p.runtime.CheckDueTimers(pollerCtx, p.tenant, now.UTC())
			if err != nil {
				p.logger.Error("Timer poll failed", "error", err)

				continue
			}

			if fired > 0 {
				p.logger.Info("Fired timer transitions", "count", fired)
			}
		}
	}
}

func (p *Poller) handleSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		p.logger.Info("Received signal", "signal", sig)
		cancel()
	}()
}
