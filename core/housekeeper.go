package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is a piece of state that expires entries over time.
type Sweeper interface {
	Sweep(now time.Time)
}

type SweepFunc func(now time.Time)

func (f SweepFunc) Sweep(now time.Time) {
	f(now)
}

// Housekeeper runs the sweepers on a fixed schedule: typing expiry, room collection,
// tracking timeouts and resume snapshot expiry.
type Housekeeper struct {
	interval time.Duration
	sweepers []Sweeper
	logger   *slog.Logger
	now      func() time.Time
}

func NewHousekeeper(interval time.Duration, logger *slog.Logger, sweepers ...Sweeper) *Housekeeper {
	if interval < time.Second {
		interval = time.Second
	}
	return &Housekeeper{
		interval: interval,
		sweepers: sweepers,
		logger:   logger,
		now:      time.Now,
	}
}

func (h *Housekeeper) String() string {
	return "housekeeper"
}

// RunOnce runs every sweeper with the current time.
func (h *Housekeeper) RunOnce() {
	now := h.now()
	for _, s := range h.sweepers {
		s.Sweep(now)
	}
}

// Serve runs the sweepers until ctx is cancelled.
func (h *Housekeeper) Serve(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", h.interval), h.RunOnce); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	h.logger.Info("housekeeper started", slog.Duration("interval", h.interval))

	<-ctx.Done()
	<-c.Stop().Done()
	h.logger.Info("housekeeper stopped")
	return ctx.Err()
}
