// Package health periodically probes the Fooocus backend.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"fooocusbot/internal/infra"
)

const DefaultSchedule = "@every 1m"

// Pinger is a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// Sink receives every probe result, e.g. a metrics gauge.
type Sink interface {
	SetBackendUp(up bool)
}

// Options configures a Monitor.
type Options struct {
	Pinger   Pinger
	Schedule string
	Sink     Sink
	Logger   *infra.Logger
}

// Monitor keeps the last known backend liveness.
type Monitor struct {
	pinger   Pinger
	schedule string
	sink     Sink
	logger   *infra.Logger

	up      atomic.Bool
	checked atomic.Int64
}

// NewMonitor validates the cron schedule.
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Pinger == nil {
		return nil, errors.New("health: pinger is required")
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("health: invalid schedule %q: %w", schedule, err)
	}
	return &Monitor{
		pinger:   opts.Pinger,
		schedule: schedule,
		sink:     opts.Sink,
		logger:   infra.LoggerOrDiscard(opts.Logger),
	}, nil
}

// Check probes the backend once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	up := m.pinger.Ping(ctx)
	was := m.up.Swap(up)
	first := m.checked.Swap(time.Now().UnixNano()) == 0
	if m.sink != nil {
		m.sink.SetBackendUp(up)
	}
	switch {
	case first:
		m.logger.Info().Bool("up", up).Msg("health: initial backend check")
	case was != up && up:
		m.logger.Info().Msg("health: backend recovered")
	case was != up:
		m.logger.Warn().Msg("health: backend went down")
	}
	return up
}

// Up is the result of the last check; false before the first one.
func (m *Monitor) Up() bool { return m.up.Load() }

// LastChecked is the time of the last check, zero before the first one.
func (m *Monitor) LastChecked() time.Time {
	ns := m.checked.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run checks once immediately, then on schedule until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.schedule, func() { m.Check(ctx) }); err != nil {
		return fmt.Errorf("health: schedule check: %w", err)
	}
	m.Check(ctx)
	c.Start()
	m.logger.Info().Str("schedule", m.schedule).Msg("health: monitor started")

	<-ctx.Done()
	<-c.Stop().Done()
	m.logger.Info().Msg("health: monitor stopped")
	return nil
}
