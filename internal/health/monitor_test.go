package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (p *stubPinger) Ping(context.Context) bool {
	p.calls.Add(1)
	return p.up.Load()
}

type recordingSink struct{ values []bool }

func (s *recordingSink) SetBackendUp(up bool) { s.values = append(s.values, up) }

func TestNewMonitorValidatesSchedule(t *testing.T) {
	_, err := NewMonitor(Options{Pinger: &stubPinger{}, Schedule: "every now and then"})
	require.Error(t, err)

	_, err = NewMonitor(Options{Schedule: "@every 1m"})
	require.Error(t, err)

	m, err := NewMonitor(Options{Pinger: &stubPinger{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, m.schedule)
}

func TestCheckRecordsResult(t *testing.T) {
	p := &stubPinger{}
	sink := &recordingSink{}
	m, err := NewMonitor(Options{Pinger: p, Sink: sink})
	require.NoError(t, err)

	assert.False(t, m.Up())
	assert.True(t, m.LastChecked().IsZero())

	p.up.Store(true)
	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.Up())
	assert.False(t, m.LastChecked().IsZero())

	p.up.Store(false)
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Up())
	assert.Equal(t, []bool{true, false}, sink.values)
}

func TestRunChecksImmediatelyAndStops(t *testing.T) {
	p := &stubPinger{}
	p.up.Store(true)
	m, err := NewMonitor(Options{Pinger: p, Schedule: "@every 1h"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, m.Up, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.EqualValues(t, 1, p.calls.Load())
}
