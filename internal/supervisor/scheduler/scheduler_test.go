package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/supervisor/manifest"
)

type call struct {
	serviceID string
	op        string
}

type fakeActions struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeActions) record(id, op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{serviceID: id, op: op})
}

func (f *fakeActions) Start(ctx context.Context, id string) error {
	f.record(id, "start")
	return nil
}

func (f *fakeActions) Stop(ctx context.Context, id string) error {
	f.record(id, "stop")
	return nil
}

func (f *fakeActions) Restart(ctx context.Context, id string) error {
	f.record(id, "restart")
	return nil
}

func (f *fakeActions) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeActions) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	actions := &fakeActions{}
	return New(actions, log), actions
}

func everySecond(action manifest.ScheduleAction) *manifest.Schedule {
	return &manifest.Schedule{
		Enabled:  true,
		CronExpr: "* * * * * *",
		Action:   action,
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		timezone string
		wantErr  bool
	}{
		{"every second", "* * * * * *", "", false},
		{"every five minutes", "0 */5 * * * *", "", false},
		{"daily at four utc", "0 0 4 * * *", "UTC", false},
		{"named timezone", "0 0 4 * * *", "Europe/Berlin", false},
		{"five fields", "*/5 * * * *", "", true},
		{"garbage", "not a cron", "", true},
		{"bad timezone", "* * * * * *", "Mars/Olympus", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.expr, tt.timezone)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextRuns(t *testing.T) {
	runs, err := NextRuns("* * * * * *", "", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, r := range runs {
		assert.Equal(t, time.UTC, r.Location())
		if i > 0 {
			assert.True(t, r.After(runs[i-1]), "runs must be ascending")
		}
	}
	assert.True(t, runs[0].After(time.Now().Add(-time.Second)))
}

func TestFiresScheduledAction(t *testing.T) {
	s, actions := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Close()

	require.NoError(t, s.Set("world", everySecond(manifest.ActionStart)))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(actions.snapshot()) >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	calls := actions.snapshot()
	require.GreaterOrEqual(t, len(calls), 2)
	for _, c := range calls {
		assert.Equal(t, "world", c.serviceID)
		assert.Equal(t, "start", c.op)
	}
}

func TestRemoveStopsFiring(t *testing.T) {
	s, actions := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Close()

	require.NoError(t, s.Set("world", everySecond(manifest.ActionRestart)))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(actions.snapshot()) >= 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NotEmpty(t, actions.snapshot())

	s.Remove("world")
	quiet := len(actions.snapshot())
	time.Sleep(2 * time.Second)
	assert.LessOrEqual(t, len(actions.snapshot()), quiet+1)
}

func TestDisabledScheduleRemoves(t *testing.T) {
	s, actions := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Close()

	require.NoError(t, s.Set("world", everySecond(manifest.ActionStart)))
	require.NoError(t, s.Set("world", &manifest.Schedule{Enabled: false, CronExpr: "* * * * * *", Action: manifest.ActionStart}))

	time.Sleep(1500 * time.Millisecond)
	assert.Empty(t, actions.snapshot())
}

func TestFiresInServiceIDOrder(t *testing.T) {
	s, actions := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Close()

	// Install in reverse order; firing must still be alphabetical.
	require.NoError(t, s.Set("bravo", everySecond(manifest.ActionStop)))
	require.NoError(t, s.Set("alpha", everySecond(manifest.ActionStop)))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(actions.snapshot()) >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	calls := actions.snapshot()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "alpha", calls[0].serviceID)
	assert.Equal(t, "bravo", calls[1].serviceID)
}

func TestSetInvalidExpr(t *testing.T) {
	s, _ := newTestScheduler(t)
	err := s.Set("world", &manifest.Schedule{Enabled: true, CronExpr: "bogus", Action: manifest.ActionStart})
	require.Error(t, err)
}
