//go:build !windows

package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prochub/prochub/internal/common/config"
	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/events/bus"
	"github.com/prochub/prochub/internal/supervisor/manifest"
	"github.com/prochub/prochub/internal/supervisor/runtime"
)

var admin = Caller{Name: "tester", Admin: true}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Data: config.DataConfig{Dir: t.TempDir()},
		Policy: config.PolicyConfig{
			AllowedCommands:    []string{"*"},
			AllowedCwdPrefixes: []string{"*"},
		},
		Supervisor: config.SupervisorConfig{
			GraceTimeout: 2,
			KillTimeout:  1,
			RingSize:     16 * 1024,
			ShutdownWait: 10,
		},
	}
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := testConfig(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	store, err := manifest.NewStore(cfg.Data.Dir, log)
	require.NoError(t, err)
	sup, err := New(cfg, store, bus.NewMemoryEventBus(log), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close(context.Background()) })
	return sup
}

func longRunning(id string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:              id,
		Name:            id,
		Command:         "/bin/sh",
		Args:            []string{"-c", `while read line; do case "$line" in stop*) exit 0;; esac; done`},
		ShutdownCommand: "stop",
	}
}

func waitFor(t *testing.T, sup *Supervisor, id string, want runtime.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := sup.Get(admin, id)
		require.NoError(t, err)
		if info.Status.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service %s never reached %s", id, want)
}

func TestCreateGetDelete(t *testing.T) {
	sup := newTestSupervisor(t)

	info, err := sup.Create(admin, longRunning("world"))
	require.NoError(t, err)
	assert.Equal(t, runtime.StateStopped, info.Status.State)

	got, err := sup.Get(admin, "world")
	require.NoError(t, err)
	assert.Equal(t, "world", got.Manifest.ID)

	require.NoError(t, sup.Delete(admin, "world"))
	_, err = sup.Get(admin, "world")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStartStopLifecycle(t *testing.T) {
	sup := newTestSupervisor(t)
	_, err := sup.Create(admin, longRunning("world"))
	require.NoError(t, err)

	st, err := sup.StartService(context.Background(), admin, "world")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, st.State)
	assert.NotZero(t, st.PID)

	_, err = sup.StopService(context.Background(), admin, "world")
	require.NoError(t, err)
	waitFor(t, sup, "world", runtime.StateStopped)
}

func TestPermissionGate(t *testing.T) {
	sup := newTestSupervisor(t)
	_, err := sup.Create(admin, longRunning("a"))
	require.NoError(t, err)
	_, err = sup.Create(admin, longRunning("b"))
	require.NoError(t, err)

	limited := Caller{Name: "limited", ServiceIDs: []string{"a"}}

	_, err = sup.StartService(context.Background(), limited, "b")
	require.Error(t, err)
	assert.True(t, apperrors.IsPermissionDenied(err))

	// No side effects on either service.
	for _, id := range []string{"a", "b"} {
		info, err := sup.Get(admin, id)
		require.NoError(t, err)
		assert.Equal(t, runtime.StateStopped, info.Status.State)
	}

	// Wildcard callers see everything.
	wildcard := Caller{Name: "wild", ServiceIDs: []string{"*"}}
	assert.Len(t, sup.List(wildcard), 2)
	assert.Len(t, sup.List(limited), 1)
}

func TestGroupMutationRequiresAdmin(t *testing.T) {
	sup := newTestSupervisor(t)
	limited := Caller{Name: "limited", ServiceIDs: []string{"*"}}

	_, err := sup.CreateGroup(limited, &manifest.Group{ID: "g", Name: "Game servers"})
	require.Error(t, err)
	assert.True(t, apperrors.IsPermissionDenied(err))

	_, err = sup.CreateGroup(admin, &manifest.Group{ID: "g", Name: "Game servers"})
	require.NoError(t, err)
	assert.Len(t, sup.ListGroups(limited), 1)
}

func TestDeleteRunningRejected(t *testing.T) {
	sup := newTestSupervisor(t)
	_, err := sup.Create(admin, longRunning("world"))
	require.NoError(t, err)

	_, err = sup.StartService(context.Background(), admin, "world")
	require.NoError(t, err)

	err = sup.Delete(admin, "world")
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeServiceBusy, appErr.Code)

	_, err = sup.KillService(context.Background(), admin, "world")
	require.NoError(t, err)
	waitFor(t, sup, "world", runtime.StateStopped)
	require.NoError(t, sup.Delete(admin, "world"))
}

func TestDeleteCrashedRequiresStop(t *testing.T) {
	sup := newTestSupervisor(t)
	man := longRunning("flaky")
	man.Args = []string{"-c", "exit 7"}
	_, err := sup.Create(admin, man)
	require.NoError(t, err)

	_, err = sup.StartService(context.Background(), admin, "flaky")
	require.NoError(t, err)
	waitFor(t, sup, "flaky", runtime.StateCrashed)

	err = sup.Delete(admin, "flaky")
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeServiceBusy, appErr.Code)

	// Stopping a crashed service acknowledges the crash.
	_, err = sup.StopService(context.Background(), admin, "flaky")
	require.NoError(t, err)
	waitFor(t, sup, "flaky", runtime.StateStopped)
	require.NoError(t, sup.Delete(admin, "flaky"))
}

func TestTailAndStreamLogs(t *testing.T) {
	sup := newTestSupervisor(t)
	man := longRunning("chatty")
	man.Args = []string{"-c", `echo boot-line; while read line; do case "$line" in stop*) exit 0;; esac; done`}
	_, err := sup.Create(admin, man)
	require.NoError(t, err)

	sub, err := sup.StreamLogs(admin, "chatty")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = sup.StartService(context.Background(), admin, "chatty")
	require.NoError(t, err)

	select {
	case chunk := <-sub.C:
		assert.Contains(t, string(chunk), "boot-line")
	case <-time.After(5 * time.Second):
		t.Fatal("no live chunk")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tail, err := sup.Tail(admin, "chatty", 0)
		require.NoError(t, err)
		if strings.Contains(string(tail), "boot-line") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tail never contained child output")
}

func TestAttachThroughFacade(t *testing.T) {
	sup := newTestSupervisor(t)
	_, err := sup.Create(admin, longRunning("world"))
	require.NoError(t, err)

	_, err = sup.Attach(admin, "world")
	require.Error(t, err)

	_, err = sup.StartService(context.Background(), admin, "world")
	require.NoError(t, err)

	sess, err := sup.Attach(admin, "world")
	require.NoError(t, err)

	// Stopping the service invalidates the session.
	_, err = sup.KillService(context.Background(), admin, "world")
	require.NoError(t, err)
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not invalidated on stop")
	}
}

func TestStateChangeEventsPublished(t *testing.T) {
	sup := newTestSupervisor(t)
	_, err := sup.Create(admin, longRunning("world"))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	_, err = sup.Bus().Subscribe(SubjectStateChanged, func(ctx context.Context, evt *bus.Event) error {
		data, ok := evt.Data.(map[string]interface{})
		if !ok {
			return nil
		}
		mu.Lock()
		seen = append(seen, data["to"].(string))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_, err = sup.StartService(context.Background(), admin, "world")
	require.NoError(t, err)
	_, err = sup.StopService(context.Background(), admin, "world")
	require.NoError(t, err)
	waitFor(t, sup, "world", runtime.StateStopped)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"starting", "running", "stopping", "stopped"}, seen)
}

func TestSetScheduleValidates(t *testing.T) {
	sup := newTestSupervisor(t)
	_, err := sup.Create(admin, longRunning("world"))
	require.NoError(t, err)

	_, err = sup.SetSchedule(admin, "world", &manifest.Schedule{
		Enabled:  true,
		CronExpr: "bogus",
		Action:   manifest.ActionStart,
	})
	require.Error(t, err)

	man, err := sup.SetSchedule(admin, "world", &manifest.Schedule{
		Enabled:  true,
		CronExpr: "0 */5 * * * *",
		Action:   manifest.ActionRestart,
	})
	require.NoError(t, err)
	require.NotNil(t, man.Schedule)
	assert.Equal(t, manifest.ActionRestart, man.Schedule.Action)

	man, err = sup.SetSchedule(admin, "world", nil)
	require.NoError(t, err)
	assert.Nil(t, man.Schedule)
}

func TestValidateCron(t *testing.T) {
	sup := newTestSupervisor(t)
	runs, err := sup.ValidateCron("0 */5 * * * *", "UTC")
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	_, err = sup.ValidateCron("*/5 * * * *", "")
	require.Error(t, err)
}

func TestAutostartOnRun(t *testing.T) {
	cfg := testConfig(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	store, err := manifest.NewStore(cfg.Data.Dir, log)
	require.NoError(t, err)

	man := longRunning("eager")
	man.AutoStart = true
	_, err = store.Create(man)
	require.NoError(t, err)

	sup, err := New(cfg, store, bus.NewMemoryEventBus(log), log)
	require.NoError(t, err)
	defer func() { _ = sup.Close(context.Background()) }()

	require.NoError(t, sup.Run(context.Background()))
	waitFor(t, sup, "eager", runtime.StateRunning)
}

func TestCloseStopsAll(t *testing.T) {
	sup := newTestSupervisor(t)
	_, err := sup.Create(admin, longRunning("one"))
	require.NoError(t, err)
	_, err = sup.Create(admin, longRunning("two"))
	require.NoError(t, err)

	_, err = sup.StartService(context.Background(), admin, "one")
	require.NoError(t, err)
	_, err = sup.StartService(context.Background(), admin, "two")
	require.NoError(t, err)

	require.NoError(t, sup.Close(context.Background()))
	for _, id := range []string{"one", "two"} {
		sup.mu.RLock()
		svc := sup.services[id]
		sup.mu.RUnlock()
		assert.Equal(t, runtime.StateStopped, svc.Status().State)
	}
}
