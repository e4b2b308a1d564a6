//go:build !windows

package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/supervisor/logring"
	"github.com/prochub/prochub/internal/supervisor/manifest"
	"github.com/prochub/prochub/internal/supervisor/policy"
	"github.com/prochub/prochub/internal/supervisor/pty"
)

func testManifest(id string, command string, args ...string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:      id,
		Name:    id,
		Command: command,
		Args:    args,
	}
}

type transitionRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *transitionRecorder) listener() TransitionListener {
	return func(st Status, from State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, st.State)
	}
}

func (r *transitionRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func newTestService(t *testing.T, man *manifest.Manifest, opts Options, notify TransitionListener) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	guard := policy.New([]string{"*"}, []string{"*"})
	return NewService(man, guard, logring.New(), log, opts, notify)
}

func waitForState(t *testing.T, s *Service, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Status().State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service %s did not reach state %s (currently %s)", s.ID(), want, s.Status().State)
}

func TestStartAndGracefulStop(t *testing.T) {
	// The child exits 0 when it reads the shutdown command on stdin.
	man := testManifest("world", "/bin/sh", "-c", `while read line; do case "$line" in stop*) exit 0;; esac; done`)
	man.ShutdownCommand = "stop"
	rec := &transitionRecorder{}
	s := newTestService(t, man, Options{GraceTimeout: 5 * time.Second, KillTimeout: 5 * time.Second}, rec.listener())

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)

	st := s.Status()
	assert.NotZero(t, st.PID)
	assert.NotNil(t, st.StartedAt)
	assert.Equal(t, uint64(1), st.Epoch)

	require.NoError(t, s.Stop(context.Background()))
	waitForState(t, s, StateStopped, 5*time.Second)

	st = s.Status()
	require.NotNil(t, st.Exit)
	assert.Equal(t, 0, st.Exit.Code)
	assert.Empty(t, st.Exit.Signal)
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, rec.snapshot())
}

func TestShutdownEscalatesToKill(t *testing.T) {
	// The child ignores both the shutdown command and TERM.
	man := testManifest("stubborn", "/bin/sh", "-c", `trap '' TERM; while :; do sleep 1; done`)
	s := newTestService(t, man, Options{GraceTimeout: 100 * time.Millisecond, KillTimeout: 100 * time.Millisecond}, nil)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)

	require.NoError(t, s.Shutdown(context.Background()))
	waitForState(t, s, StateStopped, 10*time.Second)

	st := s.Status()
	require.NotNil(t, st.Exit)
	assert.Equal(t, "killed", st.Exit.Signal)
}

func TestKillImmediate(t *testing.T) {
	man := testManifest("kill-me", "/bin/sh", "-c", `while :; do sleep 1; done`)
	s := newTestService(t, man, Options{}, nil)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)

	require.NoError(t, s.Kill(context.Background()))
	waitForState(t, s, StateStopped, 5*time.Second)

	st := s.Status()
	require.NotNil(t, st.Exit)
	assert.Equal(t, "killed", st.Exit.Signal)
	assert.Equal(t, 128+9, st.Exit.Code)
}

func TestStopWithoutShutdownCommandKills(t *testing.T) {
	// No shutdown_command in the manifest, so stop must kill outright
	// instead of writing to the terminal.
	man := testManifest("plain", "/bin/sh", "-c", `while read line; do echo "got:$line"; done`)
	s := newTestService(t, man, Options{GraceTimeout: 5 * time.Second, KillTimeout: 5 * time.Second}, nil)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)

	require.NoError(t, s.Stop(context.Background()))
	waitForState(t, s, StateStopped, 5*time.Second)

	st := s.Status()
	require.NotNil(t, st.Exit)
	assert.Equal(t, "killed", st.Exit.Signal)
	assert.NotContains(t, string(s.Ring().Snapshot(0)), "got:stop")
}

func TestStopOnStoppedIsNoop(t *testing.T) {
	s := newTestService(t, testManifest("idle", "/bin/true"), Options{}, nil)
	assert.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Kill(context.Background()))
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStartWhileRunningRejected(t *testing.T) {
	man := testManifest("dup", "/bin/sh", "-c", `while :; do sleep 1; done`)
	s := newTestService(t, man, Options{}, nil)
	defer func() {
		_ = s.Kill(context.Background())
		_ = s.Wait(context.Background())
	}()

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)

	err := s.Start(context.Background())
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeIllegalTransition, appErr.Code)
}

func TestPolicyRejectsCommand(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	guard := policy.New([]string{"java"}, nil)
	s := NewService(testManifest("blocked", "/bin/sh"), guard, logring.New(), log, Options{}, nil)

	err = s.Start(context.Background())
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeCommandNotAllowed, appErr.Code)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestUnexpectedExitCrashes(t *testing.T) {
	man := testManifest("flaky", "/bin/sh", "-c", "exit 7")
	s := newTestService(t, man, Options{}, nil)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateCrashed, 5*time.Second)

	st := s.Status()
	require.NotNil(t, st.Exit)
	assert.Equal(t, 7, st.Exit.Code)
	assert.Contains(t, string(s.Ring().Snapshot(0)), "exited unexpectedly")
}

func TestAutoRestartRelaunches(t *testing.T) {
	man := testManifest("phoenix", "/bin/sh", "-c", `while :; do sleep 1; done`)
	man.AutoRestart = true
	s := newTestService(t, man, Options{BackoffInitial: 50 * time.Millisecond, BackoffCap: 100 * time.Millisecond}, nil)
	defer func() {
		_ = s.Kill(context.Background())
		_ = s.Wait(context.Background())
	}()

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)
	firstEpoch := s.Epoch()

	// Simulate a crash from outside the supervisor.
	require.NoError(t, s.Signal(pty.SignalKill))
	// The state stays Running until the exit is observed, so wait for the
	// relaunch itself rather than for Running.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.Epoch() > firstEpoch && s.Status().State == StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StateRunning, s.Status().State)
	assert.Greater(t, s.Epoch(), firstEpoch)
}

func TestUserStopSuppressesAutoRestart(t *testing.T) {
	man := testManifest("obedient", "/bin/sh", "-c", `while read line; do case "$line" in stop*) exit 0;; esac; done`)
	man.ShutdownCommand = "stop"
	man.AutoRestart = true
	s := newTestService(t, man, Options{BackoffInitial: 50 * time.Millisecond}, nil)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)

	require.NoError(t, s.Stop(context.Background()))
	waitForState(t, s, StateStopped, 5*time.Second)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestRestartBudgetLatchesCrashed(t *testing.T) {
	man := testManifest("storm", "/bin/sh", "-c", "exit 1")
	man.AutoRestart = true
	opts := Options{
		BackoffInitial: 10 * time.Millisecond,
		BackoffCap:     20 * time.Millisecond,
		BudgetMax:      3,
		BudgetWindow:   time.Minute,
	}
	s := newTestService(t, man, opts, nil)

	require.NoError(t, s.Start(context.Background()))

	// Budget of 3 allows three relaunches; the fourth failure latches.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(s.Ring().Snapshot(0)), "restart storm") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Contains(t, string(s.Ring().Snapshot(0)), "restart storm")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateCrashed, s.Status().State)
	assert.Equal(t, uint64(4), s.Epoch())
}

func TestRestartChainsStopAndStart(t *testing.T) {
	man := testManifest("cycler", "/bin/sh", "-c", `while read line; do case "$line" in stop*) exit 0;; esac; done`)
	man.ShutdownCommand = "stop"
	rec := &transitionRecorder{}
	s := newTestService(t, man, Options{}, rec.listener())
	defer func() {
		_ = s.Kill(context.Background())
		_ = s.Wait(context.Background())
	}()

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)
	firstEpoch := s.Epoch()

	require.NoError(t, s.Restart(context.Background()))
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.Epoch() > firstEpoch && s.Status().State == StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StateRunning, s.Status().State)
	assert.Equal(t, firstEpoch+1, s.Epoch())

	states := rec.snapshot()
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped, StateStarting, StateRunning}, states)
}

func TestRestartOnStoppedStarts(t *testing.T) {
	man := testManifest("cold", "/bin/sh", "-c", `while :; do sleep 1; done`)
	s := newTestService(t, man, Options{}, nil)
	defer func() {
		_ = s.Kill(context.Background())
		_ = s.Wait(context.Background())
	}()

	require.NoError(t, s.Restart(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)
}

func TestOutputReachesRing(t *testing.T) {
	man := testManifest("chatty", "/bin/sh", "-c", `echo hello-from-child; while :; do sleep 1; done`)
	s := newTestService(t, man, Options{}, nil)
	defer func() {
		_ = s.Kill(context.Background())
		_ = s.Wait(context.Background())
	}()

	require.NoError(t, s.Start(context.Background()))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(s.Ring().Snapshot(0)), "hello-from-child") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("child output never reached the ring: %q", s.Ring().Snapshot(0))
}

func TestInputReachesChild(t *testing.T) {
	man := testManifest("echoer", "/bin/sh", "-c", `while read line; do echo "got:$line"; done`)
	s := newTestService(t, man, Options{}, nil)
	defer func() {
		_ = s.Kill(context.Background())
		_ = s.Wait(context.Background())
	}()

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateRunning, 5*time.Second)

	require.NoError(t, s.Input([]byte("ping\n")))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(s.Ring().Snapshot(0)), "got:ping") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("child never echoed input: %q", s.Ring().Snapshot(0))
}

func TestInputRejectedWhenNotRunning(t *testing.T) {
	s := newTestService(t, testManifest("silent", "/bin/true"), Options{}, nil)
	err := s.Input([]byte("hello\n"))
	require.Error(t, err)
}

func TestCloseCancelsPendingRestart(t *testing.T) {
	man := testManifest("doomed", "/bin/sh", "-c", "exit 1")
	man.AutoRestart = true
	s := newTestService(t, man, Options{BackoffInitial: 100 * time.Millisecond}, nil)

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateCrashed, 5*time.Second)
	s.Close()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateCrashed, s.Status().State)
	require.Error(t, s.Start(context.Background()))
}
