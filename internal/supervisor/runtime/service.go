package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/supervisor/logring"
	"github.com/prochub/prochub/internal/supervisor/manifest"
	"github.com/prochub/prochub/internal/supervisor/policy"
	"github.com/prochub/prochub/internal/supervisor/pty"
)

// proc is one spawned child. A new proc is created on every start so stale
// goroutines from a previous run can detect they no longer own the service.
type proc struct {
	cmd    *exec.Cmd
	handle pty.Handle
	pid    int
	epoch  uint64

	waitDone chan struct{}

	graceTimer *time.Timer
	killTimer  *time.Timer
}

func (p *proc) cancelTimers() {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
}

// Service is the runtime for one managed process. All public methods are
// safe for concurrent use; apart from Wait, they return after issuing the
// state transition and never wait for the child to exit.
type Service struct {
	id     string
	opts   Options
	guard  *policy.Guard
	ring   *logring.Ring
	log    *logger.Logger
	notify TransitionListener

	mu       sync.Mutex
	man      *manifest.Manifest
	state    State
	epoch    uint64
	userStop bool
	cur      *proc

	startedAt time.Time
	exit      *ExitInfo

	backoff        time.Duration
	failures       []time.Time
	restartTimer   *time.Timer
	restartPending bool
	closed         bool

	// wmu serializes writes to the PTY so interleaved input from multiple
	// attach clients cannot split mid-chunk.
	wmu sync.Mutex
}

// NewService builds a stopped service runtime for the given manifest.
// notify may be nil.
func NewService(man *manifest.Manifest, guard *policy.Guard, ring *logring.Ring, log *logger.Logger, opts Options, notify TransitionListener) *Service {
	opts = opts.withDefaults()
	return &Service{
		id:      man.ID,
		opts:    opts,
		guard:   guard,
		ring:    ring,
		log:     log.WithServiceID(man.ID),
		notify:  notify,
		man:     man.Clone(),
		state:   StateStopped,
		backoff: opts.BackoffInitial,
	}
}

// ID returns the service identifier.
func (s *Service) ID() string { return s.id }

// Ring returns the in-memory output ring for log tailing and attach replay.
func (s *Service) Ring() *logring.Ring { return s.ring }

// Manifest returns a copy of the manifest the runtime currently holds.
func (s *Service) Manifest() *manifest.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.man.Clone()
}

// SetManifest replaces the manifest used for subsequent starts. The running
// child, if any, is unaffected.
func (s *Service) SetManifest(man *manifest.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.man = man.Clone()
}

// Status returns a snapshot of the current runtime state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() Status {
	st := Status{
		ID:    s.id,
		State: s.state,
		Epoch: s.epoch,
		Exit:  s.exit,
	}
	if s.cur != nil {
		st.PID = s.cur.pid
	}
	if !s.startedAt.IsZero() && (s.state == StateRunning || s.state == StateStarting || s.state == StateStopping) {
		t := s.startedAt
		st.StartedAt = &t
	}
	return st
}

// Epoch returns the current attach epoch. It increments on every start so
// attach sessions from a previous run can be invalidated.
func (s *Service) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Service) setStateLocked(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.log.Debug("service state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if s.notify != nil {
		s.notify(s.statusLocked(), from)
	}
}

// Start launches the child process. Valid from Stopped and Crashed; a
// pending auto-restart is cancelled in favor of the explicit start.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.IllegalTransition(s.id, string(s.state), "start")
	}
	switch s.state {
	case StateStopped, StateCrashed:
	case StateStopping:
		return apperrors.ServiceBusy(s.id, string(s.state))
	default:
		return apperrors.IllegalTransition(s.id, string(s.state), "start")
	}
	s.cancelRestartLocked()
	s.backoff = s.opts.BackoffInitial
	s.failures = nil
	return s.startLocked(ctx)
}

// startLocked performs the actual spawn. Callers hold s.mu and have already
// validated the transition.
func (s *Service) startLocked(ctx context.Context) error {
	man := s.man
	if err := s.guard.Check(man.Command, man.Cwd); err != nil {
		return err
	}
	if man.ClearLogOnStart && man.LogPath != "" {
		if err := os.Truncate(man.LogPath, 0); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).Warn("Failed to truncate service log file")
		}
	}

	s.setStateLocked(StateStarting)
	s.exit = nil
	s.epoch++

	cmd := exec.Command(man.Command, man.Args...)
	cmd.Dir = man.Cwd
	cmd.Env = buildEnv(man.Env)
	if man.RunAs != "" {
		if err := pty.SetRunAs(cmd, man.RunAs); err != nil {
			s.crashLocked(apperrors.SpawnFailed(s.id, err))
			return apperrors.SpawnFailed(s.id, err)
		}
	}

	handle, err := pty.Start(cmd, s.opts.Cols, s.opts.Rows)
	if err != nil {
		spawnErr := apperrors.SpawnFailed(s.id, err)
		s.ring.Append([]byte(fmt.Sprintf("\r\n[prochub] failed to start %s: %v\r\n", s.id, err)))
		s.crashLocked(spawnErr)
		return spawnErr
	}

	p := &proc{
		cmd:      cmd,
		handle:   handle,
		pid:      cmd.Process.Pid,
		epoch:    s.epoch,
		waitDone: make(chan struct{}),
	}
	s.cur = p
	s.startedAt = s.opts.Now()
	s.userStop = false
	s.setStateLocked(StateRunning)
	s.log.Info("service started",
		zap.Int("pid", p.pid),
		zap.String("command", man.Command))

	go s.readOutput(p)
	go s.wait(p)
	return nil
}

// crashLocked records a failed spawn and schedules a relaunch when the
// manifest asks for one.
func (s *Service) crashLocked(err error) {
	s.setStateLocked(StateCrashed)
	s.exit = &ExitInfo{Code: -1, At: s.opts.Now()}
	s.log.WithError(err).Error("Service failed to start")
	if s.man.AutoRestart && !s.userStop {
		s.scheduleRestartLocked()
	}
}

// Stop requests a stop. With a shutdown command configured this runs the
// graceful sequence; otherwise the child is killed outright.
func (s *Service) Stop(ctx context.Context) error {
	if !s.hasShutdownCommand() {
		return s.Kill(ctx)
	}
	return s.gracefulStop()
}

// Shutdown always runs the graceful sequence: write the shutdown command,
// then escalate TERM and KILL on the grace timers.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.gracefulStop()
}

// hasShutdownCommand reports whether the manifest configures a shutdown
// command. The raw field decides graceful-vs-kill; the "stop" default only
// applies once the graceful sequence is chosen.
func (s *Service) hasShutdownCommand() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.man.ShutdownCommand != ""
}

func (s *Service) gracefulStop() error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateStopping:
		s.mu.Unlock()
		return nil
	case StateCrashed:
		// Acknowledge the crash: cancel any pending relaunch and settle
		// Stopped so the service can be deleted.
		s.userStop = true
		s.cancelRestartLocked()
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		return nil
	case StateStarting:
		s.mu.Unlock()
		return apperrors.ServiceBusy(s.id, string(StateStarting))
	}

	p := s.cur
	shutdownCmd := s.man.EffectiveShutdownCommand()
	s.userStop = true
	s.setStateLocked(StateStopping)
	p.graceTimer = time.AfterFunc(s.opts.GraceTimeout, func() { s.escalateTerm(p) })
	s.mu.Unlock()

	s.log.Info("stopping service gracefully", zap.String("shutdown_command", shutdownCmd))
	if err := s.writeInput(p, []byte(shutdownCmd+"\n")); err != nil {
		// The write failing usually means the child is already gone; the
		// wait goroutine finishes the transition.
		s.log.WithError(err).Warn("Failed to write shutdown command")
	}
	return nil
}

func (s *Service) escalateTerm(p *proc) {
	s.mu.Lock()
	if s.cur != p || s.state != StateStopping {
		s.mu.Unlock()
		return
	}
	cmd := p.cmd
	p.killTimer = time.AfterFunc(s.opts.KillTimeout, func() { s.escalateKill(p) })
	s.mu.Unlock()

	s.log.Warn("Grace period expired, sending TERM")
	if err := pty.Deliver(cmd, pty.SignalTerm); err != nil {
		s.log.WithError(err).Warn("Failed to deliver TERM")
	}
}

func (s *Service) escalateKill(p *proc) {
	s.mu.Lock()
	if s.cur != p || s.state != StateStopping {
		s.mu.Unlock()
		return
	}
	cmd := p.cmd
	s.mu.Unlock()

	s.log.Warn("Kill period expired, sending KILL")
	if err := pty.Deliver(cmd, pty.SignalKill); err != nil {
		s.log.WithError(err).Warn("Failed to deliver KILL")
	}
}

// Kill terminates the child immediately without the graceful sequence.
func (s *Service) Kill(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateCrashed:
		s.userStop = true
		s.cancelRestartLocked()
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		return nil
	case StateStarting:
		s.mu.Unlock()
		return apperrors.ServiceBusy(s.id, string(StateStarting))
	}

	p := s.cur
	s.userStop = true
	s.setStateLocked(StateStopping)
	p.cancelTimers()
	cmd := p.cmd
	s.mu.Unlock()

	s.log.Info("Killing service")
	if err := pty.Deliver(cmd, pty.SignalKill); err != nil {
		s.log.WithError(err).Warn("Failed to deliver KILL")
	}
	return nil
}

// Restart chains a stop and a start. For a stopped or crashed service it is
// just a start; for a running one the relaunch happens once the child has
// exited, regardless of caller cancellation.
func (s *Service) Restart(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateCrashed:
		s.cancelRestartLocked()
		s.backoff = s.opts.BackoffInitial
		s.failures = nil
		defer s.mu.Unlock()
		return s.startLocked(ctx)
	case StateStopping:
		s.restartPending = true
		s.mu.Unlock()
		return nil
	case StateStarting:
		s.mu.Unlock()
		return apperrors.ServiceBusy(s.id, string(StateStarting))
	}
	s.restartPending = true
	s.mu.Unlock()
	if !s.hasShutdownCommand() {
		return s.Kill(ctx)
	}
	return s.gracefulStop()
}

// Input writes raw bytes to the child's terminal.
func (s *Service) Input(b []byte) error {
	s.mu.Lock()
	if s.state != StateRunning || s.cur == nil {
		s.mu.Unlock()
		return apperrors.IllegalTransition(s.id, string(s.state), "input")
	}
	p := s.cur
	s.mu.Unlock()
	return s.writeInput(p, b)
}

func (s *Service) writeInput(p *proc, b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := p.handle.Write(b)
	return err
}

// Signal delivers a named signal directly to the child process.
func (s *Service) Signal(sig pty.Signal) error {
	if !sig.Valid() {
		return apperrors.InvalidArgument(fmt.Sprintf("unknown signal %q", sig))
	}
	s.mu.Lock()
	if s.cur == nil {
		s.mu.Unlock()
		return apperrors.IllegalTransition(s.id, string(s.state), "signal")
	}
	cmd := s.cur.cmd
	s.mu.Unlock()
	return pty.Deliver(cmd, sig)
}

// Wait blocks until the current child exits or ctx is done. It returns
// immediately when no child is running.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	p := s.cur
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	select {
	case <-p.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the runtime closed: pending restarts are cancelled and new
// starts rejected. The current child, if any, keeps running; callers stop it
// first.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancelRestartLocked()
}

func (s *Service) cancelRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// readOutput pumps child output into the log ring until the PTY reports EOF.
func (s *Service) readOutput(p *proc) {
	buf := make([]byte, 4096)
	for {
		n, err := p.handle.Read(buf)
		if n > 0 {
			s.ring.Append(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// wait blocks on the child, then settles the state machine: Stopped after a
// requested stop, Crashed (with optional relaunch) otherwise.
func (s *Service) wait(p *proc) {
	defer close(p.waitDone)
	code, sig, _ := pty.Wait(p.cmd, p.handle)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != p {
		return
	}
	p.cancelTimers()
	_ = p.handle.Close()
	s.cur = nil

	now := s.opts.Now()
	ranFor := now.Sub(s.startedAt)
	s.exit = &ExitInfo{Code: code, Signal: sig, At: now}
	fields := []zap.Field{
		zap.Int("exit_code", code),
		zap.String("signal", sig),
		zap.Duration("ran_for", ranFor),
	}

	if s.restartPending {
		s.restartPending = false
		s.setStateLocked(StateStopped)
		s.log.Info("service stopped, restarting", fields...)
		if startErr := s.startLocked(context.Background()); startErr != nil {
			s.log.WithError(startErr).Error("restart failed")
		}
		return
	}

	if s.state == StateStopping {
		s.setStateLocked(StateStopped)
		s.log.Info("service stopped", fields...)
		return
	}

	// The child exited while we still considered it running.
	s.setStateLocked(StateCrashed)
	s.log.Warn("service exited unexpectedly", fields...)
	s.ring.Append([]byte(fmt.Sprintf("\r\n[prochub] %s exited unexpectedly (code %d)\r\n", s.id, code)))

	if !s.man.AutoRestart || s.userStop || s.closed {
		return
	}
	if ranFor > s.opts.BudgetWindow {
		s.backoff = s.opts.BackoffInitial
		s.failures = nil
	}
	s.scheduleRestartLocked()
}

// scheduleRestartLocked arms the relaunch timer, or latches the service
// crashed when the failure budget is exhausted.
func (s *Service) scheduleRestartLocked() {
	now := s.opts.Now()
	cutoff := now.Add(-s.opts.BudgetWindow)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = append(kept, now)

	if len(s.failures) > s.opts.BudgetMax {
		s.log.Error("restart budget exhausted",
			zap.Int("failures", len(s.failures)),
			zap.Duration("window", s.opts.BudgetWindow))
		s.ring.Append([]byte(fmt.Sprintf("\r\n[prochub] restart storm: %d failures within %s, giving up on %s\r\n",
			len(s.failures), s.opts.BudgetWindow, s.id)))
		return
	}

	delay := s.backoff
	s.backoff *= 2
	if s.backoff > s.opts.BackoffCap {
		s.backoff = s.opts.BackoffCap
	}
	s.log.Info("scheduling service restart", zap.Duration("delay", delay))
	s.restartTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateCrashed || s.closed || s.userStop {
			return
		}
		if err := s.startLocked(context.Background()); err != nil {
			s.log.WithError(err).Error("Auto-restart failed")
		}
	})
}

// buildEnv merges manifest environment entries over the parent environment.
func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
