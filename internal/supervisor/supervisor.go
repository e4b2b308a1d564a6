// Package supervisor is the facade over the managed-service subsystem: the
// manifest store, per-service runtimes, the attach hub and the scheduler.
// Every public operation runs under a Caller capability.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prochub/prochub/internal/common/config"
	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/events/bus"
	"github.com/prochub/prochub/internal/supervisor/attach"
	"github.com/prochub/prochub/internal/supervisor/logring"
	"github.com/prochub/prochub/internal/supervisor/manifest"
	"github.com/prochub/prochub/internal/supervisor/policy"
	"github.com/prochub/prochub/internal/supervisor/runtime"
	"github.com/prochub/prochub/internal/supervisor/scheduler"
	"github.com/prochub/prochub/internal/supervisor/stats"
)

// SubjectStateChanged is published on every runtime state transition.
const SubjectStateChanged = "service.state.changed"

// ServiceInfo merges a service's manifest with its runtime status.
type ServiceInfo struct {
	Manifest *manifest.Manifest `json:"manifest"`
	Status   runtime.Status     `json:"status"`
}

// ServiceStats pairs a running service with its process sample.
type ServiceStats struct {
	ID      string              `json:"id"`
	Process *stats.ProcessStats `json:"process,omitempty"`
}

// StatsReport is the payload of the stats endpoint.
type StatsReport struct {
	Host     *stats.HostStats `json:"host"`
	Services []ServiceStats   `json:"services"`
}

// Option customizes supervisor construction.
type Option func(*Supervisor)

// WithRuntimeOptions overrides the state-machine timers, mainly for tests.
func WithRuntimeOptions(opts runtime.Options) Option {
	return func(s *Supervisor) { s.runtimeOpts = opts }
}

// Supervisor owns the service map and mediates every operation on it.
type Supervisor struct {
	cfg   *config.Config
	store *manifest.Store
	guard *policy.Guard
	hub   *attach.Hub
	sched *scheduler.Scheduler
	bus   bus.EventBus
	stats *stats.Collector
	log   *logger.Logger

	runtimeOpts runtime.Options

	mu       sync.RWMutex
	services map[string]*runtime.Service

	closeOnce sync.Once
}

// New builds the supervisor, loading every stored manifest into a Stopped
// runtime. Run starts the scheduler and autostarts flagged services.
func New(cfg *config.Config, store *manifest.Store, eventBus bus.EventBus, log *logger.Logger, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		cfg:   cfg,
		store: store,
		guard: policy.New(cfg.Policy.AllowedCommands, cfg.Policy.AllowedCwdPrefixes),
		hub:   attach.NewHub(log),
		bus:   eventBus,
		stats: stats.NewCollector(cfg.Data.Dir, log),
		log:   log.WithFields(zap.String("component", "supervisor")),
		runtimeOpts: runtime.Options{
			GraceTimeout: cfg.Supervisor.GraceTimeoutDuration(),
			KillTimeout:  cfg.Supervisor.KillTimeoutDuration(),
		},
		services: make(map[string]*runtime.Service),
	}
	for _, o := range opts {
		o(s)
	}
	s.sched = scheduler.New(systemActions{s: s}, log)

	for _, man := range store.List() {
		s.services[man.ID] = s.newRuntime(man)
		if err := s.sched.Set(man.ID, man.Schedule); err != nil {
			s.log.WithError(err).Warn("ignoring invalid stored schedule",
				zap.String("service_id", man.ID))
		}
	}
	return s, nil
}

func (s *Supervisor) newRuntime(man *manifest.Manifest) *runtime.Service {
	ring := logring.New(logring.WithCapacity(s.cfg.Supervisor.RingSize))
	return runtime.NewService(man, s.guard, ring, s.log, s.runtimeOpts, s.onTransition)
}

// Run starts the scheduler loop and autostarts services. It returns once
// the boot sequence has been issued.
func (s *Supervisor) Run(ctx context.Context) error {
	go s.sched.Run(context.Background())

	for _, man := range s.store.List() {
		if !man.AutoStart {
			continue
		}
		if _, err := s.StartService(ctx, System, man.ID); err != nil {
			s.log.WithError(err).Warn("autostart failed", zap.String("service_id", man.ID))
		}
	}
	return nil
}

// onTransition runs with the service's lock held: it must not call back
// into the runtime.
func (s *Supervisor) onTransition(st runtime.Status, from runtime.State) {
	switch st.State {
	case runtime.StateStarting:
		s.hub.InvalidateEpoch(st.ID, st.Epoch)
	case runtime.StateStopping, runtime.StateStopped, runtime.StateCrashed:
		s.hub.InvalidateState(st.ID)
	}

	data := map[string]interface{}{
		"service_id": st.ID,
		"from":       string(from),
		"to":         string(st.State),
		"epoch":      st.Epoch,
	}
	if st.PID != 0 {
		data["pid"] = st.PID
	}
	if st.Exit != nil {
		data["exit_code"] = st.Exit.Code
		if st.Exit.Signal != "" {
			data["exit_signal"] = st.Exit.Signal
		}
	}
	evt := bus.NewEvent(SubjectStateChanged, "supervisor", data)
	if err := s.bus.Publish(context.Background(), SubjectStateChanged, evt); err != nil {
		s.log.WithError(err).Warn("failed to publish state change")
	}
}

func (s *Supervisor) authorize(caller Caller, serviceID string) error {
	if !caller.Allowed(serviceID) {
		return apperrors.PermissionDenied("caller " + caller.Name + " may not access service " + serviceID)
	}
	return nil
}

func (s *Supervisor) requireAdmin(caller Caller) error {
	if !caller.Admin {
		return apperrors.PermissionDenied("caller " + caller.Name + " is not an administrator")
	}
	return nil
}

func (s *Supervisor) service(id string) (*runtime.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, apperrors.NotFound("service", id)
	}
	return svc, nil
}

// List returns manifest plus status for every service the caller may see,
// in (group, order, id) order.
func (s *Supervisor) List(caller Caller) []ServiceInfo {
	var out []ServiceInfo
	for _, man := range s.store.List() {
		if !caller.Allowed(man.ID) {
			continue
		}
		svc, err := s.service(man.ID)
		if err != nil {
			continue
		}
		out = append(out, ServiceInfo{Manifest: man, Status: svc.Status()})
	}
	return out
}

// Get returns one service's manifest and status.
func (s *Supervisor) Get(caller Caller, id string) (*ServiceInfo, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	svc, err := s.service(id)
	if err != nil {
		return nil, err
	}
	man, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return &ServiceInfo{Manifest: man, Status: svc.Status()}, nil
}

// Create registers a new service in the store and builds its runtime.
func (s *Supervisor) Create(caller Caller, man *manifest.Manifest) (*ServiceInfo, error) {
	if err := s.authorize(caller, man.ID); err != nil {
		return nil, err
	}
	created, err := s.store.Create(man)
	if err != nil {
		return nil, err
	}
	svc := s.newRuntime(created)
	s.mu.Lock()
	s.services[created.ID] = svc
	s.mu.Unlock()

	if err := s.sched.Set(created.ID, created.Schedule); err != nil {
		s.log.WithError(err).Warn("schedule not installed", zap.String("service_id", created.ID))
	}
	s.log.Info("service created", zap.String("service_id", created.ID))
	return &ServiceInfo{Manifest: created, Status: svc.Status()}, nil
}

// Update replaces a service's manifest. A running child keeps the old
// command line until its next start.
func (s *Supervisor) Update(caller Caller, id string, man *manifest.Manifest) (*ServiceInfo, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	svc, err := s.service(id)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.Update(id, man)
	if err != nil {
		return nil, err
	}
	svc.SetManifest(updated)
	if err := s.sched.Set(id, updated.Schedule); err != nil {
		s.log.WithError(err).Warn("schedule not installed", zap.String("service_id", id))
	}
	return &ServiceInfo{Manifest: updated, Status: svc.Status()}, nil
}

// Delete removes a stopped service entirely.
func (s *Supervisor) Delete(caller Caller, id string) error {
	if err := s.authorize(caller, id); err != nil {
		return err
	}
	svc, err := s.service(id)
	if err != nil {
		return err
	}
	st := svc.Status()
	if st.State != runtime.StateStopped {
		return apperrors.ServiceBusy(id, string(st.State))
	}

	s.sched.Remove(id)
	svc.Close()
	s.hub.InvalidateState(id)
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.services, id)
	s.mu.Unlock()
	svc.Ring().Close()
	s.log.Info("service deleted", zap.String("service_id", id))
	return nil
}

// StartService launches a service.
func (s *Supervisor) StartService(ctx context.Context, caller Caller, id string) (runtime.Status, error) {
	return s.control(caller, id, func(svc *runtime.Service) error { return svc.Start(ctx) })
}

// StopService stops a service, gracefully when a shutdown command is
// configured.
func (s *Supervisor) StopService(ctx context.Context, caller Caller, id string) (runtime.Status, error) {
	return s.control(caller, id, func(svc *runtime.Service) error { return svc.Stop(ctx) })
}

// ShutdownService always runs the graceful stop sequence.
func (s *Supervisor) ShutdownService(ctx context.Context, caller Caller, id string) (runtime.Status, error) {
	return s.control(caller, id, func(svc *runtime.Service) error { return svc.Shutdown(ctx) })
}

// KillService terminates the child immediately.
func (s *Supervisor) KillService(ctx context.Context, caller Caller, id string) (runtime.Status, error) {
	return s.control(caller, id, func(svc *runtime.Service) error { return svc.Kill(ctx) })
}

// RestartService chains a stop and a start.
func (s *Supervisor) RestartService(ctx context.Context, caller Caller, id string) (runtime.Status, error) {
	return s.control(caller, id, func(svc *runtime.Service) error { return svc.Restart(ctx) })
}

func (s *Supervisor) control(caller Caller, id string, op func(*runtime.Service) error) (runtime.Status, error) {
	if err := s.authorize(caller, id); err != nil {
		return runtime.Status{}, err
	}
	svc, err := s.service(id)
	if err != nil {
		return runtime.Status{}, err
	}
	if err := op(svc); err != nil {
		return svc.Status(), err
	}
	return svc.Status(), nil
}

// Attach opens an interactive session on a running service.
func (s *Supervisor) Attach(caller Caller, id string) (*attach.Session, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	svc, err := s.service(id)
	if err != nil {
		return nil, err
	}
	return s.hub.Attach(svc)
}

// Detach ends an attach session.
func (s *Supervisor) Detach(sess *attach.Session) {
	s.hub.Detach(sess)
}

// Tail returns up to maxBytes of recent output from the log ring.
func (s *Supervisor) Tail(caller Caller, id string, maxBytes int) ([]byte, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	svc, err := s.service(id)
	if err != nil {
		return nil, err
	}
	return svc.Ring().Snapshot(maxBytes), nil
}

// StreamLogs returns a hot subscription to the service's log ring.
func (s *Supervisor) StreamLogs(caller Caller, id string) (*logring.Subscription, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	svc, err := s.service(id)
	if err != nil {
		return nil, err
	}
	return svc.Ring().Subscribe(), nil
}

// LogFilePath resolves the service's on-disk log file, when configured.
func (s *Supervisor) LogFilePath(caller Caller, id string) (string, error) {
	if err := s.authorize(caller, id); err != nil {
		return "", err
	}
	man, err := s.store.Get(id)
	if err != nil {
		return "", err
	}
	if man.LogPath == "" {
		return "", apperrors.NotFound("log file for service", id)
	}
	return man.LogPath, nil
}

// SetSchedule installs, replaces or clears a service's cron schedule.
func (s *Supervisor) SetSchedule(caller Caller, id string, sched *manifest.Schedule) (*manifest.Manifest, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	svc, err := s.service(id)
	if err != nil {
		return nil, err
	}
	if sched != nil && sched.Enabled {
		if _, _, err := scheduler.Parse(sched.CronExpr, sched.Timezone); err != nil {
			return nil, err
		}
	}
	updated, err := s.store.SetSchedule(id, sched)
	if err != nil {
		return nil, err
	}
	svc.SetManifest(updated)
	if err := s.sched.Set(id, updated.Schedule); err != nil {
		return nil, err
	}
	return updated, nil
}

// ValidateCron parses a cron expression and returns its next three firing
// instants in UTC.
func (s *Supervisor) ValidateCron(expr, timezone string) ([]time.Time, error) {
	return scheduler.NextRuns(expr, timezone, 3)
}

// ListGroups returns all groups in display order.
func (s *Supervisor) ListGroups(caller Caller) []*manifest.Group {
	return s.store.ListGroups()
}

// CreateGroup adds a display group.
func (s *Supervisor) CreateGroup(caller Caller, g *manifest.Group) (*manifest.Group, error) {
	if err := s.requireAdmin(caller); err != nil {
		return nil, err
	}
	return s.store.CreateGroup(g)
}

// UpdateGroup renames or recolors a group.
func (s *Supervisor) UpdateGroup(caller Caller, id string, g *manifest.Group) (*manifest.Group, error) {
	if err := s.requireAdmin(caller); err != nil {
		return nil, err
	}
	return s.store.UpdateGroup(id, g)
}

// DeleteGroup removes a group; member services become ungrouped.
func (s *Supervisor) DeleteGroup(caller Caller, id string) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	if err := s.store.DeleteGroup(id); err != nil {
		return err
	}
	s.refreshManifests()
	return nil
}

// ReorderGroups applies new display orders by group id.
func (s *Supervisor) ReorderGroups(caller Caller, orders map[string]int) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	return s.store.ReorderGroups(orders)
}

// ReorderServices moves services across groups and display positions.
func (s *Supervisor) ReorderServices(caller Caller, entries []manifest.ReorderEntry) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	if err := s.store.Reorder(entries); err != nil {
		return err
	}
	s.refreshManifests()
	return nil
}

// refreshManifests reloads stored manifests into the runtimes after a bulk
// store mutation changed grouping or ordering.
func (s *Supervisor) refreshManifests() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, svc := range s.services {
		if man, err := s.store.Get(id); err == nil {
			svc.SetManifest(man)
		}
	}
}

// Stats samples the host plus every running service the caller may see.
func (s *Supervisor) Stats(ctx context.Context, caller Caller) (*StatsReport, error) {
	hostStats, err := s.stats.Host(ctx)
	if err != nil {
		return nil, err
	}
	report := &StatsReport{Host: hostStats, Services: []ServiceStats{}}
	for _, info := range s.List(caller) {
		if info.Status.State != runtime.StateRunning || info.Status.PID == 0 {
			continue
		}
		proc, err := s.stats.Process(ctx, info.Status.PID)
		if err != nil || proc == nil {
			continue
		}
		report.Services = append(report.Services, ServiceStats{ID: info.Manifest.ID, Process: proc})
	}
	return report, nil
}

// Bus exposes the event bus for transport-level subscriptions.
func (s *Supervisor) Bus() bus.EventBus { return s.bus }

// Close shuts down the scheduler, then stops all running services
// concurrently, bounded by the configured shutdown wait, then closes attach
// sessions and the bus.
func (s *Supervisor) Close(ctx context.Context) error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.sched.Close()

		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Supervisor.ShutdownWaitDuration())
		defer cancel()

		s.mu.RLock()
		var running []*runtime.Service
		for _, svc := range s.services {
			svc.Close()
			st := svc.Status()
			if st.State != runtime.StateStopped && st.State != runtime.StateCrashed {
				running = append(running, svc)
			}
		}
		s.mu.RUnlock()

		var g errgroup.Group
		for _, svc := range running {
			svc := svc
			g.Go(func() error {
				if err := svc.Stop(waitCtx); err != nil {
					return err
				}
				return svc.Wait(waitCtx)
			})
		}
		if err := g.Wait(); err != nil {
			s.log.WithError(err).Warn("stop-all did not finish cleanly")
			firstErr = err
		}

		s.hub.CloseAll(attach.ReasonServiceStopped)
		s.bus.Close()
		s.log.Info("supervisor closed")
	})
	return firstErr
}
