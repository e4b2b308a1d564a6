// Package scheduler evaluates per-service cron schedules and fires start,
// stop and restart actions against the supervisor. A single loop sleeps
// until the nearest next-fire instant; schedules use six-field cron
// expressions with a leading seconds field.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/supervisor/manifest"
)

// cronParser accepts "sec min hour dom month dow".
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Actions is the slice of the supervisor the scheduler drives. Calls are
// made with a system identity that bypasses per-caller authorization.
type Actions interface {
	Start(ctx context.Context, serviceID string) error
	Stop(ctx context.Context, serviceID string) error
	Restart(ctx context.Context, serviceID string) error
}

type entry struct {
	serviceID string
	action    manifest.ScheduleAction
	sched     cron.Schedule
	next      time.Time
}

// Scheduler owns the evaluation loop.
type Scheduler struct {
	actions Actions
	log     *logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	wake    chan struct{}
	started bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a scheduler; Run starts the loop.
func New(actions Actions, log *logger.Logger) *Scheduler {
	return &Scheduler{
		actions: actions,
		log:     log.WithFields(zap.String("component", "scheduler")),
		now:     time.Now,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Parse validates a six-field cron expression in the given timezone and
// returns the parsed schedule plus its location. An empty timezone means
// the system timezone.
func Parse(expr, timezone string) (cron.Schedule, *time.Location, error) {
	loc := time.Local
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, apperrors.InvalidArgument("unknown timezone " + timezone)
		}
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, apperrors.InvalidArgument("invalid cron expression: " + err.Error())
	}
	return tzSchedule{sched: sched, loc: loc}, loc, nil
}

// tzSchedule evaluates the wrapped schedule in a fixed location.
type tzSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s tzSchedule) Next(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc))
}

// NextRuns returns the next n firing instants of an expression in UTC.
func NextRuns(expr, timezone string, n int) ([]time.Time, error) {
	sched, _, err := Parse(expr, timezone)
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, n)
	t := time.Now()
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		runs = append(runs, t.UTC())
	}
	return runs, nil
}

// Set installs or replaces the schedule for a service. A nil or disabled
// schedule removes the service from the loop.
func (s *Scheduler) Set(serviceID string, sch *manifest.Schedule) error {
	if sch == nil || !sch.Enabled {
		s.Remove(serviceID)
		return nil
	}
	parsed, _, err := Parse(sch.CronExpr, sch.Timezone)
	if err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	s.entries[serviceID] = &entry{
		serviceID: serviceID,
		action:    sch.Action,
		sched:     parsed,
		next:      parsed.Next(now),
	}
	s.mu.Unlock()
	s.log.Info("schedule set",
		zap.String("service_id", serviceID),
		zap.String("cron", sch.CronExpr),
		zap.String("action", string(sch.Action)))
	s.kick()
	return nil
}

// Remove drops the schedule for a service.
func (s *Scheduler) Remove(serviceID string) {
	s.mu.Lock()
	_, had := s.entries[serviceID]
	delete(s.entries, serviceID)
	s.mu.Unlock()
	if had {
		s.log.Info("schedule removed", zap.String("service_id", serviceID))
		s.kick()
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the evaluation loop until Close is called or ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.nearest()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// Close stops the loop and waits for it to drain. When Run was never
// called there is no loop to wait for and Close returns at once.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

func (s *Scheduler) nearest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, e := range s.entries {
		if next.IsZero() || e.next.Before(next) {
			next = e.next
		}
	}
	return next, !next.IsZero()
}

// fireDue runs every action whose instant has passed, in service-id order,
// then advances each entry past the fired instant.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].serviceID < due[j].serviceID })
	for _, e := range due {
		e.next = e.sched.Next(now)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	log := s.log.WithFields(
		zap.String("service_id", e.serviceID),
		zap.String("action", string(e.action)))
	log.Info("schedule fired")

	var err error
	switch e.action {
	case manifest.ActionStart:
		err = s.actions.Start(ctx, e.serviceID)
	case manifest.ActionStop:
		err = s.actions.Stop(ctx, e.serviceID)
	case manifest.ActionRestart:
		err = s.actions.Restart(ctx, e.serviceID)
	default:
		log.Error("unknown schedule action")
		return
	}
	if err != nil {
		log.WithError(err).Warn("scheduled action failed")
	}
}
