package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"autoflow/internal/metrics"
	"autoflow/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var (
	ErrSchedulerStopped = errors.New("scheduler is not running")
	ErrTaskExists       = errors.New("task already registered")
)

// TaskFunc is invoked on every fire of a scheduled unit.
type TaskFunc func(ctx context.Context, firedAt time.Time) error

// Registration is a schedulable unit of work.
type Registration struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	Schedule    models.Schedule `json:"schedule"`
	Enabled     bool            `json:"enabled"`
	Run         TaskFunc        `json:"-"`
}

// Registry holds registrations by ID. Named tasks and time-triggered rules
// each get their own instance.
type Registry struct {
	name  string
	mu    sync.RWMutex
	items map[string]Registration
}

func NewRegistry(name string) *Registry {
	return &Registry{name: name, items: make(map[string]Registration)}
}

func (r *Registry) Name() string { return r.name }

// Register adds a new registration; an existing ID is an error.
func (r *Registry) Register(reg Registration) error {
	if reg.ID == "" || reg.Run == nil {
		return fmt.Errorf("registration requires an id and a callback")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[reg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, reg.ID)
	}
	r.items[reg.ID] = reg
	return nil
}

// Put adds or replaces a registration.
func (r *Registry) Put(reg Registration) {
	r.mu.Lock()
	r.items[reg.ID] = reg
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[id]
	delete(r.items, id)
	return ok
}

func (r *Registry) Get(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.items[id]
	return reg, ok
}

// List returns all registrations ordered by ID.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.items))
	for _, reg := range r.items {
		out = append(out, reg)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type scheduledUnit struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs each scheduled registration as its own cancellable
// goroutine on the given clock.
type Scheduler struct {
	clock      clockwork.Clock
	logger     *logrus.Logger
	registries []*Registry

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	units   map[string]*scheduledUnit
	wg      sync.WaitGroup
}

func NewScheduler(clock clockwork.Clock, logger *logrus.Logger, registries ...*Registry) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		clock:      clock,
		logger:     logger,
		registries: registries,
		units:      make(map[string]*scheduledUnit),
	}
}

func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Start schedules every enabled registration of every registry.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	for _, reg := range s.registries {
		for _, r := range reg.List() {
			if !r.Enabled {
				continue
			}
			if err := s.Schedule(r.ID, r.Schedule, r.Run); err != nil {
				s.logger.WithError(err).Warnf("scheduler: could not schedule %s", r.ID)
			}
		}
	}
	s.logger.Infof("scheduler: started with %d units", len(s.Scheduled()))
	return nil
}

// Schedule starts a unit for id, replacing any unit already running under it.
// Past one-shot times and cron schedules are logged and not scheduled.
func (s *Scheduler) Schedule(id string, sched models.Schedule, fn TaskFunc) error {
	if fn == nil {
		return fmt.Errorf("schedule %s: nil callback", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrSchedulerStopped
	}

	var loop func(ctx context.Context)
	switch sched.Kind {
	case models.ScheduleInterval:
		if sched.Seconds <= 0 {
			return fmt.Errorf("schedule %s: interval must be positive", id)
		}
		every := time.Duration(sched.Seconds) * time.Second
		start := s.clock.Now()
		loop = func(ctx context.Context) { s.runInterval(ctx, id, start, every, fn) }
	case models.ScheduleOnce:
		if sched.ExecuteAt == nil {
			return fmt.Errorf("schedule %s: once requires execute_at", id)
		}
		wait := sched.ExecuteAt.Sub(s.clock.Now())
		if wait < 0 {
			s.logger.WithField("task_id", id).Warnf("scheduler: execute_at %s already passed, skipping", sched.ExecuteAt.Format(time.RFC3339))
			s.stopLocked(id)
			return nil
		}
		loop = func(ctx context.Context) { s.runOnce(ctx, id, wait, fn) }
	case models.ScheduleCron:
		s.logger.WithField("task_id", id).Warn("scheduler: cron schedules are not supported yet")
		s.stopLocked(id)
		return nil
	default:
		return fmt.Errorf("schedule %s: unknown schedule kind %q", id, sched.Kind)
	}

	s.stopLocked(id)
	ctx, cancel := context.WithCancel(s.ctx)
	u := &scheduledUnit{cancel: cancel, done: make(chan struct{})}
	s.units[id] = u
	metrics.ScheduledUnits.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(u.done)
		defer s.release(id, u)
		loop(ctx)
	}()
	return nil
}

// Cancel stops the unit for id. It does not wait for a running callback.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(id)
}

func (s *Scheduler) stopLocked(id string) bool {
	u, ok := s.units[id]
	if !ok {
		return false
	}
	u.cancel()
	delete(s.units, id)
	metrics.ScheduledUnits.Dec()
	return true
}

func (s *Scheduler) release(id string, u *scheduledUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.units[id]; ok && cur == u {
		delete(s.units, id)
		metrics.ScheduledUnits.Dec()
	}
}

// Stop cancels every unit and waits for them to exit, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}

	s.mu.Lock()
	for id := range s.units {
		delete(s.units, id)
		metrics.ScheduledUnits.Dec()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler: stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Scheduled returns the IDs of the active units.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.units))
	for id := range s.units {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// IsScheduled reports whether a unit is active for id.
func (s *Scheduler) IsScheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.units[id]
	return ok
}

// runInterval fires at start+k*every. Deadlines already passed when a tick
// returns fire back to back, one per elapsed period.
func (s *Scheduler) runInterval(ctx context.Context, id string, start time.Time, every time.Duration, fn TaskFunc) {
	next := start.Add(every)
	for {
		if wait := next.Sub(s.clock.Now()); wait > 0 {
			timer := s.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		} else if ctx.Err() != nil {
			return
		}
		s.tick(ctx, id, next, fn)
		next = next.Add(every)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, id string, wait time.Duration, fn TaskFunc) {
	timer := s.clock.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case firedAt := <-timer.Chan():
		s.tick(ctx, id, firedAt, fn)
	}
}

// tick runs one callback. Errors and panics are logged; the callback gets a
// context that outlives Stop so it can finish what it started.
func (s *Scheduler) tick(ctx context.Context, id string, firedAt time.Time, fn TaskFunc) {
	log := s.logger.WithField("task_id", id)
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerTicks.WithLabelValues("panic").Inc()
			log.WithField("stack", string(debug.Stack())).Errorf("scheduler: task panicked: %v", r)
		}
	}()
	if err := fn(context.WithoutCancel(ctx), firedAt); err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		log.WithError(err).Error("scheduler: task failed")
		return
	}
	metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	log.Debug("scheduler: task completed")
}
