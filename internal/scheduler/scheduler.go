// Package scheduler runs the consolidation cycle in the background: after a
// start delay, then on a fixed interval or a cron expression.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/compemperor/engram/internal/config"
	"github.com/compemperor/engram/internal/engine"
	"github.com/compemperor/engram/internal/metrics"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// Runner executes consolidation phases. *engine.Engine implements it.
type Runner interface {
	RunPhase(ctx context.Context, p engine.Phase) engine.PhaseReport
	Checkpoint(ctx context.Context) error
}

// State is the scheduler lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateRunning  State = "running"
)

// Trigger names what started a cycle.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

const cycleKey = "cycle"

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// CycleReport summarizes one consolidation cycle.
type CycleReport struct {
	Trigger    string               `json:"trigger"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Phases     []engine.PhaseReport `json:"phases"`
	Snapshot   string               `json:"snapshot_error,omitempty"`
	Err        string               `json:"error,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State    State        `json:"state"`
	Phase    engine.Phase `json:"phase,omitempty"`
	Schedule string       `json:"schedule"`
	Cycles   int          `json:"cycles"`
	LastRun  *time.Time   `json:"last_run,omitempty"`
	NextRun  *time.Time   `json:"next_run,omitempty"`
	Last     *CycleReport `json:"last,omitempty"`
}

// Scheduler owns the background consolidation loop.
type Scheduler struct {
	runner   Runner
	cfg      config.SchedulerConfig
	logger   *log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	schedule string
	sched    cron.Schedule

	cron  *cron.Cron
	entry cron.EntryID
	group singleflight.Group

	mu       sync.Mutex
	state    State
	running  bool
	phase    engine.Phase
	firstRun time.Time
	lastRun  time.Time
	cycles   int
	last     *CycleReport
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped scheduler. cfg.Cron, when set, takes precedence
// over cfg.Interval.
func New(runner Runner, cfg config.SchedulerConfig, logger *log.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "scheduler")

	var (
		sched cron.Schedule
		spec  string
		err   error
	)
	switch {
	case cfg.Cron != "":
		spec = cfg.Cron
		sched, err = cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse cron %q: %w", cfg.Cron, err)
		}
	case cfg.Interval > 0:
		spec = "@every " + cfg.Interval.String()
		sched = cron.Every(cfg.Interval)
	default:
		return nil, errors.New("scheduler: an interval or a cron expression is required")
	}

	s := &Scheduler{
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		schedule: spec,
		sched:    sched,
		state:    StateStopped,
	}
	s.cron = cron.New(
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	s.entry = s.cron.Schedule(sched, cron.FuncJob(s.scheduled))
	return s, nil
}

// Start launches the loop. The first cycle runs after the start delay, later
// cycles follow the schedule. A disabled scheduler stays stopped; RunNow
// still works.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.state = StateStarting
	s.firstRun = s.now().Add(s.cfg.StartDelay)

	go s.loop(s.runCtx, s.done)
	s.logger.Info("scheduler started", "first_run_in", s.cfg.StartDelay, "schedule", s.schedule)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.cfg.StartDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()

	s.scheduled()
	if ctx.Err() == nil {
		s.cron.Start()
	}
	<-ctx.Done()
}

// scheduled is the cron job. It runs on the loop's context so Stop cancels
// it, and waits for the shared cycle to finish.
func (s *Scheduler) scheduled() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	v, _, _ := s.group.Do(cycleKey, func() (any, error) {
		return s.runCycle(ctx, TriggerSchedule), nil
	})
	if rep := v.(*CycleReport); rep.Err != "" {
		s.logger.Warn("scheduled cycle interrupted", "error", rep.Err)
	}
}

// Stop cancels the loop and any scheduled cycle at the next record boundary
// and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.state = StateStopped
	s.runCtx = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RunNow runs a cycle immediately. Concurrent callers, including a
// scheduled run already in progress, share one cycle. The cycle runs on the
// context of the caller that started it.
func (s *Scheduler) RunNow(ctx context.Context) (*CycleReport, error) {
	ch := s.group.DoChan(cycleKey, func() (any, error) {
		return s.runCycle(ctx, TriggerManual), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val.(*CycleReport), res.Err
	}
}

// Phases returns the enabled phases in execution order.
func (s *Scheduler) Phases() []engine.Phase {
	enabled := map[engine.Phase]bool{
		engine.PhaseFade:     s.cfg.Fade.Enabled,
		engine.PhaseReflect:  s.cfg.Reflect.Enabled,
		engine.PhaseReassess: s.cfg.Reassess.Enabled,
		engine.PhaseCompress: s.cfg.Compress.Enabled,
		engine.PhaseReplay:   s.cfg.Replay.Enabled,
	}
	var out []engine.Phase
	for _, p := range engine.Phases {
		if enabled[p] {
			out = append(out, p)
		}
	}
	return out
}

func (s *Scheduler) runCycle(ctx context.Context, trigger string) *CycleReport {
	rep := &CycleReport{Trigger: trigger, StartedAt: s.now()}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.logger.Info("consolidation cycle starting", "trigger", trigger)

	for _, p := range s.Phases() {
		if err := ctx.Err(); err != nil {
			rep.Err = err.Error()
			break
		}
		s.mu.Lock()
		s.phase = p
		s.mu.Unlock()
		rep.Phases = append(rep.Phases, s.runner.RunPhase(ctx, p))
	}
	if rep.Err == "" && ctx.Err() != nil {
		rep.Err = ctx.Err().Error()
	}

	// the snapshot covers whatever the phases committed, even when cancelled
	snapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	if err := s.runner.Checkpoint(snapCtx); err != nil {
		s.logger.Error("snapshot after cycle failed", "error", err)
		rep.Snapshot = err.Error()
	}
	cancel()
	rep.FinishedAt = s.now()

	s.mu.Lock()
	s.running = false
	s.phase = ""
	s.lastRun = rep.FinishedAt
	s.cycles++
	s.last = rep
	s.mu.Unlock()

	changed := 0
	for _, p := range rep.Phases {
		changed += p.Changed
	}
	s.metrics.RecordCycle(trigger)
	s.logger.Info("consolidation cycle complete", "trigger", trigger, "phases", len(rep.Phases),
		"changed", changed, "duration", rep.FinishedAt.Sub(rep.StartedAt), "error", rep.Err)
	return rep
}

// Status reports the current state, the phase in progress, the last and
// next runs and the last cycle report.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:    s.state,
		Phase:    s.phase,
		Schedule: s.schedule,
		Cycles:   s.cycles,
		Last:     s.last,
	}
	if s.running {
		st.State = StateRunning
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	switch s.state {
	case StateStarting:
		t := s.firstRun
		st.NextRun = &t
	case StateIdle:
		next := s.cron.Entry(s.entry).Next
		if next.IsZero() {
			base := s.lastRun
			if base.IsZero() {
				base = s.now()
			}
			next = s.sched.Next(base)
		}
		st.NextRun = &next
	}
	return st
}

// cronLogger adapts a charmbracelet logger to cron.Logger.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
