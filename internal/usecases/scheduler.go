package usecases

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"waflow/internal/entities"
	"waflow/internal/interfaces"
)

// FlowStarter launches flow executions. Implemented by the flow engine; the
// scheduler only knows how to fire it.
type FlowStarter interface {
	StartFlowExecution(ctx context.Context, flowID, conversationID, accountID string) (*entities.FlowExecution, error)
}

// JobStatus is one scheduled entry as seen by the admin surface.
type JobStatus struct {
	ID      string    `json:"id"`
	NextRun time.Time `json:"next_run"`
}

// Scheduler drives time-based work: cron triggers that start flow executions
// and one-shot timers for delayed campaign launches. Firings of the same
// trigger are serialized; a slow execution delays the next firing instead of
// overlapping it.
type Scheduler struct {
	flows  interfaces.FlowStore
	engine FlowStarter
	log    *logrus.Entry

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(flows interfaces.FlowStore, engine FlowStarter, logger *logrus.Logger) *Scheduler {
	cronLog := cron.PrintfLogger(logger.WithField("module", "scheduler"))
	return &Scheduler{
		flows:  flows,
		engine: engine,
		log:    logger.WithField("module", "scheduler"),
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.DelayIfStillRunning(cronLog),
		)),
		entries: make(map[string]cron.EntryID),
	}
}

// Initialize loads every active schedule trigger and starts the clock.
// Calling it again re-registers from the store; existing entries are replaced,
// not duplicated.
func (s *Scheduler) Initialize(ctx context.Context) error {
	triggers, err := s.flows.ListActiveScheduleTriggers(ctx)
	if err != nil {
		return err
	}
	for i := range triggers {
		if err := s.ScheduleJob(&triggers[i]); err != nil {
			s.log.WithField("trigger_id", triggers[i].ID).WithError(err).Error("skipping trigger with bad schedule")
		}
	}
	s.cron.Start()
	s.log.WithField("jobs", len(triggers)).Info("scheduler initialized")
	return nil
}

// ScheduleJob registers or replaces the cron entry for a trigger. The
// expression is validated before any existing entry is touched, so a bad
// update never unschedules a working job.
func (s *Scheduler) ScheduleJob(trigger *entities.FlowTrigger) error {
	if trigger.Type != entities.TriggerSchedule {
		return &entities.ValidationError{Reason: "trigger is not schedule-based"}
	}
	schedule, err := cron.ParseStandard(trigger.Cron)
	if err != nil {
		return &entities.ValidationError{Reason: "invalid cron expression: " + err.Error()}
	}

	t := *trigger
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[t.ID]; ok {
		s.cron.Remove(old)
	}
	s.entries[t.ID] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(&t)
	}))
	return nil
}

// RescheduleJob reloads the trigger from the store and applies its current
// state: inactive triggers are descheduled, active ones re-registered.
func (s *Scheduler) RescheduleJob(ctx context.Context, triggerID string) error {
	trigger, err := s.flows.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}
	if !trigger.IsActive {
		s.Cancel(triggerID)
		return nil
	}
	return s.ScheduleJob(trigger)
}

// Cancel removes the entry for the id if one exists.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

// ScheduleOneShot runs fn once at the given time and then removes itself.
// Times in the past fire on the next cron tick.
func (s *Scheduler) ScheduleOneShot(id string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
	}
	sched := &onceSchedule{at: at}
	s.entries[id] = s.cron.Schedule(sched, cron.FuncJob(func() {
		sched.markFired()
		s.Cancel(id)
		fn()
	}))
}

// Status snapshots the registered entries and their next run times.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for id, entryID := range s.entries {
		out = append(out, JobStatus{ID: id, NextRun: s.cron.Entry(entryID).Next})
	}
	return out
}

// StopAll stops the clock and waits for in-flight jobs to finish. Entries are
// kept so a later Start resumes them.
func (s *Scheduler) StopAll() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Start resumes the clock after StopAll.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// fire starts one execution for a schedule trigger. An already-active
// execution for the same conversation is normal overlap, logged and skipped.
func (s *Scheduler) fire(trigger *entities.FlowTrigger) {
	ctx := context.Background()
	log := s.log.WithFields(logrus.Fields{
		"trigger_id": trigger.ID,
		"flow_id":    trigger.FlowID,
	})

	_, err := s.engine.StartFlowExecution(ctx, trigger.FlowID, trigger.ConversationID, "")
	if err != nil {
		var conflict *entities.ConcurrencyConflict
		if errors.As(err, &conflict) {
			log.Debug("previous execution still active, skipping firing")
			return
		}
		log.WithError(err).Error("scheduled flow start failed")
		return
	}
	log.Info("scheduled flow execution started")
}

// onceSchedule fires at its timestamp and never again. Next is idempotent
// until the job has actually run: cron recomputes every entry's next time on
// each Start, and a pending one-shot must survive a stop/start cycle.
type onceSchedule struct {
	mu    sync.Mutex
	at    time.Time
	fired bool
}

func (o *onceSchedule) Next(t time.Time) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fired {
		return time.Time{}
	}
	if o.at.After(t) {
		return o.at
	}
	// Overdue, fire on the next tick.
	return t.Add(time.Second)
}

func (o *onceSchedule) markFired() {
	o.mu.Lock()
	o.fired = true
	o.mu.Unlock()
}
