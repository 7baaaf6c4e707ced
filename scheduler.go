package arborq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler submits a Spec on a cron schedule, the periodic-composite
// resubmission surface named but left unspecified by the core engine: a
// Chain or Group built fresh on each tick and handed to Queue.Submit.
//
// Schedulers are safe for concurrent use by multiple goroutines.
type Scheduler struct {
	queue  *Queue
	cron   *cron.Cron
	logger zerolog.Logger

	mu    sync.Mutex
	idmap map[string]cron.EntryID

	errHandler func(spec *Spec, err error)
}

// SchedulerOpts configures a Scheduler. The zero value is valid and uses
// UTC with no error handler.
type SchedulerOpts struct {
	Location   *time.Location
	Logger     zerolog.Logger
	ErrHandler func(spec *Spec, err error)
}

// NewScheduler returns a Scheduler that submits to queue.
func NewScheduler(queue *Queue, opts SchedulerOpts) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		queue:      queue,
		cron:       cron.New(cron.WithLocation(loc)),
		logger:     opts.Logger,
		idmap:      make(map[string]cron.EntryID),
		errHandler: opts.ErrHandler,
	}
}

// submitJob submits a fresh copy of spec to the queue each time cron
// fires it. buildSpec is called anew on every tick, so each firing
// submits a Spec built at that moment.
type submitJob struct {
	id        string
	cronspec  string
	buildSpec func() *Spec
	sched     *Scheduler
}

func (j *submitJob) Run() {
	spec := j.buildSpec()
	_, _, err := j.sched.queue.Submit(context.Background(), spec)
	if err != nil {
		j.sched.logger.Error().Err(err).Str("entry_id", j.id).Msg("scheduler: submit failed")
		if j.sched.errHandler != nil {
			j.sched.errHandler(spec, err)
		}
		return
	}
	j.sched.logger.Debug().Str("entry_id", j.id).Msg("scheduler: submitted")
}

// Register adds an entry that builds and submits a Spec on the given
// cron schedule. buildSpec is invoked once per firing, not once at
// registration time, so every submission gets its own task tree.
func (s *Scheduler) Register(cronspec string, buildSpec func() *Spec) (entryID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.idmap) + 1
	id := fmt.Sprintf("entry-%d", n)
	for _, taken := s.idmap[id]; taken; _, taken = s.idmap[id] {
		n++
		id = fmt.Sprintf("entry-%d", n)
	}
	job := &submitJob{id: id, cronspec: cronspec, buildSpec: buildSpec, sched: s}
	cronID, err := s.cron.AddJob(cronspec, job)
	if err != nil {
		return "", err
	}
	s.idmap[id] = cronID
	return id, nil
}

// Unregister removes a previously registered entry.
func (s *Scheduler) Unregister(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cronID, ok := s.idmap[entryID]
	if !ok {
		return fmt.Errorf("arborq: no scheduler entry %q", entryID)
	}
	delete(s.idmap, entryID)
	s.cron.Remove(cronID)
	return nil
}

// Start starts the scheduler's cron loop. Start does not block.
func (s *Scheduler) Start() {
	s.logger.Info().Msg("scheduler starting")
	s.cron.Start()
}

// Shutdown stops the cron loop and waits for any in-flight job to finish.
func (s *Scheduler) Shutdown() {
	s.logger.Info().Msg("scheduler shutting down")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

// Run starts the scheduler and blocks until SIGTERM or SIGINT.
func (s *Scheduler) Run() {
	s.Start()
	s.waitForSignals()
	s.Shutdown()
}
