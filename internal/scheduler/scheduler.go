package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"signoff/internal/domain"
)

// DefaultSweep is the recovery sweep used when none is configured.
const DefaultSweep = "@every 30s"

// Applier fires deferred auto-approvals. engine.Engine satisfies it.
type Applier interface {
	ApplyDeferred(ctx context.Context, id string) (bool, error)
	ApplyDueDeferred(ctx context.Context) (int, error)
	ScheduledDeferred(ctx context.Context) ([]domain.DeferredApproval, error)
}

// Scheduler arms one timer per deferred approval and runs a cron sweep that
// picks up rows whose timers were lost, for example across a restart.
type Scheduler struct {
	applier Applier
	sweep   string
	log     zerolog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	cron    *cron.Cron
	running bool
	stopped bool
}

func New(a Applier, sweep string, log zerolog.Logger) *Scheduler {
	if sweep == "" {
		sweep = DefaultSweep
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		applier: a,
		sweep:   sweep,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule arms a timer for d. Rows already due fire right away.
func (s *Scheduler) Schedule(d domain.DeferredApproval) {
	if d.Status != "" && d.Status != domain.DeferredScheduled {
		return
	}
	delay := time.Duration(0)
	if due, err := time.Parse(time.RFC3339, d.DueAt); err == nil {
		delay = due.Sub(s.now())
	} else {
		s.log.Warn().Err(err).Str("deferred", d.ID).Msg("unparseable due time, firing now")
	}
	if delay < 0 {
		delay = 0
	}
	id := d.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
}

// Cancel disarms the timers of the given rows.
func (s *Scheduler) Cancel(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	applied, err := s.applier.ApplyDeferred(s.ctx, id)
	if err != nil {
		s.log.Error().Err(err).Str("deferred", id).Msg("deferred approval failed")
		return
	}
	s.log.Debug().Str("deferred", id).Bool("applied", applied).Msg("deferred approval fired")
}

// Start re-arms every scheduled row and starts the recovery sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.sweep, s.runSweep); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cron = c
	s.running = true
	s.mu.Unlock()

	rows, err := s.applier.ScheduledDeferred(ctx)
	if err != nil {
		return err
	}
	for _, d := range rows {
		s.Schedule(d)
	}
	c.Start()
	s.log.Info().Int("armed", len(rows)).Str("sweep", s.sweep).Msg("scheduler started")
	return nil
}

func (s *Scheduler) runSweep() {
	s.wg.Add(1)
	defer s.wg.Done()
	n, err := s.applier.ApplyDueDeferred(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("deferred sweep failed")
	}
	if n > 0 {
		s.log.Info().Int("applied", n).Msg("deferred sweep applied approvals")
	}
}

// Stop halts the sweep, disarms timers and waits for running work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
}
