package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tasker/internal/eventbus"
	logx "tasker/pkg/logx"
)

// Service fires registered jobs on their schedules.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	tz      string
	loc     *time.Location
	cron    *cron.Cron
	entries map[string]*entry

	// root parents every job context; Stop cancels it.
	root     context.Context
	stopRoot context.CancelFunc
	inflight sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	root, stop := context.WithCancel(context.Background())
	return &Service{
		log:      log,
		bus:      bus,
		tz:       strings.TrimSpace(cfg.Timezone),
		entries:  map[string]*entry{},
		root:     root,
		stopRoot: stop,
	}
}

// location resolves tz, falling back to UTC.
func location(tz string, log logx.Logger) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Apply swaps the config. A timezone change rebuilds the cron runner.
func (s *Service) Apply(cfg Config) {
	tz := strings.TrimSpace(cfg.Timezone)
	s.mu.Lock()
	defer s.mu.Unlock()
	if tz == s.tz {
		return
	}
	s.tz = tz
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.startCronLocked("service restarted")
	}
}

// Start begins triggering. Jobs run under ctx until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	if ctx != nil {
		s.stopRoot()
		s.root, s.stopRoot = context.WithCancel(ctx)
	}
	s.startCronLocked("service started")
}

func (s *Service) startCronLocked(msg string) {
	s.loc = location(s.tz, s.log)
	s.cron = cron.New(cron.WithLocation(s.loc))
	for _, e := range s.entries {
		s.registerLocked(e)
	}
	s.cron.Start()
	s.log.Info(msg, logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Stop halts triggering, cancels running jobs and waits for them until ctx
// ends.
func (s *Service) Stop(ctx context.Context) {
	began := time.Now()

	s.mu.Lock()
	c := s.cron
	s.cron = nil
	stop := s.stopRoot
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	stop()

	idle := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		s.log.Warn("jobs still running at shutdown", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(began)))
}
