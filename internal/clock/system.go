package clock

import (
	"context"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// System is the wall-clock Scheduler. One-shot timers use time.AfterFunc;
// periodic jobs run on a robfig/cron instance. cron's constant-delay schedule
// rounds intervals below one second up to one second.
type System struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cron    *rcron.Cron
	stopped bool
}

func NewSystem(logger zerolog.Logger) *System {
	s := &System{
		logger: logger.With().Str("component", "clock").Logger(),
		cron:   rcron.New(),
	}
	s.cron.Start()
	return s
}

func (s *System) Now() time.Time { return time.Now() }

func (s *System) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func (s *System) Every(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return stoppedTimer{}
	}
	id := s.cron.Schedule(rcron.Every(d), rcron.FuncJob(fn))
	s.logger.Debug().Dur("interval", d).Int("entry", int(id)).Msg("periodic job registered")
	return &cronTimer{sys: s, id: id}
}

// Stop halts the cron runner and waits up to five seconds for running jobs.
func (s *System) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("stop timeout waiting for running jobs")
	}
}

type cronTimer struct {
	sys  *System
	once sync.Once
	id   rcron.EntryID
}

func (t *cronTimer) Stop() bool {
	removed := false
	t.once.Do(func() {
		t.sys.cron.Remove(t.id)
		removed = true
	})
	return removed
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return false }
