package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is the function signature for scheduled tasks.
type TaskFn func()

// Scheduler runs named periodic and one-shot background tasks. Tasks
// are identified by name; registering a name again replaces the old
// task. A panicking task is logged and skipped, never fatal.
type Scheduler struct {
	mu       sync.Mutex
	periodic map[string]*periodicTask
	oneShots map[string]*time.Timer
	logger   *zap.Logger
	done     chan struct{}
}

type periodicTask struct {
	ticker *time.Ticker
	cancel chan struct{}
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		periodic: make(map[string]*periodicTask),
		oneShots: make(map[string]*time.Timer),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// AddTicker registers fn to run on a fixed interval under the given
// name, replacing any task already registered under it.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.periodic[name]; ok {
		close(old.cancel)
		delete(s.periodic, name)
	}

	task := &periodicTask{
		ticker: time.NewTicker(interval),
		cancel: make(chan struct{}),
	}
	s.periodic[name] = task

	go s.runPeriodic(name, task, fn)
	s.logger.Info("periodic task scheduled",
		zap.String("name", name),
		zap.Duration("interval", interval))
}

func (s *Scheduler) runPeriodic(name string, task *periodicTask, fn TaskFn) {
	defer task.ticker.Stop()
	for {
		select {
		case <-task.ticker.C:
			s.runGuarded(name, fn)
		case <-task.cancel:
			return
		case <-s.done:
			return
		}
	}
}

// runGuarded invokes fn, turning a panic into an error log so one bad
// run never kills the ticker goroutine.
func (s *Scheduler) runGuarded(name string, fn TaskFn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				zap.String("name", name),
				zap.Any("recover", r))
		}
	}()
	fn()
}

// AddDelay runs fn once after the given delay.
func (s *Scheduler) AddDelay(name string, delay time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.oneShots[name]; ok {
		old.Stop()
	}
	s.oneShots[name] = time.AfterFunc(delay, func() {
		defer func() {
			s.mu.Lock()
			delete(s.oneShots, name)
			s.mu.Unlock()
		}()
		s.runGuarded(name, fn)
	})
}

// Remove stops and forgets the named task, periodic or one-shot.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.periodic[name]; ok {
		close(task.cancel)
		delete(s.periodic, name)
	}
	if timer, ok := s.oneShots[name]; ok {
		timer.Stop()
		delete(s.oneShots, name)
	}
}

// Stop shuts down every task. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// ListTickers returns the names of the registered periodic tasks.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.periodic))
	for name := range s.periodic {
		names = append(names, name)
	}
	return names
}
