// Package dispatch provides a single-goroutine task runner. All tasks
// posted to a Runner execute serially in posting order, which lets callers
// share mutable state across callbacks without locks.
package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Runner executes posted tasks one at a time on a dedicated goroutine.
type Runner struct {
	name      string
	taskQueue chan func()
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}

	postedTasks    uint64
	completedTasks uint64
	rejectedTasks  uint64
}

// Config holds runner configuration
type Config struct {
	Name      string
	QueueSize int
	Logger    *zap.Logger
}

// NewRunner creates and starts a runner.
func NewRunner(cfg *Config) *Runner {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Runner{
		name:      cfg.Name,
		taskQueue: make(chan func(), cfg.QueueSize),
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
		timers:    make(map[*time.Timer]struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

func (r *Runner) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopChan:
			return
		case task := <-r.taskQueue:
			r.execute(task)
		}
	}
}

func (r *Runner) execute(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Task panic recovered",
				zap.String("runner", r.name),
				zap.Any("panic", rec))
		}
	}()
	task()
	atomic.AddUint64(&r.completedTasks, 1)
}

// Post queues a task for execution. Returns an error if the runner is
// stopped or the queue is full.
func (r *Runner) Post(task func()) error {
	select {
	case <-r.stopChan:
		atomic.AddUint64(&r.rejectedTasks, 1)
		return fmt.Errorf("runner '%s' is stopped", r.name)
	default:
	}

	select {
	case r.taskQueue <- task:
		atomic.AddUint64(&r.postedTasks, 1)
		return nil
	default:
		atomic.AddUint64(&r.rejectedTasks, 1)
		return fmt.Errorf("runner '%s' queue is full", r.name)
	}
}

// PostDelayed queues a task for execution after the given delay. The task
// is dropped if the runner stops before the delay elapses.
func (r *Runner) PostDelayed(delay time.Duration, task func()) {
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		r.timerMu.Lock()
		delete(r.timers, timer)
		r.timerMu.Unlock()
		if err := r.Post(task); err != nil {
			r.logger.Debug("Delayed task dropped",
				zap.String("runner", r.name),
				zap.Error(err))
		}
	})
	r.timerMu.Lock()
	r.timers[timer] = struct{}{}
	r.timerMu.Unlock()
}

// Stop drains nothing: queued tasks that have not started are discarded,
// pending timers are cancelled, and the call waits for an in-flight task
// to finish, up to the timeout.
func (r *Runner) Stop(timeout time.Duration) error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopChan)

		r.timerMu.Lock()
		for timer := range r.timers {
			timer.Stop()
		}
		r.timers = make(map[*time.Timer]struct{})
		r.timerMu.Unlock()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.logger.Debug("Runner stopped", zap.String("runner", r.name))
		case <-time.After(timeout):
			err = fmt.Errorf("runner '%s' stop timeout after %v", r.name, timeout)
		}
	})
	return err
}

// Stats returns counters for observability.
func (r *Runner) Stats() (posted, completed, rejected uint64) {
	return atomic.LoadUint64(&r.postedTasks),
		atomic.LoadUint64(&r.completedTasks),
		atomic.LoadUint64(&r.rejectedTasks)
}
