// Package scheduler runs background tasks according to user activity.
//
// Tasks wait in one FIFO heap per priority. The dispatcher starts the highest
// priority task that the current activity level allows, so a blocked lower
// priority never holds back a runnable higher one. Failed tasks are retried
// with exponential backoff and dropped after a bounded number of attempts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/hupe1980/loom/internal/queue"
	"github.com/hupe1980/loom/internal/resource"
	"github.com/hupe1980/loom/model"
)

// Options configures a Scheduler.
type Options struct {
	// Workers is the number of tasks that may run at once.
	Workers int

	// TasksPerSecond limits task starts. 0 means unlimited.
	TasksPerSecond float64

	// MaxRetries bounds re-executions of non urgent tasks.
	MaxRetries int

	// MaxUrgentRetries bounds immediate re-executions of urgent tasks.
	MaxUrgentRetries int

	// NewBackOff returns the retry schedule of one task.
	NewBackOff func() backoff.BackOff

	// PollInterval is how often the dispatcher re-reads the activity level
	// while nothing else wakes it.
	PollInterval time.Duration

	// Activity supplies the activity level. A detector on the wall clock is
	// created when nil.
	Activity *ActivityDetector

	// OnDone observes every finished execution.
	OnDone func(t *Task, elapsed time.Duration, err error)

	Logger *slog.Logger
}

// DefaultOptions contains the default scheduler options.
var DefaultOptions = Options{
	Workers:          2,
	MaxRetries:       3,
	MaxUrgentRetries: 3,
	PollInterval:     time.Second,
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

// Stats is a point in time view of the scheduler.
type Stats struct {
	Queued    map[Priority]int
	Running   int
	Completed uint64
	Failed    uint64
	Retried   uint64
	Dropped   uint64
	Level     Level
}

// Scheduler runs tasks on a bounded set of workers. It is safe for concurrent use.
type Scheduler struct {
	opts     Options
	logger   *slog.Logger
	activity *ActivityDetector
	rc       *resource.Controller

	hmu      sync.RWMutex
	handlers map[Kind]Handler

	mu       sync.Mutex
	queues   [numPriorities]*queue.Heap[*Task]
	seq      uint64
	backoffs map[string]backoff.BackOff
	timers   map[string]*time.Timer
	started  bool
	stopped  bool

	wake   chan struct{}
	cancel context.CancelFunc
	loop   sync.WaitGroup
	tasks  sync.WaitGroup

	running   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a stopped scheduler. Register handlers, then call Start.
func New(optFns ...func(o *Options)) *Scheduler {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions.PollInterval
	}
	if opts.Activity == nil {
		opts.Activity = NewActivityDetector()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Scheduler{
		opts:     opts,
		logger:   opts.Logger,
		activity: opts.Activity,
		rc: resource.NewController(resource.Config{
			MaxWorkers:     int64(opts.Workers),
			TasksPerSecond: opts.TasksPerSecond,
		}),
		handlers: make(map[Kind]Handler),
		backoffs: make(map[string]backoff.BackOff),
		timers:   make(map[string]*time.Timer),
		wake:     make(chan struct{}, 1),
	}
	for i := range s.queues {
		s.queues[i] = queue.NewHeap(func(a, b *Task) bool { return a.seq < b.seq })
	}
	return s
}

// Handle registers the handler for a task kind.
func (s *Scheduler) Handle(kind Kind, h Handler) {
	s.hmu.Lock()
	s.handlers[kind] = h
	s.hmu.Unlock()
}

func (s *Scheduler) handler(kind Kind) (Handler, bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// Activity returns the detector driving the scheduler.
func (s *Scheduler) Activity() *ActivityDetector { return s.activity }

// RecordActivity marks a user interaction.
func (s *Scheduler) RecordActivity() {
	s.activity.RecordActivity()
	s.Wake()
}

// SetLevel pins the activity level until the next RecordActivity.
func (s *Scheduler) SetLevel(l Level) {
	s.activity.SetLevel(l)
	s.Wake()
}

// Wake makes the dispatcher re-evaluate the queues.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit enqueues a task. It assigns an ID when empty.
func (s *Scheduler) Submit(t *Task) error {
	const op = "scheduler.Submit"
	if t == nil {
		return model.InvalidOperation(op, "nil task")
	}
	if int(t.Priority) >= numPriorities {
		return model.InvalidOperation(op, "unknown priority %d", t.Priority)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return model.InvalidOperation(op, "scheduler stopped")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	s.seq++
	t.seq = s.seq
	s.queues[t.Priority].Push(t)
	s.mu.Unlock()

	s.Wake()
	return nil
}

// Start launches the dispatcher. Calling it twice has no effect.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.loop.Add(1)
	go func() {
		defer s.loop.Done()
		s.dispatch(ctx)
	}()
}

// Stop rejects new tasks, stops the dispatcher and waits for running tasks
// until ctx is done. Queued tasks are discarded.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id, tm := range s.timers {
		tm.Stop()
		delete(s.timers, id)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loop.Wait()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: wait for running tasks: %w", ctx.Err())
	}
}

// Len returns the number of queued tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Queued:    make(map[Priority]int, numPriorities),
		Running:   int(s.running.Load()),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Dropped:   s.dropped.Load(),
		Level:     s.activity.Level(),
	}
	s.mu.Lock()
	for _, p := range Priorities {
		st.Queued[p] = s.queues[p].Len()
	}
	s.mu.Unlock()
	return st
}

// next pops the oldest task of the highest priority runnable at the current level.
func (s *Scheduler) next() *Task {
	level := s.activity.Level()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range Priorities {
		if !Runnable(p, level) {
			continue
		}
		if t, ok := s.queues[p].Pop(); ok {
			return t
		}
	}
	return nil
}

func (s *Scheduler) requeue(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, t.ID)
	if s.stopped {
		return false
	}
	s.queues[t.Priority].Push(t)
	return true
}

func (s *Scheduler) dispatch(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.rc.AcquireWorker(ctx); err != nil {
			return
		}
		t := s.next()
		if t == nil {
			s.rc.ReleaseWorker()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-ticker.C:
			}
			continue
		}
		if err := s.rc.WaitTask(ctx); err != nil {
			s.rc.ReleaseWorker()
			s.requeue(t)
			return
		}

		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			defer s.rc.ReleaseWorker()
			s.running.Add(1)
			defer s.running.Add(-1)
			// Running tasks outlive Stop; their writes are guarded by existence checks.
			s.run(context.WithoutCancel(ctx), t)
			s.Wake()
		}()
	}
}

func (s *Scheduler) run(ctx context.Context, t *Task) {
	h, ok := s.handler(t.Kind)
	if !ok {
		s.drop(ctx, t, fmt.Errorf("no handler for %s", t.Kind))
		return
	}

	t.Attempts++
	start := time.Now()
	err := invoke(ctx, h, t)
	if s.opts.OnDone != nil {
		s.opts.OnDone(t, time.Since(start), err)
	}
	if err == nil {
		s.completed.Add(1)
		s.forget(t)
		s.logger.DebugContext(ctx, "task done", "id", t.ID, "kind", t.Kind, "attempts", t.Attempts)
		return
	}

	s.failed.Add(1)
	switch {
	case IsPermanent(err):
		s.drop(ctx, t, err)
	case t.Priority == Urgent:
		if t.Attempts > s.opts.MaxUrgentRetries {
			s.drop(ctx, t, err)
			return
		}
		s.retried.Add(1)
		if !s.requeue(t) {
			s.drop(ctx, t, err)
		}
	default:
		if t.Attempts > s.opts.MaxRetries {
			s.drop(ctx, t, err)
			return
		}
		s.retryLater(ctx, t, err)
	}
}

func (s *Scheduler) retryLater(ctx context.Context, t *Task, cause error) {
	s.mu.Lock()
	b, ok := s.backoffs[t.ID]
	if !ok {
		b = s.opts.NewBackOff()
		s.backoffs[t.ID] = b
	}
	delay := b.NextBackOff()
	if delay == backoff.Stop || s.stopped {
		s.mu.Unlock()
		s.drop(ctx, t, cause)
		return
	}
	s.retried.Add(1)
	s.timers[t.ID] = time.AfterFunc(delay, func() {
		if s.requeue(t) {
			s.Wake()
		}
	})
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "task retry scheduled", "id", t.ID, "kind", t.Kind, "attempts", t.Attempts, "delay", delay, "error", cause)
}

func (s *Scheduler) drop(ctx context.Context, t *Task, cause error) {
	s.dropped.Add(1)
	s.forget(t)
	s.logger.WarnContext(ctx, "task dropped",
		"id", t.ID, "kind", t.Kind, "priority", t.Priority, "target", t.Target,
		"attempts", t.Attempts, "error", cause)
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.backoffs, t.ID)
	s.mu.Unlock()
}

func invoke(ctx context.Context, h Handler, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v\n%s", t.Kind, r, debug.Stack())
		}
	}()
	return h(ctx, t)
}
