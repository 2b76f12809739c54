// Package scheduler implements the periodic maintenance loop for DMCF.
//
// The scheduler is responsible for:
//   - Running a simple periodic tick (every second)
//   - Deciding which registered jobs are due based on their own period
//   - Running due jobs one after another, each bounded by its period
//   - Logging job failures without stopping the loop
//
// Jobs registered by the app:
//   - tracker sweep (evict behavior older than the retention window)
//   - decision cache purge (drop expired fused decisions)
//   - storage vacuum (apply history TTL / max items)
//
// None of these are correctness-critical: a delayed run only costs memory.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/logger"
)

// Job is one maintenance task.
type Job struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context, now time.Time) error
}

// Scheduler controls periodic maintenance jobs.
type Scheduler interface {
	// Register adds a job. Jobs with a non-positive period or nil Run are
	// ignored. Register must be called before Start.
	Register(job Job)

	// Start launches the scheduler loop in a background goroutine. It returns
	// immediately after successful start. The provided context is used only
	// for initialisation; cancellation should be signalled via Stop().
	Start(ctx context.Context) error

	// Stop requests the scheduler to stop and waits for the background loop
	// to exit. It is safe to call Stop() multiple times.
	Stop(ctx context.Context) error

	// RunDue runs every job whose period has elapsed at now. The loop calls it
	// on every tick; tests call it directly.
	RunDue(now time.Time) int
}

type jobState struct {
	job     Job
	lastRun time.Time
}

// schedulerImpl is the concrete implementation of Scheduler.
type schedulerImpl struct {
	clock clock.Clock

	// tickInterval controls how often we look for due jobs.
	tickInterval time.Duration
	ticker       clock.Ticker

	mutexForJobs sync.Mutex
	jobs         []*jobState

	startStopMutex sync.Mutex
	started        bool
	stopChannel    chan struct{}
	stoppedChannel chan struct{}
}

// NewScheduler creates a new Scheduler instance.
func NewScheduler(clk clock.Clock) Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &schedulerImpl{
		clock:          clk,
		tickInterval:   time.Second,
		stopChannel:    make(chan struct{}),
		stoppedChannel: make(chan struct{}),
	}
}

// Register implements Scheduler.Register.
func (schedulerInstance *schedulerImpl) Register(job Job) {
	if job.Period <= 0 || job.Run == nil {
		logger.SchedulerLog.Warnf("ignoring job %q with period=%s", job.Name, job.Period)
		return
	}

	schedulerInstance.mutexForJobs.Lock()
	defer schedulerInstance.mutexForJobs.Unlock()

	// first run happens one period after registration
	schedulerInstance.jobs = append(schedulerInstance.jobs, &jobState{
		job:     job,
		lastRun: schedulerInstance.clock.Now(),
	})
	logger.SchedulerLog.Debugf("registered job %q period=%s", job.Name, job.Period)
}

// Start implements Scheduler.Start.
func (schedulerInstance *schedulerImpl) Start(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if schedulerInstance.started {
		logger.SchedulerLog.Warn("Scheduler.Start called more than once; ignoring subsequent call")
		return nil
	}

	schedulerInstance.started = true

	schedulerInstance.ticker = schedulerInstance.clock.NewTicker(schedulerInstance.tickInterval)
	go schedulerInstance.runLoop()

	logger.SchedulerLog.Info("Scheduler started")
	return nil
}

// Stop implements Scheduler.Stop.
func (schedulerInstance *schedulerImpl) Stop(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if !schedulerInstance.started {
		return nil
	}

	select {
	case <-schedulerInstance.stopChannel:
		// Already closing or closed.
	default:
		close(schedulerInstance.stopChannel)
	}

	// Wait for the loop to exit or for the context to expire.
	select {
	case <-schedulerInstance.stoppedChannel:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.SchedulerLog.Info("Scheduler stopped")
	return nil
}

// runLoop executes the periodic scheduling logic until stopChannel is closed.
func (schedulerInstance *schedulerImpl) runLoop() {
	defer close(schedulerInstance.stoppedChannel)

	defer schedulerInstance.ticker.Stop()

	for {
		select {
		case <-schedulerInstance.stopChannel:
			return
		case <-schedulerInstance.ticker.C():
			schedulerInstance.RunDue(schedulerInstance.clock.Now())
		}
	}
}

// RunDue implements Scheduler.RunDue.
func (schedulerInstance *schedulerImpl) RunDue(now time.Time) int {
	schedulerInstance.mutexForJobs.Lock()
	due := make([]*jobState, 0, len(schedulerInstance.jobs))
	for _, state := range schedulerInstance.jobs {
		if now.Sub(state.lastRun) >= state.job.Period {
			state.lastRun = now
			due = append(due, state)
		}
	}
	schedulerInstance.mutexForJobs.Unlock()

	for _, state := range due {
		schedulerInstance.runJob(state.job, now)
	}
	return len(due)
}

func (schedulerInstance *schedulerImpl) runJob(job Job, now time.Time) {
	jobContext, cancel := context.WithTimeout(context.Background(), job.Period)
	defer cancel()

	startedAt := time.Now()
	if runError := job.Run(jobContext, now); runError != nil {
		logger.SchedulerLog.Errorf("job %q failed: %v", job.Name, runError)
		return
	}
	logger.SchedulerLog.Tracef("job %q finished in %s", job.Name, time.Since(startedAt))
}
