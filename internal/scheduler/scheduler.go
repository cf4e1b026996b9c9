// Package scheduler runs recurring background jobs (broker report pulls,
// statistics snapshots) on cron schedules. Each firing gets a synthesized
// correlation id and start/completion audit events; a job never runs
// concurrently with itself.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/correlation"
)

// AuditSink is the slice of the audit store the scheduler needs.
type AuditSink interface {
	Append(create audit.EventCreate) (*audit.Event, error)
}

// JobFunc is one schedulable unit of work.
type JobFunc func(ctx context.Context) error

// InvalidScheduleError is returned when a cron expression cannot be
// parsed at registration time. The scheduler itself keeps running.
type InvalidScheduleError struct {
	JobID string
	Expr  string
	Err   error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q for job %s: %v", e.Expr, e.JobID, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

type job struct {
	id      string
	expr    string
	run     JobFunc
	entryID cron.EntryID

	running  int32
	runs     int64
	failures int64
	skips    int64
}

// Scheduler wraps a cron runner that accepts both 5-field and 6-field
// (leading seconds) expressions.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	sink   AuditSink
	now    func() time.Time
	logger *log.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New builds a scheduler over the audit sink. Schedules are interpreted
// in UTC.
func New(sink AuditSink) *Scheduler {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		parser: parser,
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		jobs:   make(map[string]*job),
	}
}

// SetClock overrides the correlation-id timestamp source for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Register adds a job under the given cron expression. Malformed
// expressions and duplicate job ids are refused with a typed error; the
// scheduler is unaffected.
func (s *Scheduler) Register(jobID, expr string, run JobFunc) error {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return &InvalidScheduleError{JobID: jobID, Expr: expr, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[jobID]; exists {
		return &InvalidScheduleError{JobID: jobID, Expr: expr,
			Err: fmt.Errorf("job %s already registered", jobID)}
	}

	j := &job{id: jobID, expr: expr, run: run}
	j.entryID = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.execute(j)
	}))
	s.jobs[jobID] = j
	s.logger.Printf("registered job %s (%s)", jobID, expr)
	return nil
}

// execute runs one firing. A firing is skipped, not queued, when the
// previous one has not finished.
func (s *Scheduler) execute(j *job) error {
	if !atomic.CompareAndSwapInt32(&j.running, 0, 1) {
		atomic.AddInt64(&j.skips, 1)
		s.logger.Printf("job %s still running, skipping this firing", j.id)
		return nil
	}
	defer atomic.StoreInt32(&j.running, 0)
	atomic.AddInt64(&j.runs, 1)

	corrID := fmt.Sprintf("scheduled-%s-%d", j.id, s.now().Unix())
	ctx := correlation.WithID(context.Background(), corrID)

	if _, err := s.sink.Append(audit.EventCreate{
		EventType:     audit.EventScheduledReportStarted,
		CorrelationID: corrID,
		Data: map[string]interface{}{
			"job_id":   j.id,
			"schedule": j.expr,
		},
	}); err != nil {
		s.logger.Printf("failed to audit start of job %s: %v", j.id, err)
	}

	start := s.now()
	err := j.run(ctx)
	if err != nil {
		atomic.AddInt64(&j.failures, 1)
		s.logger.Printf("job %s failed: %v", j.id, err)
		if _, aerr := s.sink.Append(audit.EventCreate{
			EventType:     audit.EventScheduledReportFailed,
			CorrelationID: corrID,
			Data: map[string]interface{}{
				"job_id": j.id,
				"error":  err.Error(),
			},
		}); aerr != nil {
			s.logger.Printf("failed to audit failure of job %s: %v", j.id, aerr)
		}
		return err
	}

	if _, aerr := s.sink.Append(audit.EventCreate{
		EventType:     audit.EventScheduledReportCompleted,
		CorrelationID: corrID,
		Data: map[string]interface{}{
			"job_id":      j.id,
			"duration_ms": s.now().Sub(start).Milliseconds(),
		},
	}); aerr != nil {
		s.logger.Printf("failed to audit completion of job %s: %v", j.id, aerr)
	}
	return nil
}

// RunNow fires a registered job immediately, outside its schedule. Used
// by operator endpoints and tests. Returns the job's error, or nil when
// the firing was skipped because the job is already running.
func (s *Scheduler) RunNow(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %s", jobID)
	}
	return s.execute(j)
}

// Start begins firing schedules in the background. Idempotent.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Printf("started with %d jobs", len(s.jobs))
}

// Stop halts scheduling and waits for in-flight jobs to finish, up to
// the given timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
		s.logger.Printf("stop timed out after %s with jobs still running", timeout)
	}
}

// Stats returns per-job run counters and next fire times.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make(map[string]interface{}, len(s.jobs))
	for id, j := range s.jobs {
		entry := s.cron.Entry(j.entryID)
		info := map[string]interface{}{
			"schedule": j.expr,
			"runs":     atomic.LoadInt64(&j.runs),
			"failures": atomic.LoadInt64(&j.failures),
			"skips":    atomic.LoadInt64(&j.skips),
		}
		if !entry.Next.IsZero() {
			info["next_run"] = entry.Next.UTC().Format(time.RFC3339)
		}
		jobs[id] = info
	}
	return map[string]interface{}{
		"job_count": len(s.jobs),
		"jobs":      jobs,
	}
}
