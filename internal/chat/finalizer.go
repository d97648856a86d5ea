package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yuexia/opinio/internal/telemetry"
)

// ReportJob asks the finalizer to generate the opinion report for one
// session. Topic and trait context are captured at scheduling time so
// the job does not depend on the triggering request.
type ReportJob struct {
	SessionID string
	Mode      Mode
	Topic     *Topic
	Trait     TraitProfile
}

// Finalizer runs report generation detached from the request that
// triggered it. Jobs go through a buffered queue consumed by worker
// goroutines; each job acquires its own store handle, re-checks the
// report-ready flag for idempotence and commits the report in one
// write. Failures are logged and leave the flag false so a later
// readiness signal can retry.
type Finalizer struct {
	open    StoreOpener
	analyst *Analyst
	tele    *telemetry.Telemetry
	logger  *log.Logger
	timeout time.Duration

	jobs chan ReportJob
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

// NewFinalizer starts the worker pool. workers <= 0 defaults to 1.
func NewFinalizer(open StoreOpener, analyst *Analyst, tele *telemetry.Telemetry, logger *log.Logger, workers int, timeout time.Duration) *Finalizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[FINALIZER] ", log.LstdFlags)
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	f := &Finalizer{
		open:     open,
		analyst:  analyst,
		tele:     tele,
		logger:   logger,
		timeout:  timeout,
		jobs:     make(chan ReportJob, 16),
		inflight: make(map[string]struct{}),
	}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Schedule enqueues a job without blocking the caller's turn. A job
// already queued or running for the same session is dropped, keeping
// at most one execution in flight per session. Returns whether the job
// was accepted.
func (f *Finalizer) Schedule(job ReportJob) bool {
	// The send happens under f.mu: Close closes the channel under the
	// same lock, so a shutdown can never race a send onto a closed
	// channel. The send is non-blocking, so holding the lock here is
	// cheap.
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, dup := f.inflight[job.SessionID]; dup {
		return false
	}
	select {
	case f.jobs <- job:
		f.inflight[job.SessionID] = struct{}{}
		return true
	default:
		f.logger.Printf("queue full, dropping report job session=%s", job.SessionID)
		return false
	}
}

// Close stops accepting jobs and waits for queued work to drain.
func (f *Finalizer) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.jobs)
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Finalizer) worker() {
	defer f.wg.Done()
	for job := range f.jobs {
		f.run(job)
		f.mu.Lock()
		delete(f.inflight, job.SessionID)
		f.mu.Unlock()
	}
}

// run executes one job. Context derives from Background, never from a
// request: request teardown must not cancel finalization.
func (f *Finalizer) run(job ReportJob) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Printf("panic in report job session=%s: %v", job.SessionID, r)
			f.tele.RecordFinalization(context.Canceled)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "chat.finalize_report",
		trace.WithAttributes(
			attribute.String("session.id", job.SessionID),
			attribute.String("mode", string(job.Mode)),
		))
	defer span.End()

	store, closeStore, err := f.open(ctx)
	if err != nil {
		f.logger.Printf("open store failed session=%s: %v", job.SessionID, err)
		span.RecordError(err)
		f.tele.RecordFinalization(err)
		return
	}
	defer closeStore()

	sess, ok, err := store.GetSession(ctx, job.SessionID)
	if err != nil {
		f.logger.Printf("load session failed session=%s: %v", job.SessionID, err)
		f.tele.RecordFinalization(err)
		return
	}
	if !ok {
		f.logger.Printf("session vanished session=%s", job.SessionID)
		return
	}
	// Idempotence: duplicate readiness signals across overlapping
	// turns must not produce a second report.
	if sess.ReportReady {
		return
	}

	history, err := store.ListMessages(ctx, job.SessionID)
	if err != nil {
		f.logger.Printf("load history failed session=%s: %v", job.SessionID, err)
		f.tele.RecordFinalization(err)
		return
	}

	report, err := f.analyst.FinalReport(ctx, history, job.Mode, job.Topic, job.Trait)
	if err != nil {
		f.logger.Printf("report generation failed session=%s: %v", job.SessionID, err)
		span.RecordError(err)
		f.tele.RecordFinalization(err)
		return
	}

	wrote, err := store.SetReport(ctx, job.SessionID, report)
	if err != nil {
		f.logger.Printf("report write failed session=%s: %v", job.SessionID, err)
		span.RecordError(err)
		f.tele.RecordFinalization(err)
		return
	}
	if !wrote {
		// Lost the race to a concurrent job; the persisted report wins.
		return
	}
	f.tele.RecordFinalization(nil)
	f.logger.Printf("report persisted session=%s bytes=%d", job.SessionID, len(report))
}
