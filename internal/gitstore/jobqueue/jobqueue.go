// Package jobqueue serializes git plumbing side effects.
//
// A Queue runs a single consumer goroutine. Jobs execute strictly one at a
// time in submission order, except that a queued (not yet started) job whose
// dedup key matches another job still waiting behind it is dropped: both
// target the same end state, and only the outcome of the later submission
// matters. Unrelated jobs carry no key and never coalesce.
package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Errors reported by the queue.
var (
	// ErrClosed is returned when submitting to a closed queue.
	ErrClosed = errors.New("job queue closed")

	// ErrSuperseded reports that a keyed job was coalesced away by a later
	// submission sharing its key. The later job's outcome stands in for it.
	ErrSuperseded = errors.New("job superseded by later submission")
)

// Key identifies a dedup class for queued jobs. Keys must be scoped to the
// owning repository by the caller so that identical relative paths in two
// repositories never coalesce.
type Key string

// Job is a unit of work executed by the queue's worker.
type Job struct {
	key     *Key
	status  string
	run     func(ctx context.Context)
	dropped func()
}

// Queue is a single-worker job queue with dedup-key coalescing.
type Queue struct {
	mu     sync.Mutex
	jobs   chan Job
	closed atomic.Bool
	done   chan struct{}

	statusMu sync.Mutex
	current  string
	onStatus func()
}

// New creates a queue and starts its worker. The context cancels in-flight
// job bodies on shutdown; job bodies are responsible for honoring it.
func New(ctx context.Context) *Queue {
	q := &Queue{
		jobs: make(chan Job, 128),
		done: make(chan struct{}),
	}
	go q.work(ctx)
	return q
}

// Submit enqueues a job with no dedup key.
func (q *Queue) Submit(run func(ctx context.Context)) error {
	return q.submit(Job{run: run})
}

// SubmitKeyed enqueues a job under a dedup key.
func (q *Queue) SubmitKeyed(key Key, run func(ctx context.Context)) error {
	return q.submit(Job{key: &key, run: run})
}

// SubmitKeyedNotify enqueues a keyed job with a callback invoked instead of
// run when the job is coalesced away by a later submission of the same key.
func (q *Queue) SubmitKeyedNotify(key Key, run func(ctx context.Context), dropped func()) error {
	return q.submit(Job{key: &key, run: run, dropped: dropped})
}

// SubmitStatus enqueues a job carrying a human-readable status string shown
// while the job runs.
func (q *Queue) SubmitStatus(status string, run func(ctx context.Context)) error {
	return q.submit(Job{status: status, run: run})
}

// SetStatusNotify registers a callback invoked whenever the running job's
// status string changes, including when it clears.
func (q *Queue) SetStatusNotify(fn func()) {
	q.statusMu.Lock()
	q.onStatus = fn
	q.statusMu.Unlock()
}

// Status returns the status string of the currently running job. ok is false
// when the worker is idle or the running job carries no status.
func (q *Queue) Status() (string, bool) {
	q.statusMu.Lock()
	defer q.statusMu.Unlock()
	return q.current, q.current != ""
}

// setStatus records the running job's status and fires the notify callback
// on changes.
func (q *Queue) setStatus(status string) {
	q.statusMu.Lock()
	changed := q.current != status
	q.current = status
	fn := q.onStatus
	q.statusMu.Unlock()
	if changed && fn != nil {
		fn()
	}
}

func (q *Queue) submit(job Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrClosed
	}
	q.jobs <- job
	return nil
}

// Close stops accepting jobs and waits for the worker to drain.
func (q *Queue) Close() {
	if q.closed.Swap(true) {
		<-q.done
		return
	}
	q.mu.Lock()
	close(q.jobs)
	q.mu.Unlock()
	<-q.done
}

// work drains all currently available jobs into a FIFO, pops the front job,
// skips it when a later queued job shares its key, and otherwise runs it to
// completion before looking at the next one.
func (q *Queue) work(ctx context.Context) {
	defer close(q.done)

	var pending []Job
	for {
		// Drain everything already submitted.
	drain:
		for {
			select {
			case job, ok := <-q.jobs:
				if !ok {
					q.runRemaining(ctx, pending)
					return
				}
				pending = append(pending, job)
			default:
				break drain
			}
		}

		if len(pending) > 0 {
			job := pending[0]
			pending = pending[1:]
			if job.key != nil && hasKey(pending, *job.key) {
				if job.dropped != nil {
					job.dropped()
				}
				continue
			}
			q.runJob(ctx, job)
			continue
		}

		job, ok := <-q.jobs
		if !ok {
			return
		}
		pending = append(pending, job)
	}
}

// runRemaining executes the jobs left in the FIFO after the channel closes,
// applying the same dedup rule.
func (q *Queue) runRemaining(ctx context.Context, pending []Job) {
	for i, job := range pending {
		if job.key != nil && hasKey(pending[i+1:], *job.key) {
			if job.dropped != nil {
				job.dropped()
			}
			continue
		}
		q.runJob(ctx, job)
	}
}

// runJob executes one job, exposing its status string for the duration.
func (q *Queue) runJob(ctx context.Context, job Job) {
	if job.status != "" {
		q.setStatus(job.status)
		defer q.setStatus("")
	}
	job.run(ctx)
}

func hasKey(jobs []Job, key Key) bool {
	for _, other := range jobs {
		if other.key != nil && *other.key == key {
			return true
		}
	}
	return false
}
