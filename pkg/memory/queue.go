package memory

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity. New
// work is rejected rather than evicting queued work, so callers can retry
// with backoff.
var ErrQueueFull = stderrors.New("extraction queue is full")

// ExtractionJob identifies one extraction run to perform.
type ExtractionJob struct {
	UserID    string
	SessionID string
}

/*
ExtractionQueue runs extraction jobs on a single background worker with a
bounded buffer. Serializing runs through one worker keeps merge-or-create
free of cross-batch races for the same user.
*/
type ExtractionQueue struct {
	pipeline *ExtractionPipeline
	jobs     chan ExtractionJob
	stop     chan struct{}
	wg       sync.WaitGroup
	timeout  time.Duration
}

func NewExtractionQueue(pipeline *ExtractionPipeline, size int) *ExtractionQueue {
	if size <= 0 {
		size = 64
	}

	queue := &ExtractionQueue{
		pipeline: pipeline,
		jobs:     make(chan ExtractionJob, size),
		stop:     make(chan struct{}),
		timeout:  2 * time.Minute,
	}

	queue.wg.Add(1)
	go queue.run()

	return queue
}

// Enqueue submits a job without blocking. Returns ErrQueueFull when the
// buffer has no room.
func (q *ExtractionQueue) Enqueue(job ExtractionJob) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports how many jobs are waiting.
func (q *ExtractionQueue) Pending() int {
	return len(q.jobs)
}

// Stop drains nothing further and waits for the in-flight job to finish.
func (q *ExtractionQueue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

func (q *ExtractionQueue) run() {
	defer q.wg.Done()

	for {
		select {
		case job := <-q.jobs:
			q.process(job)
		case <-q.stop:
			return
		}
	}
}

func (q *ExtractionQueue) process(job ExtractionJob) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	stats, err := q.pipeline.Run(ctx, job.UserID, job.SessionID)
	if err != nil {
		log.Error("extraction job failed",
			"userId", job.UserID, "sessionId", job.SessionID, "error", err)
		return
	}

	log.Info("extraction job finished",
		"userId", job.UserID,
		"processed", stats.Processed,
		"created", stats.Created,
		"merged", stats.Merged,
		"skipped", stats.Skipped,
		"failures", stats.Failures,
		"duration", stats.Duration)
}
