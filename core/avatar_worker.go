package core

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// JobProcessor handles one queued job and reports its final status.
// A non-nil error means the job should be retried.
type JobProcessor interface {
	Process(ctx context.Context, jobID string) (string, error)
}

// AvatarWorker drains the avatar queue with a fixed number of goroutines.
type AvatarWorker struct {
	Queue     RedisClient
	Uploads   AvatarUploadRepository
	Processor JobProcessor
	State     *HeartbeatState

	Concurrency     int
	Visibility      time.Duration
	MaxRetries      int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
}

func (w *AvatarWorker) defaults() {
	if w.Concurrency <= 0 {
		w.Concurrency = 1
	}
	if w.Visibility <= 0 {
		w.Visibility = DefaultVisibilityTimeout
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 3
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.ReclaimInterval <= 0 {
		w.ReclaimInterval = 15 * time.Second
	}
}

// Run blocks until ctx is cancelled and every in-flight job has returned.
func (w *AvatarWorker) Run(ctx context.Context) {
	w.defaults()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.ReclaimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				w.reclaim(ctx, now)
			}
		}
	}()

	for i := 0; i < w.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for {
				if !w.next(ctx, slot) {
					return
				}
			}
		}(i + 1)
	}
	wg.Wait()
}

// next reserves and handles one job. It returns false once ctx is done.
func (w *AvatarWorker) next(ctx context.Context, slot int) bool {
	job, err := w.Queue.Reserve(ctx, PendingAvatarQueueKey, ProcessingAvatarQueueKey, w.Visibility)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		wait := w.PollInterval
		if !errors.Is(err, redis.Nil) {
			logrus.WithError(err).WithField("slot", slot).Warn("dequeue failed")
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}
	w.handle(ctx, slot, job)
	return true
}

func (w *AvatarWorker) handle(ctx context.Context, slot int, job string) {
	log := logrus.WithFields(logrus.Fields{"slot": slot, "job": job})
	if w.State != nil {
		w.State.JobStarted(job)
	}
	status, procErr := w.Processor.Process(ctx, job)

	if procErr != nil && ctx.Err() != nil {
		// Shutdown: leave the job in processing; the visibility timeout returns it to pending.
		log.WithError(procErr).Info("job interrupted by shutdown")
		if w.State != nil {
			w.State.JobFinished(job, "", nil)
		}
		return
	}

	if procErr != nil {
		w.retryOrFail(ctx, log, job, procErr)
	} else {
		log.WithField("status", status).Info("job finished")
	}

	if err := w.Queue.Ack(ctx, ProcessingAvatarQueueKey, job); err != nil {
		log.WithError(err).Error("ack failed")
	}
	if w.State != nil {
		w.State.JobFinished(job, status, procErr)
	}
}

func (w *AvatarWorker) retryOrFail(ctx context.Context, log *logrus.Entry, job string, procErr error) {
	id, err := strconv.ParseInt(job, 10, 64)
	if err != nil {
		log.WithError(err).Warn("dropping malformed job id")
		return
	}
	if errors.Is(procErr, ErrUploadNotPending) || errors.Is(procErr, ErrUploadNotFound) {
		log.Info("skip job: already handled")
		return
	}

	retries, err := w.Uploads.IncrementRetry(ctx, id)
	if err != nil {
		log.WithError(err).Error("increment retry failed")
	}
	if retries <= w.MaxRetries {
		if err := w.Uploads.MarkStatus(ctx, id, UploadPending); err != nil {
			log.WithError(err).Error("reset status failed")
		}
		if err := w.Queue.Enqueue(ctx, PendingAvatarQueueKey, job); err != nil {
			log.WithError(err).Error("re-enqueue failed")
			return
		}
		log.WithError(procErr).WithField("retry_count", retries).Warn("job retried")
		return
	}
	if err := w.Uploads.MarkFailed(ctx, id, UploadFailed, procErr.Error()); err != nil {
		log.WithError(err).Error("mark failed failed")
	}
	log.WithError(procErr).WithField("retry_count", retries).Error("job failed after retries")
}

// reclaim moves jobs whose visibility deadline passed back to pending. Only rows
// still in processing are touched; one that finished meanwhile is skipped by the processor.
func (w *AvatarWorker) reclaim(ctx context.Context, now time.Time) {
	jobs, err := w.Queue.RequeueExpired(ctx, ProcessingAvatarQueueKey, PendingAvatarQueueKey, now)
	if err != nil {
		if ctx.Err() == nil {
			logrus.WithError(err).Warn("requeue expired failed")
		}
		return
	}
	for _, job := range jobs {
		id, err := strconv.ParseInt(job, 10, 64)
		if err != nil {
			continue
		}
		log := logrus.WithField("job", job)
		status, retries, err := w.Uploads.ReclaimProcessing(ctx, id, w.MaxRetries, "processing timed out")
		switch {
		case errors.Is(err, ErrUploadNotPending):
			continue
		case err != nil:
			log.WithError(err).Warn("reclaim failed")
		case status == UploadFailed:
			log.WithField("retry_count", retries).Error("job failed after repeated timeouts")
		}
	}
	if len(jobs) > 0 {
		logrus.WithField("count", len(jobs)).Info("requeued expired jobs")
	}
}
