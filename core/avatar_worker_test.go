package core

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processFunc func(ctx context.Context, jobID string) (string, error)

func (f processFunc) Process(ctx context.Context, jobID string) (string, error) { return f(ctx, jobID) }

type workerFixture struct {
	mr      *miniredis.Miniredis
	queue   *RedisQueue
	uploads *memUploadRepo
	state   *HeartbeatState
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &workerFixture{
		mr:      mr,
		queue:   NewRedisQueue(client),
		uploads: newMemUploadRepo(),
		state:   NewHeartbeatState("w1", "host", 1),
	}
}

func (f *workerFixture) worker(p JobProcessor) *AvatarWorker {
	w := &AvatarWorker{Queue: f.queue, Uploads: f.uploads, Processor: p, State: f.state, MaxRetries: 2}
	w.defaults()
	return w
}

// reserve queues a fresh upload and moves it to processing, as the loop would.
func (f *workerFixture) reserve(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.uploads.Create(ctx, 1, "/nonexistent")
	require.NoError(t, err)
	job := strconv.FormatInt(id, 10)
	require.NoError(t, f.queue.Enqueue(ctx, PendingAvatarQueueKey, job))
	got, err := f.queue.Reserve(ctx, PendingAvatarQueueKey, ProcessingAvatarQueueKey, time.Minute)
	require.NoError(t, err)
	require.Equal(t, job, got)
	return job
}

func (f *workerFixture) pending(t *testing.T) []string {
	t.Helper()
	if !f.mr.Exists(PendingAvatarQueueKey) {
		return nil
	}
	l, err := f.mr.List(PendingAvatarQueueKey)
	require.NoError(t, err)
	return l
}

func (f *workerFixture) processing(t *testing.T) []string {
	t.Helper()
	if !f.mr.Exists(ProcessingAvatarQueueKey) {
		return nil
	}
	m, err := f.mr.ZMembers(ProcessingAvatarQueueKey)
	require.NoError(t, err)
	return m
}

func TestWorkerRetriesThenFails(t *testing.T) {
	f := newWorkerFixture(t)
	boom := errors.New("disk full")
	w := f.worker(processFunc(func(context.Context, string) (string, error) { return "", boom }))
	ctx := context.Background()
	job := f.reserve(t)
	id, _ := strconv.ParseInt(job, 10, 64)

	for attempt := 1; attempt <= 2; attempt++ {
		w.handle(ctx, 1, job)
		up := f.uploads.find(id)
		assert.Equal(t, UploadPending, up.Status)
		assert.Equal(t, attempt, up.RetryCount)
		assert.Equal(t, []string{job}, f.pending(t))
		assert.Empty(t, f.processing(t))

		got, err := f.queue.Reserve(ctx, PendingAvatarQueueKey, ProcessingAvatarQueueKey, time.Minute)
		require.NoError(t, err)
		require.Equal(t, job, got)
	}

	w.handle(ctx, 1, job)
	up := f.uploads.find(id)
	assert.Equal(t, UploadFailed, up.Status)
	assert.Equal(t, "disk full", up.ErrorMessage)
	assert.Empty(t, f.pending(t))
	assert.Empty(t, f.processing(t))

	hb := f.state.Snapshot()
	assert.Equal(t, int64(3), hb.ProcessedTotal)
	assert.Equal(t, int64(3), hb.FailedTotal)
	assert.Equal(t, "disk full", hb.LastError)
	assert.Equal(t, "idle", hb.Status)
}

func TestWorkerSkipsAlreadyHandledJobs(t *testing.T) {
	for _, procErr := range []error{ErrUploadNotPending, ErrUploadNotFound} {
		t.Run(procErr.Error(), func(t *testing.T) {
			f := newWorkerFixture(t)
			w := f.worker(processFunc(func(context.Context, string) (string, error) { return "", procErr }))
			job := f.reserve(t)
			id, _ := strconv.ParseInt(job, 10, 64)

			w.handle(context.Background(), 1, job)

			assert.Zero(t, f.uploads.find(id).RetryCount)
			assert.Empty(t, f.pending(t))
			assert.Empty(t, f.processing(t))
		})
	}
}

func TestWorkerCountsOutcomes(t *testing.T) {
	f := newWorkerFixture(t)
	statuses := []string{UploadDone, UploadRejected, UploadFailed}
	i := 0
	w := f.worker(processFunc(func(context.Context, string) (string, error) {
		s := statuses[i]
		i++
		return s, nil
	}))
	for range statuses {
		w.handle(context.Background(), 1, f.reserve(t))
	}

	hb := f.state.Snapshot()
	assert.Equal(t, int64(3), hb.ProcessedTotal)
	assert.Equal(t, int64(1), hb.RejectedTotal)
	assert.Equal(t, int64(1), hb.FailedTotal)
	assert.Empty(t, f.processing(t))
}

func TestWorkerLeavesJobOnShutdown(t *testing.T) {
	f := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := f.worker(processFunc(func(ctx context.Context, _ string) (string, error) {
		cancel()
		return "", ctx.Err()
	}))
	job := f.reserve(t)
	id, _ := strconv.ParseInt(job, 10, 64)

	w.handle(ctx, 1, job)

	assert.Equal(t, []string{job}, f.processing(t))
	assert.Zero(t, f.uploads.find(id).RetryCount)
	assert.Zero(t, f.state.Snapshot().FailedTotal)
}

func TestWorkerReclaimExpired(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	id, err := f.uploads.Create(ctx, 1, "/nonexistent")
	require.NoError(t, err)
	_, err = f.uploads.AcquirePending(ctx, id)
	require.NoError(t, err)
	job := strconv.FormatInt(id, 10)
	require.NoError(t, f.queue.Enqueue(ctx, PendingAvatarQueueKey, job))
	_, err = f.queue.Reserve(ctx, PendingAvatarQueueKey, ProcessingAvatarQueueKey, time.Second)
	require.NoError(t, err)

	w := f.worker(processFunc(func(context.Context, string) (string, error) { return UploadDone, nil }))

	w.reclaim(ctx, time.Now())
	assert.Equal(t, []string{job}, f.processing(t), "deadline not reached yet")

	w.reclaim(ctx, time.Now().Add(2*time.Second))
	assert.Empty(t, f.processing(t))
	assert.Equal(t, []string{job}, f.pending(t))
	up := f.uploads.find(id)
	assert.Equal(t, UploadPending, up.Status)
	assert.Equal(t, 1, up.RetryCount)
}

// expire reserves an acquired upload with a short deadline and returns its job id.
func (f *workerFixture) expire(t *testing.T, id int64) string {
	t.Helper()
	ctx := context.Background()
	job := strconv.FormatInt(id, 10)
	require.NoError(t, f.queue.Enqueue(ctx, PendingAvatarQueueKey, job))
	_, err := f.queue.Reserve(ctx, PendingAvatarQueueKey, ProcessingAvatarQueueKey, time.Second)
	require.NoError(t, err)
	return job
}

func TestWorkerReclaimFailsAfterMaxRetries(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	id, err := f.uploads.Create(ctx, 1, "/nonexistent")
	require.NoError(t, err)
	w := f.worker(processFunc(func(context.Context, string) (string, error) { return UploadDone, nil }))

	for round := 1; round <= 3; round++ {
		_, err = f.uploads.AcquirePending(ctx, id)
		require.NoError(t, err, "round %d", round)
		f.expire(t, id)
		w.reclaim(ctx, time.Now().Add(2*time.Second))
		f.mr.Del(PendingAvatarQueueKey)
		if round <= w.MaxRetries {
			assert.Equal(t, UploadPending, f.uploads.find(id).Status)
		}
	}

	up := f.uploads.find(id)
	assert.Equal(t, UploadFailed, up.Status)
	assert.Equal(t, 3, up.RetryCount)
	assert.Equal(t, "processing timed out", up.ErrorMessage)
}

func TestWorkerReclaimLeavesFinishedJobs(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	id, err := f.uploads.Create(ctx, 1, "/nonexistent")
	require.NoError(t, err)
	_, err = f.uploads.AcquirePending(ctx, id)
	require.NoError(t, err)
	job := f.expire(t, id)
	// Finished after the deadline but before the ack.
	require.NoError(t, f.uploads.MarkDone(ctx, id))

	w := f.worker(processFunc(func(context.Context, string) (string, error) { return "", ErrUploadNotPending }))
	w.reclaim(ctx, time.Now().Add(2*time.Second))

	up := f.uploads.find(id)
	assert.Equal(t, UploadDone, up.Status)
	assert.Zero(t, up.RetryCount)

	// The requeued copy is skipped without side effects.
	got, err := f.queue.Reserve(ctx, PendingAvatarQueueKey, ProcessingAvatarQueueKey, time.Minute)
	require.NoError(t, err)
	w.handle(ctx, 1, got)
	assert.Equal(t, job, got)
	assert.Equal(t, UploadDone, f.uploads.find(id).Status)
	assert.Empty(t, f.processing(t))
}

func TestWorkerRunProcessesQueue(t *testing.T) {
	f := newWorkerFixture(t)
	users := newMemUserRepo()
	userID, err := users.Create(context.Background(), "alice", "x", RoleUser)
	require.NoError(t, err)

	intake := NewAvatarIntake(f.uploads, f.queue, t.TempDir(), 64<<10)
	var ids []int64
	for i := 0; i < 3; i++ {
		data := pngBytes(t, 20+i, 20)
		id, err := intake.Accept(context.Background(), userID, bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	avatarDir := filepath.Join(t.TempDir(), "avatars")
	w := &AvatarWorker{
		Queue:        f.queue,
		Uploads:      f.uploads,
		Processor:    NewAvatarProcessor(f.uploads, users, avatarDir, 16),
		State:        f.state,
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	// ProcessedTotal moves after the ack, so every job has left processing once it reads 3.
	require.Eventually(t, func() bool {
		return f.state.Snapshot().ProcessedTotal == 3
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, UploadDone, f.uploads.find(id).Status)
	}
	assert.Empty(t, f.pending(t))
	assert.Empty(t, f.processing(t))
	u, _ := users.FindByID(context.Background(), userID)
	assert.FileExists(t, filepath.Join(avatarDir, u.AvatarPath))
}
