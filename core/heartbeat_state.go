package core

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const heartbeatInterval = 5 * time.Second

// HeartbeatState aggregates the counters of one worker process.
type HeartbeatState struct {
	mu      sync.Mutex
	hb      WorkerHeartbeat
	running map[string]time.Time
}

func NewHeartbeatState(workerID, hostname string, concurrency int) *HeartbeatState {
	now := time.Now()
	return &HeartbeatState{
		hb: WorkerHeartbeat{
			WorkerID:    workerID,
			Hostname:    hostname,
			PID:         os.Getpid(),
			Concurrency: concurrency,
			Status:      "starting",
			StartedAt:   now,
			UpdatedAt:   now,
			RunningJobs: []string{},
		},
		running: make(map[string]time.Time),
	}
}

// Start publishes the heartbeat immediately and then every few seconds until ctx is done.
func (s *HeartbeatState) Start(ctx context.Context, client RedisClientRaw) {
	s.mu.Lock()
	if s.hb.Status == "starting" {
		s.hb.Status = "idle"
	}
	s.mu.Unlock()

	s.flush(ctx, client)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx, client)
		}
	}
}

// JobStarted records a running job and marks the worker busy.
func (s *HeartbeatState) JobStarted(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hb.Status = "busy"
	s.running[job] = time.Now()
	s.updateRunningFieldsLocked()
}

// JobFinished updates the counters once a job has been handled.
func (s *HeartbeatState) JobFinished(job, status string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, job)
	s.hb.ProcessedTotal++
	switch {
	case err != nil:
		s.hb.FailedTotal++
		s.hb.LastError = err.Error()
	case status == UploadRejected:
		s.hb.RejectedTotal++
	case status == UploadFailed:
		s.hb.FailedTotal++
	}
	if len(s.running) == 0 {
		s.hb.Status = "idle"
	} else {
		s.hb.Status = "busy"
	}
	s.updateRunningFieldsLocked()
}

// Snapshot returns a copy of the current heartbeat.
func (s *HeartbeatState) Snapshot() WorkerHeartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb := s.hb
	hb.RunningJobs = append([]string(nil), s.hb.RunningJobs...)
	return hb
}

// updateRunningFieldsLocked lists up to three running jobs, oldest first.
func (s *HeartbeatState) updateRunningFieldsLocked() {
	jobs := make([]string, 0, len(s.running))
	for job := range s.running {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return s.running[jobs[i]].Before(s.running[jobs[j]]) })
	if len(jobs) > 3 {
		jobs = jobs[:3]
	}
	s.hb.RunningCount = len(s.running)
	s.hb.RunningJobs = jobs
	if len(jobs) == 0 {
		s.hb.CurrentJob = ""
	} else {
		s.hb.CurrentJob = jobs[0]
	}
}

func (s *HeartbeatState) flush(ctx context.Context, client RedisClientRaw) {
	s.mu.Lock()
	s.hb.UptimeSeconds = int64(time.Since(s.hb.StartedAt).Seconds())
	s.hb.UpdateRuntimeStats()
	hbCopy := s.hb
	hbCopy.RunningJobs = append([]string(nil), s.hb.RunningJobs...)
	s.mu.Unlock()
	if err := SaveHeartbeat(ctx, client, hbCopy); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Warn("failed to publish heartbeat")
	}
}
