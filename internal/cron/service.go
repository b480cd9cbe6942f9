package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/memorizer/internal/memory"
)

// Handler executes a due job and returns a short result line.
type Handler func(ctx context.Context, job CronJob) (string, error)

// Service keeps a persisted list of jobs and fires them on schedule. Cron
// expressions run through robfig/cron; "every" and "at" jobs are polled.
type Service struct {
	storePath string
	logger    *zap.Logger
	mu        sync.Mutex
	jobs      []CronJob
	OnJob     Handler
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

// NewService loads the persisted jobs so they can be managed before Start.
func NewService(storePath string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		storePath: storePath,
		logger:    logger.Named("cron"),
		entryMap:  make(map[string]rcron.EntryID),
	}
	if err := s.load(); err != nil {
		s.logger.Warn("failed to load jobs", zap.String("path", storePath), zap.Error(err))
	}
	return s
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser))
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Info("started", zap.Int("jobs", count))

	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *CronJob) {
	jobID := job.ID
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.mu.Lock()
		var jobCopy CronJob
		found := false
		for i := range s.jobs {
			if s.jobs[i].ID == jobID {
				jobCopy, found = s.jobs[i], true
				break
			}
		}
		ctx := s.runCtx
		s.mu.Unlock()
		if found {
			s.executeJob(ctx, jobCopy)
		}
	})
	if err != nil {
		s.logger.Warn("failed to register job", zap.String("job", job.Name), zap.String("expr", job.Schedule.Expr), zap.Error(err))
		return
	}
	s.entryMap[job.ID] = id
}

// unregisterJob must be called with s.mu held.
func (s *Service) unregisterJob(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

func (s *Service) executeJob(ctx context.Context, job CronJob) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := s.logger.With(zap.String("job", job.Name), zap.String("id", job.ID))
	log.Debug("executing job")

	if s.OnJob == nil {
		log.Warn("no job handler set")
		return
	}

	result, err := s.OnJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		s.jobs[i].State.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			s.jobs[i].State.LastStatus = "error"
			s.jobs[i].State.LastError = err.Error()
			log.Warn("job failed", zap.Error(err))
		} else {
			s.jobs[i].State.LastStatus = "ok"
			s.jobs[i].State.LastError = ""
			s.jobs[i].State.LastResult = truncate(result, 200)
			log.Info("job finished", zap.String("result", truncate(result, 100)))
		}

		if s.jobs[i].DeleteAfterRun {
			s.unregisterJob(job.ID)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	if err := s.save(); err != nil {
		log.Warn("failed to save jobs", zap.Error(err))
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.dueJobs(time.Now().UnixMilli()) {
				if ctx.Err() != nil {
					return
				}
				s.executeJob(ctx, job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// dueJobs snapshots the polled jobs that should run at now. One-shot jobs
// are disabled as they are picked so they never fire twice.
func (s *Service) dueJobs(now int64) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []CronJob
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case KindEvery:
			last := max(job.State.LastRunAtMs, job.CreatedAtMs)
			if job.Schedule.EveryMs > 0 && now >= last+job.Schedule.EveryMs {
				due = append(due, *job)
			}
		case KindAt:
			if job.Schedule.AtMs > 0 && now >= job.Schedule.AtMs {
				job.Enabled = false
				due = append(due, *job)
			}
		}
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("add job %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].Name == name {
			return nil, fmt.Errorf("add job %q: a job with that name exists", name)
		}
	}
	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)

	if job.Schedule.Kind == KindCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}

	return &job, nil
}

// EnsureJob installs a job by name. An existing job with that name keeps its
// ID and state and takes the given schedule and payload.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("ensure job %q: %w", name, err)
	}

	s.mu.Lock()
	idx := -1
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return s.AddJob(name, schedule, payload)
	}
	defer s.mu.Unlock()

	job := &s.jobs[idx]
	if job.Schedule == schedule && job.Payload == payload {
		out := *job
		return &out, nil
	}
	s.unregisterJob(job.ID)
	job.Schedule = schedule
	job.Payload = payload
	if job.Enabled && schedule.Kind == KindCron && s.cron != nil {
		s.registerJob(job)
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	out := *job
	return &out, nil
}

// findJob returns the index of the job whose ID or name is ref, or -1.
// It must be called with s.mu held.
func (s *Service) findJob(ref string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == ref {
			return i
		}
	}
	for i := range s.jobs {
		if s.jobs[i].Name == ref {
			return i
		}
	}
	return -1
}

// RemoveJob deletes the job with the given ID or name.
func (s *Service) RemoveJob(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findJob(ref)
	if i < 0 {
		return false
	}
	s.unregisterJob(s.jobs[i].ID)
	s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	if err := s.save(); err != nil {
		s.logger.Warn("failed to save jobs", zap.Error(err))
	}
	return true
}

// RunJob executes the job with the given ID or name now, whether or not it
// is enabled, and returns its recorded state.
func (s *Service) RunJob(ctx context.Context, ref string) (CronJob, error) {
	s.mu.Lock()
	i := s.findJob(ref)
	if i < 0 {
		s.mu.Unlock()
		return CronJob{}, fmt.Errorf("job %s not found", ref)
	}
	job := s.jobs[i]
	s.mu.Unlock()

	if s.OnJob == nil {
		return job, fmt.Errorf("run job %s: no job handler set", job.Name)
	}
	s.executeJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.findJob(job.ID); i >= 0 {
		job = s.jobs[i]
	}
	if job.State.LastStatus == "error" {
		return job, fmt.Errorf("run job %s: %s", job.Name, job.State.LastError)
	}
	return job, nil
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// EnableJob switches the job with the given ID or name on or off.
func (s *Service) EnableJob(ref string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findJob(ref)
	if i < 0 {
		return nil, fmt.Errorf("job %s not found", ref)
	}
	id := s.jobs[i].ID
	s.jobs[i].Enabled = enabled
	if s.jobs[i].Schedule.Kind == KindCron && s.cron != nil {
		if enabled {
			if _, ok := s.entryMap[id]; !ok {
				s.registerJob(&s.jobs[i])
			}
		} else {
			s.unregisterJob(id)
		}
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	job := s.jobs[i]
	return &job, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var jobs []CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("decode jobs: %w", err)
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// save must be called with s.mu held.
func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.storePath)
}

// Compressor is the part of memory.Compressor scheduled jobs drive.
type Compressor interface {
	Run(ctx context.Context, sessionID string) (memory.RunResult, error)
	RunAll(ctx context.Context) ([]memory.RunResult, error)
}

// CompressionHandler runs ActionCompress jobs against c.
func CompressionHandler(c Compressor) Handler {
	return func(ctx context.Context, job CronJob) (string, error) {
		if job.Payload.Action != ActionCompress {
			return "", fmt.Errorf("unknown job action %q", job.Payload.Action)
		}
		var (
			results []memory.RunResult
			err     error
		)
		if job.Payload.SessionID != "" {
			var r memory.RunResult
			r, err = c.Run(ctx, job.Payload.SessionID)
			results = []memory.RunResult{r}
		} else {
			results, err = c.RunAll(ctx)
		}
		return summarizeResults(results), err
	}
}

func summarizeResults(results []memory.RunResult) string {
	var committed, skipped, coalesced int
	for _, r := range results {
		switch {
		case r.Coalesced:
			coalesced++
		case r.Skipped:
			skipped++
		case r.Record != nil:
			committed++
		}
	}
	return fmt.Sprintf("compressed %d sessions, %d skipped, %d busy", committed, skipped, coalesced)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
