package cron

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/memorizer/internal/memory"
)

var compressAll = Payload{Action: ActionCompress}

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	return NewService(storePath, nil), storePath
}

func TestNewCronJob(t *testing.T) {
	job := NewCronJob("nightly", Schedule{Kind: KindCron, Expr: "0 0 3 * * *"}, compressAll)
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if job.Name != "nightly" {
		t.Errorf("name = %q, want nightly", job.Name)
	}
	if !job.Enabled {
		t.Error("job should be enabled by default")
	}
	if job.Payload.Action != ActionCompress {
		t.Errorf("action = %q, want compress", job.Payload.Action)
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"cron with seconds", Schedule{Kind: KindCron, Expr: "0 0 3 * * *"}, false},
		{"cron five fields", Schedule{Kind: KindCron, Expr: "*/5 * * * *"}, false},
		{"descriptor", Schedule{Kind: KindCron, Expr: "@daily"}, false},
		{"bad expr", Schedule{Kind: KindCron, Expr: "invalid"}, true},
		{"every", Schedule{Kind: KindEvery, EveryMs: 1000}, false},
		{"every zero", Schedule{Kind: KindEvery}, true},
		{"at", Schedule{Kind: KindAt, AtMs: 1}, false},
		{"at zero", Schedule{Kind: KindAt}, true},
		{"unknown", Schedule{Kind: "weekly"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestService_AddAndListJobs(t *testing.T) {
	s, storePath := newTestService(t)

	job, err := s.AddJob("job1", Schedule{Kind: KindEvery, EveryMs: 60000}, compressAll)
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if job.Name != "job1" {
		t.Errorf("name = %q, want job1", job.Name)
	}

	jobs := s.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}

	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("stored jobs = %d, want 1", len(stored))
	}
}

func TestService_AddJobRejectsInvalidSchedule(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.AddJob("bad", Schedule{Kind: KindCron, Expr: "nope"}, compressAll); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("invalid job should not be stored")
	}
}

func TestService_EnsureJob(t *testing.T) {
	s, _ := newTestService(t)
	nightly := Schedule{Kind: KindCron, Expr: "0 0 3 * * *"}

	first, err := s.EnsureJob("compress", nightly, compressAll)
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	second, err := s.EnsureJob("compress", nightly, compressAll)
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("EnsureJob created a second job: %s vs %s", first.ID, second.ID)
	}

	hourly := Schedule{Kind: KindCron, Expr: "0 0 * * * *"}
	updated, err := s.EnsureJob("compress", hourly, compressAll)
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	if updated.ID != first.ID || updated.Schedule != hourly {
		t.Errorf("updated = %+v, want same ID with hourly schedule", updated)
	}
	if len(s.ListJobs()) != 1 {
		t.Errorf("jobs = %d, want 1", len(s.ListJobs()))
	}
}

func TestService_RemoveJob(t *testing.T) {
	s, _ := newTestService(t)

	job, _ := s.AddJob("rm-test", Schedule{Kind: KindEvery, EveryMs: 1000}, compressAll)

	if !s.RemoveJob(job.ID) {
		t.Error("RemoveJob returned false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
	if s.RemoveJob("nonexistent") {
		t.Error("RemoveJob should return false for nonexistent")
	}
}

func TestService_EnableJob(t *testing.T) {
	s, _ := newTestService(t)

	job, _ := s.AddJob("toggle", Schedule{Kind: KindEvery, EveryMs: 1000}, compressAll)

	updated, err := s.EnableJob(job.ID, false)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if updated.Enabled {
		t.Error("job should be disabled")
	}

	updated, err = s.EnableJob(job.ID, true)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if !updated.Enabled {
		t.Error("job should be enabled")
	}

	if _, err = s.EnableJob("nonexistent", true); err == nil {
		t.Error("expected error for nonexistent job")
	}
}

func TestService_Start_ParentCancelInvokesStop(t *testing.T) {
	s, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cancel == nil && s.stopCh == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.Stop()
	t.Fatal("expected parent context cancellation to trigger Stop")
}

func TestService_StopIsIdempotent(t *testing.T) {
	s, _ := newTestService(t)
	s.Stop()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestService_Stop_StopsTickLoopWithoutParentCancel(t *testing.T) {
	s, _ := newTestService(t)

	var executeCount atomic.Int32
	s.OnJob = func(context.Context, CronJob) (string, error) {
		executeCount.Add(1)
		return "ok", nil
	}

	job := NewCronJob("manual-stop", Schedule{Kind: KindEvery, EveryMs: 100}, compressAll)
	job.State.LastRunAtMs = time.Now().UnixMilli() - 200
	s.jobs = append(s.jobs, job)
	if err := s.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for executeCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if executeCount.Load() == 0 {
		t.Fatal("expected at least one tick execution before Stop")
	}

	s.Stop()
	countAfterStop := executeCount.Load()
	time.Sleep(1300 * time.Millisecond)

	if executeCount.Load() != countAfterStop {
		t.Fatalf("tickLoop should stop after Stop; count changed from %d to %d", countAfterStop, executeCount.Load())
	}
}

func TestService_Persistence(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")

	s1 := NewService(storePath, nil)
	if _, err := s1.AddJob("persist1", Schedule{Kind: KindEvery, EveryMs: 60000}, compressAll); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := s1.AddJob("persist2", Schedule{Kind: KindCron, Expr: "0 0 3 * * *"}, Payload{Action: ActionCompress, SessionID: "s1"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s2 := NewService(storePath, nil)
	if err := s2.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s2.Stop()

	jobs := s2.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 persisted jobs, got %d", len(jobs))
	}
	if jobs[1].Payload.SessionID != "s1" {
		t.Errorf("payload session = %q, want s1", jobs[1].Payload.SessionID)
	}
	s2.mu.Lock()
	entries := len(s2.entryMap)
	s2.mu.Unlock()
	if entries != 1 {
		t.Errorf("expected 1 cron entry, got %d", entries)
	}
}

func TestService_EnsureJobKeepsPersistedJobs(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	nightly := Schedule{Kind: KindCron, Expr: "0 0 3 * * *"}

	s1 := NewService(storePath, nil)
	if _, err := s1.EnsureJob("compress-memory", nightly, compressAll); err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	if _, err := s1.AddJob("s1-often", Schedule{Kind: KindEvery, EveryMs: 60000}, Payload{Action: ActionCompress, SessionID: "s1"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := s1.EnableJob("compress-memory", false); err != nil {
		t.Fatalf("EnableJob: %v", err)
	}

	// A restart ensures the default job before the scheduler starts.
	s2 := NewService(storePath, nil)
	job, err := s2.EnsureJob("compress-memory", nightly, compressAll)
	if err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	if job.Enabled {
		t.Error("EnsureJob re-enabled a job the user disabled")
	}
	if got := len(s2.ListJobs()); got != 2 {
		t.Fatalf("jobs after restart = %d, want 2", got)
	}
}

func TestService_JobsByName(t *testing.T) {
	s, _ := newTestService(t)
	job, err := s.AddJob("named", Schedule{Kind: KindEvery, EveryMs: 1000}, compressAll)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := s.AddJob("named", Schedule{Kind: KindEvery, EveryMs: 2000}, compressAll); err == nil {
		t.Error("duplicate job name should be rejected")
	}

	updated, err := s.EnableJob("named", false)
	if err != nil {
		t.Fatalf("EnableJob by name: %v", err)
	}
	if updated.ID != job.ID || updated.Enabled {
		t.Errorf("updated = %+v, want %s disabled", updated, job.ID)
	}
	if !s.RemoveJob("named") {
		t.Error("RemoveJob by name returned false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
}

func TestService_RunJob(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.AddJob("manual", Schedule{Kind: KindEvery, EveryMs: 60000}, compressAll); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := s.RunJob(context.Background(), "manual"); err == nil {
		t.Error("RunJob without a handler should fail")
	}

	fc := &fakeCompressor{results: []memory.RunResult{{SessionID: "a", Record: &memory.CompressionRecord{}}}}
	s.OnJob = CompressionHandler(fc)
	if _, err := s.EnableJob("manual", false); err != nil {
		t.Fatalf("EnableJob: %v", err)
	}
	job, err := s.RunJob(context.Background(), "manual")
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if fc.all != 1 {
		t.Errorf("RunAll calls = %d, want 1", fc.all)
	}
	if job.State.LastStatus != "ok" || job.State.LastResult != "compressed 1 sessions, 0 skipped, 0 busy" {
		t.Errorf("state = %+v", job.State)
	}
	if job.State.LastRunAtMs == 0 {
		t.Error("run time not recorded")
	}

	fc.err = errors.New("summarizer down")
	if _, err := s.RunJob(context.Background(), "manual"); err == nil || !strings.Contains(err.Error(), "summarizer down") {
		t.Errorf("RunJob error = %v, want handler failure", err)
	}
	if _, err := s.RunJob(context.Background(), "missing"); err == nil {
		t.Error("RunJob should fail for unknown jobs")
	}
}

func TestService_DueJobsEveryWaitsFromCreation(t *testing.T) {
	s, _ := newTestService(t)
	job, err := s.AddJob("often", Schedule{Kind: KindEvery, EveryMs: 60000}, compressAll)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if due := s.dueJobs(job.CreatedAtMs + 1000); len(due) != 0 {
		t.Errorf("every job due %d times right after creation", len(due))
	}
	if due := s.dueJobs(job.CreatedAtMs + 60000); len(due) != 1 {
		t.Errorf("every job due %d times after one interval, want 1", len(due))
	}
}

func TestService_ExecuteJob_WithHandler(t *testing.T) {
	s, _ := newTestService(t)

	var receivedJob CronJob
	s.OnJob = func(_ context.Context, job CronJob) (string, error) {
		receivedJob = job
		return "success", nil
	}

	job, _ := s.AddJob("exec-test", Schedule{Kind: KindEvery, EveryMs: 1000}, compressAll)
	s.executeJob(context.Background(), *job)

	if receivedJob.Name != "exec-test" {
		t.Errorf("job name = %q, want exec-test", receivedJob.Name)
	}
	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "ok" {
		t.Errorf("lastStatus = %q, want ok", jobs[0].State.LastStatus)
	}
	if jobs[0].State.LastResult != "success" {
		t.Errorf("lastResult = %q, want success", jobs[0].State.LastResult)
	}
}

func TestService_ExecuteJob_NoHandler(t *testing.T) {
	s, _ := newTestService(t)
	job, _ := s.AddJob("no-handler", Schedule{Kind: KindEvery, EveryMs: 1000}, compressAll)
	s.executeJob(context.Background(), *job)
	if s.ListJobs()[0].State.LastStatus != "" {
		t.Error("job without handler should not record a run")
	}
}

func TestService_ExecuteJob_HandlerError(t *testing.T) {
	s, _ := newTestService(t)
	s.OnJob = func(context.Context, CronJob) (string, error) {
		return "", errors.New("handler error")
	}

	job, _ := s.AddJob("error-test", Schedule{Kind: KindEvery, EveryMs: 1000}, compressAll)
	s.executeJob(context.Background(), *job)

	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "error" {
		t.Errorf("lastStatus = %q, want error", jobs[0].State.LastStatus)
	}
	if jobs[0].State.LastError != "handler error" {
		t.Errorf("lastError = %q, want 'handler error'", jobs[0].State.LastError)
	}
}

func TestService_TickLoop_AtScheduleRunsOnce(t *testing.T) {
	s, _ := newTestService(t)

	var executed atomic.Int32
	s.OnJob = func(context.Context, CronJob) (string, error) {
		executed.Add(1)
		return "at-job", nil
	}

	job := NewCronJob("at-job", Schedule{Kind: KindAt, AtMs: time.Now().UnixMilli()}, compressAll)
	s.jobs = append(s.jobs, job)
	if err := s.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(2500 * time.Millisecond)
	s.Stop()

	if executed.Load() != 1 {
		t.Errorf("at job ran %d times, want 1", executed.Load())
	}
	if s.ListJobs()[0].Enabled {
		t.Error("at job should be disabled after running")
	}
}

func TestService_ExecuteJob_DeleteAfterRun_CronRemovesEntry(t *testing.T) {
	s, _ := newTestService(t)
	s.OnJob = func(context.Context, CronJob) (string, error) {
		return "done", nil
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	job, err := s.AddJob("delete-cron", Schedule{Kind: KindCron, Expr: "0 0 3 * * *"}, compressAll)
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	var jobCopy CronJob
	s.mu.Lock()
	for i := range s.jobs {
		if s.jobs[i].ID == job.ID {
			s.jobs[i].DeleteAfterRun = true
			jobCopy = s.jobs[i]
		}
	}
	s.mu.Unlock()

	s.executeJob(context.Background(), jobCopy)

	if len(s.ListJobs()) != 0 {
		t.Fatalf("expected no jobs after delete-after-run execution")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entryMap) != 0 {
		t.Fatalf("expected no cron entries after delete-after-run execution, got %d", len(s.entryMap))
	}
}

func TestService_EnableJob_CronToggleUpdatesEntryMap(t *testing.T) {
	s, _ := newTestService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	job, err := s.AddJob("toggle-cron", Schedule{Kind: KindCron, Expr: "*/5 * * * * *"}, compressAll)
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	entries := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.entryMap)
	}
	if entries() != 1 {
		t.Fatalf("expected 1 cron entry after add, got %d", entries())
	}
	if _, err := s.EnableJob(job.ID, false); err != nil {
		t.Fatalf("EnableJob(false) error: %v", err)
	}
	if entries() != 0 {
		t.Fatalf("expected 0 cron entries after disable, got %d", entries())
	}
	if _, err := s.EnableJob(job.ID, true); err != nil {
		t.Fatalf("EnableJob(true) error: %v", err)
	}
	if entries() != 1 {
		t.Fatalf("expected 1 cron entry after re-enable, got %d", entries())
	}
}

type fakeCompressor struct {
	runs    []string
	all     int
	results []memory.RunResult
	err     error
}

func (f *fakeCompressor) Run(_ context.Context, sessionID string) (memory.RunResult, error) {
	f.runs = append(f.runs, sessionID)
	return memory.RunResult{SessionID: sessionID, Record: &memory.CompressionRecord{}}, f.err
}

func (f *fakeCompressor) RunAll(context.Context) ([]memory.RunResult, error) {
	f.all++
	return f.results, f.err
}

func TestCompressionHandler(t *testing.T) {
	fc := &fakeCompressor{results: []memory.RunResult{
		{SessionID: "a", Record: &memory.CompressionRecord{}},
		{SessionID: "b", Skipped: true},
		{SessionID: "c", Coalesced: true},
	}}
	h := CompressionHandler(fc)

	out, err := h(context.Background(), NewCronJob("all", Schedule{Kind: KindEvery, EveryMs: 1}, compressAll))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if fc.all != 1 {
		t.Errorf("RunAll calls = %d, want 1", fc.all)
	}
	if out != "compressed 1 sessions, 1 skipped, 1 busy" {
		t.Errorf("result = %q", out)
	}

	_, err = h(context.Background(), NewCronJob("one", Schedule{Kind: KindEvery, EveryMs: 1}, Payload{Action: ActionCompress, SessionID: "s9"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(fc.runs) != 1 || fc.runs[0] != "s9" {
		t.Errorf("runs = %v, want [s9]", fc.runs)
	}

	_, err = h(context.Background(), NewCronJob("odd", Schedule{Kind: KindEvery, EveryMs: 1}, Payload{Action: "reindex"}))
	if err == nil || !strings.Contains(err.Error(), "reindex") {
		t.Errorf("expected unknown action error, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer than ten", 10, "this is lo..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}
