package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
	err          error
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, r.err }

// mockExecutor はExecutorのモック。SQLクエリの内容と引数を記録する。
type mockExecutor struct {
	execCalled bool
	query      string
	args       []any
	result     sql.Result
	err        error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	m.execCalled = true
	m.query = query
	m.args = args
	return m.result, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogField はJSONログの各行からkeyを持つ最初のエントリの値を返す。
func findLogField(buf *bytes.Buffer, key string) (any, bool) {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCleanupJob_Run_DeletesExpiredSessions(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 42}}
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	job := NewCleanupJob(mock, newTestLogger(&buf))
	job.now = fixedClock(now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !strings.Contains(mock.query, "DELETE FROM sessions") {
		t.Errorf("query = %q, want DELETE FROM sessions", mock.query)
	}
	if !strings.Contains(mock.query, "expires_at <") {
		t.Errorf("query = %q, want expires_at condition", mock.query)
	}
	if len(mock.args) != 1 {
		t.Fatalf("args = %v, want 1 argument", mock.args)
	}
	cutoff, ok := mock.args[0].(time.Time)
	if !ok {
		t.Fatalf("arg type = %T, want time.Time", mock.args[0])
	}
	if !cutoff.Equal(now) {
		t.Errorf("cutoff = %v, want %v", cutoff, now)
	}

	if count, ok := findLogField(&buf, "deleted_count"); !ok || count != float64(42) {
		t.Errorf("deleted_count = %v, want 42. ログ出力: %s", count, buf.String())
	}
	if _, ok := findLogField(&buf, "duration_ms"); !ok {
		t.Errorf("ログに duration_ms が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_GraceShiftsCutoff(t *testing.T) {
	mock := &mockExecutor{result: &fakeResult{}}
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	job := NewCleanupJob(mock, newTestLogger(&bytes.Buffer{}))
	job.now = fixedClock(now)
	job.Grace = 24 * time.Hour

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := now.Add(-24 * time.Hour)
	if cutoff := mock.args[0].(time.Time); !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoff, want)
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 0}}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}

	if count, ok := findLogField(&buf, "deleted_count"); !ok || count != float64(0) {
		t.Errorf("0件削除時にもログに deleted_count=0 が記録されるべき。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_DBFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{err: sql.ErrConnDone}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("Run() error = %v, want wrapping sql.ErrConnDone", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_RowsAffectedFailure(t *testing.T) {
	mock := &mockExecutor{result: &fakeResult{err: errors.New("driver does not support RowsAffected")}}
	job := NewCleanupJob(mock, newTestLogger(&bytes.Buffer{}))

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("RowsAffected失敗時はエラーを返すべき")
	}
}

// --- Scheduler ---

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestScheduler_RunsImmediatelyAndOnTicker(t *testing.T) {
	job := &countingJob{}
	s := NewScheduler(job, newTestLogger(&bytes.Buffer{}), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for job.runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("runs = %d, want >= 3", job.runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestScheduler_ContinuesAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	job := &countingJob{err: errors.New("db down")}
	s := NewScheduler(job, newTestLogger(&buf), 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if job.runs.Load() < 2 {
		t.Errorf("runs = %d, want >= 2", job.runs.Load())
	}
	if !strings.Contains(buf.String(), "db down") {
		t.Errorf("失敗がログに記録されていない。ログ出力: %s", buf.String())
	}
}

func TestNewScheduler_DefaultInterval(t *testing.T) {
	s := NewScheduler(&countingJob{}, nil, 0)
	if s.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", s.interval, DefaultInterval)
	}
}
