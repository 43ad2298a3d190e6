package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(&syncWriter{w: buf}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// syncWriter は複数ゴルーチンからのログ出力を直列化する。
type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// --- モック定義 ---

type mockMetrics struct {
	mu      sync.Mutex
	runs    map[string][]string
	skipped map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{runs: make(map[string][]string), skipped: make(map[string]int)}
}

func (m *mockMetrics) RecordCandidate(string, string) {}
func (m *mockMetrics) RecordRejection(string, string) {}
func (m *mockMetrics) RecordVerification(string) {}
func (m *mockMetrics) RecordOracleRequest(string, time.Duration) {}

func (m *mockMetrics) RecordJobRun(job, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[job] = append(m.runs[job], result)
}

func (m *mockMetrics) RecordJobSkipped(job string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped[job]++
}

func (m *mockMetrics) results(job string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runs[job]...)
}

func newTestOrchestrator() (*Orchestrator, *mockMetrics, *bytes.Buffer) {
	var buf bytes.Buffer
	m := newMockMetrics()
	return New(newTestLogger(&buf), m), m, &buf
}

// --- テスト ---

func TestRegister_RejectsDuplicateAndInvalidInterval(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	job := NewJobFunc("verify-sweep", func(ctx context.Context) error { return nil })

	if err := o.Register(job, time.Minute); err != nil {
		t.Fatalf("Register がエラーを返した: %v", err)
	}
	if err := o.Register(job, time.Minute); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("同名のジョブは登録できないべき, got %v", err)
	}
	if err := o.Register(NewJobFunc("other", job.fn), 0); err == nil {
		t.Error("実行間隔0は登録できないべき")
	}
}

func TestTrigger_UnknownJob(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	if _, err := o.Trigger(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("未登録のジョブは ErrUnknownJob を返すべき, got %v", err)
	}
}

func TestTrigger_OverlapIsSkippedNotQueued(t *testing.T) {
	o, m, buf := newTestOrchestrator()
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls int32
	job := NewJobFunc("slow", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
		}
		<-release
		return nil
	})
	if err := o.Register(job, time.Hour); err != nil {
		t.Fatalf("Register がエラーを返した: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ran, err := o.Trigger(context.Background(), "slow")
		if !ran || err != nil {
			t.Errorf("1回目は実行されるべき, got %v %v", ran, err)
		}
	}()
	<-entered

	ran, err := o.Trigger(context.Background(), "slow")
	if ran || err != nil {
		t.Errorf("実行中のジョブはスキップされるべき, got %v %v", ran, err)
	}
	close(release)
	<-done

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("スキップした実行はキューに積まないべき, calls = %d", calls)
	}
	if m.skipped["slow"] != 1 {
		t.Errorf("スキップがメトリクスに記録されるべき, got %d", m.skipped["slow"])
	}
	if !strings.Contains(buf.String(), "スキップ") {
		t.Error("スキップがログに出力されるべき")
	}

	// 完了後は再び実行できる
	if ran, _ := o.Trigger(context.Background(), "slow"); !ran {
		t.Error("前回の完了後は実行されるべき")
	}
}

func TestTrigger_PanicIsRecovered(t *testing.T) {
	o, m, _ := newTestOrchestrator()
	var calls int32
	job := NewJobFunc("boom", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("nil map")
		}
		return nil
	})
	_ = o.Register(job, time.Hour)

	if _, err := o.Trigger(context.Background(), "boom"); !errors.Is(err, ErrJobPanicked) {
		t.Fatalf("パニックはエラーとして返すべき, got %v", err)
	}
	if ran, err := o.Trigger(context.Background(), "boom"); !ran || err != nil {
		t.Errorf("パニック後もジョブは実行可能であるべき, got %v %v", ran, err)
	}
	if got := m.results("boom"); len(got) != 2 || got[0] != resultPanic || got[1] != resultOK {
		t.Errorf("実行結果 = %v", got)
	}
}

func TestTrigger_Timeout(t *testing.T) {
	o, m, _ := newTestOrchestrator()
	job := NewJobFunc("hang", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_ = o.Register(job, time.Hour, WithTimeout(20*time.Millisecond))

	_, err := o.Trigger(context.Background(), "hang")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("制限時間を過ぎた実行は DeadlineExceeded を返すべき, got %v", err)
	}
	if got := m.results("hang"); len(got) != 1 || got[0] != resultTimeout {
		t.Errorf("実行結果 = %v", got)
	}
}

func TestStart_RunsImmediatelyAndOnInterval(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	var fast, delayed int32
	_ = o.Register(NewJobFunc("fast", func(ctx context.Context) error {
		atomic.AddInt32(&fast, 1)
		return nil
	}), 20*time.Millisecond)
	_ = o.Register(NewJobFunc("delayed", func(ctx context.Context) error {
		atomic.AddInt32(&delayed, 1)
		return nil
	}), time.Hour, WithoutInitialRun())

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	o.Start(ctx)

	if n := atomic.LoadInt32(&fast); n < 2 {
		t.Errorf("起動直後と間隔ごとに実行されるべき, got %d", n)
	}
	if n := atomic.LoadInt32(&delayed); n != 0 {
		t.Errorf("WithoutInitialRun のジョブは起動直後に実行しないべき, got %d", n)
	}
	if err := o.Register(NewJobFunc("late", func(context.Context) error { return nil }), time.Minute); err == nil {
		t.Error("起動後の登録はエラーになるべき")
	}
}

func TestStart_JobFailureDoesNotStopOthers(t *testing.T) {
	o, m, _ := newTestOrchestrator()
	var ok int32
	_ = o.Register(NewJobFunc("failing", func(ctx context.Context) error {
		return errors.New("source adapter failure")
	}), 20*time.Millisecond)
	_ = o.Register(NewJobFunc("healthy", func(ctx context.Context) error {
		atomic.AddInt32(&ok, 1)
		return nil
	}), 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	o.Start(ctx)

	if atomic.LoadInt32(&ok) < 2 {
		t.Errorf("他のジョブの失敗に影響されないべき, got %d", ok)
	}
	for _, r := range m.results("failing") {
		if r != resultError {
			t.Errorf("失敗したジョブは error として記録されるべき, got %s", r)
		}
	}
}

func TestTrigger_RejectedAfterShutdown(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	var runs int32
	_ = o.Register(NewJobFunc("sweep", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}), time.Hour, WithoutInitialRun())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Start(ctx)
		close(done)
	}()
	cancel()
	<-done

	ran, err := o.Trigger(context.Background(), "sweep")
	if ran || !errors.Is(err, ErrStopping) {
		t.Fatalf("停止後の手動実行は ErrStopping になるべき, got ran=%v err=%v", ran, err)
	}
	if atomic.LoadInt32(&runs) != 0 {
		t.Error("停止後はジョブを実行しないべき")
	}
	for _, st := range o.Status() {
		if st.Running {
			t.Errorf("拒否された実行で running が残らないべき: %s", st.Name)
		}
	}
}

func TestStatus(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	_ = o.Register(NewJobFunc("b-job", func(ctx context.Context) error { return errors.New("boom") }), time.Minute)
	_ = o.Register(NewJobFunc("a-job", func(ctx context.Context) error { return nil }), time.Hour)

	_, _ = o.Trigger(context.Background(), "b-job")

	status := o.Status()
	if len(status) != 2 || status[0].Name != "a-job" || status[1].Name != "b-job" {
		t.Fatalf("名前順に返すべき: %+v", status)
	}
	if status[1].Runs != 1 || status[1].LastError != "boom" || status[1].Running {
		t.Errorf("実行状況が不正: %+v", status[1])
	}
}
