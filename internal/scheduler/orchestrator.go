// Package scheduler は定期ジョブを独立した間隔で実行するオーケストレーターを提供する。
//
// 各ジョブはオーバーラップガードを持ち、前回の実行が完了していなければ新しい実行はスキップされる（キューには積まない）。
// 単一プロセスでの稼働を前提とし、複数インスタンス間の排他は行わない。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/dealman/internal/metrics"
)

// Job はオーケストレーターが実行するジョブ。
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc は関数をJobとして扱うアダプタ。
type JobFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewJobFunc は関数からJobを生成する。
func NewJobFunc(name string, fn func(ctx context.Context) error) JobFunc {
	return JobFunc{name: name, fn: fn}
}

// Name はジョブ名を返す。
func (f JobFunc) Name() string { return f.name }

// Run は関数を実行する。
func (f JobFunc) Run(ctx context.Context) error { return f.fn(ctx) }

// オーケストレーターのエラー
var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
	ErrJobPanicked  = errors.New("job panicked")
	ErrStopping     = errors.New("orchestrator is stopping")
)

// 実行結果（メトリクスのラベル）
const (
	resultOK      = "ok"
	resultError   = "error"
	resultTimeout = "timeout"
	resultPanic   = "panic"
)

// Option はジョブ登録時のオプション。
type Option func(*entry)

// WithTimeout は1回の実行の制限時間を設定する。
func WithTimeout(d time.Duration) Option {
	return func(e *entry) { e.timeout = d }
}

// WithoutInitialRun は起動直後の実行を行わず、最初の間隔経過後に実行する。
func WithoutInitialRun() Option {
	return func(e *entry) { e.initialRun = false }
}

type entry struct {
	job        Job
	interval   time.Duration
	timeout    time.Duration
	initialRun bool

	running atomic.Bool

	mu        sync.Mutex
	runs      int
	skips     int
	lastStart time.Time
	lastDur   time.Duration
	lastErr   string
}

// JobStatus はジョブの実行状況。
type JobStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	Runs         int           `json:"runs"`
	Skips        int           `json:"skips"`
	LastStart    time.Time     `json:"last_start"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Orchestrator は登録されたジョブをそれぞれの間隔で実行する。
type Orchestrator struct {
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	mu      sync.RWMutex
	entries  map[string]*entry
	started  bool
	stopping bool

	// inflight への Add は mu を保持し stopping を確認してから行う
	inflight sync.WaitGroup
}

// New は新しいOrchestratorを生成する。
func New(logger *slog.Logger, m metrics.MetricsCollector) *Orchestrator {
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &Orchestrator{
		logger:  logger,
		metrics: m,
		entries: make(map[string]*entry),
	}
}

// Register はジョブを登録する。Start の後には登録できない。
func (o *Orchestrator) Register(job Job, interval time.Duration, opts ...Option) error {
	if interval <= 0 {
		return fmt.Errorf("ジョブ %s の実行間隔が不正です: %s", job.Name(), interval)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("起動後にジョブ %s を登録できません", job.Name())
	}
	if _, ok := o.entries[job.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name())
	}

	e := &entry{job: job, interval: interval, initialRun: true}
	for _, opt := range opts {
		opt(e)
	}
	o.entries[job.Name()] = e
	return nil
}

// Start は全ジョブを起動し、コンテキストがキャンセルされるまでブロックする。
// 停止時は実行中のジョブの完了を待ってから戻る。
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.started = true
	entries := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	o.logger.Info("オーケストレーターを開始しました", slog.Int("job_count", len(entries)))

	var loops sync.WaitGroup
	for _, e := range entries {
		loops.Add(1)
		go func() {
			defer loops.Done()
			o.loop(ctx, e)
		}()
	}

	loops.Wait()
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()
	o.inflight.Wait()
	o.logger.Info("オーケストレーターを停止しました")
}

func (o *Orchestrator) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	o.logger.Info("ジョブを開始しました",
		slog.String("job", e.job.Name()),
		slog.Duration("interval", e.interval),
	)

	// 起動直後に1回実行
	if e.initialRun {
		o.dispatch(ctx, e)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.dispatch(ctx, e)
		}
	}
}

// dispatch は別ゴルーチンで実行を開始する。前回が未完了ならスキップする。
func (o *Orchestrator) dispatch(ctx context.Context, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		o.recordSkip(e)
		return
	}
	if !o.acquire() {
		e.running.Store(false)
		return
	}
	go func() {
		defer o.inflight.Done()
		_ = o.execute(ctx, e)
	}()
}

// Trigger は指定ジョブを即時に実行し、完了まで待つ。
// 前回の実行が未完了の場合は実行せず false を返す。停止処理中は ErrStopping を返す。
func (o *Orchestrator) Trigger(ctx context.Context, name string) (bool, error) {
	o.mu.RLock()
	e, ok := o.entries[name]
	o.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if !e.running.CompareAndSwap(false, true) {
		o.recordSkip(e)
		return false, nil
	}
	if !o.acquire() {
		e.running.Store(false)
		return false, ErrStopping
	}
	defer o.inflight.Done()
	return true, o.execute(ctx, e)
}

// acquire は停止処理中でなければ inflight に1件加える。
func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return false
	}
	o.inflight.Add(1)
	return true
}

// execute はジョブを1回実行する。呼び出し前に running を true にしておくこと。
func (o *Orchestrator) execute(ctx context.Context, e *entry) (err error) {
	name := e.job.Name()
	start := time.Now()

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrJobPanicked, name, r)
		}

		dur := time.Since(start)
		result := resultOK
		switch {
		case errors.Is(err, ErrJobPanicked):
			result = resultPanic
		case err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
			result = resultTimeout
		case err != nil:
			result = resultError
		}

		e.mu.Lock()
		e.runs++
		e.lastStart = start
		e.lastDur = dur
		e.lastErr = ""
		if err != nil {
			e.lastErr = err.Error()
		}
		e.mu.Unlock()
		e.running.Store(false)

		o.metrics.RecordJobRun(name, result, dur)
		if err != nil {
			o.logger.Error("ジョブの実行に失敗しました",
				slog.String("job", name),
				slog.String("result", result),
				slog.String("error", err.Error()),
				slog.Float64("duration_ms", float64(dur.Milliseconds())),
			)
			return
		}
		o.logger.Debug("ジョブが完了しました",
			slog.String("job", name),
			slog.Float64("duration_ms", float64(dur.Milliseconds())),
		)
	}()

	return e.job.Run(runCtx)
}

func (o *Orchestrator) recordSkip(e *entry) {
	e.mu.Lock()
	e.skips++
	e.mu.Unlock()
	o.metrics.RecordJobSkipped(e.job.Name())
	o.logger.Warn("前回の実行が完了していないためスキップしました", slog.String("job", e.job.Name()))
}

// Status は全ジョブの実行状況を名前順で返す。
func (o *Orchestrator) Status() []JobStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]JobStatus, 0, len(o.entries))
	for _, e := range o.entries {
		e.mu.Lock()
		out = append(out, JobStatus{
			Name:         e.job.Name(),
			Interval:     e.interval,
			Running:      e.running.Load(),
			Runs:         e.runs,
			Skips:        e.skips,
			LastStart:    e.lastStart,
			LastDuration: e.lastDur,
			LastError:    e.lastErr,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
