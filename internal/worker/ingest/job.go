// Package ingest はソースアダプタ1つ分の取り込みジョブを提供する。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/pipeline"
	"github.com/hitoshi/dealman/internal/source"
)

// Ingester は候補を取り込むパイプラインのインターフェース。
type Ingester interface {
	Ingest(ctx context.Context, c model.CandidateDeal) (pipeline.Result, error)
}

// Report は1回の取り込みの集計。
type Report struct {
	Fetched  int
	Outcomes map[pipeline.Outcome]int
	Failed   int
}

// Job はアダプタから候補を取得し、パイプラインに流すジョブ。
// 候補ごとの処理は独立しており、1件の保存失敗は他の候補を妨げない。
type Job struct {
	adapter     source.Adapter
	ingester    Ingester
	logger      *slog.Logger
	concurrency int
}

// NewJob は新しいJobを生成する。concurrency が0以下の場合は5を使う。
func NewJob(adapter source.Adapter, ingester Ingester, logger *slog.Logger, concurrency int) *Job {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Job{
		adapter:     adapter,
		ingester:    ingester,
		logger:      logger.With(slog.String("source", adapter.Name())),
		concurrency: concurrency,
	}
}

// Name はジョブ名を返す。
func (j *Job) Name() string {
	return "ingest:" + j.adapter.Name()
}

// Run はスケジューラーから呼び出される。
func (j *Job) Run(ctx context.Context) error {
	_, err := j.RunOnce(ctx)
	return err
}

// RunOnce はアダプタから1回取得し、全候補を取り込む。
// アダプタの失敗はこのソースの今回の実行のみを失敗させる。
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()

	candidates, err := j.adapter.Fetch(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrAdapterFailure) {
			err = fmt.Errorf("%w: %w", model.ErrAdapterFailure, err)
		}
		return Report{}, err
	}

	report := Report{Fetched: len(candidates), Outcomes: make(map[pipeline.Outcome]int)}
	if len(candidates) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(j.concurrency)

	for _, c := range candidates {
		if c.SourceName == "" {
			c.SourceName = j.adapter.Name()
		}
		g.Go(func() error {
			res, err := j.ingester.Ingest(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				j.logger.Error("候補の取り込みに失敗しました",
					slog.String("title", c.Title),
					slog.String("error", err.Error()),
				)
				return nil
			}
			report.Outcomes[res.Outcome]++
			return nil
		})
	}
	_ = g.Wait()

	j.logger.Info("取り込みが完了しました",
		slog.Int("fetched", report.Fetched),
		slog.Int("stored", report.Outcomes[pipeline.OutcomeStored]),
		slog.Int("replaced", report.Outcomes[pipeline.OutcomeReplaced]),
		slog.Int("rejected", report.Outcomes[pipeline.OutcomeRejected]),
		slog.Int("duplicate", report.Outcomes[pipeline.OutcomeDuplicate]),
		slog.Int("failed", report.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return report, nil
}
