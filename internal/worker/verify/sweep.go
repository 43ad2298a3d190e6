// Package verify は公開中の特価を定期的に再検証する検証スイープを提供する。
//
// 1件ごとに生存確認、元記事の終了検知、価格の再確認を行い、
// 結果を1回の更新でカタログに書き戻す。1件の失敗は他の特価の処理を妨げない。
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/dealman/internal/lifecycle"
	"github.com/hitoshi/dealman/internal/metrics"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/oracle"
	"github.com/hitoshi/dealman/internal/probe"
	"github.com/hitoshi/dealman/internal/repository"
)

// Config は検証スイープの設定。
type Config struct {
	// Cutoff は最終検証からこの時間が経過した特価を対象にする。
	Cutoff time.Duration
	// Concurrency は同時に検証する特価数の上限。
	Concurrency int
	// BatchLimit は1回のスイープで選択する最大件数。
	BatchLimit int
	// HotThreshold は値下がりで割引率を更新した際の is_hot 判定に使う。
	HotThreshold float64
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		Cutoff:       30 * time.Minute,
		Concurrency:  5,
		BatchLimit:   500,
		HotThreshold: 20,
	}
}

// 検証結果の分類（メトリクスのラベルとしても使う）
const (
	OutcomeLivenessFailure = "liveness_failure"
	OutcomeOriginRemoved   = "origin_removed"
)

// Report は1回のスイープの集計。
type Report struct {
	Selected    int
	Updated     int
	Failed      int
	Transitions int
	Outcomes    map[string]int
}

// Sweep は検証スイープ。
type Sweep struct {
	deals   repository.DealRepository
	probe   probe.LivenessChecker
	oracle  oracle.PriceOracle
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// NewSweep は新しいSweepを生成する。
func NewSweep(
	deals repository.DealRepository,
	checker probe.LivenessChecker,
	priceOracle oracle.PriceOracle,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Sweep {
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaults.BatchLimit
	}
	if cfg.HotThreshold <= 0 {
		cfg.HotThreshold = defaults.HotThreshold
	}
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &Sweep{
		deals:   deals,
		probe:   checker,
		oracle:  priceOracle,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Name はジョブ名を返す。
func (s *Sweep) Name() string {
	return "verify-sweep"
}

// Run はスケジューラーから呼び出される。
func (s *Sweep) Run(ctx context.Context) error {
	_, err := s.RunOnce(ctx)
	return err
}

// RunOnce は対象の特価を選択し、最大 Concurrency 件ずつ並行して検証する。
// 対象の選択に失敗した場合のみエラーを返す。
func (s *Sweep) RunOnce(ctx context.Context) (Report, error) {
	start := s.now()
	cutoff := start.Add(-s.cfg.Cutoff)

	deals, err := s.deals.Find(ctx, repository.DealFilter{
		Statuses:       model.LiveStatuses,
		VerifiedBefore: &cutoff,
		Sort:           repository.SortVerifyDue,
		Limit:          s.cfg.BatchLimit,
	})
	if err != nil {
		return Report{}, fmt.Errorf("検証対象の取得に失敗しました: %w", err)
	}

	report := Report{Selected: len(deals), Outcomes: make(map[string]int)}
	if len(deals) == 0 {
		s.logger.Info("検証対象の特価はありません")
		return report, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for _, deal := range deals {
		g.Go(func() error {
			res, err := s.VerifyOne(ctx, deal)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				s.logger.Error("特価の検証結果の保存に失敗しました",
					slog.String("deal_id", deal.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			report.Updated++
			report.Outcomes[res.Outcome]++
			if res.Transitioned {
				report.Transitions++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("検証スイープが完了しました",
		slog.Int("selected", report.Selected),
		slog.Int("updated", report.Updated),
		slog.Int("failed", report.Failed),
		slog.Int("transitions", report.Transitions),
		slog.Any("outcomes", report.Outcomes),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return report, nil
}

// Result は1件の検証結果。
type Result struct {
	Outcome      string
	Status       model.DealStatus
	Transitioned bool
	Patch        repository.DealPatch
}

// VerifyOne は1件の特価を検証し、結果を保存する。
// 保存に失敗した場合は model.ErrPersistence をラップしたエラーを返す。
func (s *Sweep) VerifyOne(ctx context.Context, deal *model.Deal) (Result, error) {
	res := s.evaluate(ctx, deal)
	s.metrics.RecordVerification(res.Outcome)

	if err := s.deals.Update(ctx, deal.ID, res.Patch); err != nil {
		return res, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	if res.Transitioned {
		s.logger.Info("検証によりステータスが変化しました",
			slog.String("deal_id", deal.ID),
			slog.String("outcome", res.Outcome),
			slog.String("status", string(res.Status)),
		)
	}
	return res, nil
}

// evaluate は外部呼び出しを行い、保存すべき変更内容を組み立てる。
func (s *Sweep) evaluate(ctx context.Context, deal *model.Deal) Result {
	now := s.now()
	working := *deal
	patch := repository.DealPatch{LastVerifiedAt: &now}

	// 1. 生存確認
	liveness := lifecycle.LivenessFailure
	if s.probe.Liveness(ctx, deal.ProductURL) {
		liveness = lifecycle.LivenessOK
	}
	failCount, next := lifecycle.ApplyLiveness(deal.VerifyFailCount, deal.Status, liveness)
	patch.VerifyFailCount = &failCount
	if liveness == lifecycle.LivenessFailure {
		note := ""
		if next != deal.Status {
			note = fmt.Sprintf("生存確認に%d回連続で失敗", failCount)
		}
		return s.finish(&working, next, note, OutcomeLivenessFailure, patch, now)
	}

	// 2. 元記事の終了検知
	if deal.SourcePostURL != "" {
		removed, reason, err := s.probe.OriginRemoved(ctx, deal.SourcePostURL)
		switch {
		case err != nil:
			s.logger.Debug("元記事を確認できませんでした",
				slog.String("deal_id", deal.ID),
				slog.String("error", err.Error()),
			)
		case removed:
			return s.finish(&working, model.DealStatusExpired, reason, OutcomeOriginRemoved, patch, now)
		}
	}

	// 3. 価格の再確認
	outcome, current, ratio := lifecycle.PriceUnknown, 0.0, 0.0
	if s.oracle != nil {
		quote, err := s.oracle.QuoteNear(ctx, deal.Title, deal.SalePrice)
		switch {
		case err != nil && !errors.Is(err, model.ErrOracleUnavailable):
			s.logger.Warn("価格の再確認に失敗しました",
				slog.String("deal_id", deal.ID),
				slog.String("error", err.Error()),
			)
		case quote != nil:
			current = quote.LowPrice
			outcome, ratio = lifecycle.ClassifyPrice(deal.SalePrice, current)
		}
	}
	if current > 0 {
		patch.VerifiedPrice = &current
	}

	note := ""
	switch outcome {
	case lifecycle.PriceOK:
		patch.VerifiedOKAt = &now
		if current < deal.SalePrice {
			s.lowerPrice(&patch, deal, current)
		}
		if deal.Status == model.DealStatusPriceChanged {
			note = "価格が基準内に回復"
		}
	case lifecycle.PriceChanged, lifecycle.PriceExpired:
		note = fmt.Sprintf("価格が%.1f%%上昇 (%.0f → %.0f)", ratio*100, deal.SalePrice, current)
	}

	next = lifecycle.ApplyPriceOutcome(deal.Status, outcome)
	return s.finish(&working, next, note, outcome.String(), patch, now)
}

// lowerPrice は値下がりした価格で販売価格と割引率を更新する。値上げはしない。
func (s *Sweep) lowerPrice(patch *repository.DealPatch, deal *model.Deal, current float64) {
	if deal.OriginalPrice <= current {
		return
	}
	rate := model.DiscountRate(deal.OriginalPrice, current)
	hot := rate >= s.cfg.HotThreshold
	patch.SalePrice = &current
	patch.DiscountRate = &rate
	patch.IsHot = &hot
}

// finish はステータス遷移を遷移表で検証し、変更内容に反映する。
func (s *Sweep) finish(deal *model.Deal, next model.DealStatus, note, outcome string, patch repository.DealPatch, now time.Time) Result {
	res := Result{Outcome: outcome, Status: deal.Status}
	if next != deal.Status {
		if err := lifecycle.Transition(deal, next, note, now); err != nil {
			s.logger.Warn("不正な遷移のためステータスを据え置きます",
				slog.String("deal_id", deal.ID),
				slog.String("error", err.Error()),
			)
		} else {
			res.Status = deal.Status
			res.Transitioned = true
			patch.Status = &deal.Status
			patch.StatusNote = &deal.StatusNote
		}
	}
	res.Patch = patch
	return res
}
