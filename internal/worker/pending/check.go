// Package pending は審査待ち特価の自動二次確認を提供する。
//
// 価格オラクルで割引が実在しないと判明した特価と、審査期限を過ぎた特価を expired にする。
// 割引が確認できた特価には一度だけ確認済みの注記を付け、管理者の承認を待つ。
package pending

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/dealman/internal/lifecycle"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/oracle"
	"github.com/hitoshi/dealman/internal/pipeline"
	"github.com/hitoshi/dealman/internal/repository"
	"github.com/hitoshi/dealman/internal/validator"
)

// 監査メモ
const (
	NoteOracleConfirmed = "oracle confirmed"
	NoteReviewTimeout   = "review timeout"
	noteOracleRejected  = "oracle rejected"
)

// DefaultReviewTimeout は審査待ちのまま放置できる期間の既定値。
const DefaultReviewTimeout = 48 * time.Hour

// PolicyLookup は情報源ごとの取り込み方針を返す。
type PolicyLookup interface {
	PolicyFor(source string) pipeline.SourcePolicy
}

// Report は1回の確認の集計。
type Report struct {
	Selected  int
	Confirmed int
	Rejected  int
	TimedOut  int
	Unchanged int
	Failed    int
}

// Checker は審査待ち特価の二次確認ジョブ。
type Checker struct {
	deals       repository.DealRepository
	oracle      oracle.PriceOracle
	validator   *validator.Validator
	policies    PolicyLookup
	logger      *slog.Logger
	timeout     time.Duration
	concurrency int
	now         func() time.Time
}

// NewChecker は新しいCheckerを生成する。policies が nil の場合は既定の最低割引率を使う。
func NewChecker(
	deals repository.DealRepository,
	priceOracle oracle.PriceOracle,
	v *validator.Validator,
	policies PolicyLookup,
	logger *slog.Logger,
	timeout time.Duration,
	concurrency int,
) *Checker {
	if timeout <= 0 {
		timeout = DefaultReviewTimeout
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Checker{
		deals:       deals,
		oracle:      priceOracle,
		validator:   v,
		policies:    policies,
		logger:      logger,
		timeout:     timeout,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Name はジョブ名を返す。
func (c *Checker) Name() string {
	return "pending-check"
}

// Run はスケジューラーから呼び出される。
func (c *Checker) Run(ctx context.Context) error {
	_, err := c.RunOnce(ctx)
	return err
}

type checkResult int

const (
	resultUnchanged checkResult = iota
	resultConfirmed
	resultRejected
	resultTimedOut
)

// RunOnce は審査待ちの全特価を確認する。対象の取得に失敗した場合のみエラーを返す。
func (c *Checker) RunOnce(ctx context.Context) (Report, error) {
	deals, err := c.deals.Find(ctx, repository.DealFilter{
		Statuses: []model.DealStatus{model.DealStatusPending},
		Sort:     repository.SortLatest,
	})
	if err != nil {
		return Report{}, fmt.Errorf("審査待ち特価の取得に失敗しました: %w", err)
	}

	report := Report{Selected: len(deals)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for _, deal := range deals {
		g.Go(func() error {
			res, err := c.CheckOne(ctx, deal)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				c.logger.Error("審査待ち特価の確認結果の保存に失敗しました",
					slog.String("deal_id", deal.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			switch res {
			case resultConfirmed:
				report.Confirmed++
			case resultRejected:
				report.Rejected++
			case resultTimedOut:
				report.TimedOut++
			default:
				report.Unchanged++
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Selected > 0 {
		c.logger.Info("審査待ち特価の確認が完了しました",
			slog.Int("selected", report.Selected),
			slog.Int("confirmed", report.Confirmed),
			slog.Int("rejected", report.Rejected),
			slog.Int("timed_out", report.TimedOut),
			slog.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// CheckOne は1件の審査待ち特価を確認する。
func (c *Checker) CheckOne(ctx context.Context, deal *model.Deal) (checkResult, error) {
	now := c.now()

	if now.Sub(deal.CreatedAt) > c.timeout {
		if err := c.expire(ctx, deal, NoteReviewTimeout, now); err != nil {
			return resultUnchanged, err
		}
		c.logger.Info("審査期限を過ぎた特価を終了しました", slog.String("deal_id", deal.ID))
		return resultTimedOut, nil
	}

	if strings.Contains(deal.StatusNote, NoteOracleConfirmed) || c.oracle == nil {
		return resultUnchanged, nil
	}

	quote, err := c.oracle.Quote(ctx, deal.Title)
	if err != nil || quote == nil {
		// 確認できなければ次回に持ち越す
		return resultUnchanged, nil
	}

	v := c.validator
	if c.policies != nil {
		if policy := c.policies.PolicyFor(deal.Source); policy.MinDiscount != nil {
			v = v.WithMinDiscount(*policy.MinDiscount)
		}
	}
	verdict := v.Validate(candidateFrom(deal), quote, nil)

	if !verdict.Accepted {
		note := fmt.Sprintf("%s: %s (%s)", noteOracleRejected, verdict.RejectReason, verdict.RejectCode)
		if err := c.expire(ctx, deal, note, now); err != nil {
			return resultUnchanged, err
		}
		c.logger.Warn("二次確認で割引が確認できなかった特価を終了しました",
			slog.String("deal_id", deal.ID),
			slog.String("code", string(verdict.RejectCode)),
			slog.Float64("sale_price", deal.SalePrice),
			slog.Float64("market_low", quote.LowPrice),
			slog.Bool("audit", true),
		)
		return resultRejected, nil
	}

	note := NoteOracleConfirmed
	if deal.StatusNote != "" {
		note = deal.StatusNote + "; " + NoteOracleConfirmed
	}
	if err := c.deals.Update(ctx, deal.ID, repository.DealPatch{StatusNote: &note}); err != nil {
		return resultUnchanged, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	return resultConfirmed, nil
}

func (c *Checker) expire(ctx context.Context, deal *model.Deal, note string, now time.Time) error {
	working := *deal
	if err := lifecycle.Transition(&working, model.DealStatusExpired, note, now); err != nil {
		return err
	}
	if err := c.deals.Update(ctx, deal.ID, repository.DealPatch{
		Status:     &working.Status,
		StatusNote: &working.StatusNote,
	}); err != nil {
		return fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	return nil
}

func candidateFrom(deal *model.Deal) model.CandidateDeal {
	original := deal.OriginalPrice
	return model.CandidateDeal{
		Title:         deal.Title,
		SaleValue:     deal.SalePrice,
		OriginalValue: &original,
		ImageURL:      deal.ImageURL,
		ProductURL:    deal.ProductURL,
		SourcePostURL: deal.SourcePostURL,
		SourceName:    deal.Source,
		Category:      deal.Category,
	}
}
