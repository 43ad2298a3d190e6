// Package pipeline は特価候補を検証・重複判定し、カタログに登録する取り込みパイプラインを提供する。
//
// すべての情報源（RSSソース、ウォッチリスト）は同じ Ingest を通してカタログに書き込む。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/dealman/internal/dedup"
	"github.com/hitoshi/dealman/internal/lifecycle"
	"github.com/hitoshi/dealman/internal/metrics"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/oracle"
	"github.com/hitoshi/dealman/internal/repository"
	"github.com/hitoshi/dealman/internal/validator"
)

// Outcome は1候補の取り込み結果。
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
)

// NoteSuperseded はより安い候補に置き換えられた特価の監査メモ。
const NoteSuperseded = "superseded"

// SourcePolicy は情報源ごとの取り込み方針。
type SourcePolicy struct {
	// Trusted が true なら受理した特価を即時公開する。false なら審査待ちとする。
	Trusted bool
	// CrossCheck が true なら価格オラクルで市場価格と照合する。
	CrossCheck bool
	// MinDiscount はソース固有の最低割引率。nil なら既定値を使う。
	MinDiscount *float64
}

// DefaultPolicy は登録されていない情報源に適用する方針。
var DefaultPolicy = SourcePolicy{Trusted: false, CrossCheck: true}

// Result は取り込み結果の詳細。
type Result struct {
	Outcome    Outcome
	Deal       *model.Deal
	Verdict    model.ValidationVerdict
	Resolution dedup.Resolution
}

// Pipeline は候補1件ごとの検証・重複判定・登録を行う。
type Pipeline struct {
	deals     repository.DealRepository
	oracle    oracle.PriceOracle
	validator *validator.Validator
	dedup     *dedup.Engine
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time

	policyMu sync.RWMutex
	policies map[string]SourcePolicy

	// writeMu は重複判定から登録までを直列化し、判定時点のカタログ状態と比較させる
	writeMu sync.Mutex
}

// New は新しいPipelineを生成する。priceOracle が nil の場合はオラクル照合を行わない。
func New(
	deals repository.DealRepository,
	priceOracle oracle.PriceOracle,
	v *validator.Validator,
	engine *dedup.Engine,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Pipeline {
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &Pipeline{
		deals:     deals,
		oracle:    priceOracle,
		validator: v,
		dedup:     engine,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		policies:  make(map[string]SourcePolicy),
	}
}

// SetPolicy は情報源の取り込み方針を登録する。
func (p *Pipeline) SetPolicy(source string, policy SourcePolicy) {
	p.policyMu.Lock()
	defer p.policyMu.Unlock()
	p.policies[source] = policy
}

// PolicyFor は情報源の取り込み方針を返す。未登録なら DefaultPolicy。
func (p *Pipeline) PolicyFor(source string) SourcePolicy {
	p.policyMu.RLock()
	defer p.policyMu.RUnlock()
	if policy, ok := p.policies[source]; ok {
		return policy
	}
	return DefaultPolicy
}

// Ingest は候補を1件取り込む。
// 除外と重複はエラーではなく Result.Outcome で表す。
// カタログの読み書きに失敗した場合は model.ErrPersistence をラップしたエラーを返す。
func (p *Pipeline) Ingest(ctx context.Context, c model.CandidateDeal) (Result, error) {
	policy := p.PolicyFor(c.SourceName)

	v := p.validator
	if policy.MinDiscount != nil {
		v = v.WithMinDiscount(*policy.MinDiscount)
	}

	var quote *model.PriceQuote
	var oracleErr error
	if policy.CrossCheck && p.oracle != nil && c.SaleValue > 0 {
		quote, oracleErr = p.oracle.Quote(ctx, c.Title)
	}

	verdict := v.Validate(c, quote, oracleErr)
	if !verdict.Accepted {
		p.logRejection(verdict)
		p.metrics.RecordRejection(c.SourceName, string(verdict.RejectCode))
		p.metrics.RecordCandidate(c.SourceName, string(OutcomeRejected))
		return Result{Outcome: OutcomeRejected, Verdict: verdict}, nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	resolution, err := p.dedup.Resolve(ctx, verdict, p.deals)
	if err != nil {
		return Result{Verdict: verdict}, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}

	result := Result{Verdict: verdict, Resolution: resolution}
	switch resolution.Decision {
	case dedup.RejectDuplicate:
		p.logger.Debug("重複候補を除外しました",
			slog.String("source", c.SourceName),
			slog.String("title", c.Title),
			slog.Any("existing_ids", resolution.ExistingIDs),
			slog.String("reason", resolution.Reason),
		)
		result.Outcome = OutcomeDuplicate
		p.metrics.RecordCandidate(c.SourceName, string(OutcomeDuplicate))
		return result, nil

	case dedup.Replace:
		result.Outcome = OutcomeReplaced

	default:
		result.Outcome = OutcomeStored
	}

	deal := p.buildDeal(verdict, quote, policy)
	if err := model.CheckIronRule(deal.OriginalPrice, deal.SalePrice); err != nil {
		// Validator を通過した候補では起こらない
		return result, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}

	stored, err := p.deals.Insert(ctx, deal)
	if err != nil {
		return result, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	result.Deal = stored

	// 既存特価の終了は新規登録の成功後に行い、登録失敗時に商品がカタログから消えないようにする
	if result.Outcome == OutcomeReplaced {
		if err := p.supersede(ctx, resolution.ExistingIDs); err != nil {
			return result, err
		}
	}

	p.logger.Info("特価を登録しました",
		slog.String("deal_id", stored.ID),
		slog.String("source", stored.Source),
		slog.String("status", string(stored.Status)),
		slog.String("outcome", string(result.Outcome)),
		slog.Float64("sale_price", stored.SalePrice),
		slog.Float64("discount_rate", stored.DiscountRate),
		slog.Bool("oracle_verified", verdict.OracleVerified),
	)
	p.metrics.RecordCandidate(c.SourceName, string(result.Outcome))
	return result, nil
}

// supersede は置き換え対象の既存特価を expired に遷移させる。
func (p *Pipeline) supersede(ctx context.Context, ids []string) error {
	for _, id := range ids {
		existing, err := p.deals.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrPersistence, err)
		}
		if existing == nil {
			continue
		}
		if err := lifecycle.Transition(existing, model.DealStatusExpired, NoteSuperseded, p.now()); err != nil {
			// 判定後に他のジョブが終端状態へ遷移させた場合
			p.logger.Warn("置き換え対象の特価を遷移できませんでした",
				slog.String("deal_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		status := existing.Status
		note := existing.StatusNote
		if err := p.deals.Update(ctx, id, repository.DealPatch{Status: &status, StatusNote: &note}); err != nil {
			return fmt.Errorf("%w: %w", model.ErrPersistence, err)
		}
		p.logger.Info("より安い候補により既存特価を終了しました", slog.String("deal_id", id))
	}
	return nil
}

func (p *Pipeline) buildDeal(verdict model.ValidationVerdict, quote *model.PriceQuote, policy SourcePolicy) *model.Deal {
	c := verdict.Candidate
	deal := &model.Deal{
		Title:         c.Title,
		TitleKey:      dedup.NormalizeTitle(c.Title),
		OriginalPrice: verdict.OriginalValue,
		SalePrice:     verdict.SaleValue,
		DiscountRate:  verdict.DiscountPercent,
		Status:        lifecycle.InitialStatus(policy.Trusted),
		IsHot:         verdict.IsHot,
		ProductURL:    c.ProductURL,
		SourcePostURL: c.SourcePostURL,
		Source:        c.SourceName,
		Category:      c.Category,
		ImageURL:      c.ImageURL,
		StatusNote:    strings.Join(verdict.Warnings, "; "),
	}
	if deal.ImageURL == "" && quote != nil {
		deal.ImageURL = quote.ImageURL
	}
	return deal
}

func (p *Pipeline) logRejection(verdict model.ValidationVerdict) {
	attrs := []any{
		slog.String("source", verdict.Candidate.SourceName),
		slog.String("title", verdict.Candidate.Title),
		slog.Float64("sale_price", verdict.Candidate.SaleValue),
		slog.String("code", string(verdict.RejectCode)),
		slog.String("reason", verdict.RejectReason),
	}
	if verdict.RejectCode.IsFraud() {
		p.logger.Warn("不正疑いの候補を除外しました", append(attrs, slog.Bool("audit", true))...)
		return
	}
	p.logger.Debug("候補を除外しました", attrs...)
}
