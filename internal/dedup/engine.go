// Package dedup は検証済み候補が既存カタログの特価と重複するかを判定する。
//
// 同一性の判定は2段階で行う。
//  1. 商品URL（コミュニティ投稿は元記事URLも）の完全一致: 価格に関わらず重複として除外
//  2. 正規化タイトルの一致: 既存より許容率を超えて安ければ置き換え、そうでなければ除外
package dedup

import (
	"context"
	"fmt"

	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/repository"
)

// Decision は重複判定の結果。
type Decision int

const (
	// StoreAsNew は新規として登録する。
	StoreAsNew Decision = iota
	// Replace は既存の特価を終了させて新規に登録する。
	Replace
	// RejectDuplicate は重複として除外する。
	RejectDuplicate
)

func (d Decision) String() string {
	switch d {
	case StoreAsNew:
		return "store_as_new"
	case Replace:
		return "replace"
	case RejectDuplicate:
		return "reject_duplicate"
	default:
		return "unknown"
	}
}

// DefaultTolerance は「より安い」とみなす価格差の既定値（3%）。
const DefaultTolerance = 0.03

// Resolution は判定結果と関連する既存特価を表す。
type Resolution struct {
	Decision Decision
	// ExistingIDs は判定の根拠となった既存特価のID。Replace の場合は終了させる対象。
	ExistingIDs []string
	Reason      string
}

// CatalogQuery は重複判定に必要なカタログ検索インターフェース。
type CatalogQuery interface {
	Find(ctx context.Context, filter repository.DealFilter) ([]*model.Deal, error)
}

// Engine は重複判定を行う。
type Engine struct {
	tolerance float64
}

// NewEngine は新しいEngineを生成する。tolerance が0以下の場合は既定値を使う。
func NewEngine(tolerance float64) *Engine {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Engine{tolerance: tolerance}
}

// Resolve は検証済み候補をカタログの現在の状態と照合する。
func (e *Engine) Resolve(ctx context.Context, verdict model.ValidationVerdict, catalog CatalogQuery) (Resolution, error) {
	c := verdict.Candidate

	if c.ProductURL != "" {
		if res, ok, err := e.exactMatch(ctx, catalog, repository.DealFilter{ProductURL: c.ProductURL}, "商品URLが一致"); err != nil || ok {
			return res, err
		}
	}
	if c.SourcePostURL != "" {
		if res, ok, err := e.exactMatch(ctx, catalog, repository.DealFilter{SourcePostURL: c.SourcePostURL}, "元記事URLが一致"); err != nil || ok {
			return res, err
		}
	}

	key := NormalizeTitle(c.Title)
	if key == "" {
		return Resolution{Decision: StoreAsNew}, nil
	}
	incumbents, err := catalog.Find(ctx, repository.DealFilter{
		Statuses: model.NonTerminalStatuses,
		TitleKey: key,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("タイトルによる重複検索に失敗しました: %w", err)
	}
	if len(incumbents) == 0 {
		return Resolution{Decision: StoreAsNew}, nil
	}

	cheapest := incumbents[0]
	ids := make([]string, 0, len(incumbents))
	for _, d := range incumbents {
		ids = append(ids, d.ID)
		if d.SalePrice < cheapest.SalePrice {
			cheapest = d
		}
	}

	if e.IsCheaper(verdict.SaleValue, cheapest.SalePrice) {
		return Resolution{
			Decision:    Replace,
			ExistingIDs: ids,
			Reason:      fmt.Sprintf("既存(%.0f)より安い(%.0f)", cheapest.SalePrice, verdict.SaleValue),
		}, nil
	}
	return Resolution{
		Decision:    RejectDuplicate,
		ExistingIDs: []string{cheapest.ID},
		Reason:      fmt.Sprintf("同一タイトルの既存特価(%.0f)があり価格差が許容範囲内", cheapest.SalePrice),
	}, nil
}

// IsCheaper は新価格が既存価格より許容率を超えて安いかを返す。同値は既存を優先する。
func (e *Engine) IsCheaper(newPrice, incumbentPrice float64) bool {
	return newPrice < incumbentPrice*(1-e.tolerance)
}

func (e *Engine) exactMatch(ctx context.Context, catalog CatalogQuery, filter repository.DealFilter, reason string) (Resolution, bool, error) {
	filter.Statuses = model.NonTerminalStatuses
	filter.Limit = 1
	existing, err := catalog.Find(ctx, filter)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("URLによる重複検索に失敗しました: %w", err)
	}
	if len(existing) == 0 {
		return Resolution{}, false, nil
	}
	return Resolution{
		Decision:    RejectDuplicate,
		ExistingIDs: []string{existing[0].ID},
		Reason:      reason,
	}, true, nil
}
