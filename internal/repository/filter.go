package repository

import (
	"time"

	"github.com/hitoshi/dealman/internal/model"
)

// DealSort は特価一覧の並び順。
type DealSort string

const (
	// SortLatest は登録日時の新しい順。
	SortLatest DealSort = "latest"
	// SortDiscount は割引率の高い順。
	SortDiscount DealSort = "discount"
	// SortPrice は販売価格の安い順。
	SortPrice DealSort = "price"
	// SortVerifyDue は最終検証日時の古い順（未検証が先頭）。検証スイープ専用で公開APIでは受け付けない。
	SortVerifyDue DealSort = "verify_due"
)

// Valid は定義済みの並び順かどうかを返す。空は SortLatest として扱う。
func (s DealSort) Valid() bool {
	switch s {
	case "", SortLatest, SortDiscount, SortPrice:
		return true
	}
	return false
}

// DealFilter は特価検索の条件。ゼロ値のフィールドは条件に含めない。
type DealFilter struct {
	Statuses      []model.DealStatus
	Source        string
	Category      string
	TitleContains string // 大文字小文字を区別しない部分一致
	TitleKey      string // 正規化タイトルの完全一致
	ProductURL    string
	SourcePostURL string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	// VerifiedBefore は最終検証日時が未設定またはこの日時より前の特価に絞り込む。
	VerifiedBefore *time.Time
	// LastOKBefore は最終検証成功日時（未設定なら作成日時）がこの日時より前の特価に絞り込む。
	LastOKBefore *time.Time
	Sort         DealSort
	Limit        int
	Offset       int
}

// DealPatch は特価の部分更新内容。nil のフィールドは変更しない。
type DealPatch struct {
	Title           *string
	TitleKey        *string
	OriginalPrice   *float64
	SalePrice       *float64
	DiscountRate    *float64
	Status          *model.DealStatus
	IsHot           *bool
	Category        *string
	ImageURL        *string
	VerifiedPrice   *float64
	LastVerifiedAt  *time.Time
	VerifiedOKAt    *time.Time
	VerifyFailCount *int
	StatusNote      *string
}

// IsEmpty は変更内容がないかどうかを返す。
func (p DealPatch) IsEmpty() bool {
	return p.Title == nil && p.TitleKey == nil && p.OriginalPrice == nil && p.SalePrice == nil &&
		p.DiscountRate == nil && p.Status == nil && p.IsHot == nil &&
		p.Category == nil && p.ImageURL == nil && p.VerifiedPrice == nil &&
		p.LastVerifiedAt == nil && p.VerifiedOKAt == nil &&
		p.VerifyFailCount == nil && p.StatusNote == nil
}

// ApplyTo は変更内容を特価に反映する。
func (p DealPatch) ApplyTo(d *model.Deal) {
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.TitleKey != nil {
		d.TitleKey = *p.TitleKey
	}
	if p.OriginalPrice != nil {
		d.OriginalPrice = *p.OriginalPrice
	}
	if p.SalePrice != nil {
		d.SalePrice = *p.SalePrice
	}
	if p.DiscountRate != nil {
		d.DiscountRate = *p.DiscountRate
	}
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.IsHot != nil {
		d.IsHot = *p.IsHot
	}
	if p.Category != nil {
		d.Category = *p.Category
	}
	if p.ImageURL != nil {
		d.ImageURL = *p.ImageURL
	}
	if p.VerifiedPrice != nil {
		v := *p.VerifiedPrice
		d.VerifiedPrice = &v
	}
	if p.LastVerifiedAt != nil {
		v := *p.LastVerifiedAt
		d.LastVerifiedAt = &v
	}
	if p.VerifiedOKAt != nil {
		v := *p.VerifiedOKAt
		d.VerifiedOKAt = &v
	}
	if p.VerifyFailCount != nil {
		d.VerifyFailCount = *p.VerifyFailCount
	}
	if p.StatusNote != nil {
		d.StatusNote = *p.StatusNote
	}
}
