// Package model はドメインモデルを定義する。
package model

import (
	"math"
	"time"
)

// Deal はカタログに永続化される特価情報を表す。
// ステータスはライフサイクル状態機械または管理者パッチ経由でのみ変更される。
type Deal struct {
	ID              string
	Title           string
	TitleKey        string // 重複判定用の正規化済みタイトル
	OriginalPrice   float64
	SalePrice       float64
	DiscountRate    float64 // 0〜100、小数第1位
	Status          DealStatus
	IsHot           bool
	ProductURL      string
	SourcePostURL   string
	Source          string
	Category        string
	ImageURL        string
	VerifiedPrice   *float64
	LastVerifiedAt  *time.Time
	VerifiedOKAt    *time.Time // 最後に検証が成功した日時
	VerifyFailCount int
	StatusNote      string // 管理者向けの理由・監査メモ
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DealStatus は特価のライフサイクル状態を表す。
type DealStatus string

const (
	// DealStatusPending は審査待ち。
	DealStatusPending DealStatus = "pending"
	// DealStatusActive は公開中。
	DealStatusActive DealStatus = "active"
	// DealStatusPriceChanged は公開中だが価格が上昇している。
	DealStatusPriceChanged DealStatus = "price_changed"
	// DealStatusExpired は終了（終端状態）。
	DealStatusExpired DealStatus = "expired"
	// DealStatusRejected は審査で却下された（終端状態）。
	DealStatusRejected DealStatus = "rejected"
)

// LiveStatuses は利用者に公開されるステータスの集合。
var LiveStatuses = []DealStatus{DealStatusActive, DealStatusPriceChanged}

// NonTerminalStatuses は重複判定の対象となる非終端ステータスの集合。
var NonTerminalStatuses = []DealStatus{DealStatusPending, DealStatusActive, DealStatusPriceChanged}

// IsTerminal は終端状態かどうかを返す。
func (s DealStatus) IsTerminal() bool {
	return s == DealStatusExpired || s == DealStatusRejected
}

// IsLive は公開対象のステータスかどうかを返す。
func (s DealStatus) IsLive() bool {
	return s == DealStatusActive || s == DealStatusPriceChanged
}

// Valid は定義済みのステータスかどうかを返す。
func (s DealStatus) Valid() bool {
	switch s {
	case DealStatusPending, DealStatusActive, DealStatusPriceChanged, DealStatusExpired, DealStatusRejected:
		return true
	}
	return false
}

// FreeDealDiscountRate は無料特価の割引率。
const FreeDealDiscountRate = 100.0

// RoundRate は割引率を小数第1位に丸める。
func RoundRate(v float64) float64 {
	return math.Round(v*10) / 10
}

// DiscountRate は元値と販売価格から割引率を再計算する。
// 販売価格0は無料特価として100を返す。元値が不正な場合は0を返す。
func DiscountRate(originalPrice, salePrice float64) float64 {
	if salePrice == 0 {
		return FreeDealDiscountRate
	}
	if originalPrice <= 0 {
		return 0
	}
	return RoundRate((1 - salePrice/originalPrice) * 100)
}

// CheckIronRule は有料特価の元値が販売価格を上回っているかを検証する。
func CheckIronRule(originalPrice, salePrice float64) error {
	if salePrice < 0 {
		return ErrIronRule
	}
	if salePrice > 0 && originalPrice <= salePrice {
		return ErrIronRule
	}
	return nil
}
