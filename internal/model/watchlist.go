package model

import "time"

// WatchlistEntry は価格を監視する登録済み商品を表す。
type WatchlistEntry struct {
	ID                    string
	Name                  string
	SearchQuery           string
	Category              string
	Brand                 string
	MSRP                  float64 // 0は未設定
	MinPrice              float64 // これ未満の観測価格は不正として扱う
	AlertThresholdPercent float64
	CurrentLowPrice       float64
	Avg30dLowPrice        float64
	LastCheckedAt         *time.Time
	IsActive              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DefaultAlertThresholdPercent はアラート閾値の既定値。
const DefaultAlertThresholdPercent = 15.0

// BasePrice は下落判定の基準価格を返す。MSRPがあればMSRP、なければ30日平均。
func (e *WatchlistEntry) BasePrice() float64 {
	if e.MSRP > 0 {
		return e.MSRP
	}
	return e.Avg30dLowPrice
}

// PriceObservation はウォッチリストの価格観測ログ。
type PriceObservation struct {
	EntryID    string
	LowPrice   float64
	ObservedAt time.Time
}
