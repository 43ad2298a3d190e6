package model

// CandidateDeal はソースアダプタが生成する未検証の特価候補を表す。
// 永続化されることはなく、パイプラインで一度だけ消費される。
type CandidateDeal struct {
	Title           string
	SaleValue       float64
	OriginalValue   *float64
	DiscountPercent *float64
	ImageURL        string
	ProductURL      string
	SourcePostURL   string // コミュニティ投稿の元記事URL
	SourceName      string
	Category        string
	Overseas        bool // アダプタが海外販売元と判定した場合true
}

// RejectCode は検証で除外された理由コード。
type RejectCode string

const (
	RejectMissingTitle    RejectCode = "missing_title"
	RejectOverseas        RejectCode = "overseas"
	RejectNoise           RejectCode = "noise"
	RejectForeignScript   RejectCode = "foreign_script"
	RejectNegativePrice   RejectCode = "negative_price"
	RejectNoDiscount      RejectCode = "no_discount"
	RejectMissingOriginal RejectCode = "missing_original"
	RejectFraudSuspicion  RejectCode = "fraud_suspicion"
	RejectNotADeal        RejectCode = "not_a_deal"
	RejectBelowMinimum    RejectCode = "below_min_discount"
)

// IsFraud は不正疑いによる除外かどうかを返す。
func (c RejectCode) IsFraud() bool {
	return c == RejectFraudSuspicion
}

// ValidationVerdict はバリデータの判定結果を表す。
type ValidationVerdict struct {
	Candidate       CandidateDeal
	Accepted        bool
	RejectCode      RejectCode
	RejectReason    string
	OriginalValue   float64 // 補正後の元値
	SaleValue       float64
	DiscountPercent float64
	IsHot           bool
	OracleVerified  bool
	Warnings        []string
}

// PriceQuote は価格オラクルが返す市場価格を表す。
type PriceQuote struct {
	LowPrice   float64
	HighPrice  float64 // 0は未提供
	ProductURL string
	ImageURL   string
}
