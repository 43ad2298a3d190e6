package lifecycle

import (
	"github.com/hitoshi/dealman/internal/model"
)

// LivenessResult は生存確認の結果。
type LivenessResult int

const (
	// LivenessOK は商品URLが到達可能。
	LivenessOK LivenessResult = iota
	// LivenessFailure はタイムアウトを含む到達不能。
	LivenessFailure
)

// PriceOutcome は価格再確認の分類結果。
type PriceOutcome int

const (
	// PriceOK は価格据え置きまたは値下がり。
	PriceOK PriceOutcome = iota
	// PriceChanged は価格が変動閾値以上上昇した。
	PriceChanged
	// PriceExpired は価格が終了閾値以上上昇した。
	PriceExpired
	// PriceUnknown は現在価格を取得できなかった。
	PriceUnknown
)

func (o PriceOutcome) String() string {
	switch o {
	case PriceOK:
		return "ok"
	case PriceChanged:
		return "price_changed"
	case PriceExpired:
		return "expired"
	default:
		return "unknown"
	}
}

const (
	// MaxFailCount は生存確認の連続失敗で終了とする回数。
	MaxFailCount = 3
	// PriceChangeThreshold は価格変動とみなす上昇率。
	PriceChangeThreshold = 0.10
	// PriceExpireThreshold は終了とみなす上昇率。
	PriceExpireThreshold = 0.20
)

// ApplyLiveness は生存確認の結果から新しい失敗回数とステータスを求める。
// 失敗時は回数を加算し、MaxFailCount に達したら expired とする。
// 成功時は回数を0に戻し、ステータスは変更しない。
func ApplyLiveness(failCount int, status model.DealStatus, result LivenessResult) (int, model.DealStatus) {
	if result == LivenessOK {
		return 0, status
	}
	failCount++
	if failCount >= MaxFailCount && CanTransition(status, model.DealStatusExpired) {
		return failCount, model.DealStatusExpired
	}
	return failCount, status
}

// ClassifyPrice は登録価格と現在価格を比較して分類する。
// 戻り値の2番目は上昇率（値下がりは負）。
func ClassifyPrice(registered, current float64) (PriceOutcome, float64) {
	if current <= 0 {
		return PriceUnknown, 0
	}
	if registered <= 0 {
		// 無料特価は価格比較の対象外
		return PriceOK, 0
	}
	change := (current - registered) / registered
	switch {
	case change >= PriceExpireThreshold:
		return PriceExpired, change
	case change >= PriceChangeThreshold:
		return PriceChanged, change
	default:
		return PriceOK, change
	}
}

// ApplyPriceOutcome は価格分類の結果から次のステータスを求める。
// PriceUnknown は判断材料がないため現状を維持する。
func ApplyPriceOutcome(status model.DealStatus, outcome PriceOutcome) model.DealStatus {
	var next model.DealStatus
	switch outcome {
	case PriceOK:
		next = model.DealStatusActive
	case PriceChanged:
		next = model.DealStatusPriceChanged
	case PriceExpired:
		next = model.DealStatusExpired
	default:
		return status
	}
	if !CanTransition(status, next) {
		return status
	}
	return next
}
