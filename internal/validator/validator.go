// Package validator は特価候補の受理・除外・補正を判定する。
//
// 判定は入力のみに依存する純粋関数で、価格オラクルの呼び出しは呼び出し側が事前に行い、
// その結果（またはエラー）を渡す。ルールは上から順に評価し、最初に失敗したルールで除外する。
//
//  1. 海外・ノイズ除外（宣言的ルール表と非現地文字比率）
//  2. 無料特価の短絡受理
//  3. 価格の基本整合性
//  4. 価格オラクルとの照合
//  5. 最低割引率
package validator

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/dealman/internal/model"
)

// Config は判定閾値を保持する。
type Config struct {
	MinDiscount           float64 // 最低割引率（%）
	HotThreshold          float64 // is_hot とする割引率（%）
	FraudFloorRatio       float64 // 市場最安値に対するこの比率未満は不正疑い
	PriceWarnRatio        float64 // 市場最安値に対するこの比率超は警告のみ
	MaxForeignScriptRatio float64 // タイトル中のラテン文字比率の上限
}

// DefaultConfig は既定の閾値を返す。
func DefaultConfig() Config {
	return Config{
		MinDiscount:           10,
		HotThreshold:          20,
		FraudFloorRatio:       0.15,
		PriceWarnRatio:        1.05,
		MaxForeignScriptRatio: 0.6,
	}
}

// 警告メッセージ
const (
	WarnUnverified    = "価格オラクルに接続できないため未検証"
	WarnNoMarketPrice = "市場価格が見つからないため自己申告価格で判定"
)

// Validator は特価候補を判定する。
type Validator struct {
	cfg   Config
	rules *RuleTable
}

// New は新しいValidatorを生成する。rules が nil の場合は組み込みルール表を使う。
func New(cfg Config, rules *RuleTable) *Validator {
	if rules == nil {
		rules = DefaultRuleTable()
	}
	return &Validator{cfg: cfg, rules: rules}
}

// Config は現在の閾値を返す。
func (v *Validator) Config() Config {
	return v.cfg
}

// WithMinDiscount は最低割引率だけを差し替えたValidatorを返す。
func (v *Validator) WithMinDiscount(min float64) *Validator {
	cfg := v.cfg
	cfg.MinDiscount = min
	return &Validator{cfg: cfg, rules: v.rules}
}

// Validate は候補を判定する。
// quote はオラクルの見積もり（該当なしは nil）、oracleErr はオラクル呼び出しのエラー。
// オラクルを照会していない場合は両方 nil を渡す。
func (v *Validator) Validate(c model.CandidateDeal, quote *model.PriceQuote, oracleErr error) model.ValidationVerdict {
	verdict := model.ValidationVerdict{
		Candidate: c,
		SaleValue: c.SaleValue,
	}

	if strings.TrimSpace(c.Title) == "" {
		return reject(verdict, model.RejectMissingTitle, "タイトルがありません")
	}

	free := c.SaleValue == 0

	// 規則1: 無料特価は市場価格照合を行わないためスクリプト比率の対象外とする
	if !free {
		if code, reason, ok := v.screen(c); ok {
			return reject(verdict, code, reason)
		}
	}

	// 規則2
	if free {
		if c.OriginalValue != nil && *c.OriginalValue > 0 {
			verdict.OriginalValue = *c.OriginalValue
		}
		verdict.DiscountPercent = model.FreeDealDiscountRate
		return v.accept(verdict)
	}

	// 規則3
	if c.SaleValue < 0 {
		return reject(verdict, model.RejectNegativePrice, fmt.Sprintf("販売価格が負の値です: %.0f", c.SaleValue))
	}
	if c.OriginalValue != nil && *c.OriginalValue <= c.SaleValue {
		return reject(verdict, model.RejectNoDiscount,
			fmt.Sprintf("元値(%.0f)が販売価格(%.0f)以下です", *c.OriginalValue, c.SaleValue))
	}

	// 規則4
	switch {
	case oracleErr != nil:
		verdict.Warnings = append(verdict.Warnings, WarnUnverified)
	case quote == nil || quote.LowPrice <= 0:
		verdict.Warnings = append(verdict.Warnings, WarnNoMarketPrice)
	default:
		return v.crossCheck(verdict, quote)
	}

	original, ok := selfReportedOriginal(c)
	if !ok {
		return reject(verdict, model.RejectMissingOriginal, "元値も割引率も不明です")
	}
	verdict.OriginalValue = original
	verdict.DiscountPercent = model.DiscountRate(original, c.SaleValue)
	return v.checkMinimum(verdict)
}

// screen は規則1を評価する。
func (v *Validator) screen(c model.CandidateDeal) (model.RejectCode, string, bool) {
	if c.Overseas {
		return model.RejectOverseas, "海外販売元としてタグ付けされています", true
	}
	if code, reason, ok := v.rules.Match(c); ok {
		return code, reason, true
	}
	if v.cfg.MaxForeignScriptRatio > 0 {
		if ratio := ForeignScriptRatio(c.Title); ratio > v.cfg.MaxForeignScriptRatio {
			return model.RejectForeignScript, fmt.Sprintf("ラテン文字の比率が高すぎます (%.0f%%)", ratio*100), true
		}
	}
	return "", "", false
}

func (v *Validator) crossCheck(verdict model.ValidationVerdict, quote *model.PriceQuote) model.ValidationVerdict {
	sale := verdict.SaleValue
	low := quote.LowPrice
	high := quote.HighPrice
	if high <= 0 {
		high = low
	}

	if sale < low*v.cfg.FraudFloorRatio {
		return reject(verdict, model.RejectFraudSuspicion,
			fmt.Sprintf("販売価格(%.0f)が市場最安値(%.0f)の%.0f%%未満です", sale, low, v.cfg.FraudFloorRatio*100))
	}
	if sale >= math.Max(low, high) {
		return reject(verdict, model.RejectNotADeal,
			fmt.Sprintf("販売価格(%.0f)が市場価格(%.0f)以上です", sale, math.Max(low, high)))
	}

	reference := low
	if high > low {
		reference = high
	}
	if v.cfg.PriceWarnRatio > 0 && sale > low*v.cfg.PriceWarnRatio {
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("販売価格(%.0f)が市場最安値(%.0f)を上回っています", sale, low))
	}
	verdict.OriginalValue = reference
	verdict.DiscountPercent = model.DiscountRate(reference, sale)
	verdict.OracleVerified = true
	return v.checkMinimum(verdict)
}

// checkMinimum は規則5を評価する。
func (v *Validator) checkMinimum(verdict model.ValidationVerdict) model.ValidationVerdict {
	if verdict.DiscountPercent < v.cfg.MinDiscount {
		return reject(verdict, model.RejectBelowMinimum,
			fmt.Sprintf("割引率が基準未満です: %.1f%% < %.1f%%", verdict.DiscountPercent, v.cfg.MinDiscount))
	}
	return v.accept(verdict)
}

func (v *Validator) accept(verdict model.ValidationVerdict) model.ValidationVerdict {
	verdict.Accepted = true
	verdict.IsHot = verdict.DiscountPercent >= v.cfg.HotThreshold
	return verdict
}

func reject(verdict model.ValidationVerdict, code model.RejectCode, reason string) model.ValidationVerdict {
	verdict.Accepted = false
	verdict.RejectCode = code
	verdict.RejectReason = reason
	verdict.IsHot = false
	return verdict
}

// selfReportedOriginal はアダプタ申告の元値を返す。
// 元値がなく割引率のみの場合は割引率から元値を復元し、割引率自体は信用しない。
func selfReportedOriginal(c model.CandidateDeal) (float64, bool) {
	if c.OriginalValue != nil {
		return *c.OriginalValue, true
	}
	if c.DiscountPercent != nil && *c.DiscountPercent > 0 && *c.DiscountPercent < 100 {
		original := math.Round(c.SaleValue / (1 - *c.DiscountPercent/100))
		if original > c.SaleValue {
			return original, true
		}
	}
	return 0, false
}

// ForeignScriptRatio はタイトル全体の文字数に対するラテン文字の比率を返す。
func ForeignScriptRatio(title string) float64 {
	n := utf8.RuneCountInString(title)
	if n == 0 {
		return 0
	}
	latin := 0
	for _, r := range title {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			latin++
		}
	}
	return float64(latin) / float64(n)
}
