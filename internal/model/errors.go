package model

import (
	"errors"
	"fmt"
)

// パイプライン内部で使用する番兵エラー。
var (
	// ErrOracleUnavailable は価格オラクルに到達できないことを表す。致命的ではない。
	ErrOracleUnavailable = errors.New("price oracle unavailable")
	// ErrAdapterFailure はソースアダプタの取得・解析失敗を表す。
	ErrAdapterFailure = errors.New("source adapter failure")
	// ErrPersistence はカタログストアへの書き込み失敗を表す。
	ErrPersistence = errors.New("catalog persistence failure")
	// ErrDealNotFound は特価が存在しないことを表す。
	ErrDealNotFound = errors.New("deal not found")
	// ErrIllegalTransition は許可されていないステータス遷移を表す。
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrIronRule は元値が販売価格以下の有料特価を表す。
	ErrIronRule = errors.New("original price must exceed sale price")
)

// TransitionError は拒否されたステータス遷移の詳細を保持する。
type TransitionError struct {
	From DealStatus
	To   DealStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

// Unwrap は errors.Is(err, ErrIllegalTransition) を可能にする。
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, deal, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeDealNotFound      = "DEAL_NOT_FOUND"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeIronRule          = "IRON_RULE_VIOLATION"
	ErrCodeInvalidPatch      = "INVALID_PATCH"
	ErrCodeInvalidFilter     = "INVALID_FILTER"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewDealNotFoundError は特価未検出エラーを生成する。
func NewDealNotFoundError(dealID string) *APIError {
	return &APIError{
		Code:     ErrCodeDealNotFound,
		Message:  fmt.Sprintf("指定された特価が見つかりません: %s", dealID),
		Category: "deal",
		Action:   "特価IDを確認してください。",
	}
}

// NewIllegalTransitionError は不正なステータス遷移エラーを生成する。
func NewIllegalTransitionError(from, to DealStatus) *APIError {
	return &APIError{
		Code:     ErrCodeIllegalTransition,
		Message:  fmt.Sprintf("ステータスを %s から %s に変更できません。", from, to),
		Category: "deal",
		Action:   "審査待ちの特価のみ承認・却下できます。",
	}
}

// NewIronRuleError は元値が販売価格以下である場合のエラーを生成する。
func NewIronRuleError(originalPrice, salePrice float64) *APIError {
	return &APIError{
		Code:     ErrCodeIronRule,
		Message:  fmt.Sprintf("元値(%.0f)が販売価格(%.0f)以下です。", originalPrice, salePrice),
		Category: "validation",
		Action:   "元値と販売価格を修正してから再度お試しください。",
	}
}

// NewInvalidPatchError は無効な更新内容エラーを生成する。
func NewInvalidPatchError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPatch,
		Message:  fmt.Sprintf("無効な更新内容です: %s", reason),
		Category: "validation",
		Action:   "更新するフィールドの値を確認してください。",
	}
}

// NewInvalidFilterError は無効な検索条件エラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効な検索条件です: %s", filter),
		Category: "validation",
		Action:   "sort には latest、discount、price のいずれかを指定してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト本文を確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく時間をおいてから再度お試しください。",
	}
}

// NewRateLimitedError はリクエスト過多エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-After ヘッダーの秒数だけ待ってから再度お試しください。",
	}
}
