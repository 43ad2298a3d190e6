// Package lifecycle は特価ステータスの状態遷移を管理する。
// ステータスの変更はすべてこのパッケージの遷移表を通して検証される。
package lifecycle

import (
	"time"

	"github.com/hitoshi/dealman/internal/model"
)

// transitions は許可された遷移表。同一ステータスへの遷移は再検証による据え置きを表す。
var transitions = map[model.DealStatus]map[model.DealStatus]bool{
	model.DealStatusPending: {
		model.DealStatusActive:   true,
		model.DealStatusRejected: true,
		model.DealStatusExpired:  true,
	},
	model.DealStatusActive: {
		model.DealStatusActive:       true,
		model.DealStatusPriceChanged: true,
		model.DealStatusExpired:      true,
	},
	model.DealStatusPriceChanged: {
		model.DealStatusPriceChanged: true,
		model.DealStatusActive:       true,
		model.DealStatusExpired:      true,
	},
	model.DealStatusExpired:  {},
	model.DealStatusRejected: {},
}

// CanTransition は from から to への遷移が許可されているかを返す。
func CanTransition(from, to model.DealStatus) bool {
	return transitions[from][to]
}

// InitialStatus は受理された新規候補の初期ステータスを返す。
// 信頼済みソースは即時公開、コミュニティ系ソースは審査待ちとなる。
func InitialStatus(trusted bool) model.DealStatus {
	if trusted {
		return model.DealStatusActive
	}
	return model.DealStatusPending
}

// Transition は遷移表を検証した上で特価のステータスを変更する。
// note が空でなければ監査メモとして記録する。
func Transition(deal *model.Deal, to model.DealStatus, note string, now time.Time) error {
	if !CanTransition(deal.Status, to) {
		return &model.TransitionError{From: deal.Status, To: to}
	}
	deal.Status = to
	if note != "" {
		deal.StatusNote = note
	}
	deal.UpdatedAt = now
	return nil
}
