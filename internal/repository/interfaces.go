// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/dealman/internal/model"
)

// DealRepository は特価カタログの永続化インターフェース。
// 特価は削除されず、終端ステータスへの遷移によってのみ退役する。
type DealRepository interface {
	// Insert は特価を登録し、ID・作成日時を補完した特価を返す。
	Insert(ctx context.Context, deal *model.Deal) (*model.Deal, error)

	// Update は指定IDの特価に部分更新を適用する。
	// 対象が存在しない場合は model.ErrDealNotFound を返す。
	Update(ctx context.Context, id string, patch DealPatch) error

	// Find は条件に一致する特価を取得する。
	Find(ctx context.Context, filter DealFilter) ([]*model.Deal, error)

	// FindByID は指定IDの特価を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Deal, error)

	// CountByStatus はステータスごとの件数を返す。
	CountByStatus(ctx context.Context) (map[model.DealStatus]int, error)
}

// WatchlistRepository はウォッチリストと価格観測ログの永続化インターフェース。
type WatchlistRepository interface {
	// ListActive は監視中のエントリを取得する。
	ListActive(ctx context.Context) ([]*model.WatchlistEntry, error)

	// Count は登録済みエントリ数を返す。
	Count(ctx context.Context) (int, error)

	// Insert はエントリを登録する。
	Insert(ctx context.Context, entry *model.WatchlistEntry) (*model.WatchlistEntry, error)

	// RecordObservation は価格観測ログを1件追加する。
	RecordObservation(ctx context.Context, obs model.PriceObservation) error

	// AverageLowPriceSince は since 以降の観測価格の平均を返す。観測がない場合は0を返す。
	AverageLowPriceSince(ctx context.Context, entryID string, since time.Time) (float64, error)

	// UpdatePrices は現在最安値・30日平均・最終確認日時を更新する。
	UpdatePrices(ctx context.Context, entryID string, currentLow, avg30d float64, checkedAt time.Time) error
}
