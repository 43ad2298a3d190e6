package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/dealman/internal/model"
)

// PostgresWatchlistRepo はPostgreSQLを使用したウォッチリストリポジトリ。
type PostgresWatchlistRepo struct {
	db *sql.DB
}

// NewPostgresWatchlistRepo はPostgresWatchlistRepoを生成する。
func NewPostgresWatchlistRepo(db *sql.DB) *PostgresWatchlistRepo {
	return &PostgresWatchlistRepo{db: db}
}

// ListActive は監視中のエントリを名前順に取得する。
func (r *PostgresWatchlistRepo) ListActive(ctx context.Context) ([]*model.WatchlistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, search_query, category, brand, msrp, min_price, alert_threshold_percent,
		        current_low_price, avg_30d_low_price, last_checked_at, is_active, created_at, updated_at
		 FROM watchlist
		 WHERE is_active = true
		 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("ウォッチリストの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.WatchlistEntry
	for rows.Next() {
		e := &model.WatchlistEntry{}
		var category, brand sql.NullString
		var msrp sql.NullFloat64
		var lastCheckedAt sql.NullTime
		if err := rows.Scan(
			&e.ID, &e.Name, &e.SearchQuery, &category, &brand, &msrp, &e.MinPrice,
			&e.AlertThresholdPercent, &e.CurrentLowPrice, &e.Avg30dLowPrice, &lastCheckedAt,
			&e.IsActive, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ウォッチリスト行の読み取りに失敗しました: %w", err)
		}
		e.Category = nullStringValue(category)
		e.Brand = nullStringValue(brand)
		if msrp.Valid {
			e.MSRP = msrp.Float64
		}
		if lastCheckedAt.Valid {
			e.LastCheckedAt = &lastCheckedAt.Time
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ウォッチリストの走査に失敗しました: %w", err)
	}
	return entries, nil
}

// Count は登録済みエントリ数を返す。
func (r *PostgresWatchlistRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM watchlist`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ウォッチリスト件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// Insert はエントリを登録する。
func (r *PostgresWatchlistRepo) Insert(ctx context.Context, entry *model.WatchlistEntry) (*model.WatchlistEntry, error) {
	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	var msrp sql.NullFloat64
	if stored.MSRP > 0 {
		msrp = sql.NullFloat64{Float64: stored.MSRP, Valid: true}
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO watchlist (id, name, search_query, category, brand, msrp, min_price,
		                        alert_threshold_percent, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		stored.ID, stored.Name, stored.SearchQuery, nullString(stored.Category), nullString(stored.Brand),
		msrp, stored.MinPrice, stored.AlertThresholdPercent, stored.IsActive,
	).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ウォッチリストの登録に失敗しました: %w", err)
	}
	return &stored, nil
}

// RecordObservation は価格観測ログを1件追加する。
func (r *PostgresWatchlistRepo) RecordObservation(ctx context.Context, obs model.PriceObservation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO watchlist_price_log (watchlist_id, low_price, observed_at) VALUES ($1, $2, $3)`,
		obs.EntryID, obs.LowPrice, obs.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("価格観測ログの記録に失敗しました: %w", err)
	}
	return nil
}

// AverageLowPriceSince は since 以降の観測価格の平均を返す。観測がない場合は0を返す。
func (r *PostgresWatchlistRepo) AverageLowPriceSince(ctx context.Context, entryID string, since time.Time) (float64, error) {
	var avg sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT AVG(low_price) FROM watchlist_price_log WHERE watchlist_id = $1 AND observed_at >= $2`,
		entryID, since,
	).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("30日平均価格の取得に失敗しました: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// UpdatePrices は現在最安値・30日平均・最終確認日時を更新する。
func (r *PostgresWatchlistRepo) UpdatePrices(ctx context.Context, entryID string, currentLow, avg30d float64, checkedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE watchlist
		 SET current_low_price = $2, avg_30d_low_price = $3, last_checked_at = $4, updated_at = now()
		 WHERE id = $1`,
		entryID, currentLow, avg30d, checkedAt,
	)
	if err != nil {
		return fmt.Errorf("ウォッチリスト価格の更新に失敗しました: %w", err)
	}
	return nil
}

var _ WatchlistRepository = (*PostgresWatchlistRepo)(nil)
