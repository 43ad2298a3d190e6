// Package cleanup は定期的な後片付けジョブを提供する。
// 検証に成功しないまま一定期間が過ぎた特価の終了と、古い価格観測ログの削除を行う。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dealman/internal/lifecycle"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/repository"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// NoteStale は期間内に検証が成功しなかった特価の監査メモ。
const NoteStale = "stale"

// DefaultStaleWindow は最終検証成功からの猶予期間の既定値。
const DefaultStaleWindow = 72 * time.Hour

// StaleSweep は最終検証成功（未成功なら登録日時）から Window を過ぎた公開中の特価を expired にする。
// 他の検証結果にかかわらず適用される。
type StaleSweep struct {
	deals  repository.DealRepository
	logger *slog.Logger
	Window time.Duration
	now    func() time.Time
}

// NewStaleSweep は新しいStaleSweepを生成する。
func NewStaleSweep(deals repository.DealRepository, logger *slog.Logger, window time.Duration) *StaleSweep {
	if window <= 0 {
		window = DefaultStaleWindow
	}
	return &StaleSweep{
		deals:  deals,
		logger: logger,
		Window: window,
		now:    time.Now,
	}
}

// Name はジョブ名を返す。
func (j *StaleSweep) Name() string {
	return "stale-sweep"
}

// Run は対象の特価を expired にする。1件の保存失敗は他の特価の処理を妨げない。
// 冪等: 対象がない場合でもエラーにならない。
func (j *StaleSweep) Run(ctx context.Context) error {
	start := j.now()
	before := start.Add(-j.Window)

	deals, err := j.deals.Find(ctx, repository.DealFilter{
		Statuses:     model.LiveStatuses,
		LastOKBefore: &before,
	})
	if err != nil {
		return fmt.Errorf("期限切れ特価の取得に失敗しました: %w", err)
	}

	expired, failed := 0, 0
	for _, deal := range deals {
		if err := lifecycle.Transition(deal, model.DealStatusExpired, NoteStale, start); err != nil {
			continue
		}
		if err := j.deals.Update(ctx, deal.ID, repository.DealPatch{
			Status:     &deal.Status,
			StatusNote: &deal.StatusNote,
		}); err != nil {
			failed++
			j.logger.Error("期限切れ特価の更新に失敗しました",
				slog.String("deal_id", deal.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		expired++
	}

	j.logger.Info("期限切れ特価の整理が完了しました",
		slog.Int("expired_count", expired),
		slog.Int("failed_count", failed),
		slog.Duration("window", j.Window),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// PriceLogCleanup は保持期間を超過したウォッチリストの価格観測ログを削除する。
type PriceLogCleanup struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 観測ログの保持日数（デフォルト: 90）
}

// NewPriceLogCleanup は新しいPriceLogCleanupを生成する。
func NewPriceLogCleanup(db Executor, logger *slog.Logger) *PriceLogCleanup {
	return &PriceLogCleanup{
		db:            db,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Name はジョブ名を返す。
func (j *PriceLogCleanup) Name() string {
	return "price-log-cleanup"
}

// Run は observed_at が RetentionDays 日前より古い観測ログを DELETE する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *PriceLogCleanup) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM watchlist_price_log WHERE observed_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("価格観測ログの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("価格観測ログの削除に失敗しました: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}

	j.logger.Info("価格観測ログの削除が完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
