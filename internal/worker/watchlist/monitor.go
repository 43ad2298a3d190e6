// Package watchlist は登録済み商品の価格を監視し、下落を特価候補として取り込む。
package watchlist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/oracle"
	"github.com/hitoshi/dealman/internal/pipeline"
	"github.com/hitoshi/dealman/internal/repository"
)

// SourceName はウォッチリスト由来の候補に付けるソース名。
const SourceName = "watchlist"

// AverageWindow は平均最安値の集計期間。
const AverageWindow = 30 * 24 * time.Hour

// Policy はウォッチリスト由来の候補に適用する取り込み方針。
// 価格はこのモニター自身がオラクルから取得済みのため、照合は行わない。
var Policy = pipeline.SourcePolicy{Trusted: true, CrossCheck: false}

// Ingester は候補を取り込むパイプラインのインターフェース。
type Ingester interface {
	Ingest(ctx context.Context, c model.CandidateDeal) (pipeline.Result, error)
}

// Report は1回の監視の集計。
type Report struct {
	Checked  int
	Skipped  int
	Alerts   int
	Accepted int
	Failed   int
}

// Monitor はウォッチリストの価格監視ジョブ。
type Monitor struct {
	entries     repository.WatchlistRepository
	oracle      oracle.PriceOracle
	ingester    Ingester
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// NewMonitor は新しいMonitorを生成する。
func NewMonitor(
	entries repository.WatchlistRepository,
	priceOracle oracle.PriceOracle,
	ingester Ingester,
	logger *slog.Logger,
	concurrency int,
) *Monitor {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Monitor{
		entries:     entries,
		oracle:      priceOracle,
		ingester:    ingester,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Name はジョブ名を返す。
func (m *Monitor) Name() string {
	return "watchlist-monitor"
}

// Run はスケジューラーから呼び出される。
func (m *Monitor) Run(ctx context.Context) error {
	_, err := m.RunOnce(ctx)
	return err
}

// RunOnce は監視中の全エントリを確認する。エントリの取得に失敗した場合のみエラーを返す。
func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	entries, err := m.entries.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("ウォッチリストの取得に失敗しました: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
		g      errgroup.Group
	)
	g.SetLimit(m.concurrency)

	for _, entry := range entries {
		g.Go(func() error {
			outcome, err := m.Check(ctx, entry)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				m.logger.Warn("ウォッチリストの確認に失敗しました",
					slog.String("entry_id", entry.ID),
					slog.String("name", entry.Name),
					slog.String("error", err.Error()),
				)
				return nil
			}
			switch outcome {
			case CheckSkipped:
				report.Skipped++
			case CheckAlertAccepted:
				report.Checked++
				report.Alerts++
				report.Accepted++
			case CheckAlertRejected:
				report.Checked++
				report.Alerts++
			default:
				report.Checked++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("ウォッチリストの監視が完了しました",
		slog.Int("entries", len(entries)),
		slog.Int("checked", report.Checked),
		slog.Int("skipped", report.Skipped),
		slog.Int("alerts", report.Alerts),
		slog.Int("accepted", report.Accepted),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// CheckOutcome は1エントリの確認結果。
type CheckOutcome int

const (
	// CheckNoAlert は観測を記録したが下落条件を満たさなかった。
	CheckNoAlert CheckOutcome = iota
	// CheckSkipped は価格が取得できないか不正価格として破棄した。
	CheckSkipped
	// CheckAlertAccepted は下落を検知し、候補がカタログに登録された。
	CheckAlertAccepted
	// CheckAlertRejected は下落を検知したが、候補が除外または重複と判定された。
	CheckAlertRejected
)

// Check は1エントリの価格を確認し、下落していれば候補として取り込む。
func (m *Monitor) Check(ctx context.Context, entry *model.WatchlistEntry) (CheckOutcome, error) {
	quote, err := m.oracle.Quote(ctx, entry.SearchQuery)
	if err != nil {
		m.logger.Debug("ウォッチリストの価格を取得できませんでした",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return CheckSkipped, nil
	}
	if quote == nil || quote.LowPrice <= 0 {
		return CheckSkipped, nil
	}
	low := quote.LowPrice

	// 最低価格未満は誤掲載や不正出品として破棄する
	if entry.MinPrice > 0 && low < entry.MinPrice {
		m.logger.Warn("ウォッチリストの観測価格が最低価格を下回っています",
			slog.String("entry_id", entry.ID),
			slog.Float64("low_price", low),
			slog.Float64("min_price", entry.MinPrice),
			slog.Bool("audit", true),
		)
		return CheckSkipped, nil
	}

	now := m.now()
	if err := m.entries.RecordObservation(ctx, model.PriceObservation{
		EntryID:    entry.ID,
		LowPrice:   low,
		ObservedAt: now,
	}); err != nil {
		return CheckSkipped, fmt.Errorf("価格観測の記録に失敗しました: %w", err)
	}

	// 基準価格は今回の観測を記録する前の平均を使う
	base := entry.BasePrice()

	avg, err := m.entries.AverageLowPriceSince(ctx, entry.ID, now.Add(-AverageWindow))
	if err != nil {
		return CheckSkipped, fmt.Errorf("平均最安値の集計に失敗しました: %w", err)
	}
	if err := m.entries.UpdatePrices(ctx, entry.ID, low, avg, now); err != nil {
		return CheckSkipped, fmt.Errorf("ウォッチリストの価格更新に失敗しました: %w", err)
	}

	if !ShouldAlert(entry, base, low) {
		return CheckNoAlert, nil
	}

	res, err := m.ingester.Ingest(ctx, BuildCandidate(entry, base, quote))
	if err != nil {
		return CheckAlertRejected, fmt.Errorf("ウォッチリスト候補の取り込みに失敗しました: %w", err)
	}
	m.logger.Info("ウォッチリストの価格下落を検知しました",
		slog.String("entry_id", entry.ID),
		slog.String("name", entry.Name),
		slog.Float64("low_price", low),
		slog.Float64("base_price", base),
		slog.String("outcome", string(res.Outcome)),
	)
	if res.Outcome == pipeline.OutcomeStored || res.Outcome == pipeline.OutcomeReplaced {
		return CheckAlertAccepted, nil
	}
	return CheckAlertRejected, nil
}

// ShouldAlert は観測価格が基準価格から閾値以上下落しているかを返す。
// 基準価格がない場合（MSRP未設定かつ観測履歴なし）は判定しない。
func ShouldAlert(entry *model.WatchlistEntry, base, low float64) bool {
	if base <= 0 || low <= 0 {
		return false
	}
	if entry.MinPrice > 0 && low < entry.MinPrice {
		return false
	}
	threshold := entry.AlertThresholdPercent
	if threshold <= 0 {
		threshold = model.DefaultAlertThresholdPercent
	}
	return low <= base*(1-threshold/100)
}

// BuildCandidate は下落を検知したエントリから特価候補を組み立てる。
func BuildCandidate(entry *model.WatchlistEntry, base float64, quote *model.PriceQuote) model.CandidateDeal {
	original := base
	title := entry.Name
	if entry.Brand != "" {
		title = entry.Brand + " " + entry.Name
	}
	return model.CandidateDeal{
		Title:         title,
		SaleValue:     quote.LowPrice,
		OriginalValue: &original,
		ImageURL:      quote.ImageURL,
		ProductURL:    quote.ProductURL,
		SourceName:    SourceName,
		Category:      entry.Category,
	}
}
