package watchlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/repository"
)

// SeedEntry はシードファイルの1エントリ。
type SeedEntry struct {
	Name           string  `yaml:"name"`
	SearchQuery    string  `yaml:"search_query"`
	Category       string  `yaml:"category"`
	Brand          string  `yaml:"brand"`
	MSRP           float64 `yaml:"msrp"`
	MinPrice       float64 `yaml:"min_price"`
	AlertThreshold float64 `yaml:"alert_threshold_percent"`
}

type seedFile struct {
	Entries []SeedEntry `yaml:"entries"`
}

// ParseSeed はYAMLのシード定義を解析する。
func ParseSeed(data []byte) ([]model.WatchlistEntry, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ウォッチリストのシード定義の解析に失敗しました: %w", err)
	}

	var errs []error
	entries := make([]model.WatchlistEntry, 0, len(f.Entries))
	for i, s := range f.Entries {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("entries[%d]: name は必須です", i))
			continue
		}
		if s.MinPrice < 0 || s.MSRP < 0 {
			errs = append(errs, fmt.Errorf("entries[%d]: 価格に負の値は指定できません", i))
			continue
		}
		if s.MSRP > 0 && s.MinPrice >= s.MSRP {
			errs = append(errs, fmt.Errorf("entries[%d]: min_price は msrp 未満である必要があります", i))
			continue
		}
		query := strings.TrimSpace(s.SearchQuery)
		if query == "" {
			query = name
		}
		threshold := s.AlertThreshold
		if threshold <= 0 {
			threshold = model.DefaultAlertThresholdPercent
		}
		entries = append(entries, model.WatchlistEntry{
			Name:                  name,
			SearchQuery:           query,
			Category:              s.Category,
			Brand:                 s.Brand,
			MSRP:                  s.MSRP,
			MinPrice:              s.MinPrice,
			AlertThresholdPercent: threshold,
			IsActive:              true,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return entries, nil
}

// LoadSeed はシードファイルを読み込む。パスが空の場合は nil を返す。
func LoadSeed(path string) ([]model.WatchlistEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ウォッチリストのシードファイルの読み込みに失敗しました: %w", err)
	}
	return ParseSeed(data)
}

// Seed はウォッチリストが空の場合のみエントリを登録する。登録件数を返す。
func Seed(ctx context.Context, repo repository.WatchlistRepository, entries []model.WatchlistEntry, logger *slog.Logger) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	count, err := repo.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("ウォッチリストの件数取得に失敗しました: %w", err)
	}
	if count > 0 {
		logger.Debug("ウォッチリストは登録済みのためシードをスキップします", slog.Int("count", count))
		return 0, nil
	}

	inserted := 0
	for i := range entries {
		if _, err := repo.Insert(ctx, &entries[i]); err != nil {
			return inserted, fmt.Errorf("ウォッチリストの登録に失敗しました (%s): %w", entries[i].Name, err)
		}
		inserted++
	}
	logger.Info("ウォッチリストを初期登録しました", slog.Int("count", inserted))
	return inserted, nil
}
