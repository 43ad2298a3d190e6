// Package source は外部の特価情報源から候補を取得するアダプタを提供する。
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/dealman/internal/model"
)

// Adapter は1つの情報源から特価候補を取得する。
// 取得失敗は model.ErrAdapterFailure をラップして返す。
type Adapter interface {
	Name() string
	Fetch(ctx context.Context) ([]model.CandidateDeal, error)
}

// DefaultInterval はソース定義で間隔が省略された場合の取得間隔。
const DefaultInterval = 15 * time.Minute

// Definition はYAMLで定義される情報源の設定。
type Definition struct {
	Name        string        `yaml:"name"`
	URL         string        `yaml:"url"`
	Interval    time.Duration `yaml:"interval"`
	Trusted     bool          `yaml:"trusted"`
	CrossCheck  bool          `yaml:"cross_check"`
	MinDiscount *float64      `yaml:"min_discount"`
	Category    string        `yaml:"category"`
}

type definitionFile struct {
	Sources []Definition `yaml:"sources"`
}

// ParseDefinitions はYAMLからソース定義を読み込む。名前の重複と必須項目の欠落はエラーとする。
func ParseDefinitions(data []byte) ([]Definition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("ソース定義のパースに失敗しました: %w", err)
	}

	seen := make(map[string]bool, len(file.Sources))
	var errs []error
	for i := range file.Sources {
		d := &file.Sources[i]
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name は必須です", i))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("sources[%d]: name %q が重複しています", i, d.Name))
		}
		seen[d.Name] = true
		if d.URL == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: url は必須です", i))
		}
		if d.Interval <= 0 {
			d.Interval = DefaultInterval
		}
		if d.MinDiscount != nil && (*d.MinDiscount < 0 || *d.MinDiscount > 100) {
			errs = append(errs, fmt.Errorf("sources[%d]: min_discount は0〜100の範囲で指定してください", i))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return file.Sources, nil
}

// LoadDefinitions はファイルからソース定義を読み込む。path が空の場合は定義なしとする。
func LoadDefinitions(path string) ([]Definition, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ソース定義ファイルの読み込みに失敗しました: %w", err)
	}
	return ParseDefinitions(data)
}
