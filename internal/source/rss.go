package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/dealman/internal/model"
)

const (
	// maxFeedBytes はフィード本文の読み取り上限。
	maxFeedBytes = 5 << 20

	initialBackoff = 5 * time.Minute
	maxBackoff     = 6 * time.Hour
)

// URLValidator はフィードURLの静的検証。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// TextSanitizer は外部由来のタイトルやURLの無害化。
type TextSanitizer interface {
	SanitizeText(raw string) string
	SanitizeURL(raw string) string
}

// RSSAdapter はコミュニティのRSSフィードを読み、投稿ごとに候補を生成する。
// ETag/Last-Modified による条件付きGETを行い、連続失敗時は指数バックオフで取得を控える。
type RSSAdapter struct {
	def       Definition
	client    *http.Client
	validator URLValidator
	sanitizer TextSanitizer
	logger    *slog.Logger
	now       func() time.Time

	mu                sync.Mutex
	etag              string
	lastModified      string
	consecutiveErrors int
	backoffUntil      time.Time
}

var _ Adapter = (*RSSAdapter)(nil)

// NewRSSAdapter は新しいRSSAdapterを生成する。client にはSSRF防止付きクライアントを渡す。
func NewRSSAdapter(def Definition, client *http.Client, validator URLValidator, sanitizer TextSanitizer, logger *slog.Logger) *RSSAdapter {
	return &RSSAdapter{
		def:       def,
		client:    client,
		validator: validator,
		sanitizer: sanitizer,
		logger:    logger.With(slog.String("source", def.Name)),
		now:       time.Now,
	}
}

// Name はソース名を返す。
func (a *RSSAdapter) Name() string {
	return a.def.Name
}

// Fetch はフィードを取得して候補に変換する。価格が読み取れない投稿は除く。
func (a *RSSAdapter) Fetch(ctx context.Context) ([]model.CandidateDeal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.backoffUntil.IsZero() && a.now().Before(a.backoffUntil) {
		return nil, fmt.Errorf("%w: %s はバックオフ中です（%s まで）", model.ErrAdapterFailure, a.def.Name, a.backoffUntil.Format(time.RFC3339))
	}

	if a.validator != nil {
		if err := a.validator.ValidateURL(a.def.URL); err != nil {
			return nil, a.fail(fmt.Errorf("SSRF検証に失敗: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.def.URL, nil)
	if err != nil {
		return nil, a.fail(fmt.Errorf("リクエスト作成に失敗: %w", err))
	}
	req.Header.Set("User-Agent", "Dealman/1.0 FeedReader")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if a.etag != "" {
		req.Header.Set("If-None-Match", a.etag)
	}
	if a.lastModified != "" {
		req.Header.Set("If-Modified-Since", a.lastModified)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, a.fail(fmt.Errorf("HTTPリクエスト失敗: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		a.succeed()
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, a.fail(fmt.Errorf("HTTPステータス %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, a.fail(fmt.Errorf("レスポンス読み取り失敗: %w", err))
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, a.fail(fmt.Errorf("フィードのパースに失敗: %w", err))
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		a.etag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		a.lastModified = lastMod
	}
	a.succeed()

	candidates := a.convertItems(feed.Items)
	a.logger.Info("フィードを取得しました",
		slog.Int("items_total", len(feed.Items)),
		slog.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

// convertItems はgofeedの記事を候補に変換する。
func (a *RSSAdapter) convertItems(items []*gofeed.Item) []model.CandidateDeal {
	candidates := make([]model.CandidateDeal, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}

		link := item.Link
		if link == "" && (strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
			link = item.GUID
		}
		link = a.sanitizer.SanitizeURL(link)
		if link == "" {
			continue
		}

		info, ok := ParseTitle(a.sanitizer.SanitizeText(item.Title))
		if !ok || !info.PriceFound {
			continue
		}

		c := model.CandidateDeal{
			Title:           info.Title,
			SaleValue:       info.Sale,
			OriginalValue:   info.Original,
			DiscountPercent: info.DiscountPercent,
			ProductURL:      link,
			SourcePostURL:   link,
			SourceName:      a.def.Name,
			Category:        a.def.Category,
			Overseas:        info.Overseas,
		}
		if len(item.Categories) > 0 {
			if cat := a.sanitizer.SanitizeText(item.Categories[0]); cat != "" {
				c.Category = cat
			}
		}
		if item.Image != nil {
			c.ImageURL = a.sanitizer.SanitizeURL(item.Image.URL)
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// fail は連続失敗回数を増やし、閾値を超えた場合にバックオフを設定する。
func (a *RSSAdapter) fail(err error) error {
	a.consecutiveErrors++
	if a.consecutiveErrors >= 3 {
		delay := CalculateBackoff(a.consecutiveErrors - 3)
		a.backoffUntil = a.now().Add(delay)
		a.logger.Warn("連続エラーによりバックオフを適用します",
			slog.Int("consecutive_errors", a.consecutiveErrors),
			slog.Duration("backoff_duration", delay),
		)
	}
	return fmt.Errorf("%w: %s: %w", model.ErrAdapterFailure, a.def.Name, err)
}

func (a *RSSAdapter) succeed() {
	a.consecutiveErrors = 0
	a.backoffUntil = time.Time{}
}

// CalculateBackoff は連続エラー回数に基づく指数バックオフ遅延を返す。
// 初回5分、2倍ずつ増加、最大6時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
