// Package oracle は外部ショッピング検索APIから参考価格を取得する価格オラクルを提供する。
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/hitoshi/dealman/internal/metrics"
	"github.com/hitoshi/dealman/internal/model"
)

const (
	// maxQueryRunes は検索クエリの最大文字数。
	maxQueryRunes = 50
	// resultsPerQuery は1回の検索で取得する件数。
	resultsPerQuery = 10
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 1 << 20

	nearLowerRatio = 0.5
	nearUpperRatio = 2.0
)

// Config は価格オラクルの接続設定。
type Config struct {
	Endpoint          string
	ClientID          string
	ClientSecret      string
	Timeout           time.Duration
	RequestsPerSecond float64
	CacheTTL          time.Duration
}

// DefaultConfig はエンドポイント未設定の既定値を返す。
func DefaultConfig() Config {
	return Config{
		Timeout:           8 * time.Second,
		RequestsPerSecond: 5,
		CacheTTL:          5 * time.Minute,
	}
}

// PriceOracle は参考価格の取得インターフェース。
// 取り込みパイプラインと検証ワーカーから利用する。
type PriceOracle interface {
	Quote(ctx context.Context, text string) (*model.PriceQuote, error)
	QuoteNear(ctx context.Context, text string, registered float64) (*model.PriceQuote, error)
}

// searchItem は検索APIの1件分。価格は文字列で返される。
type searchItem struct {
	Title string `json:"title"`
	Link  string `json:"link"`
	Image string `json:"image"`
	Low   string `json:"lprice"`
	High  string `json:"hprice"`
}

type searchResponse struct {
	Items []searchItem `json:"items"`
}

// Client はショッピング検索APIのクライアント。
type Client struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      metrics.MetricsCollector
	endpoint     string // テスト用にエンドポイントを差し替え可能
	clientID     string
	clientSecret string
	timeout      time.Duration
	limiter      *rate.Limiter
	cache        *cache.Cache
}

var _ PriceOracle = (*Client)(nil)

// NewClient は新しいClientを生成する。httpClient が nil の場合は既定のクライアントを使う。
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger, m metrics.MetricsCollector) *Client {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if m == nil {
		m = metrics.NopCollector{}
	}

	return &Client{
		httpClient:   httpClient,
		logger:       logger,
		metrics:      m,
		endpoint:     cfg.Endpoint,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		timeout:      cfg.Timeout,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cache:        cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// Configured はエンドポイントが設定されているかを返す。
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

// Quote は自由文で検索し、最安の商品を参考価格として返す。該当なしは nil, nil。
func (c *Client) Quote(ctx context.Context, text string) (*model.PriceQuote, error) {
	items, err := c.search(ctx, text)
	if err != nil {
		return nil, err
	}
	return cheapest(items, func(float64) bool { return true }), nil
}

// QuoteNear は登録価格の50%〜200%の範囲にある商品のみを対象に最安値を返す。
// 付属品や別商品の混入を避けるために検証スイープで使う。
func (c *Client) QuoteNear(ctx context.Context, text string, registered float64) (*model.PriceQuote, error) {
	items, err := c.search(ctx, text)
	if err != nil {
		return nil, err
	}
	if registered <= 0 {
		return cheapest(items, func(float64) bool { return true }), nil
	}
	lower, upper := registered*nearLowerRatio, registered*nearUpperRatio
	return cheapest(items, func(p float64) bool { return p >= lower && p <= upper }), nil
}

func (c *Client) search(ctx context.Context, text string) ([]searchItem, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: エンドポイントが設定されていません", model.ErrOracleUnavailable)
	}

	query := CleanQuery(text)
	if query == "" {
		return nil, nil
	}
	if cached, ok := c.cache.Get(query); ok {
		return cached.([]searchItem), nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrOracleUnavailable, err)
	}

	start := time.Now()
	items, err := c.fetch(ctx, query)
	if err != nil {
		c.metrics.RecordOracleRequest("error", time.Since(start))
		c.logger.Warn("価格オラクルの呼び出しに失敗しました",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrOracleUnavailable, err)
	}
	c.metrics.RecordOracleRequest("ok", time.Since(start))

	c.cache.SetDefault(query, items)
	return items, nil
}

func (c *Client) fetch(ctx context.Context, query string) ([]searchItem, error) {
	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("query", query)
	q.Set("display", strconv.Itoa(resultsPerQuery))
	q.Set("sort", "asc")
	reqURL.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Dealman/1.0 PriceOracle")
	if c.clientID != "" {
		req.Header.Set("X-Naver-Client-Id", c.clientID)
		req.Header.Set("X-Naver-Client-Secret", c.clientSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("検索APIがステータス %d を返しました", resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return result.Items, nil
}

// cheapest は条件を満たす最安の商品を返す。価格が解釈できない商品は無視する。
func cheapest(items []searchItem, accept func(float64) bool) *model.PriceQuote {
	var best *model.PriceQuote
	for _, item := range items {
		low := parsePrice(item.Low)
		if low <= 0 || !accept(low) {
			continue
		}
		if best != nil && low >= best.LowPrice {
			continue
		}
		best = &model.PriceQuote{
			LowPrice:   low,
			HighPrice:  parsePrice(item.High),
			ProductURL: item.Link,
			ImageURL:   item.Image,
		}
	}
	return best
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

var (
	shopTagRe  = regexp.MustCompile(`[\[【][^\]】]{0,20}[\]】]`)
	bracketsRe = regexp.MustCompile(`[\[\]()【】{}（）]`)
)

// CleanQuery はタイトルから販売店タグと括弧を取り除き、検索クエリに整形する。
func CleanQuery(text string) string {
	s := shopTagRe.ReplaceAllString(text, " ")
	s = bracketsRe.ReplaceAllString(s, " ")
	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxQueryRunes {
		s = strings.TrimSpace(string(runes[:maxQueryRunes]))
	}
	return s
}
