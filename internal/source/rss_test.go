package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>뽐뿌게시판</title>
  <link>https://community.example/</link>
  <item>
    <title><![CDATA[[쿠팡] 에어팟 프로 2세대 (259,000원/무료)]]></title>
    <link>https://community.example/view.php?no=1</link>
    <category>디지털</category>
  </item>
  <item>
    <title><![CDATA[[G마켓] 가격 미정 상품]]></title>
    <link>https://community.example/view.php?no=2</link>
  </item>
  <item>
    <title><![CDATA[[11번가] 로봇청소기 (189,000원) 종료]]></title>
    <link>https://community.example/view.php?no=3</link>
  </item>
  <item>
    <title><![CDATA[<b>[옥션]</b> 무선 마우스 39,000원→19,900원]]></title>
    <link>javascript:alert(1)</link>
    <guid>https://community.example/view.php?no=4</guid>
  </item>
</channel>
</rss>`

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*RSSAdapter, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	def := Definition{Name: "ppomppu", URL: server.URL, Interval: time.Minute}
	return NewRSSAdapter(def, server.Client(), nil, security.NewTextSanitizer(), newTestLogger(&buf)), &calls
}

func TestRSSAdapter_Fetch(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, sampleRSS)
	})

	candidates, err := a.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("価格付きの有効な投稿のみ候補になるべき, got %d: %+v", len(candidates), candidates)
	}

	c := candidates[0]
	if c.Title != "에어팟 프로 2세대" || c.SaleValue != 259000 {
		t.Errorf("候補の内容が不正: %+v", c)
	}
	if c.ProductURL != "https://community.example/view.php?no=1" || c.SourcePostURL != c.ProductURL {
		t.Errorf("商品URLと元記事URLは記事リンクであるべき: %+v", c)
	}
	if c.SourceName != "ppomppu" || c.Category != "디지털" {
		t.Errorf("ソース名とカテゴリが設定されるべき: %+v", c)
	}
}

func TestRSSAdapter_Fetch_NotModified(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, sampleRSS)
	})

	if _, err := a.Fetch(context.Background()); err != nil {
		t.Fatalf("1回目の Fetch がエラーを返した: %v", err)
	}
	candidates, err := a.Fetch(context.Background())
	if err != nil {
		t.Fatalf("2回目の Fetch がエラーを返した: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("304 の場合は候補なしであるべき, got %d", len(candidates))
	}
}

func TestRSSAdapter_Fetch_ServerError(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := a.Fetch(context.Background())
	if !errors.Is(err, model.ErrAdapterFailure) {
		t.Errorf("取得失敗は ErrAdapterFailure になるべき, got %v", err)
	}
}

func TestRSSAdapter_Fetch_InvalidFeed(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>not a feed</body></html>")
	})

	_, err := a.Fetch(context.Background())
	if !errors.Is(err, model.ErrAdapterFailure) {
		t.Errorf("パース失敗は ErrAdapterFailure になるべき, got %v", err)
	}
}

func TestRSSAdapter_BackoffAfterConsecutiveFailures(t *testing.T) {
	a, calls := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, _ = a.Fetch(context.Background())
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Fatalf("API呼び出し回数 = %d, want 3", got)
	}

	if _, err := a.Fetch(context.Background()); !errors.Is(err, model.ErrAdapterFailure) {
		t.Errorf("バックオフ中は ErrAdapterFailure を返すべき, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("バックオフ中はリクエストを送るべきではない, got %d", got)
	}

	now = now.Add(initialBackoff + time.Second)
	_, _ = a.Fetch(context.Background())
	if got := atomic.LoadInt32(calls); got != 4 {
		t.Errorf("バックオフ経過後は再試行すべき, got %d", got)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 10 * time.Minute},
		{3, 40 * time.Minute},
		{10, maxBackoff},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.errors); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}
