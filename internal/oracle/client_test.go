package oracle

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
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	c := NewClient(server.Client(), Config{
		Endpoint:          server.URL,
		ClientID:          "id",
		ClientSecret:      "secret",
		RequestsPerSecond: 1000,
	}, newTestLogger(&buf), nil)
	return c, &calls
}

const threeItems = `{"items":[
	{"title":"에어팟 프로","link":"https://shop.example/1","image":"https://img.example/1.jpg","lprice":"250000","hprice":"329000"},
	{"title":"에어팟 프로 케이스","link":"https://shop.example/2","image":"","lprice":"9900","hprice":""},
	{"title":"에어팟 프로 2","link":"https://shop.example/3","image":"","lprice":"289000","hprice":"0"}
]}`

func TestClient_Quote_ReturnsLowestPrice(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("query"); got != "에어팟 프로" {
			t.Errorf("query = %q, want %q", got, "에어팟 프로")
		}
		if r.Header.Get("X-Naver-Client-Id") != "id" {
			t.Error("クライアントIDヘッダーが送信されるべき")
		}
		fmt.Fprint(w, threeItems)
	})

	quote, err := c.Quote(context.Background(), "[쿠팡] 에어팟 프로")
	if err != nil {
		t.Fatalf("Quote がエラーを返した: %v", err)
	}
	if quote == nil || quote.LowPrice != 9900 {
		t.Fatalf("最安値 9900 が返されるべき, got %+v", quote)
	}
	if quote.HighPrice != 0 || quote.ProductURL != "https://shop.example/2" {
		t.Errorf("最安商品の情報が返されるべき, got %+v", quote)
	}
}

func TestClient_QuoteNear_FiltersOutOfBand(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, threeItems)
	})

	quote, err := c.QuoteNear(context.Background(), "에어팟 프로", 260000)
	if err != nil {
		t.Fatalf("QuoteNear がエラーを返した: %v", err)
	}
	if quote == nil || quote.LowPrice != 250000 {
		t.Fatalf("50%%〜200%%の範囲内の最安値が返されるべき, got %+v", quote)
	}
	if quote.HighPrice != 329000 {
		t.Errorf("HighPrice = %v, want 329000", quote.HighPrice)
	}

	quote, err = c.QuoteNear(context.Background(), "에어팟 프로", 1000)
	if err != nil {
		t.Fatalf("QuoteNear がエラーを返した: %v", err)
	}
	if quote != nil {
		t.Errorf("範囲内の商品がない場合は nil を返すべき, got %+v", quote)
	}
}

func TestClient_Quote_EmptyResult(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	})

	quote, err := c.Quote(context.Background(), "존재하지 않는 상품")
	if err != nil {
		t.Fatalf("Quote がエラーを返した: %v", err)
	}
	if quote != nil {
		t.Errorf("該当なしは nil を返すべき, got %+v", quote)
	}
}

func TestClient_Quote_ServerErrorIsUnavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Quote(context.Background(), "에어팟")
	if !errors.Is(err, model.ErrOracleUnavailable) {
		t.Errorf("非2xxは ErrOracleUnavailable になるべき, got %v", err)
	}
}

func TestClient_Quote_InvalidJSONIsUnavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":`)
	})

	_, err := c.Quote(context.Background(), "에어팟")
	if !errors.Is(err, model.ErrOracleUnavailable) {
		t.Errorf("不正なJSONは ErrOracleUnavailable になるべき, got %v", err)
	}
}

func TestClient_Quote_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), Config{Endpoint: server.URL, Timeout: 50 * time.Millisecond}, newTestLogger(&buf), nil)

	_, err := c.Quote(context.Background(), "에어팟")
	if !errors.Is(err, model.ErrOracleUnavailable) {
		t.Errorf("タイムアウトは ErrOracleUnavailable になるべき, got %v", err)
	}
}

func TestClient_Quote_CachesByCleanedQuery(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, threeItems)
	})

	for _, text := range []string{"[쿠팡] 에어팟 프로", "【11번가】 에어팟   프로"} {
		if _, err := c.Quote(context.Background(), text); err != nil {
			t.Fatalf("Quote がエラーを返した: %v", err)
		}
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("同一クエリはキャッシュされるべき, API呼び出し回数 = %d", got)
	}
}

func TestClient_Unconfigured(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(nil, DefaultConfig(), newTestLogger(&buf), nil)

	if c.Configured() {
		t.Error("エンドポイント未設定のクライアントは未構成であるべき")
	}
	if _, err := c.Quote(context.Background(), "에어팟"); !errors.Is(err, model.ErrOracleUnavailable) {
		t.Errorf("未構成のクライアントは常に ErrOracleUnavailable を返すべき, got %v", err)
	}
}

func TestCleanQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"[쿠팡] 에어팟 프로 (2세대)", "에어팟 프로 2세대"},
		{"【G마켓】삼성 갤럭시 버즈", "삼성 갤럭시 버즈"},
		{"  무선   마우스 ", "무선 마우스"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanQuery(tt.in); got != tt.want {
			t.Errorf("CleanQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := CleanQuery("가나다라마바사아자차카타파하가나다라마바사아자차카타파하가나다라마바사아자차카타파하가나다라마바사아자차카타파하")
	if n := len([]rune(long)); n != maxQueryRunes {
		t.Errorf("クエリは%d文字に切り詰められるべき, got %d", maxQueryRunes, n)
	}
}
