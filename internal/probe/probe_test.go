package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// --- モック定義 ---

type mockValidator struct {
	validateFunc func(rawURL string) error
}

func (m *mockValidator) ValidateURL(rawURL string) error {
	if m.validateFunc != nil {
		return m.validateFunc(rawURL)
	}
	return nil
}

func newTestProber(t *testing.T, handler http.HandlerFunc) (*Prober, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	return NewProber(server.Client(), nil, time.Second, newTestLogger(&buf)), server.URL
}

// --- Liveness ---

func TestLiveness_OK(t *testing.T) {
	p, url := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("HTTPメソッド = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	})

	if !p.Liveness(context.Background(), url) {
		t.Error("200 は生存とみなすべき")
	}
}

func TestLiveness_NotFound(t *testing.T) {
	p, url := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if p.Liveness(context.Background(), url) {
		t.Error("404 は生存とみなすべきではない")
	}
}

func TestLiveness_FallsBackToGETOn405(t *testing.T) {
	var methods []string
	p, url := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if !p.Liveness(context.Background(), url) {
		t.Error("GETで200なら生存とみなすべき")
	}
	if strings.Join(methods, ",") != "HEAD,GET" {
		t.Errorf("HEAD の後に GET を送るべき, got %v", methods)
	}
}

func TestLiveness_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	p, url := newTestProber(t, mux.ServeHTTP)

	if !p.Liveness(context.Background(), url+"/old") {
		t.Error("リダイレクト先が200なら生存とみなすべき")
	}
}

func TestLiveness_Timeout(t *testing.T) {
	p, url := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})
	p.timeout = 50 * time.Millisecond

	if p.Liveness(context.Background(), url) {
		t.Error("タイムアウトは生存とみなすべきではない")
	}
}

func TestLiveness_BlockedURL(t *testing.T) {
	called := false
	p, url := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	p.validator = &mockValidator{validateFunc: func(string) error { return errors.New("blocked IP address") }}

	if p.Liveness(context.Background(), url) {
		t.Error("拒否されたURLは生存とみなすべきではない")
	}
	if called {
		t.Error("拒否されたURLにはリクエストを送るべきではない")
	}
}

// --- OriginRemoved ---

func TestOriginRemoved_Gone(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			p, url := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			})

			removed, reason, err := p.OriginRemoved(context.Background(), url)
			if err != nil {
				t.Fatalf("OriginRemoved がエラーを返した: %v", err)
			}
			if !removed || reason == "" {
				t.Errorf("%d は削除とみなすべき, got removed=%v reason=%q", status, removed, reason)
			}
		})
	}
}

func TestOriginRemoved_KeywordInBody(t *testing.T) {
	p, url := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>에어팟 특가</h1><div class="notice">이 딜은 품절되었습니다</div></body></html>`)
	})

	removed, reason, err := p.OriginRemoved(context.Background(), url)
	if err != nil {
		t.Fatalf("OriginRemoved がエラーを返した: %v", err)
	}
	if !removed || !strings.Contains(reason, "품절되었") {
		t.Errorf("終了語句を検知すべき, got removed=%v reason=%q", removed, reason)
	}
}

func TestOriginRemoved_IgnoresScriptText(t *testing.T) {
	p, url := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><script>var msg = "sold out";</script></head><body><p>에어팟 특가 진행중</p></body></html>`)
	})

	removed, _, err := p.OriginRemoved(context.Background(), url)
	if err != nil {
		t.Fatalf("OriginRemoved がエラーを返した: %v", err)
	}
	if removed {
		t.Error("script内の語句は判定に使うべきではない")
	}
}

func TestOriginRemoved_ServerError(t *testing.T) {
	p, url := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	removed, _, err := p.OriginRemoved(context.Background(), url)
	if err == nil {
		t.Error("5xx は判定不能としてエラーを返すべき")
	}
	if removed {
		t.Error("判定不能の場合は削除とみなすべきではない")
	}
}

// --- DetectExpiry ---

func TestDetectExpiry(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		removed bool
	}{
		{"語句なし", "에어팟 프로 특가 259,000원", false},
		{"キーワード", "판매종료 된 상품입니다", true},
		{"英語キーワード", "this item is sold out", true},
		{"パターン", "핫딜 마감 안내", true},
		{"末尾の繰り返し", "에어팟 특가 " + strings.Repeat("댓글 마감 ", 3), true},
		{"末尾の単発", "에어팟 특가 댓글 마감", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			removed, _ := DetectExpiry(tt.text)
			if removed != tt.removed {
				t.Errorf("DetectExpiry(%q) = %v, want %v", tt.text, removed, tt.removed)
			}
		})
	}
}

func TestExtractText_Lowercases(t *testing.T) {
	text, err := ExtractText(strings.NewReader(`<p>SOLD <b>OUT</b></p><style>.x{}</style>`))
	if err != nil {
		t.Fatalf("ExtractText がエラーを返した: %v", err)
	}
	if !strings.Contains(text, "sold") || !strings.Contains(text, "out") || strings.Contains(text, ".x") {
		t.Errorf("表示テキストのみ小文字で抽出すべき, got %q", text)
	}
}
