package security

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestNewSafeClient_AppliesTimeoutAndTransport(t *testing.T) {
	client := NewSSRFGuard().NewSafeClient(5 * time.Second)

	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
	// safeurl は Dialer の Control フックで接続先IPを検証する
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Error("SSRF防止用のTransportが設定されるべき")
	}
}

// TestNewSafeClient_BlocksLoopback は127.0.0.1で起動するhttptestサーバーへの接続が拒否されることを検証する。
func TestNewSafeClient_BlocksLoopback(t *testing.T) {
	var hit bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer ts.Close()

	client := NewSSRFGuard(80, 443, portOf(t, ts.URL)).NewSafeClient(2 * time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("ループバック宛てのリクエストは拒否されるべき")
	}
	if hit {
		t.Error("サーバーに到達してはならない")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{name: "商品ページ", url: "https://www.coupang.com/vp/products/123"},
		{name: "RSSフィード", url: "http://www.ppomppu.co.kr/rss.php?id=ppomppu"},
		{name: "既定ポートの明示", url: "https://shop.example:443/item"},
		{name: "公開IP", url: "http://203.0.113.10/item"},
		{name: "空文字", url: "", wantErr: "empty URL"},
		{name: "不正なURL", url: "http://[::1", wantErr: "invalid URL"},
		{name: "fileスキーム", url: "file:///etc/passwd", wantErr: "disallowed scheme"},
		{name: "javascriptスキーム", url: "javascript:alert(1)", wantErr: "disallowed scheme"},
		{name: "ホストなし", url: "https:///path", wantErr: "empty host"},
		{name: "認証情報付き", url: "https://user:pw@shop.example/item", wantErr: "credentials"},
		{name: "許可外ポート", url: "http://shop.example:8080/item", wantErr: "disallowed port"},
		{name: "プライベートIP 10/8", url: "http://10.0.0.5/", wantErr: "blocked IP"},
		{name: "プライベートIP 172.16/12", url: "http://172.20.1.1/", wantErr: "blocked IP"},
		{name: "プライベートIP 192.168/16", url: "http://192.168.0.1/", wantErr: "blocked IP"},
		{name: "ループバック", url: "http://127.0.0.1/", wantErr: "blocked IP"},
		{name: "IPv6ループバック", url: "http://[::1]/", wantErr: "blocked IP"},
		{name: "クラウドメタデータ", url: "http://169.254.169.254/latest/meta-data/", wantErr: "blocked IP"},
		{name: "0.0.0.0", url: "http://0.0.0.0/", wantErr: "blocked IP"},
		{name: "localhost", url: "http://localhost/", wantErr: "blocked host"},
		{name: "localhost末尾ドット", url: "http://localhost./", wantErr: "blocked host"},
		{name: "メタデータホスト名", url: "http://metadata.google.internal/", wantErr: "blocked host"},
	}

	guard := NewSSRFGuard()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateURL(%q) = %v, want nil", tt.url, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateURL(%q) = %v, want error containing %q", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL_CustomPorts(t *testing.T) {
	guard := NewSSRFGuard(8443)

	if err := guard.ValidateURL("https://shop.example:8443/item"); err != nil {
		t.Errorf("許可したポートは通過すべき: %v", err)
	}
	if err := guard.ValidateURL("https://shop.example/item"); err == nil {
		t.Error("許可リストにない既定ポート443は拒否されるべき")
	}
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("URLの解析に失敗: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("ポートを取得できません: %s", rawURL)
	}
	return port
}
