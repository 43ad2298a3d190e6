package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "debug")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	t.Cleanup(func() { _ = setLevelForTest("info") })

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.DatabaseURL != testDatabaseURL {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, testDatabaseURL)
	}

	// LOG_LEVEL=debug が反映されていること
	slog.Default().Debug("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestInit_InvalidLogLevel_FallsBackWithWarning(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("不正なLOG_LEVELでも初期化は成功すべき: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("invalid LOG_LEVEL")) {
		t.Errorf("警告ログが出力されるべき, got: %s", buf.String())
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://user:secret@db:5432/dealman?sslmode=disable", "postgres://user:xxxxx@db:5432/dealman?sslmode=disable"},
		{"postgres://db:5432/dealman", "postgres://db:5432/dealman"},
		{"not a url", "***"},
	}
	for _, tt := range tests {
		if got := maskDatabaseURL(tt.in); got != tt.want {
			t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"正常", http.StatusOK, false},
		{"DB未接続", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			u, err := url.Parse(srv.URL)
			if err != nil {
				t.Fatalf("テストサーバーURLの解析に失敗: %v", err)
			}
			if err := runHealthcheck(u.Port()); (err != nil) != tt.wantErr {
				t.Errorf("runHealthcheck() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunners_CoverLongRunningCommands(t *testing.T) {
	for _, cmd := range []Command{CommandServe, CommandWorker, CommandMigrate} {
		if runners[cmd] == nil {
			t.Errorf("%s の起動処理が登録されるべき", cmd)
		}
	}
	if _, ok := runners[CommandHealthcheck]; ok {
		t.Error("healthcheck は設定を読まないため runners に含めないべき")
	}
}
