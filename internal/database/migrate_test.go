package database

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"slices"
	"testing"
	"time"
)

const migrateTestSchema = "database_test"

var managedTables = []string{"deals", "watchlist", "watchlist_price_log"}

// migrateTestDB は TEST_DATABASE_URL 上に空のスキーマを用意し、そのスキーマを指すURLを返す。
// 未設定または接続できない場合はスキップする。
func migrateTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	base := os.Getenv("TEST_DATABASE_URL")
	if base == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}
	u, err := url.Parse(base)
	if err != nil {
		t.Fatalf("TEST_DATABASE_URL の解析に失敗: %v", err)
	}
	q := u.Query()
	q.Set("search_path", migrateTestSchema)
	u.RawQuery = q.Encode()

	db, err := Open(u.String(), PoolOptions{MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Ping(context.Background(), db, 3*time.Second); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := db.Exec(`DROP SCHEMA IF EXISTS ` + migrateTestSchema + ` CASCADE; CREATE SCHEMA ` + migrateTestSchema); err != nil {
		t.Fatalf("スキーマの作成に失敗: %v", err)
	}
	return db, u.String()
}

func tablesIn(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.Query(`SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_name <> 'schema_migrations' ORDER BY table_name`, migrateTestSchema)
	if err != nil {
		t.Fatalf("テーブル一覧の取得に失敗: %v", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("テーブル名のスキャンに失敗: %v", err)
		}
		names = append(names, name)
	}
	return names
}

func TestRunMigrations_AppliesAllAndIsIdempotent(t *testing.T) {
	db, dbURL := migrateTestDB(t)

	for i := range 2 {
		version, err := RunMigrations(dbURL)
		if err != nil {
			t.Fatalf("%d回目のマイグレーション実行に失敗: %v", i+1, err)
		}
		if version != 2 {
			t.Errorf("適用後のバージョン = %d, want 2", version)
		}
	}
	if got := tablesIn(t, db); !slices.Equal(got, managedTables) {
		t.Errorf("テーブル = %v, want %v", got, managedTables)
	}
}

func TestMigrator_DownRemovesTables(t *testing.T) {
	db, dbURL := migrateTestDB(t)

	m, err := NewMigrator(dbURL)
	if err != nil {
		t.Fatalf("NewMigrator() がエラーを返した: %v", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		t.Fatalf("Up() がエラーを返した: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() がエラーを返した: %v", err)
	}
	if got := tablesIn(t, db); len(got) != 0 {
		t.Errorf("Down後はテーブルが残らないべき, got %v", got)
	}
}

func TestDealsTable_Columns(t *testing.T) {
	db, dbURL := migrateTestDB(t)
	if _, err := RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	tests := []struct {
		column   string
		dataType string
		nullable string
	}{
		{"id", "uuid", "NO"},
		{"title_key", "text", "NO"},
		{"sale_price", "double precision", "NO"},
		{"discount_rate", "double precision", "NO"},
		{"status", "text", "NO"},
		{"source_post_url", "text", "YES"},
		{"last_verified_at", "timestamp with time zone", "YES"},
		{"verify_fail_count", "integer", "NO"},
	}
	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			var dataType, nullable string
			err := db.QueryRow(`SELECT data_type, is_nullable FROM information_schema.columns
				WHERE table_schema = $1 AND table_name = 'deals' AND column_name = $2`,
				migrateTestSchema, tt.column).Scan(&dataType, &nullable)
			if err != nil {
				t.Fatalf("カラム情報の取得に失敗: %v", err)
			}
			if dataType != tt.dataType || nullable != tt.nullable {
				t.Errorf("deals.%s = (%s, %s), want (%s, %s)", tt.column, dataType, nullable, tt.dataType, tt.nullable)
			}
		})
	}
}

func TestDealsTable_CheckConstraints(t *testing.T) {
	db, dbURL := migrateTestDB(t)
	if _, err := RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	insert := `INSERT INTO deals (id, title, title_key, original_price, sale_price, discount_rate, status, product_url, source, verify_fail_count)
		VALUES (gen_random_uuid(), 't', 't', $1, $2, $3, $4, 'https://example.com', 'test', $5)`

	tests := []struct {
		name     string
		original float64
		sale     float64
		rate     float64
		status   string
		fails    int
		wantErr  bool
	}{
		{"通常の特価", 10000, 8000, 20, "active", 0, false},
		{"無料特価", 0, 0, 100, "pending", 0, false},
		{"元値と販売価格が同じ", 10000, 10000, 0, "active", 0, true},
		{"割引率が100超", 10000, 8000, 120, "active", 0, true},
		{"未定義ステータス", 10000, 8000, 20, "unknown", 0, true},
		{"失敗回数が負", 10000, 8000, 20, "active", -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Exec(insert, tt.original, tt.sale, tt.rate, tt.status, tt.fails)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
