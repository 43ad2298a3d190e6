package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"

	"github.com/hitoshi/dealman/internal/model"
)

// TestPostgresRepos_ImplementInterfaces はPostgres実装がインターフェースを満たすことを検証する。
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ DealRepository = (*PostgresDealRepo)(nil)
	var _ WatchlistRepository = (*PostgresWatchlistRepo)(nil)
}

func TestBuildFindQuery_NoFilter(t *testing.T) {
	query, args := buildFindQuery(DealFilter{})
	if strings.Contains(query, "WHERE") {
		t.Errorf("条件なしでは WHERE 句を含まないべき: %s", query)
	}
	if !strings.HasSuffix(query, "ORDER BY created_at DESC, id LIMIT $1") {
		t.Errorf("既定の並び順と件数制限が付与されるべき: %s", query)
	}
	if len(args) != 1 || args[0] != defaultFindLimit {
		t.Errorf("引数は既定の件数制限のみであるべき, got %v", args)
	}
}

func TestBuildFindQuery_SweepSelection(t *testing.T) {
	cutoff := time.Now()
	query, args := buildFindQuery(DealFilter{
		Statuses:       model.LiveStatuses,
		VerifiedBefore: &cutoff,
		Sort:           SortVerifyDue,
		Limit:          100,
	})

	for _, want := range []string{
		"status = ANY($1)",
		"(last_verified_at IS NULL OR last_verified_at < $2)",
		"ORDER BY last_verified_at ASC NULLS FIRST",
		"LIMIT $3",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("クエリに %q が含まれるべき: %s", want, query)
		}
	}
	if len(args) != 3 {
		t.Errorf("引数は3個であるべき, got %d", len(args))
	}
}

func TestBuildFindQuery_TitleContainsEscapes(t *testing.T) {
	query, args := buildFindQuery(DealFilter{TitleContains: "50%_off", Sort: SortPrice, Offset: 20})
	if !strings.Contains(query, "title ILIKE '%' || $1 || '%'") {
		t.Errorf("部分一致条件が含まれるべき: %s", query)
	}
	if args[0] != `50\%\_off` {
		t.Errorf("ワイルドカードはエスケープされるべき, got %v", args[0])
	}
	if !strings.Contains(query, "ORDER BY sale_price ASC") || !strings.HasSuffix(query, "OFFSET $3") {
		t.Errorf("並び順とオフセットが付与されるべき: %s", query)
	}
}

func TestPatchAssignments(t *testing.T) {
	sets, args := patchAssignments(DealPatch{
		Status:          lo.ToPtr(model.DealStatusExpired),
		VerifyFailCount: lo.ToPtr(3),
		StatusNote:      lo.ToPtr(""),
	})
	want := []string{"status = $1", "verify_fail_count = $2", "status_note = $3"}
	if strings.Join(sets, ", ") != strings.Join(want, ", ") {
		t.Errorf("SET 句 = %v, want %v", sets, want)
	}
	if args[0] != "expired" || args[1] != 3 {
		t.Errorf("引数が不正: %v", args)
	}
}

func TestDealPatch_IsEmpty(t *testing.T) {
	if !(DealPatch{}).IsEmpty() {
		t.Error("ゼロ値は空であるべき")
	}
	if (DealPatch{IsHot: lo.ToPtr(false)}).IsEmpty() {
		t.Error("フィールドが設定されていれば空であってはならない")
	}
}

func TestDealSort_Valid(t *testing.T) {
	for _, s := range []DealSort{"", SortLatest, SortDiscount, SortPrice} {
		if !s.Valid() {
			t.Errorf("%q は有効であるべき", s)
		}
	}
	if DealSort("random").Valid() {
		t.Error("未定義の並び順は無効であるべき")
	}
	if SortVerifyDue.Valid() {
		t.Error("検証スイープ専用の並び順は公開APIで受け付けないべき")
	}
}
