package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"

	"github.com/hitoshi/dealman/internal/model"
)

func seedDeal(t *testing.T, r *MemoryDealRepo, d model.Deal) *model.Deal {
	t.Helper()
	stored, err := r.Insert(context.Background(), &d)
	if err != nil {
		t.Fatalf("Insert() がエラーを返した: %v", err)
	}
	return stored
}

func TestMemoryDealRepo_InsertAssignsID(t *testing.T) {
	r := NewMemoryDealRepo()
	d := seedDeal(t, r, model.Deal{Title: "에어팟", Status: model.DealStatusActive})
	if d.ID == "" {
		t.Fatal("IDが採番されるべき")
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
		t.Error("作成日時・更新日時が補完されるべき")
	}

	got, err := r.FindByID(context.Background(), d.ID)
	if err != nil || got == nil {
		t.Fatalf("FindByID() = %v, %v", got, err)
	}
	if got.Title != "에어팟" {
		t.Errorf("Title = %q, want %q", got.Title, "에어팟")
	}
}

func TestMemoryDealRepo_FindByIDMissing(t *testing.T) {
	r := NewMemoryDealRepo()
	got, err := r.FindByID(context.Background(), "missing")
	if err != nil || got != nil {
		t.Errorf("存在しないIDは (nil, nil) を返すべき, got (%v, %v)", got, err)
	}
}

func TestMemoryDealRepo_UpdateMissing(t *testing.T) {
	r := NewMemoryDealRepo()
	err := r.Update(context.Background(), "missing", DealPatch{IsHot: lo.ToPtr(true)})
	if !errors.Is(err, model.ErrDealNotFound) {
		t.Errorf("ErrDealNotFound を返すべき, got %v", err)
	}
}

func TestMemoryDealRepo_UpdateAppliesPatch(t *testing.T) {
	r := NewMemoryDealRepo()
	d := seedDeal(t, r, model.Deal{Title: "에어팟", Status: model.DealStatusActive, VerifyFailCount: 2})
	now := time.Now()

	err := r.Update(context.Background(), d.ID, DealPatch{
		Status:          lo.ToPtr(model.DealStatusPriceChanged),
		VerifyFailCount: lo.ToPtr(0),
		LastVerifiedAt:  &now,
		VerifiedPrice:   lo.ToPtr(12000.0),
	})
	if err != nil {
		t.Fatalf("Update() がエラーを返した: %v", err)
	}

	got, _ := r.FindByID(context.Background(), d.ID)
	if got.Status != model.DealStatusPriceChanged || got.VerifyFailCount != 0 {
		t.Errorf("更新内容が反映されるべき, got status=%s fail=%d", got.Status, got.VerifyFailCount)
	}
	if got.VerifiedPrice == nil || *got.VerifiedPrice != 12000 {
		t.Errorf("VerifiedPrice が反映されるべき, got %v", got.VerifiedPrice)
	}
	if got.Title != "에어팟" {
		t.Error("パッチに含まれないフィールドは変更されてはならない")
	}
}

func TestMemoryDealRepo_FindFilters(t *testing.T) {
	r := NewMemoryDealRepo()
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-time.Minute)

	seedDeal(t, r, model.Deal{Title: "Widget X", TitleKey: "widget x", Status: model.DealStatusActive, Source: "a", ProductURL: "u1", LastVerifiedAt: &old})
	seedDeal(t, r, model.Deal{Title: "Widget Y", TitleKey: "widget y", Status: model.DealStatusPriceChanged, Source: "b", ProductURL: "u2"})
	seedDeal(t, r, model.Deal{Title: "Gadget", TitleKey: "gadget", Status: model.DealStatusActive, Source: "a", ProductURL: "u3", LastVerifiedAt: &recent})
	seedDeal(t, r, model.Deal{Title: "Widget Z", TitleKey: "widget z", Status: model.DealStatusExpired, Source: "a", ProductURL: "u4"})

	ctx := context.Background()
	cutoff := time.Now().Add(-30 * time.Minute)

	tests := []struct {
		name   string
		filter DealFilter
		want   int
	}{
		{"全件", DealFilter{}, 4},
		{"公開中", DealFilter{Statuses: model.LiveStatuses}, 3},
		{"ソース", DealFilter{Source: "a"}, 3},
		{"タイトル部分一致", DealFilter{TitleContains: "widget"}, 3},
		{"正規化タイトル", DealFilter{TitleKey: "widget x"}, 1},
		{"商品URL", DealFilter{ProductURL: "u2"}, 1},
		{"未検証または古い", DealFilter{Statuses: model.LiveStatuses, VerifiedBefore: &cutoff}, 2},
		{"件数制限", DealFilter{Limit: 2}, 2},
		{"オフセット超過", DealFilter{Offset: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Find(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Find() がエラーを返した: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("件数 = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestMemoryDealRepo_FindLastOKBefore(t *testing.T) {
	r := NewMemoryDealRepo()
	now := time.Now()
	r.now = func() time.Time { return now.Add(-96 * time.Hour) }
	stale := seedDeal(t, r, model.Deal{Title: "오래된 특가", Status: model.DealStatusActive})
	okAt := now.Add(-time.Hour)
	seedDeal(t, r, model.Deal{Title: "최근 검증", Status: model.DealStatusActive, VerifiedOKAt: &okAt})

	window := now.Add(-72 * time.Hour)
	got, err := r.Find(context.Background(), DealFilter{LastOKBefore: &window})
	if err != nil {
		t.Fatalf("Find() がエラーを返した: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Errorf("検証成功のない古い特価のみ返すべき, got %d件", len(got))
	}
}

func TestMemoryDealRepo_SortDiscount(t *testing.T) {
	r := NewMemoryDealRepo()
	seedDeal(t, r, model.Deal{Title: "a", DiscountRate: 15})
	seedDeal(t, r, model.Deal{Title: "b", DiscountRate: 40})
	seedDeal(t, r, model.Deal{Title: "c", DiscountRate: 25})

	got, _ := r.Find(context.Background(), DealFilter{Sort: SortDiscount})
	if got[0].Title != "b" || got[2].Title != "a" {
		t.Errorf("割引率の高い順に並ぶべき, got %s, %s, %s", got[0].Title, got[1].Title, got[2].Title)
	}
}

func TestMemoryDealRepo_SortVerifyDue(t *testing.T) {
	r := NewMemoryDealRepo()
	now := time.Now()
	older, newer := now.Add(-3*time.Hour), now.Add(-time.Hour)
	seedDeal(t, r, model.Deal{Title: "newer", LastVerifiedAt: &newer})
	seedDeal(t, r, model.Deal{Title: "never"})
	seedDeal(t, r, model.Deal{Title: "older", LastVerifiedAt: &older})

	got, _ := r.Find(context.Background(), DealFilter{Sort: SortVerifyDue})
	titles := lo.Map(got, func(d *model.Deal, _ int) string { return d.Title })
	if len(titles) != 3 || titles[0] != "never" || titles[1] != "older" || titles[2] != "newer" {
		t.Errorf("未検証を先頭に最終検証日時の古い順に並ぶべき, got %v", titles)
	}
}

func TestMemoryDealRepo_CountByStatus(t *testing.T) {
	r := NewMemoryDealRepo()
	seedDeal(t, r, model.Deal{Status: model.DealStatusActive})
	seedDeal(t, r, model.Deal{Status: model.DealStatusActive})
	seedDeal(t, r, model.Deal{Status: model.DealStatusPending})

	counts, err := r.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus() がエラーを返した: %v", err)
	}
	if counts[model.DealStatusActive] != 2 || counts[model.DealStatusPending] != 1 {
		t.Errorf("件数が不正: %v", counts)
	}
}

func TestMemoryDealRepo_ReturnsCopies(t *testing.T) {
	r := NewMemoryDealRepo()
	d := seedDeal(t, r, model.Deal{Title: "원본", Status: model.DealStatusActive})
	d.Title = "변경"

	got, _ := r.FindByID(context.Background(), d.ID)
	if got.Title != "원본" {
		t.Error("返却値の変更がストアに影響してはならない")
	}
}
