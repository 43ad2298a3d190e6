package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/hitoshi/dealman/internal/model"
)

// MemoryDealRepo はプロセス内メモリに特価を保持するテスト用のリポジトリ。
// PostgresDealRepo と同じ検索条件を解釈する。複数パッケージのテストから使うため _test.go には置かない。
// 本番の起動経路からは参照しない。
type MemoryDealRepo struct {
	mu    sync.RWMutex
	deals map[string]*model.Deal
	now   func() time.Time
}

// NewMemoryDealRepo はMemoryDealRepoを生成する。
func NewMemoryDealRepo() *MemoryDealRepo {
	return &MemoryDealRepo{
		deals: make(map[string]*model.Deal),
		now:   time.Now,
	}
}

// Insert は特価を登録する。IDが空の場合は採番する。
func (r *MemoryDealRepo) Insert(_ context.Context, deal *model.Deal) (*model.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *deal
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	r.deals[stored.ID] = &stored

	out := stored
	return &out, nil
}

// Update は部分更新を適用する。
func (r *MemoryDealRepo) Update(_ context.Context, id string, patch DealPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deals[id]
	if !ok {
		return model.ErrDealNotFound
	}
	patch.ApplyTo(d)
	d.UpdatedAt = r.now()
	return nil
}

// FindByID は指定IDの特価を取得する。見つからない場合はnilを返す。
func (r *MemoryDealRepo) FindByID(_ context.Context, id string) (*model.Deal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deals[id]
	if !ok {
		return nil, nil
	}
	out := *d
	return &out, nil
}

// Find は条件に一致する特価を取得する。
func (r *MemoryDealRepo) Find(_ context.Context, filter DealFilter) ([]*model.Deal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*model.Deal
	for _, d := range r.deals {
		if matchFilter(d, filter) {
			out := *d
			matched = append(matched, &out)
		}
	}

	sortDeals(matched, filter.Sort)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// CountByStatus はステータスごとの件数を返す。
func (r *MemoryDealRepo) CountByStatus(_ context.Context) (map[model.DealStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[model.DealStatus]int)
	for _, d := range r.deals {
		counts[d.Status]++
	}
	return counts, nil
}

func matchFilter(d *model.Deal, f DealFilter) bool {
	if len(f.Statuses) > 0 && !lo.Contains(f.Statuses, d.Status) {
		return false
	}
	if f.Source != "" && d.Source != f.Source {
		return false
	}
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.TitleContains != "" && !strings.Contains(strings.ToLower(d.Title), strings.ToLower(f.TitleContains)) {
		return false
	}
	if f.TitleKey != "" && d.TitleKey != f.TitleKey {
		return false
	}
	if f.ProductURL != "" && d.ProductURL != f.ProductURL {
		return false
	}
	if f.SourcePostURL != "" && d.SourcePostURL != f.SourcePostURL {
		return false
	}
	if f.CreatedAfter != nil && !d.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !d.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.VerifiedBefore != nil && d.LastVerifiedAt != nil && !d.LastVerifiedAt.Before(*f.VerifiedBefore) {
		return false
	}
	if f.LastOKBefore != nil {
		last := d.CreatedAt
		if d.VerifiedOKAt != nil {
			last = *d.VerifiedOKAt
		}
		if !last.Before(*f.LastOKBefore) {
			return false
		}
	}
	return true
}

func sortDeals(deals []*model.Deal, s DealSort) {
	sort.SliceStable(deals, func(i, j int) bool {
		switch s {
		case SortDiscount:
			if deals[i].DiscountRate != deals[j].DiscountRate {
				return deals[i].DiscountRate > deals[j].DiscountRate
			}
		case SortPrice:
			if deals[i].SalePrice != deals[j].SalePrice {
				return deals[i].SalePrice < deals[j].SalePrice
			}
		case SortVerifyDue:
			a, b := deals[i].LastVerifiedAt, deals[j].LastVerifiedAt
			switch {
			case a == nil && b != nil:
				return true
			case a != nil && b == nil:
				return false
			case a != nil && !a.Equal(*b):
				return a.Before(*b)
			}
			if !deals[i].CreatedAt.Equal(deals[j].CreatedAt) {
				return deals[i].CreatedAt.Before(deals[j].CreatedAt)
			}
			return deals[i].ID < deals[j].ID
		}
		if !deals[i].CreatedAt.Equal(deals[j].CreatedAt) {
			return deals[i].CreatedAt.After(deals[j].CreatedAt)
		}
		return deals[i].ID < deals[j].ID
	})
}

var _ DealRepository = (*MemoryDealRepo)(nil)
