// Package review は管理者による審査操作と、公開向けの読み取り操作を提供する。
// ステータスの変更はすべてライフサイクルの遷移表を通して行う。
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/dealman/internal/dedup"
	"github.com/hitoshi/dealman/internal/lifecycle"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/repository"
)

// 一覧取得の件数
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Service は審査・公開読み取りのサービス。
type Service struct {
	deals        repository.DealRepository
	logger       *slog.Logger
	hotThreshold float64
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(deals repository.DealRepository, logger *slog.Logger, hotThreshold float64) *Service {
	if hotThreshold <= 0 {
		hotThreshold = 20
	}
	return &Service{
		deals:        deals,
		logger:       logger,
		hotThreshold: hotThreshold,
		now:          time.Now,
	}
}

// ListQuery は一覧取得の条件。
type ListQuery struct {
	Source   string
	Category string
	Query    string
	Sort     repository.DealSort
	Limit    int
	Offset   int
}

func (q ListQuery) filter(statuses []model.DealStatus) (repository.DealFilter, error) {
	if !q.Sort.Valid() {
		return repository.DealFilter{}, model.NewInvalidFilterError("sort=" + string(q.Sort))
	}
	if q.Offset < 0 {
		return repository.DealFilter{}, model.NewInvalidFilterError("offset")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return repository.DealFilter{
		Statuses:      statuses,
		Source:        q.Source,
		Category:      q.Category,
		TitleContains: strings.TrimSpace(q.Query),
		Sort:          q.Sort,
		Limit:         limit,
		Offset:        q.Offset,
	}, nil
}

// List は公開中（active / price_changed）の特価を返す。
func (s *Service) List(ctx context.Context, q ListQuery) ([]*model.Deal, error) {
	filter, err := q.filter(model.LiveStatuses)
	if err != nil {
		return nil, err
	}
	deals, err := s.deals.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("特価一覧の取得に失敗しました: %w", err)
	}
	return deals, nil
}

// Get は公開中の特価を1件返す。公開対象外のステータスは存在しないものとして扱う。
func (s *Service) Get(ctx context.Context, id string) (*model.Deal, error) {
	deal, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !deal.Status.IsLive() {
		return nil, model.NewDealNotFoundError(id)
	}
	return deal, nil
}

// ListPending は審査待ちの特価を返す。
func (s *Service) ListPending(ctx context.Context, q ListQuery) ([]*model.Deal, error) {
	filter, err := q.filter([]model.DealStatus{model.DealStatusPending})
	if err != nil {
		return nil, err
	}
	deals, err := s.deals.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("審査待ち一覧の取得に失敗しました: %w", err)
	}
	return deals, nil
}

// Approve は審査待ちの特価を公開する。審査待ち以外は承認できない。
func (s *Service) Approve(ctx context.Context, id, actor string) (*model.Deal, error) {
	deal, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	// active -> active は遷移表上は許可されるため、承認は審査待ちに限定する
	if deal.Status != model.DealStatusPending {
		return nil, model.NewIllegalTransitionError(deal.Status, model.DealStatusActive)
	}
	// 取り込み後に価格が変わっている可能性があるため公開時に再検証する
	if err := model.CheckIronRule(deal.OriginalPrice, deal.SalePrice); err != nil {
		return nil, model.NewIronRuleError(deal.OriginalPrice, deal.SalePrice)
	}
	rate := model.DiscountRate(deal.OriginalPrice, deal.SalePrice)
	hot := rate >= s.hotThreshold
	note := appendNote(deal.StatusNote, "approved by "+actor)
	if err := s.transition(ctx, deal, model.DealStatusActive, note, repository.DealPatch{
		DiscountRate: &rate,
		IsHot:        &hot,
	}); err != nil {
		return nil, err
	}
	deal.DiscountRate = rate
	deal.IsHot = hot
	s.logger.Info("特価を承認しました",
		slog.String("deal_id", id),
		slog.String("actor", actor),
		slog.Bool("audit", true),
	)
	return deal, nil
}

// Reject は審査待ちの特価を却下する。
func (s *Service) Reject(ctx context.Context, id, reason, actor string) (*model.Deal, error) {
	deal, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	note := "rejected by " + actor
	if reason != "" {
		note += ": " + reason
	}
	if err := s.transition(ctx, deal, model.DealStatusRejected, note, repository.DealPatch{}); err != nil {
		return nil, err
	}
	s.logger.Info("特価を却下しました",
		slog.String("deal_id", id),
		slog.String("actor", actor),
		slog.String("reason", reason),
		slog.Bool("audit", true),
	)
	return deal, nil
}

// PatchFields は管理者が変更できる項目。nil の項目は変更しない。
type PatchFields struct {
	Title         *string           `json:"title"`
	OriginalPrice *float64          `json:"original_price"`
	SalePrice     *float64          `json:"sale_price"`
	Category      *string           `json:"category"`
	ImageURL      *string           `json:"image_url"`
	Status        *model.DealStatus `json:"status"`
	Note          *string           `json:"note"`
}

// Patch は特価の項目を変更する。
// 価格を変更した場合は割引率を再計算し、元値が販売価格を上回ることを再検証する。
// ステータスの変更は遷移表で許可されたものに限る。
func (s *Service) Patch(ctx context.Context, id string, fields PatchFields, actor string) (*model.Deal, error) {
	deal, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	patch, err := s.buildPatch(deal, fields)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return nil, model.NewInvalidPatchError("変更する項目がありません")
	}
	if err := s.deals.Update(ctx, id, patch); err != nil {
		return nil, s.updateError(id, err)
	}
	patch.ApplyTo(deal)

	s.logger.Info("特価を更新しました",
		slog.String("deal_id", id),
		slog.String("actor", actor),
		slog.String("status", string(deal.Status)),
		slog.Bool("audit", true),
	)
	return deal, nil
}

func (s *Service) buildPatch(deal *model.Deal, fields PatchFields) (repository.DealPatch, error) {
	var patch repository.DealPatch

	if fields.Title != nil {
		title := strings.TrimSpace(*fields.Title)
		if title == "" {
			return patch, model.NewInvalidPatchError("title は空にできません")
		}
		key := dedup.NormalizeTitle(title)
		patch.Title = &title
		patch.TitleKey = &key
	}
	if fields.Category != nil {
		patch.Category = fields.Category
	}
	if fields.ImageURL != nil {
		patch.ImageURL = fields.ImageURL
	}

	if fields.OriginalPrice != nil || fields.SalePrice != nil {
		original, sale := deal.OriginalPrice, deal.SalePrice
		if fields.OriginalPrice != nil {
			original = *fields.OriginalPrice
		}
		if fields.SalePrice != nil {
			sale = *fields.SalePrice
		}
		if original < 0 || sale < 0 {
			return patch, model.NewInvalidPatchError("価格に負の値は指定できません")
		}
		if err := model.CheckIronRule(original, sale); err != nil {
			return patch, model.NewIronRuleError(original, sale)
		}
		rate := model.DiscountRate(original, sale)
		hot := rate >= s.hotThreshold
		patch.OriginalPrice = &original
		patch.SalePrice = &sale
		patch.DiscountRate = &rate
		patch.IsHot = &hot
	}

	note := deal.StatusNote
	if fields.Note != nil {
		note = strings.TrimSpace(*fields.Note)
		patch.StatusNote = &note
	}

	if fields.Status != nil && *fields.Status != deal.Status {
		to := *fields.Status
		if !to.Valid() {
			return patch, model.NewInvalidPatchError("status=" + string(to))
		}
		if deal.Status == model.DealStatusPending && to == model.DealStatusActive {
			// 承認は Approve を通す
			return patch, model.NewInvalidPatchError("審査待ちの特価は approve で公開してください")
		}
		working := *deal
		if err := lifecycle.Transition(&working, to, note, s.now()); err != nil {
			return patch, model.NewIllegalTransitionError(deal.Status, to)
		}
		patch.Status = &working.Status
		patch.StatusNote = &working.StatusNote
	}
	return patch, nil
}

// Stats はステータスごとの件数を返す。未登録のステータスは0として含める。
func (s *Service) Stats(ctx context.Context) (map[model.DealStatus]int, error) {
	counts, err := s.deals.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("ステータス別件数の取得に失敗しました: %w", err)
	}
	out := make(map[model.DealStatus]int, 5)
	for _, st := range []model.DealStatus{
		model.DealStatusPending,
		model.DealStatusActive,
		model.DealStatusPriceChanged,
		model.DealStatusExpired,
		model.DealStatusRejected,
	} {
		out[st] = counts[st]
	}
	return out, nil
}

func (s *Service) find(ctx context.Context, id string) (*model.Deal, error) {
	deal, err := s.deals.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("特価の取得に失敗しました: %w", err)
	}
	if deal == nil {
		return nil, model.NewDealNotFoundError(id)
	}
	return deal, nil
}

// transition はステータス遷移を patch に加えて1回の更新で永続化する。
func (s *Service) transition(ctx context.Context, deal *model.Deal, to model.DealStatus, note string, patch repository.DealPatch) error {
	from := deal.Status
	if err := lifecycle.Transition(deal, to, note, s.now()); err != nil {
		return model.NewIllegalTransitionError(from, to)
	}
	patch.Status = &deal.Status
	patch.StatusNote = &deal.StatusNote
	if err := s.deals.Update(ctx, deal.ID, patch); err != nil {
		return s.updateError(deal.ID, err)
	}
	return nil
}

func (s *Service) updateError(id string, err error) error {
	if errors.Is(err, model.ErrDealNotFound) {
		return model.NewDealNotFoundError(id)
	}
	return fmt.Errorf("%w: %w", model.ErrPersistence, err)
}

func appendNote(note, add string) string {
	if note == "" {
		return add
	}
	return note + "; " + add
}
