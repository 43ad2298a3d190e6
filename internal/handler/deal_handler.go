package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dealman/internal/middleware"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/repository"
	"github.com/hitoshi/dealman/internal/review"
)

// DealServiceInterface は公開APIが必要とするサービスインターフェース。
type DealServiceInterface interface {
	// List は公開中の特価を検索する。
	List(ctx context.Context, q review.ListQuery) ([]*model.Deal, error)
	// Get は公開中の特価を1件取得する。
	Get(ctx context.Context, id string) (*model.Deal, error)
}

// DealHandler は公開特価APIのHTTPハンドラー。
type DealHandler struct {
	service DealServiceInterface
}

// NewDealHandler はDealHandlerを生成する。
func NewDealHandler(service DealServiceInterface) *DealHandler {
	return &DealHandler{service: service}
}

// dealResponse は特価情報のAPIレスポンス。
type dealResponse struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	OriginalPrice  float64    `json:"original_price"`
	SalePrice      float64    `json:"sale_price"`
	DiscountRate   float64    `json:"discount_rate"`
	Status         string     `json:"status"`
	IsHot          bool       `json:"is_hot"`
	ProductURL     string     `json:"product_url"`
	SourcePostURL  string     `json:"source_post_url,omitempty"`
	Source         string     `json:"source"`
	Category       string     `json:"category,omitempty"`
	ImageURL       string     `json:"image_url,omitempty"`
	VerifiedPrice  *float64   `json:"verified_price,omitempty"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// adminDealResponse は管理者向けに監査情報を含めた特価レスポンス。
type adminDealResponse struct {
	dealResponse
	VerifyFailCount int    `json:"verify_fail_count"`
	StatusNote      string `json:"status_note,omitempty"`
}

// dealListResponse は特価一覧のレスポンス。
type dealListResponse struct {
	Deals  []dealResponse `json:"deals"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListDeals は公開中の特価一覧を返す。
// GET /api/deals?source=&category=&q=&sort=latest|discount|price&limit=&offset=
func (h *DealHandler) ListDeals(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseListQuery(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	deals, err := h.service.List(r.Context(), q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := dealListResponse{
		Deals:  make([]dealResponse, 0, len(deals)),
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	for _, d := range deals {
		resp.Deals = append(resp.Deals, toDealResponse(d))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetDeal は公開中の特価を1件返す。
// GET /api/deals/{id}
func (h *DealHandler) GetDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toDealResponse(deal))
}

// --- ヘルパー関数 ---

// parseListQuery はクエリパラメータから一覧取得条件を組み立てる。
func parseListQuery(r *http.Request) (review.ListQuery, *model.APIError) {
	v := r.URL.Query()
	q := review.ListQuery{
		Source:   v.Get("source"),
		Category: v.Get("category"),
		Query:    v.Get("q"),
		Sort:     repository.DealSort(v.Get("sort")),
		Limit:    review.DefaultLimit,
	}

	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, model.NewInvalidFilterError("limit=" + s)
		}
		q.Limit = min(n, review.MaxLimit)
	}
	if s := v.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, model.NewInvalidFilterError("offset=" + s)
		}
		q.Offset = n
	}
	return q, nil
}

// toDealResponse はmodel.DealからAPIレスポンスに変換する。
func toDealResponse(d *model.Deal) dealResponse {
	return dealResponse{
		ID:             d.ID,
		Title:          d.Title,
		OriginalPrice:  d.OriginalPrice,
		SalePrice:      d.SalePrice,
		DiscountRate:   d.DiscountRate,
		Status:         string(d.Status),
		IsHot:          d.IsHot,
		ProductURL:     d.ProductURL,
		SourcePostURL:  d.SourcePostURL,
		Source:         d.Source,
		Category:       d.Category,
		ImageURL:       d.ImageURL,
		VerifiedPrice:  d.VerifiedPrice,
		LastVerifiedAt: d.LastVerifiedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func toAdminDealResponse(d *model.Deal) adminDealResponse {
	return adminDealResponse{
		dealResponse:    toDealResponse(d),
		VerifyFailCount: d.VerifyFailCount,
		StatusNote:      d.StatusNote,
	}
}
