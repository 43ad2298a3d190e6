package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dealman/internal/middleware"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/review"
)

// AdminServiceInterface は審査APIが必要とするサービスインターフェース。
// ステータス変更はすべてサービス側でライフサイクルの遷移表を通す。
type AdminServiceInterface interface {
	ListPending(ctx context.Context, q review.ListQuery) ([]*model.Deal, error)
	Approve(ctx context.Context, id, actor string) (*model.Deal, error)
	Reject(ctx context.Context, id, reason, actor string) (*model.Deal, error)
	Patch(ctx context.Context, id string, fields review.PatchFields, actor string) (*model.Deal, error)
	Stats(ctx context.Context) (map[model.DealStatus]int, error)
}

// AdminHandler は管理者向け審査APIのHTTPハンドラー。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

// rejectRequest は却下リクエストのボディ。
type rejectRequest struct {
	Reason string `json:"reason"`
}

// adminDealListResponse は審査待ち一覧のレスポンス。
type adminDealListResponse struct {
	Deals  []adminDealResponse `json:"deals"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// statsResponse はステータス別件数のレスポンス。
type statsResponse struct {
	Counts map[model.DealStatus]int `json:"counts"`
	Total  int                      `json:"total"`
}

// ListPending は審査待ちの特価一覧を返す。
// GET /admin/deals/pending
func (h *AdminHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseListQuery(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	deals, err := h.service.ListPending(r.Context(), q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	out := make([]adminDealResponse, 0, len(deals))
	for _, d := range deals {
		out = append(out, toAdminDealResponse(d))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(adminDealListResponse{
		Deals:  out,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
}

// Approve は審査待ちの特価を公開する。
// POST /admin/deals/{id}/approve
func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	deal, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeAdminDeal(w, deal)
}

// Reject は審査待ちの特価を却下する。ボディは省略できる。
// POST /admin/deals/{id}/reject
func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeInvalidJSON(w)
		return
	}

	deal, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFrom(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeAdminDeal(w, deal)
}

// Patch は特価の項目を変更する。
// PATCH /admin/deals/{id}
func (h *AdminHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var fields review.PatchFields
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fields); err != nil {
		writeInvalidJSON(w)
		return
	}

	deal, err := h.service.Patch(r.Context(), chi.URLParam(r, "id"), fields, actorFrom(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeAdminDeal(w, deal)
}

// Stats はステータス別件数を返す。
// GET /admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.Stats(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := statsResponse{Counts: counts}
	for _, n := range counts {
		resp.Total += n
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeAdminDeal(w http.ResponseWriter, deal *model.Deal) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toAdminDealResponse(deal))
}

// actorFrom は認証ミドルウェアが注入した操作者名を返す。
func actorFrom(r *http.Request) string {
	actor, err := middleware.ActorFromContext(r.Context())
	if err != nil {
		return "unknown"
	}
	return actor
}
