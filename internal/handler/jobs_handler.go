package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dealman/internal/middleware"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/scheduler"
)

// JobController はジョブの状況確認と手動実行のインターフェース。
// scheduler.Orchestrator が満たす。
type JobController interface {
	Status() []scheduler.JobStatus
	Trigger(ctx context.Context, name string) (bool, error)
}

// JobsHandler はワーカーのジョブ管理APIのHTTPハンドラー。
type JobsHandler struct {
	jobs JobController
}

// NewJobsHandler はJobsHandlerを生成する。
func NewJobsHandler(jobs JobController) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// triggerResponse は手動実行の結果。
type triggerResponse struct {
	Job   string `json:"job"`
	Ran   bool   `json:"ran"`
	Error string `json:"error,omitempty"`
}

// ListJobs はジョブの実行状況を返す。
// GET /admin/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]scheduler.JobStatus{"jobs": h.jobs.Status()})
}

// TriggerJob はジョブを即時実行し、完了まで待つ。
// 実行中の場合は 409、停止処理中は 503 を返す。ジョブ自体の失敗は 200 でエラー内容を返す。
// POST /admin/jobs/{name}/trigger
func (h *JobsHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	ran, err := h.jobs.Trigger(r.Context(), name)
	if errors.Is(err, scheduler.ErrUnknownJob) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     errCodeJobNotFound,
			Message:  "指定されたジョブが見つかりません: " + name,
			Category: "job",
			Action:   "GET /admin/jobs でジョブ名を確認してください。",
		})
		return
	}
	if errors.Is(err, scheduler.ErrStopping) {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Code:     errCodeSchedulerStopping,
			Message:  "ワーカーは停止処理中です",
			Category: "job",
			Action:   "ワーカーの再起動後に再度お試しください。",
		})
		return
	}
	if !ran {
		middleware.WriteErrorResponse(w, http.StatusConflict, &model.APIError{
			Code:     errCodeJobRunning,
			Message:  "ジョブは実行中です: " + name,
			Category: "job",
			Action:   "実行の完了を待ってから再度お試しください。",
		})
		return
	}

	resp := triggerResponse{Job: name, Ran: true}
	if err != nil {
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
