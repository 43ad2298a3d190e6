package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/dealman/internal/middleware"
	"github.com/hitoshi/dealman/internal/model"
)

// ジョブ操作のエラーコード
const (
	errCodeJobNotFound       = "JOB_NOT_FOUND"
	errCodeJobRunning        = "JOB_RUNNING"
	errCodeSchedulerStopping = "SCHEDULER_STOPPING"
)

// writeInvalidJSON はリクエストボディの解析失敗を返す。
func writeInvalidJSON(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// 詳細はログにのみ残し、クライアントには汎用メッセージを返す
	slog.LogAttrs(r.Context(), slog.LevelError, "internal server error",
		slog.String("request_id", w.Header().Get(middleware.RequestIDHeader)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeDealNotFound, errCodeJobNotFound:
		return http.StatusNotFound
	case model.ErrCodeIllegalTransition, errCodeJobRunning:
		return http.StatusConflict
	case model.ErrCodeIronRule:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidPatch, model.ErrCodeInvalidFilter, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
