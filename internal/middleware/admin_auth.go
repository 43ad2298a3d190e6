// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/dealman/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// actorContextKey はリクエストコンテキストに操作者名を格納するためのキー。
var actorContextKey = contextKey("actor")

// ActorHeader は監査ログに記録する操作者名を指定するヘッダー。
const ActorHeader = "X-Admin-Actor"

const defaultActor = "admin"

// NewAdminAuthMiddleware は Authorization: Bearer <token> を検証するミドルウェアを返す。
// 検証に成功したリクエストには操作者名をコンテキストに注入する。
// token が空の場合はすべてのリクエストを拒否する。
func NewAdminAuthMiddleware(token string) func(next http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			if !ok || len(expected) == 0 || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				slog.Warn("admin authentication failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("client", ClientKey(r)),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     "UNAUTHORIZED",
					Message:  "管理者認証が必要です。",
					Category: "auth",
					Action:   "Authorization ヘッダーに管理者トークンを指定してください。",
				})
				return
			}

			actor := strings.TrimSpace(r.Header.Get(ActorHeader))
			if actor == "" {
				actor = defaultActor
			}
			if info, ok := r.Context().Value(requestInfoContextKey).(*requestInfo); ok {
				info.actor = actor
			}
			ctx := context.WithValue(r.Context(), actorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// ActorFromContext はリクエストコンテキストから操作者名を取得する。
// 管理者認証ミドルウェアを通過したリクエストでのみ有効。
func ActorFromContext(ctx context.Context) (string, error) {
	actor, ok := ctx.Value(actorContextKey).(string)
	if !ok || actor == "" {
		return "", fmt.Errorf("actor not found in context")
	}
	return actor, nil
}

// ContextWithActor はコンテキストに操作者名を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}
