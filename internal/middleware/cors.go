package middleware

import (
	"net/http"
	"slices"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, PATCH, OPTIONS"
	corsMaxAge       = "86400"
)

// NewCORSMiddleware はカンマ区切りのオリジン一覧に対するCORSミドルウェアを返す。
// 一覧が空ならCORSヘッダーを付与しない。"*" を含む場合は全オリジンを許可し、credentials は許可しない。
// それ以外は一致した Origin をそのまま返す。OPTIONSリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	var origins []string
	for o := range strings.SplitSeq(allowedOrigins, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	wildcard := slices.Contains(origins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch origin := r.Header.Get("Origin"); {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
				setCORSCommon(h)
			case len(origins) > 0:
				h.Add("Vary", "Origin")
				if slices.Contains(origins, origin) {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
					setCORSCommon(h)
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setCORSCommon(h http.Header) {
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ActorHeader+", "+RequestIDHeader)
	h.Set("Access-Control-Max-Age", corsMaxAge)
}
