package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は外部ソース由来の文字列を保存前に無害化する。
type TextSanitizerService interface {
	// SanitizeText はHTMLタグを全て取り除き、実体参照を戻し、空白を1つにまとめる。
	SanitizeText(raw string) string
	// SanitizeURL は http/https の絶対URLのみを返し、それ以外は空文字列を返す。
	SanitizeURL(raw string) string
}

// TextSanitizer はbluemondayのStrictPolicyによるTextSanitizerServiceの実装。
// Policyはスレッドセーフなので1インスタンスを共有してよい。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer は新しいTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

var _ TextSanitizerService = (*TextSanitizer)(nil)

// SanitizeText はタイトルやカテゴリ名を平文に変換する。
func (s *TextSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは & などを再エスケープするため、平文として保存する前に戻す
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(stripped), " ")
}

// SanitizeURL は画像URLや商品URLを検証する。
func (s *TextSanitizer) SanitizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String()
	default:
		return ""
	}
}
