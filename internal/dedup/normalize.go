package dedup

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// leadingTagRe はタイトル先頭の販売店タグ（[쿠팡] や 【11번가】 など）に一致する。
var leadingTagRe = regexp.MustCompile(`^\s*(?:[\[【(（][^\]】)）]{1,20}[\]】)）]\s*)+`)

// NormalizeTitle は重複判定用にタイトルを正規化する。
// NFKCで全角・半角を揃え、大文字小文字を畳み込み、先頭の販売店タグを除き、空白を1つにまとめる。
func NormalizeTitle(title string) string {
	s := norm.NFKC.String(title)
	s = leadingTagRe.ReplaceAllString(s, "")
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
