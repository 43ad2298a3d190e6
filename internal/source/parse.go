package source

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	minKRWPrice = 500
	maxKRWPrice = 50_000_000
)

var (
	// 状態が確定した投稿（終了・広告など）は取り込まない
	closedKeywords = []string{"완료", "종료", "마감", "삭제", "광고", "공지"}

	bumpRe     = regexp.MustCompile(`(?i)^\s*[(（\[【]?\s*끌올\s*[)）\]】]?\s*`)
	retailerRe = regexp.MustCompile(`^\s*[\[(【]([^\]）)】]{1,20})[\])】]\s*`)

	arrowPriceRe   = regexp.MustCompile(`([0-9][0-9,]*)\s*원?\s*(?:→|->|⇒|▶)\s*([0-9][0-9,]*)\s*원`)
	bracketPriceRe = regexp.MustCompile(`[(（\[]([0-9][0-9,]*)원[^)）\]]{0,15}[)）\]]`)
	plainPriceRe   = regexp.MustCompile(`([0-9][0-9,]*)\s*원`)
	wonSignRe      = regexp.MustCompile(`₩\s*([0-9][0-9,]*)`)
	usdPriceRe     = regexp.MustCompile(`\$\s*([0-9]+(?:\.[0-9]+)?)`)
	freeRe         = regexp.MustCompile(`[(（]\s*무료\s*/\s*무료\s*[)）]|[(（]\s*무료\s*[)）]`)
	discountRe     = regexp.MustCompile(`(?i)(\d{1,2})\s*%\s*(?:할인|off|세일)`)

	priceTagRe   = regexp.MustCompile(`(?i)[(（][^)）]{0,50}(?:원|free|배송)[^)）]{0,20}[)）]`)
	extraTagRe   = regexp.MustCompile(`\[[^\]]{1,15}\]`)
	arrowStripRe = regexp.MustCompile(`[0-9][0-9,]*\s*원?\s*(?:→|->|⇒|▶)\s*[0-9][0-9,]*\s*원`)
)

// TitleInfo はコミュニティ投稿タイトルから読み取った情報。
type TitleInfo struct {
	Retailer        string
	Title           string
	Sale            float64
	Original        *float64
	DiscountPercent *float64
	Free            bool
	PriceFound      bool
	Overseas        bool
}

// ParseTitle は "[쿠팡] 상품명 (12,900원/무료)" 形式のタイトルから価格と販売店を取り出す。
// 終了済みの投稿は ok=false を返す。
func ParseTitle(raw string) (TitleInfo, bool) {
	for _, kw := range closedKeywords {
		if strings.Contains(raw, kw) {
			return TitleInfo{}, false
		}
	}
	clean := strings.TrimSpace(bumpRe.ReplaceAllString(raw, ""))
	if clean == "" {
		return TitleInfo{}, false
	}

	var info TitleInfo
	body := clean
	if m := retailerRe.FindStringSubmatchIndex(clean); m != nil {
		info.Retailer = strings.TrimSpace(clean[m[2]:m[3]])
		body = strings.TrimSpace(clean[m[1]:])
	}

	if m := arrowPriceRe.FindStringSubmatch(clean); m != nil {
		from, okFrom := parseKRW(m[1])
		to, okTo := parseKRW(m[2])
		if okFrom && okTo {
			info.Sale = to
			info.PriceFound = true
			if from > to {
				info.Original = &from
			}
		}
	}
	if !info.PriceFound {
		if v, ok := findKRW(clean); ok {
			info.Sale = v
			info.PriceFound = true
		}
	}
	if !info.PriceFound && freeRe.MatchString(clean) {
		info.Free = true
		info.PriceFound = true
	}
	// ドル建ての投稿は海外販売として扱い、検証で除外させる
	if !info.PriceFound {
		if m := usdPriceRe.FindStringSubmatch(clean); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
				info.Sale = v
				info.PriceFound = true
				info.Overseas = true
			}
		}
	}

	if m := discountRe.FindStringSubmatch(clean); m != nil {
		if rate, err := strconv.ParseFloat(m[1], 64); err == nil && rate >= 5 && rate <= 95 {
			info.DiscountPercent = &rate
		}
	} else if strings.Contains(clean, "반값") {
		half := 50.0
		info.DiscountPercent = &half
	}

	info.Title = displayTitle(body)
	return info, true
}

func findKRW(s string) (float64, bool) {
	for _, re := range []*regexp.Regexp{bracketPriceRe, plainPriceRe, wonSignRe} {
		for _, m := range re.FindAllStringSubmatch(s, -1) {
			if v, ok := parseKRW(m[1]); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func parseKRW(s string) (float64, bool) {
	v, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil || v < minKRWPrice || v > maxKRWPrice {
		return 0, false
	}
	return float64(v), true
}

// displayTitle は価格・配送表記と付加タグを取り除いた表示用タイトルを返す。
func displayTitle(body string) string {
	s := arrowStripRe.ReplaceAllString(body, "")
	s = priceTagRe.ReplaceAllString(s, "")
	s = extraTagRe.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return strings.TrimSpace(body)
	}
	return s
}
