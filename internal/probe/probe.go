// Package probe は商品ページの生存確認と、コミュニティ元記事の終了検知を提供する。
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// DefaultTimeout は1リクエストあたりの既定タイムアウト。
	DefaultTimeout = 5 * time.Second
	// maxBodyBytes は元記事本文の読み取り上限。
	maxBodyBytes = 2 << 20
	// tailRunes はコメント欄とみなす末尾の文字数。
	tailRunes = 2000
	// tailRepeatThreshold は末尾で同じ終了語がこの回数以上出現したら終了とみなす。
	tailRepeatThreshold = 3
)

const userAgent = "Mozilla/5.0 (compatible; DealmanBot/1.0)"

// expiryKeywords は元記事本文に含まれていれば終了とみなす語句。
var expiryKeywords = []string{
	"종료되었습니다", "종료됐습니다", "딜이 종료", "핫딜종료", "마감되었",
	"품절되었", "품절입니다", "품절됐", "sold out", "soldout",
	"삭제된 게시물", "게시물이 없습니다", "존재하지 않는", "찾을 수 없", "페이지를 찾을 수",
	"판매가 종료", "판매종료", "구매불가", "취소되었", "취소됐",
	"행사가 종료", "이벤트가 종료", "프로모션이 종료",
	"남은 수량 없", "재고 없", "재고없음",
}

var expiryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`품절[이가]?\s*됐|품절이?\s*되었`),
	regexp.MustCompile(`핫딜\s*(종료|마감)`),
	regexp.MustCompile(`(딜|행사|이벤트)\s*(종료|마감)\s*됐`),
}

// tailKeywords はコメント欄での繰り返しを数える語句。
var tailKeywords = []string{"품절", "종료", "sold out", "마감"}

// URLValidator はリクエスト前の静的URL検証。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// LivenessChecker は検証スイープが利用する生存確認インターフェース。
type LivenessChecker interface {
	Liveness(ctx context.Context, url string) bool
	OriginRemoved(ctx context.Context, url string) (bool, string, error)
}

// Prober は外部ページへの軽量なHTTPプローブ。
type Prober struct {
	client    *http.Client
	validator URLValidator
	timeout   time.Duration
	logger    *slog.Logger
}

var _ LivenessChecker = (*Prober)(nil)

// NewProber は新しいProberを生成する。client にはSSRF防止付きクライアントを渡す。
// validator が nil の場合は静的検証を行わない。
func NewProber(client *http.Client, validator URLValidator, timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		client:    client,
		validator: validator,
		timeout:   timeout,
		logger:    logger,
	}
}

// Liveness は商品ページが到達可能かを返す。
// HEADを送り、405の場合はGETで再試行する。リダイレクト後のステータスが400未満なら生存とみなす。
func (p *Prober) Liveness(ctx context.Context, url string) bool {
	if err := p.validate(url); err != nil {
		p.logger.Debug("生存確認の対象URLが拒否されました",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		return false
	}

	status, err := p.statusOf(ctx, http.MethodHead, url)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = p.statusOf(ctx, http.MethodGet, url)
	}
	if err != nil {
		p.logger.Debug("生存確認に失敗しました",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		return false
	}
	return status < http.StatusBadRequest
}

func (p *Prober) statusOf(ctx context.Context, method, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// OriginRemoved はコミュニティの元記事が削除・終了しているかを判定する。
// 404/410 は削除とみなし、それ以外は本文テキストから終了を示す語句を探す。
// 取得自体に失敗した場合はエラーを返し、呼び出し元は判定不能として扱う。
func (p *Prober) OriginRemoved(ctx context.Context, url string) (bool, string, error) {
	if err := p.validate(url); err != nil {
		return false, "", fmt.Errorf("元記事URLが不正です: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("元記事の取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return true, fmt.Sprintf("元記事なし(%d)", resp.StatusCode), nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return false, "", fmt.Errorf("元記事がステータス %d を返しました", resp.StatusCode)
	}

	text, err := ExtractText(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return false, "", fmt.Errorf("元記事のパースに失敗しました: %w", err)
	}
	removed, reason := DetectExpiry(text)
	return removed, reason, nil
}

func (p *Prober) validate(url string) error {
	if p.validator == nil {
		return nil
	}
	return p.validator.ValidateURL(url)
}

// ExtractText はHTMLから script/style を除いた表示テキストを小文字で返す。
func ExtractText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return strings.ToLower(b.String()), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			if isSkippedTag(z) {
				skip++
			}
		case html.EndTagToken:
			if isSkippedTag(z) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func isSkippedTag(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "noscript":
		return true
	}
	return false
}

// DetectExpiry は抽出済みテキストに終了を示す語句があるかを判定する。
func DetectExpiry(text string) (bool, string) {
	for _, kw := range expiryKeywords {
		if strings.Contains(text, kw) {
			return true, "키워드감지:" + kw
		}
	}
	for _, re := range expiryPatterns {
		if re.MatchString(text) {
			return true, "패턴감지:" + re.String()
		}
	}

	runes := []rune(text)
	tail := text
	if len(runes) > tailRunes {
		tail = string(runes[len(runes)-tailRunes:])
	}
	for _, kw := range tailKeywords {
		if strings.Count(tail, kw) >= tailRepeatThreshold {
			return true, "댓글종료:" + kw
		}
	}
	return false, ""
}
