package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/hitoshi/dealman/internal/model"
)

// defaultFindLimit は Limit 未指定時の最大取得件数。
const defaultFindLimit = 500

const dealColumns = `id, title, title_key, original_price, sale_price, discount_rate, status, is_hot,
	product_url, source_post_url, source, category, image_url, verified_price,
	last_verified_at, verified_ok_at, verify_fail_count, status_note, created_at, updated_at`

// PostgresDealRepo はPostgreSQLを使用した特価リポジトリ。
type PostgresDealRepo struct {
	db *sql.DB
}

// NewPostgresDealRepo はPostgresDealRepoを生成する。
func NewPostgresDealRepo(db *sql.DB) *PostgresDealRepo {
	return &PostgresDealRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(s rowScanner) (*model.Deal, error) {
	d := &model.Deal{}
	var status string
	var sourcePostURL, category, imageURL, note sql.NullString
	var verifiedPrice sql.NullFloat64
	var lastVerifiedAt, verifiedOKAt sql.NullTime

	if err := s.Scan(
		&d.ID, &d.Title, &d.TitleKey, &d.OriginalPrice, &d.SalePrice, &d.DiscountRate, &status, &d.IsHot,
		&d.ProductURL, &sourcePostURL, &d.Source, &category, &imageURL, &verifiedPrice,
		&lastVerifiedAt, &verifiedOKAt, &d.VerifyFailCount, &note, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.Status = model.DealStatus(status)
	d.SourcePostURL = nullStringValue(sourcePostURL)
	d.Category = nullStringValue(category)
	d.ImageURL = nullStringValue(imageURL)
	d.StatusNote = nullStringValue(note)
	if verifiedPrice.Valid {
		d.VerifiedPrice = &verifiedPrice.Float64
	}
	if lastVerifiedAt.Valid {
		d.LastVerifiedAt = &lastVerifiedAt.Time
	}
	if verifiedOKAt.Valid {
		d.VerifiedOKAt = &verifiedOKAt.Time
	}
	return d, nil
}

// Insert は特価を登録する。IDが空の場合はUUIDを採番する。
func (r *PostgresDealRepo) Insert(ctx context.Context, deal *model.Deal) (*model.Deal, error) {
	id := deal.ID
	if id == "" {
		id = uuid.New().String()
	}

	row := r.db.QueryRowContext(ctx,
		`INSERT INTO deals (id, title, title_key, original_price, sale_price, discount_rate, status, is_hot,
		                    product_url, source_post_url, source, category, image_url, verified_price,
		                    last_verified_at, verified_ok_at, verify_fail_count, status_note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING `+dealColumns,
		id, deal.Title, deal.TitleKey, deal.OriginalPrice, deal.SalePrice, deal.DiscountRate,
		string(deal.Status), deal.IsHot, deal.ProductURL, nullString(deal.SourcePostURL), deal.Source,
		nullString(deal.Category), nullString(deal.ImageURL), deal.VerifiedPrice,
		deal.LastVerifiedAt, deal.VerifiedOKAt, deal.VerifyFailCount, nullString(deal.StatusNote),
	)
	stored, err := scanDeal(row)
	if err != nil {
		return nil, fmt.Errorf("特価の登録に失敗しました: %w", err)
	}
	return stored, nil
}

// Update は部分更新を適用する。updated_at は常に更新する。
func (r *PostgresDealRepo) Update(ctx context.Context, id string, patch DealPatch) error {
	sets, args := patchAssignments(patch)
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE deals SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("特価の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("特価の更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.ErrDealNotFound
	}
	return nil
}

// patchAssignments は DealPatch から SET 句とプレースホルダ引数を組み立てる。
func patchAssignments(p DealPatch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.TitleKey != nil {
		add("title_key", *p.TitleKey)
	}
	if p.OriginalPrice != nil {
		add("original_price", *p.OriginalPrice)
	}
	if p.SalePrice != nil {
		add("sale_price", *p.SalePrice)
	}
	if p.DiscountRate != nil {
		add("discount_rate", *p.DiscountRate)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.IsHot != nil {
		add("is_hot", *p.IsHot)
	}
	if p.Category != nil {
		add("category", nullString(*p.Category))
	}
	if p.ImageURL != nil {
		add("image_url", nullString(*p.ImageURL))
	}
	if p.VerifiedPrice != nil {
		add("verified_price", *p.VerifiedPrice)
	}
	if p.LastVerifiedAt != nil {
		add("last_verified_at", *p.LastVerifiedAt)
	}
	if p.VerifiedOKAt != nil {
		add("verified_ok_at", *p.VerifiedOKAt)
	}
	if p.VerifyFailCount != nil {
		add("verify_fail_count", *p.VerifyFailCount)
	}
	if p.StatusNote != nil {
		add("status_note", nullString(*p.StatusNote))
	}
	return sets, args
}

// FindByID は指定IDの特価を取得する。見つからない場合はnilを返す。
func (r *PostgresDealRepo) FindByID(ctx context.Context, id string) (*model.Deal, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("特価の取得に失敗しました: %w", err)
	}
	return d, nil
}

// Find は条件に一致する特価を取得する。
func (r *PostgresDealRepo) Find(ctx context.Context, filter DealFilter) ([]*model.Deal, error) {
	query, args := buildFindQuery(filter)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("特価一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var deals []*model.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("特価行の読み取りに失敗しました: %w", err)
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("特価一覧の走査に失敗しました: %w", err)
	}
	return deals, nil
}

func buildFindQuery(f DealFilter) (string, []any) {
	var where []string
	var args []any
	cond := func(format string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(format, len(args)))
	}

	if len(f.Statuses) > 0 {
		statuses := lo.Map(f.Statuses, func(s model.DealStatus, _ int) string { return string(s) })
		cond("status = ANY($%d)", pq.Array(statuses))
	}
	if f.Source != "" {
		cond("source = $%d", f.Source)
	}
	if f.Category != "" {
		cond("category = $%d", f.Category)
	}
	if f.TitleContains != "" {
		cond("title ILIKE '%%' || $%d || '%%'", escapeLike(f.TitleContains))
	}
	if f.TitleKey != "" {
		cond("title_key = $%d", f.TitleKey)
	}
	if f.ProductURL != "" {
		cond("product_url = $%d", f.ProductURL)
	}
	if f.SourcePostURL != "" {
		cond("source_post_url = $%d", f.SourcePostURL)
	}
	if f.CreatedAfter != nil {
		cond("created_at > $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		cond("created_at < $%d", *f.CreatedBefore)
	}
	if f.VerifiedBefore != nil {
		cond("(last_verified_at IS NULL OR last_verified_at < $%d)", *f.VerifiedBefore)
	}
	if f.LastOKBefore != nil {
		cond("COALESCE(verified_ok_at, created_at) < $%d", *f.LastOKBefore)
	}

	query := `SELECT ` + dealColumns + ` FROM deals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	switch f.Sort {
	case SortDiscount:
		query += " ORDER BY discount_rate DESC, created_at DESC, id"
	case SortPrice:
		query += " ORDER BY sale_price ASC, created_at DESC, id"
	case SortVerifyDue:
		query += " ORDER BY last_verified_at ASC NULLS FIRST, created_at, id"
	default:
		query += " ORDER BY created_at DESC, id"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultFindLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// escapeLike は ILIKE のワイルドカード文字をエスケープする。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// CountByStatus はステータスごとの件数を返す。
func (r *PostgresDealRepo) CountByStatus(ctx context.Context) (map[model.DealStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ステータス別件数の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.DealStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("ステータス別件数の読み取りに失敗しました: %w", err)
		}
		counts[model.DealStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ステータス別件数の走査に失敗しました: %w", err)
	}
	return counts, nil
}

// nullString は空文字をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

var _ DealRepository = (*PostgresDealRepo)(nil)
