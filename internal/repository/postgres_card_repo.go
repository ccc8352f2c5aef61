package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/cardsync/internal/model"
)

const postgresCardColumns = `id, slug, type, active, tags, data, created_at, updated_at`

// PostgresCardRepo はPostgreSQLを使用したカードリポジトリ。
// dataはJSONB、tagsはTEXT[]として保存する。
type PostgresCardRepo struct {
	db *sql.DB
}

// NewPostgresCardRepo はPostgresCardRepoを生成する。
func NewPostgresCardRepo(db *sql.DB) *PostgresCardRepo {
	return &PostgresCardRepo{db: db}
}

// FindByID は指定IDのカードを取得する。見つからない場合はnilを返す。
func (r *PostgresCardRepo) FindByID(ctx context.Context, id string) (*model.Card, error) {
	card, err := scanPostgresCard(r.db.QueryRowContext(ctx,
		`SELECT `+postgresCardColumns+` FROM cards WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カードの取得に失敗しました: %w", err)
	}
	return card, nil
}

// FindByIDs は指定IDのカードをまとめて取得する。
func (r *PostgresCardRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Card, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postgresCardColumns+` FROM cards WHERE id = ANY($1)`, pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("カードの一括取得に失敗しました: %w", err)
	}
	return collect(rows, scanPostgresCard)
}

// List はカード一覧をcreated_at降順で返す。
func (r *PostgresCardRepo) List(ctx context.Context, types []string) ([]*model.Card, error) {
	if types != nil && len(types) == 0 {
		return nil, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if types == nil {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+postgresCardColumns+` FROM cards ORDER BY created_at DESC`,
		)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+postgresCardColumns+` FROM cards WHERE type = ANY($1) ORDER BY created_at DESC`,
			pq.Array(types),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("カード一覧の取得に失敗しました: %w", err)
	}
	return collect(rows, scanPostgresCard)
}

// Create はカードを作成する。
func (r *PostgresCardRepo) Create(ctx context.Context, card *model.Card) error {
	data, err := encodeData(card.Data)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO cards (`+postgresCardColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		card.ID, nullString(card.Slug), card.Type, card.Active,
		pq.Array(tagsOrEmpty(card.Tags)), data, card.CreatedAt, card.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("カードの作成に失敗しました: %w", err)
	}
	return nil
}

// Update は既存カードを上書き更新する。
func (r *PostgresCardRepo) Update(ctx context.Context, card *model.Card) error {
	data, err := encodeData(card.Data)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE cards SET
		    slug = $2, type = $3, active = $4, tags = $5, data = $6, updated_at = $7
		 WHERE id = $1`,
		card.ID, nullString(card.Slug), card.Type, card.Active,
		pq.Array(tagsOrEmpty(card.Tags)), data, card.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("カードの更新に失敗しました: %w", err)
	}
	return nil
}

// PurgeInactive は非アクティブかつ更新日時がbeforeより古いカードを削除し、削除したカードを返す。
func (r *PostgresCardRepo) PurgeInactive(ctx context.Context, before time.Time) ([]*model.Card, error) {
	rows, err := r.db.QueryContext(ctx,
		`DELETE FROM cards WHERE active = FALSE AND updated_at < $1
		 RETURNING `+postgresCardColumns,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("非アクティブカードの削除に失敗しました: %w", err)
	}
	return collect(rows, scanPostgresCard)
}

// CreateLink はリンクを作成する。
func (r *PostgresCardRepo) CreateLink(ctx context.Context, link *model.Link) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO card_links (from_id, verb, to_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (from_id, verb, to_id) DO NOTHING`,
		link.FromID, link.Verb, link.ToID, link.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("リンクの作成に失敗しました: %w", err)
	}
	return nil
}

// ListLinks は指定カードを起点とするリンクを返す。
func (r *PostgresCardRepo) ListLinks(ctx context.Context, fromIDs []string) ([]model.Link, error) {
	if len(fromIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT from_id, verb, to_id, created_at FROM card_links
		 WHERE from_id = ANY($1)
		 ORDER BY created_at`,
		pq.Array(fromIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("リンク一覧の取得に失敗しました: %w", err)
	}
	return collectLinks(rows)
}

func scanPostgresCard(row rowScanner) (*model.Card, error) {
	card := &model.Card{}
	var slug sql.NullString
	var tags pq.StringArray
	var data []byte

	if err := row.Scan(
		&card.ID, &slug, &card.Type, &card.Active,
		&tags, &data, &card.CreatedAt, &card.UpdatedAt,
	); err != nil {
		return nil, err
	}

	decoded, err := decodeData(data)
	if err != nil {
		return nil, err
	}
	card.Slug = nullStringValue(slug)
	card.Tags = []string(tags)
	card.Data = decoded
	return card, nil
}

func collectLinks(rows *sql.Rows) ([]model.Link, error) {
	defer rows.Close()

	var links []model.Link
	for rows.Next() {
		var l model.Link
		if err := rows.Scan(&l.FromID, &l.Verb, &l.ToID, timeScanner{&l.CreatedAt}); err != nil {
			return nil, fmt.Errorf("リンクの読み出しに失敗しました: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リンク一覧の読み出しに失敗しました: %w", err)
	}
	return links, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
