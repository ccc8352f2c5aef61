package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/cardsync/internal/model"
)

const sqliteCardColumns = `id, slug, type, active, tags, data, created_at, updated_at`

// SQLiteCardRepo はSQLite（modernc.org/sqlite）を使用したカードリポジトリ。
// dataとtagsはJSON文字列、日時はUTCで保存する。
type SQLiteCardRepo struct {
	db *sql.DB
}

// NewSQLiteCardRepo はSQLiteCardRepoを生成する。
func NewSQLiteCardRepo(db *sql.DB) *SQLiteCardRepo {
	return &SQLiteCardRepo{db: db}
}

// FindByID は指定IDのカードを取得する。見つからない場合はnilを返す。
func (r *SQLiteCardRepo) FindByID(ctx context.Context, id string) (*model.Card, error) {
	card, err := scanSQLiteCard(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteCardColumns+` FROM cards WHERE id = ?`, id,
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
func (r *SQLiteCardRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Card, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteCardColumns+` FROM cards WHERE id IN (`+placeholders(len(ids))+`)`,
		args(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("カードの一括取得に失敗しました: %w", err)
	}
	return collect(rows, scanSQLiteCard)
}

// List はカード一覧をcreated_at降順で返す。
func (r *SQLiteCardRepo) List(ctx context.Context, types []string) ([]*model.Card, error) {
	if types != nil && len(types) == 0 {
		return nil, nil
	}

	query := `SELECT ` + sqliteCardColumns + ` FROM cards`
	if types != nil {
		query += ` WHERE type IN (` + placeholders(len(types)) + `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args(types)...)
	if err != nil {
		return nil, fmt.Errorf("カード一覧の取得に失敗しました: %w", err)
	}
	return collect(rows, scanSQLiteCard)
}

// Create はカードを作成する。
func (r *SQLiteCardRepo) Create(ctx context.Context, card *model.Card) error {
	data, tags, err := encodeSQLiteFields(card)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO cards (`+sqliteCardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, nullString(card.Slug), card.Type, card.Active,
		tags, data, card.CreatedAt.UTC(), card.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("カードの作成に失敗しました: %w", err)
	}
	return nil
}

// Update は既存カードを上書き更新する。
func (r *SQLiteCardRepo) Update(ctx context.Context, card *model.Card) error {
	data, tags, err := encodeSQLiteFields(card)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE cards SET slug = ?, type = ?, active = ?, tags = ?, data = ?, updated_at = ?
		 WHERE id = ?`,
		nullString(card.Slug), card.Type, card.Active, tags, data, card.UpdatedAt.UTC(),
		card.ID,
	)
	if err != nil {
		return fmt.Errorf("カードの更新に失敗しました: %w", err)
	}
	return nil
}

// PurgeInactive は非アクティブかつ更新日時がbeforeより古いカードを削除し、削除したカードを返す。
func (r *SQLiteCardRepo) PurgeInactive(ctx context.Context, before time.Time) ([]*model.Card, error) {
	rows, err := r.db.QueryContext(ctx,
		`DELETE FROM cards WHERE active = 0 AND updated_at < ?
		 RETURNING `+sqliteCardColumns,
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("非アクティブカードの削除に失敗しました: %w", err)
	}
	return collect(rows, scanSQLiteCard)
}

// CreateLink はリンクを作成する。
func (r *SQLiteCardRepo) CreateLink(ctx context.Context, link *model.Link) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO card_links (from_id, verb, to_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (from_id, verb, to_id) DO NOTHING`,
		link.FromID, link.Verb, link.ToID, link.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("リンクの作成に失敗しました: %w", err)
	}
	return nil
}

// ListLinks は指定カードを起点とするリンクを返す。
func (r *SQLiteCardRepo) ListLinks(ctx context.Context, fromIDs []string) ([]model.Link, error) {
	if len(fromIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT from_id, verb, to_id, created_at FROM card_links
		 WHERE from_id IN (`+placeholders(len(fromIDs))+`)
		 ORDER BY created_at`,
		args(fromIDs)...,
	)
	if err != nil {
		return nil, fmt.Errorf("リンク一覧の取得に失敗しました: %w", err)
	}
	return collectLinks(rows)
}

func scanSQLiteCard(row rowScanner) (*model.Card, error) {
	card := &model.Card{}
	var slug sql.NullString
	var tags, data string

	if err := row.Scan(
		&card.ID, &slug, &card.Type, &card.Active,
		&tags, &data, timeScanner{&card.CreatedAt}, timeScanner{&card.UpdatedAt},
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tags), &card.Tags); err != nil {
		return nil, fmt.Errorf("タグのデコードに失敗しました: %w", err)
	}
	decoded, err := decodeData([]byte(data))
	if err != nil {
		return nil, err
	}
	card.Slug = nullStringValue(slug)
	card.Data = decoded
	return card, nil
}

func encodeSQLiteFields(card *model.Card) (string, string, error) {
	data, err := encodeData(card.Data)
	if err != nil {
		return "", "", err
	}
	tags, err := json.Marshal(tagsOrEmpty(card.Tags))
	if err != nil {
		return "", "", fmt.Errorf("タグのエンコードに失敗しました: %w", err)
	}
	return string(data), string(tags), nil
}

// placeholders はIN句用のプレースホルダ列を返す。
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func args(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
