// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/cardsync/internal/model"
)

// CardRepository はカードとリンクの永続化インターフェース。
// 返すカードのLinksは展開しない。リンクの展開はサービス層で行う。
type CardRepository interface {
	// FindByID は指定IDのカードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Card, error)

	// FindByIDs は指定IDのカードをまとめて取得する。存在しないIDは無視する。
	FindByIDs(ctx context.Context, ids []string) ([]*model.Card, error)

	// List はカード一覧をcreated_at降順で返す。
	// typesがnilの場合は全件、空スライスの場合は0件を返す。
	List(ctx context.Context, types []string) ([]*model.Card, error)

	// Create はカードを作成する。
	Create(ctx context.Context, card *model.Card) error

	// Update は既存カードを上書き更新する。履歴は保持しない。
	Update(ctx context.Context, card *model.Card) error

	// PurgeInactive は非アクティブかつupdated_atがbeforeより古いカードを物理削除し、削除したカードを返す。
	// 削除したカードのリンクはCASCADE削除される。
	PurgeInactive(ctx context.Context, before time.Time) ([]*model.Card, error)

	// CreateLink はリンクを作成する。同一のリンクが存在する場合は何もしない。
	CreateLink(ctx context.Context, link *model.Link) error

	// ListLinks は指定カードを起点とするリンクを返す。
	ListLinks(ctx context.Context, fromIDs []string) ([]model.Link, error)
}
