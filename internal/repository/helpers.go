package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/cardsync/internal/model"
)

// nullString は空文字列をsql.NullStringに変換する。
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

// encodeData はカードのデータをJSONにエンコードする。nilは空オブジェクトとして扱う。
func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("カードデータのエンコードに失敗しました: %w", err)
	}
	return b, nil
}

// decodeData はJSONからカードのデータを復元する。
func decodeData(raw []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("カードデータのデコードに失敗しました: %w", err)
	}
	return data, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// collect は行をすべて読み出してカードのスライスにする。
func collect(rows *sql.Rows, scan func(rowScanner) (*model.Card, error)) ([]*model.Card, error) {
	defer rows.Close()

	var cards []*model.Card
	for rows.Next() {
		card, err := scan(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カード一覧の読み出しに失敗しました: %w", err)
	}
	return cards, nil
}

// sqliteTimeLayouts はSQLiteに文字列として保存された日時の書式。
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// timeScanner は日時カラムを読み出す。
// SQLiteでは宣言型が失われる（RETURNING句など）と文字列のまま返るため、その場合はパースする。
type timeScanner struct {
	dest *time.Time
}

func (s timeScanner) Scan(v any) error {
	switch x := v.(type) {
	case time.Time:
		*s.dest = x
		return nil
	case string:
		return s.parse(x)
	case []byte:
		return s.parse(string(x))
	case nil:
		*s.dest = time.Time{}
		return nil
	default:
		return fmt.Errorf("日時として読み出せない値です: %T", v)
	}
}

func (s timeScanner) parse(v string) error {
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			*s.dest = t
			return nil
		}
	}
	return fmt.Errorf("日時のパースに失敗しました: %q", v)
}
