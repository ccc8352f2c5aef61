// Package model はドメインモデルを定義する。
package model

import "time"

// Card はバックエンドが保持する型付きレコード（エンティティ）を表す。
// スナップショットとして扱い、変更は同じIDを持つ新しいスナップショットとして表現する。
type Card struct {
	ID        string            `json:"id"`
	Slug      string            `json:"slug,omitempty"`
	Type      string            `json:"type"` // バージョン付き型タグ（例: "message@1.0.0"）
	Active    bool              `json:"active"`
	Tags      []string          `json:"tags"`
	Data      map[string]any    `json:"data"`
	Links     map[string][]Card `json:"links,omitempty"` // verb -> 展開済みのリンク先カード
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone はカードのディープコピーを返す。
// Dataのネストしたmap/sliceもコピーするため、呼び出し元が結果を変更しても元のカードに影響しない。
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	out := *c
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.Data != nil {
		out.Data = CloneMap(c.Data)
	}
	if c.Links != nil {
		out.Links = make(map[string][]Card, len(c.Links))
		for verb, cards := range c.Links {
			linked := make([]Card, len(cards))
			for i := range cards {
				linked[i] = *cards[i].Clone()
			}
			out.Links[verb] = linked
		}
	}
	return &out
}

// CloneMap はJSON互換のmapをディープコピーする。
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Link はカード間の名前付き関係を表す。
type Link struct {
	FromID    string    `json:"from_id"`
	Verb      string    `json:"verb"` // 関係名（例: "is attached to"）
	ToID      string    `json:"to_id"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdateEvent はプッシュ更新フィードが配信する変更前後のスナップショットのペア。
// Beforeがnilの場合は新規作成、Afterがnilの場合は物理削除を表す。
type UpdateEvent struct {
	Before *Card `json:"before"`
	After  *Card `json:"after"`
}

// CardID はイベント対象のカードIDを返す。
func (e UpdateEvent) CardID() string {
	if e.After != nil {
		return e.After.ID
	}
	if e.Before != nil {
		return e.Before.ID
	}
	return ""
}
