package card

import (
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/query"
)

// sortCards はカードをフィールドパスで安定ソートする。
// パスは created_at / updated_at / slug / type / id またはドット区切りのデータパス（data.title など）。
// 値を持たないカードは方向に関わらず末尾に並び、同値の場合はIDで順序を決める。
func sortCards(cards []model.Card, by string, dir query.SortDirection) {
	desc := dir == query.SortDesc
	sort.SliceStable(cards, func(i, j int) bool {
		a, aok := sortValue(&cards[i], by)
		b, bok := sortValue(&cards[j], by)
		switch {
		case !aok && !bok:
			return cards[i].ID < cards[j].ID
		case !aok:
			return false
		case !bok:
			return true
		}
		c := compareValues(a, b)
		if c == 0 {
			return cards[i].ID < cards[j].ID
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func sortValue(c *model.Card, path string) (any, bool) {
	switch path {
	case "created_at":
		return c.CreatedAt, true
	case "updated_at":
		return c.UpdatedAt, true
	case "id":
		return c.ID, true
	case "slug":
		return c.Slug, c.Slug != ""
	case "type":
		return c.Type, true
	case "active":
		return c.Active, true
	}

	parts := strings.Split(path, ".")
	if parts[0] != "data" || len(parts) < 2 {
		return nil, false
	}
	var cur any = c.Data
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// compareValues は同じ型の値を比較する。型が異なる場合は型名の順で比較する。
func compareValues(a, b any) int {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(typeName(a), typeName(b))
}

func typeName(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case time.Time:
		return "time"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "other"
	}
}
