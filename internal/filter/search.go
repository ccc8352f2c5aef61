package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// FullTextSearch は検索語から全文検索用のサブフィルタを生成する。
// fieldsはドット区切りのパス（例: "data.payload.message"）で、いずれかが検索語を
// 大文字小文字を区別せずに含めば一致する。linkVerbsを指定した場合は、
// そのリンク先カードの同じフィールドに一致する分岐も追加する。
func FullTextSearch(term string, fields []string, linkVerbs []string) (SubFilter, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return SubFilter{}, fmt.Errorf("%w: empty search term", ErrInvalidFilter)
	}
	if len(fields) == 0 {
		return SubFilter{}, fmt.Errorf("%w: no search fields", ErrInvalidFilter)
	}

	pattern := "(?i)" + regexp.QuoteMeta(term)

	fieldBranches := make([]any, 0, len(fields))
	for _, field := range fields {
		branch, err := fieldMatch(field, pattern)
		if err != nil {
			return SubFilter{}, err
		}
		fieldBranches = append(fieldBranches, branch)
	}

	branches := append([]any(nil), fieldBranches...)
	for _, verb := range linkVerbs {
		branches = append(branches, map[string]any{
			LinksKey: map[string]any{
				verb: map[string]any{"anyOf": cloneSlice(fieldBranches)},
			},
		})
	}

	return SubFilter{
		Kind: KindFullTextSearch,
		Schema: Schema{
			"type":  "object",
			"anyOf": branches,
		},
	}, nil
}

// fieldMatch はドット区切りのパスに対して、値が存在しパターンに一致することを要求するスキーマを生成する。
func fieldMatch(path, pattern string) (map[string]any, error) {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: invalid field path %q", ErrInvalidFilter, path)
		}
	}

	node := map[string]any{"type": "string", "pattern": pattern}
	for i := len(parts) - 1; i >= 0; i-- {
		node = map[string]any{
			"type":       "object",
			"required":   []any{parts[i]},
			"properties": map[string]any{parts[i]: node},
		}
	}
	return node, nil
}

func cloneSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		if m, ok := v.(map[string]any); ok {
			out[i] = map[string]any(Schema(m).Clone())
			continue
		}
		out[i] = v
	}
	return out
}
