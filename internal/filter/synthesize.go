package filter

import (
	"fmt"
	"sort"
)

// SubFilterKind はサブフィルタの生成元を表す。
type SubFilterKind string

const (
	// KindProperty はプロパティ条件から生成されたサブフィルタ。
	KindProperty SubFilterKind = "property"
	// KindFullTextSearch は全文検索語から生成された、フィールドのOR式からなるサブフィルタ。
	KindFullTextSearch SubFilterKind = "full_text_search"
)

// SubFilter はユーザーが指定するサブフィルタ。
type SubFilter struct {
	Kind   SubFilterKind `json:"kind" yaml:"kind"`
	Schema Schema        `json:"schema" yaml:"schema"`
}

// Options は合成時のコンテキストを表す。
type Options struct {
	// LinksSupported はこのコンテキストのデータソースがリンク先カードの制約を評価できるかどうか。
	LinksSupported bool `json:"links_supported" yaml:"links_supported"`
}

// Synthesize はベースフィルタとサブフィルタを合成して実効フィルタを返す。
//
// baseがnilの場合は DefaultFilter を使用する。
// base内の UserFilterName のブロックとリンク制約を取り除いてからサブフィルタを追加するため、
// 出力を再びbaseとして同じsubsで合成しても結果は変わらない。
// 入力は変更しない。
func Synthesize(base *Filter, subs []SubFilter, opts Options) (*Filter, error) {
	var out *Filter
	if base == nil {
		out = DefaultFilter()
	} else {
		if err := base.Validate(); err != nil {
			return nil, err
		}
		out = base.Clone()
	}

	out.Blocks = rejectUserBlocks(out.Blocks)
	out.Links = rejectUserLinks(out.Links)

	for i, sub := range subs {
		if len(sub.Schema) == 0 {
			return nil, fmt.Errorf("%w: sub-filter %d has no schema", ErrInvalidFilter, i)
		}
		schema := sub.Schema.Clone()
		// 複数ブロックで$idが重複するとスキーマの解決が壊れるため除去する
		delete(schema, "$id")

		switch sub.Kind {
		case KindFullTextSearch:
			if !opts.LinksSupported {
				if err := stripLinkedBranches(schema); err != nil {
					return nil, fmt.Errorf("sub-filter %d: %w", i, err)
				}
			}
		case KindProperty, "":
			links, err := liftLinks(schema)
			if err != nil {
				return nil, fmt.Errorf("sub-filter %d: %w", i, err)
			}
			if len(links) > 0 && !opts.LinksSupported {
				return nil, fmt.Errorf("sub-filter %d: %w", i, ErrLinksUnsupported)
			}
			out.Links = append(out.Links, links...)
		default:
			return nil, fmt.Errorf("%w: sub-filter %d has unknown kind %q", ErrInvalidFilter, i, sub.Kind)
		}

		if len(schema) == 0 {
			continue
		}
		out.Blocks = append(out.Blocks, Block{Name: UserFilterName, Schema: schema})
	}

	if out.Blocks == nil {
		out.Blocks = []Block{}
	}
	return out, nil
}

func rejectUserBlocks(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Name == UserFilterName {
			continue
		}
		out = append(out, b)
	}
	return out
}

func rejectUserLinks(links []Link) []Link {
	var out []Link
	for _, l := range links {
		if l.Name == UserFilterName {
			continue
		}
		out = append(out, l)
	}
	return out
}

// liftLinks はスキーマ直下の$$links句を取り出し、リンク制約に変換する。
// 取り出した句はschemaから削除される。verb順にソートして決定的な出力にする。
func liftLinks(schema Schema) ([]Link, error) {
	raw, ok := schema[LinksKey]
	if !ok {
		return nil, nil
	}
	clauses, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object keyed by verb", ErrInvalidFilter, LinksKey)
	}
	delete(schema, LinksKey)

	verbs := make([]string, 0, len(clauses))
	for verb := range clauses {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)

	links := make([]Link, 0, len(verbs))
	for _, verb := range verbs {
		s, ok := clauses[verb].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s clause for %q must be a schema", ErrInvalidFilter, LinksKey, verb)
		}
		links = append(links, Link{Name: UserFilterName, Verb: verb, Schema: Schema(s)})
	}
	return links, nil
}

// stripLinkedBranches は全文検索のOR式から$$links句を含む分岐を取り除く。
// すべての分岐がリンク句だった場合は、条件が消えて全件一致になるのを避けるためエラーにする。
func stripLinkedBranches(schema Schema) error {
	raw, ok := schema["anyOf"]
	if !ok {
		return nil
	}
	branches, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("%w: anyOf must be an array", ErrInvalidFilter)
	}
	kept := make([]any, 0, len(branches))
	for _, branch := range branches {
		if m, ok := branch.(map[string]any); ok {
			if _, linked := m[LinksKey]; linked {
				continue
			}
		}
		kept = append(kept, branch)
	}
	if len(kept) == 0 {
		return fmt.Errorf("%w: full-text search has no unlinked fields", ErrInvalidFilter)
	}
	schema["anyOf"] = kept
	return nil
}
