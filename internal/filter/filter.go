// Package filter はビュー（ベースフィルタ）とユーザー指定のサブフィルタを
// 1つの実効フィルタに合成し、カードとの照合を行う。
//
// フィルタはJSON Schemaのブロックの論理積として表現する。
// ブロックには名前を付け、ユーザー生成のブロックは予約名 UserFilterName で識別する。
// 再合成時にはこの名前のブロックを取り除いてから現在のサブフィルタを追加するため、
// 同じ入力から何度合成しても結果は変わらない。
package filter

import (
	"errors"
	"fmt"

	"github.com/hitoshi/cardsync/internal/model"
)

const (
	// UserFilterName はユーザー生成のサブフィルタに付与する予約名。
	UserFilterName = "user-generated-filter"
	// LinksKey はスキーマ内でリンク先カードへの制約を表す予約キー。
	LinksKey = "$$links"
	// defaultBlockName はベースフィルタ未指定時のブロック名。
	defaultBlockName = "default"
)

var (
	// ErrInvalidFilter はフィルタの形状が不正な場合のエラー。
	// 実行時の状態ではなく組み込みの誤りを示すため、呼び出し元は握りつぶさないこと。
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrLinksUnsupported はリンク制約を扱えないコンテキストでリンク制約が指定された場合のエラー。
	ErrLinksUnsupported = errors.New("linked-entity constraints are not supported in this context")
)

// Schema はJSON Schema形式の述語を表す。
type Schema map[string]any

// Clone はスキーマのディープコピーを返す。
func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	return Schema(model.CloneMap(s))
}

// Block はフィルタを構成する名前付きのスキーマ。
type Block struct {
	Name   string `json:"name" yaml:"name"`
	Schema Schema `json:"schema" yaml:"schema"`
}

// Link はリンク先カードに対する名前付きの制約。
// Verbで辿ったリンク先のうち少なくとも1枚がSchemaに一致する必要がある。
type Link struct {
	Name   string `json:"name" yaml:"name"`
	Verb   string `json:"verb" yaml:"verb"`
	Schema Schema `json:"schema" yaml:"schema"`
}

// Filter はブロックとリンク制約の論理積で表されるフィルタ。
// ベースフィルタ（ビュー）と実効フィルタの両方をこの型で表現する。
type Filter struct {
	Slug   string  `json:"slug,omitempty" yaml:"slug,omitempty"`
	Blocks []Block `json:"blocks" yaml:"blocks"`
	Links  []Link  `json:"links,omitempty" yaml:"links,omitempty"`
}

// DefaultFilter はビュー未指定時のフィルタを返す。すべてのカードに一致する。
func DefaultFilter() *Filter {
	return &Filter{
		Blocks: []Block{{Name: defaultBlockName, Schema: Schema{"type": "object"}}},
	}
}

// Clone はフィルタのディープコピーを返す。
func (f *Filter) Clone() *Filter {
	if f == nil {
		return nil
	}
	out := &Filter{Slug: f.Slug}
	if f.Blocks != nil {
		out.Blocks = make([]Block, len(f.Blocks))
		for i, b := range f.Blocks {
			out.Blocks[i] = Block{Name: b.Name, Schema: b.Schema.Clone()}
		}
	}
	if f.Links != nil {
		out.Links = make([]Link, len(f.Links))
		for i, l := range f.Links {
			out.Links[i] = Link{Name: l.Name, Verb: l.Verb, Schema: l.Schema.Clone()}
		}
	}
	return out
}

// Validate はフィルタの形状を検証する。
func (f *Filter) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: filter is nil", ErrInvalidFilter)
	}
	for i, b := range f.Blocks {
		if b.Schema == nil {
			return fmt.Errorf("%w: block %d (%s) has no schema", ErrInvalidFilter, i, b.Name)
		}
	}
	for i, l := range f.Links {
		if l.Verb == "" {
			return fmt.Errorf("%w: link constraint %d has no verb", ErrInvalidFilter, i)
		}
		if l.Schema == nil {
			return fmt.Errorf("%w: link constraint %d (%s) has no schema", ErrInvalidFilter, i, l.Verb)
		}
	}
	return nil
}

// UserBlocks はユーザー生成のブロック数を返す。
func (f *Filter) UserBlocks() int {
	n := 0
	for _, b := range f.Blocks {
		if b.Name == UserFilterName {
			n++
		}
	}
	return n
}

// TypeHints はフィルタが固定しているカード型の候補を返す。
// 各ブロックの properties.type の const / enum を集め、複数ブロックが指定している場合は共通部分を返す。
// 型が制約されていない場合はnilを返す。ストレージ側の事前絞り込みにのみ使用する。
func TypeHints(f *Filter) []string {
	if f == nil {
		return nil
	}
	var hints []string
	constrained := false
	for _, b := range f.Blocks {
		types, ok := blockTypes(b.Schema)
		if !ok {
			continue
		}
		if !constrained {
			hints = types
			constrained = true
			continue
		}
		hints = intersect(hints, types)
	}
	if constrained && hints == nil {
		// 共通部分が空の場合は一致するカードがない
		return []string{}
	}
	return hints
}

func blockTypes(s Schema) ([]string, bool) {
	props, ok := s["properties"].(map[string]any)
	if !ok {
		return nil, false
	}
	typ, ok := props["type"].(map[string]any)
	if !ok {
		return nil, false
	}
	if c, ok := typ["const"].(string); ok {
		return []string{c}, true
	}
	enum, ok := typ["enum"].([]any)
	if !ok {
		return nil, false
	}
	var types []string
	for _, v := range enum {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		types = append(types, s)
	}
	return types, true
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

// Schema はフィルタ全体を1つのJSON Schemaとして返す。
// 各ブロックはallOfの要素に、各リンク制約は $$links 句を持つallOfの要素になる。
func (f *Filter) Schema() Schema {
	allOf := make([]any, 0, len(f.Blocks)+len(f.Links))
	for _, b := range f.Blocks {
		allOf = append(allOf, map[string]any(b.Schema.Clone()))
	}
	for _, l := range f.Links {
		allOf = append(allOf, map[string]any{
			LinksKey: map[string]any{l.Verb: map[string]any(l.Schema.Clone())},
		})
	}
	return Schema{"type": "object", "allOf": allOf}
}
