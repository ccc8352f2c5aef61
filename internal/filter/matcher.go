package filter

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hitoshi/cardsync/internal/model"
)

// defaultSchemaCacheSize はコンパイル済みスキーマのキャッシュサイズ（デフォルト）。
const defaultSchemaCacheSize = 512

// Predicate はコンパイル済みのフィルタ。
type Predicate interface {
	// Match はカードがフィルタに一致するかどうかを返す。nilカードは一致しない。
	Match(card *model.Card) bool
}

// Compiler はフィルタを述語にコンパイルする。
type Compiler interface {
	Compile(f *Filter) (Predicate, error)
}

// PredicateFunc は関数をPredicateとして扱うためのアダプタ。
type PredicateFunc func(card *model.Card) bool

// Match はPredicateインターフェースを実装する。
func (fn PredicateFunc) Match(card *model.Card) bool {
	return fn(card)
}

// SchemaCompiler はJSON Schemaによる照合を行うCompilerの実装。
// $$links句はカードの展開済みリンク（Card.Links）に対して評価する。
// 同一スキーマのコンパイル結果はLRUキャッシュで共有する。
type SchemaCompiler struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

// NewSchemaCompiler はSchemaCompilerを生成する。
// cacheSizeが0以下の場合はデフォルト値512を使用する。
func NewSchemaCompiler(cacheSize int) *SchemaCompiler {
	if cacheSize <= 0 {
		cacheSize = defaultSchemaCacheSize
	}
	cache, err := lru.New[string, *jsonschema.Schema](cacheSize)
	if err != nil {
		// cacheSize > 0 のためここには到達しない
		panic(fmt.Sprintf("failed to create schema cache: %v", err))
	}
	return &SchemaCompiler{cache: cache}
}

// Compile はフィルタを述語にコンパイルする。
// スキーマが不正な場合は ErrInvalidFilter をラップしたエラーを返す。
func (c *SchemaCompiler) Compile(f *Filter) (Predicate, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	p := &compiledFilter{}
	for _, b := range f.Blocks {
		n, err := c.compileNode(b.Schema)
		if err != nil {
			return nil, fmt.Errorf("block %q: %w", b.Name, err)
		}
		p.blocks = append(p.blocks, n)
	}
	for _, l := range f.Links {
		n, err := c.compileNode(l.Schema)
		if err != nil {
			return nil, fmt.Errorf("link %q: %w", l.Verb, err)
		}
		p.links = append(p.links, linkNode{verb: l.Verb, node: n})
	}
	return p, nil
}

// node はスキーマ1つ分のコンパイル結果。
// $$links句や、$$links句を含むanyOf/allOfはjsonschemaでは評価できないため個別に保持する。
type node struct {
	schema *jsonschema.Schema
	links  []linkNode
	anyOf  []*node
	allOf  []*node
}

type linkNode struct {
	verb string
	node *node
}

func (c *SchemaCompiler) compileNode(s Schema) (*node, error) {
	s = s.Clone()
	n := &node{}

	if raw, ok := s[LinksKey]; ok {
		clauses, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be an object keyed by verb", ErrInvalidFilter, LinksKey)
		}
		for verb, clause := range clauses {
			cs, ok := clause.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s clause for %q must be a schema", ErrInvalidFilter, LinksKey, verb)
			}
			child, err := c.compileNode(Schema(cs))
			if err != nil {
				return nil, err
			}
			n.links = append(n.links, linkNode{verb: verb, node: child})
		}
		delete(s, LinksKey)
	}

	for _, key := range []string{"anyOf", "allOf"} {
		branches, ok := s[key].([]any)
		if !ok || !anyBranchLinked(branches) {
			continue
		}
		children := make([]*node, 0, len(branches))
		for _, branch := range branches {
			bs, ok := branch.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s branch must be a schema", ErrInvalidFilter, key)
			}
			child, err := c.compileNode(Schema(bs))
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if key == "anyOf" {
			n.anyOf = children
		} else {
			n.allOf = children
		}
		delete(s, key)
	}

	// 残りの位置にある$$links句はjsonschemaに無視され常に一致してしまうため拒否する
	if containsLinks(map[string]any(s)) {
		return nil, fmt.Errorf("%w: %s is allowed only at the top level of a schema or in anyOf/allOf branches", ErrInvalidFilter, LinksKey)
	}

	if len(s) > 0 {
		compiled, err := c.compileSchema(s)
		if err != nil {
			return nil, err
		}
		n.schema = compiled
	}
	return n, nil
}

func anyBranchLinked(branches []any) bool {
	for _, branch := range branches {
		if m, ok := branch.(map[string]any); ok {
			if _, linked := m[LinksKey]; linked {
				return true
			}
		}
	}
	return false
}

// containsLinks はvの中に$$linksキーが含まれるかを再帰的に調べる。
func containsLinks(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		if _, ok := t[LinksKey]; ok {
			return true
		}
		for _, child := range t {
			if containsLinks(child) {
				return true
			}
		}
	case Schema:
		return containsLinks(map[string]any(t))
	case []any:
		for _, child := range t {
			if containsLinks(child) {
				return true
			}
		}
	}
	return false
}

// compileSchema はスキーマをjsonschemaでコンパイルする。
// encoding/jsonはmapのキーをソートして出力するため、シリアライズ結果をキャッシュキーに使える。
func (c *SchemaCompiler) compileSchema(s Schema) (*jsonschema.Schema, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	key := string(b)
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	compiled, err := jsonschema.CompileString("filter.json", key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	c.cache.Add(key, compiled)
	return compiled, nil
}

// compiledFilter はFilterのコンパイル結果。全ブロックと全リンク制約の論理積で評価する。
type compiledFilter struct {
	blocks []*node
	links  []linkNode
}

// Match はPredicateインターフェースを実装する。
func (p *compiledFilter) Match(card *model.Card) bool {
	if card == nil {
		return false
	}
	doc, err := document(card)
	if err != nil {
		return false
	}
	for _, n := range p.blocks {
		if !n.match(card, doc) {
			return false
		}
	}
	for _, l := range p.links {
		if !l.match(card) {
			return false
		}
	}
	return true
}

func (n *node) match(card *model.Card, doc any) bool {
	if n.schema != nil && n.schema.Validate(doc) != nil {
		return false
	}
	for _, l := range n.links {
		if !l.match(card) {
			return false
		}
	}
	for _, child := range n.allOf {
		if !child.match(card, doc) {
			return false
		}
	}
	if len(n.anyOf) > 0 {
		matched := false
		for _, child := range n.anyOf {
			if child.match(card, doc) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// match はverbで辿ったリンク先のいずれかがスキーマに一致するかを返す。
func (l linkNode) match(card *model.Card) bool {
	for i := range card.Links[l.verb] {
		linked := &card.Links[l.verb][i]
		doc, err := document(linked)
		if err != nil {
			continue
		}
		if l.node.match(linked, doc) {
			return true
		}
	}
	return false
}

// document はカードをJSON Schemaで検証可能な汎用値に変換する。
func document(card *model.Card) (any, error) {
	b, err := json.Marshal(card)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
