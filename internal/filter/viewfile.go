package filter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ViewFile はYAMLで記述したビュー定義を表す。
// tailコマンドなどのクライアントがコレクションを開く際の入力として使う。
//
//	view:
//	  slug: view-all-threads
//	  blocks:
//	    - name: threads
//	      schema:
//	        type: object
//	        properties:
//	          type: {const: thread@1.0.0}
//	filters:
//	  - kind: property
//	    schema: {...}
//	search:
//	  term: outage
//	  fields: [data.title]
//	options:
//	  links_supported: true
//	page_size: 30
//	sort_by: created_at
//	sort_dir: desc
type ViewFile struct {
	View     *Filter     `yaml:"view"`
	Filters  []SubFilter `yaml:"filters"`
	Search   *SearchSpec `yaml:"search"`
	Options  Options     `yaml:"options"`
	PageSize int         `yaml:"page_size"`
	SortBy   string      `yaml:"sort_by"`
	SortDir  string      `yaml:"sort_dir"`
}

// SearchSpec は全文検索サブフィルタの指定。
type SearchSpec struct {
	Term      string   `yaml:"term"`
	Fields    []string `yaml:"fields"`
	LinkVerbs []string `yaml:"link_verbs"`
}

// LoadViewFile はYAMLファイルからビュー定義を読み込む。
func LoadViewFile(path string) (*ViewFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read view file: %w", err)
	}
	return ParseViewFile(data)
}

// ParseViewFile はYAMLバイト列からビュー定義を読み込む。
func ParseViewFile(data []byte) (*ViewFile, error) {
	var vf ViewFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("%w: failed to parse view file: %v", ErrInvalidFilter, err)
	}
	return &vf, nil
}

// SubFilters は定義済みのサブフィルタに全文検索のサブフィルタを加えた一覧を返す。
func (vf *ViewFile) SubFilters() ([]SubFilter, error) {
	subs := append([]SubFilter(nil), vf.Filters...)
	if vf.Search != nil && vf.Search.Term != "" {
		fts, err := FullTextSearch(vf.Search.Term, vf.Search.Fields, vf.Search.LinkVerbs)
		if err != nil {
			return nil, err
		}
		subs = append(subs, fts)
	}
	return subs, nil
}

// Effective はビュー定義から実効フィルタを合成する。
func (vf *ViewFile) Effective() (*Filter, error) {
	subs, err := vf.SubFilters()
	if err != nil {
		return nil, err
	}
	return Synthesize(vf.View, subs, vf.Options)
}
