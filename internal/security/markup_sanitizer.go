// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MarkupSanitizer はカードのデータに含まれるマークアップ（メッセージ本文や説明文）を
// 許可リストベースのbluemondayポリシーでサニタイズする。
package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMarkupFields はサニタイズ対象となるカードデータのキー（デフォルト）。
var DefaultMarkupFields = []string{"message", "description", "body"}

// MarkupSanitizer はカードデータのマークアップをサニタイズする。
type MarkupSanitizer interface {
	// Sanitize はHTMLをサニタイズして安全なHTMLを返す。同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string
	// SanitizeData はデータ内のマークアップフィールドをサニタイズした新しいmapを返す。
	// ネストしたオブジェクトも対象とする。入力は変更しない。
	SanitizeData(data map[string]any) map[string]any
}

type markupSanitizer struct {
	policy *bluemonday.Policy
	fields map[string]bool
}

// NewMarkupSanitizer はMarkupSanitizerを生成する。
// fieldsが空の場合は DefaultMarkupFields を対象とする。
//
// ポリシー:
//   - 許可タグ: p, br, ul, ol, li, blockquote, pre, code, strong, em, h1-h4, a, img
//   - aタグ: hrefのみ許可し、target="_blank" と rel="noopener noreferrer" を付与
//   - imgタグ: httpsのsrcとaltのみ許可
func NewMarkupSanitizer(fields ...string) *markupSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
		"h1", "h2", "h3", "h4",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	if len(fields) == 0 {
		fields = DefaultMarkupFields
	}
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}

	return &markupSanitizer{policy: p, fields: set}
}

// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
func (s *markupSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// SanitizeData はデータ内のマークアップフィールドをサニタイズした新しいmapを返す。
func (s *markupSanitizer) SanitizeData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch x := v.(type) {
		case string:
			if s.fields[k] {
				out[k] = s.Sanitize(x)
			} else {
				out[k] = x
			}
		case map[string]any:
			out[k] = s.SanitizeData(x)
		default:
			out[k] = v
		}
	}
	return out
}
