// Package classify はプッシュ更新イベントを、ローカルキャッシュに対する
// 挿入・置換・削除・無視のいずれかに分類する。
package classify

import (
	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
)

// Disposition はイベントの分類結果。
type Disposition int

const (
	// Ignore はキャッシュを変更しない。
	Ignore Disposition = iota
	// Insert は結果集合に新しく加わったカードを挿入する。
	Insert
	// Replace はキャッシュ内のカードのスナップショットをIDで置き換える。
	Replace
	// Remove はカードをIDでキャッシュから取り除く。
	Remove
)

// String は分類名を返す。
func (d Disposition) String() string {
	switch d {
	case Insert:
		return "insert"
	case Replace:
		return "replace"
	case Remove:
		return "remove"
	default:
		return "ignore"
	}
}

// Classify はイベントの変更前後のスナップショットとフィルタの一致から分類を決める。
//
//	before   after      結果
//	nil      一致       Insert
//	あり     一致       Replace
//	一致     nil/不一致 Remove
//	それ以外            Ignore
//
// 一致判定はpに委譲する。
func Classify(ev model.UpdateEvent, p filter.Predicate) Disposition {
	afterMatches := ev.After != nil && p.Match(ev.After)
	if afterMatches {
		if ev.Before == nil {
			return Insert
		}
		return Replace
	}

	if ev.Before != nil && p.Match(ev.Before) {
		return Remove
	}
	return Ignore
}
