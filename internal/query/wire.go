package query

import (
	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
)

// Request は POST /api/query のリクエストボディ。
type Request struct {
	Filter  *filter.Filter `json:"filter"`
	Options Options        `json:"options"`
}

// Response は POST /api/query のレスポンスボディ。
type Response struct {
	Cards []model.Card `json:"cards"`
}
