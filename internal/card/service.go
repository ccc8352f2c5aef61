// Package card はカードの作成・更新・リンク・検索のドメインロジックを提供する。
// 変更はすべて変更前後のスナップショットとして更新フィードに発行する。
package card

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/query"
	"github.com/hitoshi/cardsync/internal/repository"
	"github.com/hitoshi/cardsync/internal/security"
)

// Publisher は更新イベントを発行する。*stream.Hub が実装する。
type Publisher interface {
	Publish(ev model.UpdateEvent)
}

// CreateInput はカード作成の入力。
type CreateInput struct {
	Slug   string         `json:"slug"`
	Type   string         `json:"type"`
	Active *bool          `json:"active"`
	Tags   []string       `json:"tags"`
	Data   map[string]any `json:"data"`
}

// UpdateInput はカード更新の入力。nilのフィールドは変更しない。
// Dataは指定したキーのみ上書きし、値がnullのキーは削除する。
type UpdateInput struct {
	Slug   *string        `json:"slug"`
	Type   *string        `json:"type"`
	Active *bool          `json:"active"`
	Tags   *[]string      `json:"tags"`
	Data   map[string]any `json:"data"`
}

// Service はカード管理のサービス層。
// query.Source を実装し、Collectionのデータソースとしても使われる。
type Service struct {
	repo      repository.CardRepository
	compiler  filter.Compiler
	sanitizer security.MarkupSanitizer
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	// locks は同一カードの更新と発行の順序を保存順に揃える
	locks keyedMutex
}

// NewService はServiceの新しいインスタンスを生成する。publisherはnilでもよい。
func NewService(
	repo repository.CardRepository,
	compiler filter.Compiler,
	sanitizer security.MarkupSanitizer,
	publisher Publisher,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		compiler:  compiler,
		sanitizer: sanitizer,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Create はカードを作成する。activeが未指定の場合はアクティブとして作成する。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Card, error) {
	cardType := strings.TrimSpace(in.Type)
	if cardType == "" {
		return nil, model.NewInvalidCardError("type is required")
	}

	now := s.now()
	card := &model.Card{
		ID:        uuid.NewString(),
		Slug:      strings.TrimSpace(in.Slug),
		Type:      cardType,
		Active:    true,
		Tags:      in.Tags,
		Data:      s.sanitize(in.Data),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Active != nil {
		card.Active = *in.Active
	}
	if card.Data == nil {
		card.Data = map[string]any{}
	}

	if err := s.repo.Create(ctx, card); err != nil {
		return nil, fmt.Errorf("カードの作成に失敗しました: %w", err)
	}

	s.logger.Info("カードを作成しました",
		slog.String("card_id", card.ID),
		slog.String("type", card.Type),
	)
	s.publish(nil, card)
	return card, nil
}

// Get は指定IDのカードをリンク展開済みで返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Card, error) {
	card, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("カードの取得に失敗しました: %w", err)
	}
	if card == nil {
		return nil, model.NewCardNotFoundError(id)
	}
	if err := s.expandLinks(ctx, []*model.Card{card}); err != nil {
		return nil, err
	}
	return card, nil
}

// Update はカードを部分更新し、変更前後のスナップショットを発行する。
// 同一カードへの更新は直列化され、イベントは保存した順に発行される。
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*model.Card, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	before, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	after := before.Clone()
	if in.Slug != nil {
		after.Slug = strings.TrimSpace(*in.Slug)
	}
	if in.Type != nil {
		t := strings.TrimSpace(*in.Type)
		if t == "" {
			return nil, model.NewInvalidCardError("type must not be empty")
		}
		after.Type = t
	}
	if in.Active != nil {
		after.Active = *in.Active
	}
	if in.Tags != nil {
		after.Tags = append([]string(nil), (*in.Tags)...)
	}
	if in.Data != nil {
		if after.Data == nil {
			after.Data = map[string]any{}
		}
		for k, v := range s.sanitize(in.Data) {
			if v == nil {
				delete(after.Data, k)
				continue
			}
			after.Data[k] = v
		}
	}
	after.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, after); err != nil {
		return nil, fmt.Errorf("カードの更新に失敗しました: %w", err)
	}

	s.logger.Info("カードを更新しました",
		slog.String("card_id", after.ID),
		slog.Bool("active", after.Active),
	)
	s.publish(before, after)
	return after, nil
}

// Delete はカードを非アクティブにする（論理削除）。物理削除はクリーンアップジョブが行う。
func (s *Service) Delete(ctx context.Context, id string) (*model.Card, error) {
	inactive := false
	return s.Update(ctx, id, UpdateInput{Active: &inactive})
}

// Link はfromIDのカードからtoIDのカードへverbのリンクを作成し、リンク元の変更を発行する。
func (s *Service) Link(ctx context.Context, fromID, verb, toID string) (*model.Card, error) {
	verb = strings.TrimSpace(verb)
	if verb == "" {
		return nil, model.NewInvalidCardError("link verb is required")
	}

	unlock := s.locks.lock(fromID)
	defer unlock()

	before, err := s.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}
	target, err := s.repo.FindByID(ctx, toID)
	if err != nil {
		return nil, fmt.Errorf("リンク先カードの取得に失敗しました: %w", err)
	}
	if target == nil {
		return nil, model.NewCardNotFoundError(toID)
	}

	link := &model.Link{FromID: fromID, Verb: verb, ToID: toID, CreatedAt: s.now()}
	if err := s.repo.CreateLink(ctx, link); err != nil {
		return nil, fmt.Errorf("リンクの作成に失敗しました: %w", err)
	}

	after, err := s.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("カードをリンクしました",
		slog.String("from_id", fromID),
		slog.String("verb", verb),
		slog.String("to_id", toID),
	)
	s.publish(before, after)
	return after, nil
}

// PurgeInactive は保持期間を過ぎた非アクティブカードを物理削除し、削除を発行する。
func (s *Service) PurgeInactive(ctx context.Context, before time.Time) ([]*model.Card, error) {
	purged, err := s.repo.PurgeInactive(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("非アクティブカードの削除に失敗しました: %w", err)
	}
	for _, card := range purged {
		s.publish(card, nil)
	}
	return purged, nil
}

// Query はフィルタに一致するカードをソートしてページ単位で返す。
func (s *Service) Query(ctx context.Context, f *filter.Filter, opts query.Options) ([]model.Card, error) {
	if opts.Skip < 0 || opts.Limit < 0 {
		return nil, model.NewInvalidQueryError("limit and skip must not be negative")
	}
	if opts.Limit == 0 {
		opts.Limit = query.DefaultPageSize
	}
	if opts.SortBy == "" {
		opts.SortBy = query.DefaultSortBy
	}
	if opts.SortDir == "" {
		opts.SortDir = query.SortDesc
	}

	pred, err := s.compiler.Compile(f)
	if err != nil {
		return nil, err
	}

	candidates, err := s.repo.List(ctx, filter.TypeHints(f))
	if err != nil {
		return nil, fmt.Errorf("カード一覧の取得に失敗しました: %w", err)
	}
	if err := s.expandLinks(ctx, candidates); err != nil {
		return nil, err
	}

	matched := make([]model.Card, 0, len(candidates))
	for _, c := range candidates {
		if pred.Match(c) {
			matched = append(matched, *c)
		}
	}
	sortCards(matched, opts.SortBy, opts.SortDir)

	if opts.Skip >= len(matched) {
		return []model.Card{}, nil
	}
	end := opts.Skip + opts.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Skip:end], nil
}

// expandLinks はカードのリンク先を1段階だけ展開してLinksに設定する。
func (s *Service) expandLinks(ctx context.Context, cards []*model.Card) error {
	if len(cards) == 0 {
		return nil
	}
	ids := make([]string, len(cards))
	for i, c := range cards {
		ids[i] = c.ID
	}

	links, err := s.repo.ListLinks(ctx, ids)
	if err != nil {
		return fmt.Errorf("リンクの取得に失敗しました: %w", err)
	}
	if len(links) == 0 {
		return nil
	}

	targetIDs := make([]string, 0, len(links))
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		if !seen[l.ToID] {
			seen[l.ToID] = true
			targetIDs = append(targetIDs, l.ToID)
		}
	}
	targets, err := s.repo.FindByIDs(ctx, targetIDs)
	if err != nil {
		return fmt.Errorf("リンク先カードの取得に失敗しました: %w", err)
	}
	byID := make(map[string]*model.Card, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}

	index := make(map[string]*model.Card, len(cards))
	for _, c := range cards {
		index[c.ID] = c
	}
	for _, l := range links {
		from, ok := index[l.FromID]
		if !ok {
			continue
		}
		to, ok := byID[l.ToID]
		if !ok {
			continue
		}
		if from.Links == nil {
			from.Links = make(map[string][]model.Card)
		}
		from.Links[l.Verb] = append(from.Links[l.Verb], *to)
	}
	return nil
}

func (s *Service) sanitize(data map[string]any) map[string]any {
	if s.sanitizer == nil {
		return data
	}
	return s.sanitizer.SanitizeData(data)
}

func (s *Service) publish(before, after *model.Card) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(model.UpdateEvent{Before: before, After: after})
}
