package card

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/cardsync/internal/database"
	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/query"
	"github.com/hitoshi/cardsync/internal/repository"
	"github.com/hitoshi/cardsync/internal/security"
)

// recordingPublisher は発行されたイベントを記録するPublisher。
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.UpdateEvent
}

func (p *recordingPublisher) Publish(ev model.UpdateEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) last() model.UpdateEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *recordingPublisher) {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("SQLiteのオープンに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.RunMigrations(db, database.DriverSQLite); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	pub := &recordingPublisher{}
	svc := NewService(
		repository.NewSQLiteCardRepo(db),
		filter.NewSchemaCompiler(0),
		security.NewMarkupSanitizer(),
		pub,
		discardLogger(),
	)

	// 作成順が日時の順になるよう時刻を1秒ずつ進める
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, pub
}

func mustCreate(t *testing.T, svc *Service, in CreateInput) *model.Card {
	t.Helper()
	card, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return card
}

func typeFilter(cardType string) *filter.Filter {
	return &filter.Filter{
		Blocks: []filter.Block{{
			Name: "type",
			Schema: filter.Schema{
				"type":       "object",
				"required":   []any{"type"},
				"properties": map[string]any{"type": map[string]any{"const": cardType}},
			},
		}},
	}
}

func cardIDs(cards []model.Card) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.ID
	}
	return out
}

func TestService_Create(t *testing.T) {
	svc, pub := newTestService(t)

	card := mustCreate(t, svc, CreateInput{
		Type: "message@1.0.0",
		Tags: []string{"urgent"},
		Data: map[string]any{"message": `<p>hello</p><script>alert(1)</script>`},
	})

	if card.ID == "" {
		t.Error("ID should be generated")
	}
	if !card.Active {
		t.Error("Active = false, want true")
	}
	if card.Data["message"] != "<p>hello</p>" {
		t.Errorf("message = %q, want sanitized", card.Data["message"])
	}

	ev := pub.last()
	if ev.Before != nil || ev.After == nil || ev.After.ID != card.ID {
		t.Errorf("published event = %+v, want {nil, %s}", ev, card.ID)
	}
}

func TestService_Create_RequiresType(t *testing.T) {
	svc, pub := newTestService(t)

	_, err := svc.Create(context.Background(), CreateInput{Type: "  "})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidCard {
		t.Fatalf("error = %v, want INVALID_CARD", err)
	}
	if len(pub.events) != 0 {
		t.Errorf("published %d events, want 0", len(pub.events))
	}
}

func TestService_Get_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeCardNotFound {
		t.Fatalf("error = %v, want CARD_NOT_FOUND", err)
	}
}

func TestService_UpdatePublishesBeforeAndAfter(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	card := mustCreate(t, svc, CreateInput{
		Type: "thread@1.0.0",
		Data: map[string]any{"title": "old", "status": "open"},
	})

	updated, err := svc.Update(ctx, card.ID, UpdateInput{
		Data: map[string]any{"title": "new", "status": nil},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Data["title"] != "new" {
		t.Errorf("title = %v, want %q", updated.Data["title"], "new")
	}
	if _, ok := updated.Data["status"]; ok {
		t.Error("status should be removed by null")
	}
	if !updated.UpdatedAt.After(card.UpdatedAt) {
		t.Error("UpdatedAt was not advanced")
	}

	ev := pub.last()
	if ev.Before == nil || ev.Before.Data["title"] != "old" {
		t.Errorf("before = %+v, want old snapshot", ev.Before)
	}
	if ev.After == nil || ev.After.Data["title"] != "new" {
		t.Errorf("after = %+v, want new snapshot", ev.After)
	}
}

func TestService_DeleteIsSoft(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	card := mustCreate(t, svc, CreateInput{Type: "thread@1.0.0"})

	deleted, err := svc.Delete(ctx, card.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted.Active {
		t.Error("Active = true, want false")
	}

	got, err := svc.Get(ctx, card.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Active {
		t.Error("stored card is still active")
	}
	if ev := pub.last(); !ev.Before.Active || ev.After.Active {
		t.Errorf("event = before.active %v after.active %v, want true/false", ev.Before.Active, ev.After.Active)
	}
}

func TestService_LinkExpandsLinks(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	thread := mustCreate(t, svc, CreateInput{Type: "thread@1.0.0"})
	user := mustCreate(t, svc, CreateInput{Type: "user@1.0.0", Slug: "user-jane"})

	linked, err := svc.Link(ctx, thread.ID, "is owned by", user.ID)
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	owners := linked.Links["is owned by"]
	if len(owners) != 1 || owners[0].Slug != "user-jane" {
		t.Fatalf("links = %+v, want user-jane", linked.Links)
	}

	ev := pub.last()
	if len(ev.Before.Links) != 0 {
		t.Errorf("before links = %v, want none", ev.Before.Links)
	}
	if len(ev.After.Links["is owned by"]) != 1 {
		t.Errorf("after links = %v, want one owner", ev.After.Links)
	}

	if _, err := svc.Link(ctx, thread.ID, "is owned by", "00000000-0000-0000-0000-000000000000"); err == nil {
		t.Error("Link() to missing card should fail")
	}
	if _, err := svc.Link(ctx, thread.ID, " ", user.ID); err == nil {
		t.Error("Link() without verb should fail")
	}
}

func TestService_QueryFiltersSortsAndPages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var threads []*model.Card
	for _, title := range []string{"b", "c", "a"} {
		threads = append(threads, mustCreate(t, svc, CreateInput{
			Type: "thread",
			Data: map[string]any{"title": title},
		}))
	}
	mustCreate(t, svc, CreateInput{Type: "message", Data: map[string]any{"title": "z"}})

	// created_at降順（デフォルト）
	got, err := svc.Query(ctx, typeFilter("thread"), query.Options{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	want := []string{threads[2].ID, threads[1].ID, threads[0].ID}
	if ids := cardIDs(got); !equal(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}

	// データパス昇順、2件目から1件
	got, err = svc.Query(ctx, typeFilter("thread"), query.Options{
		SortBy: "data.title", SortDir: query.SortAsc, Skip: 1, Limit: 1,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 || got[0].Data["title"] != "b" {
		t.Errorf("page = %+v, want title b", got)
	}

	// 範囲外のskip
	got, err = svc.Query(ctx, typeFilter("thread"), query.Options{Skip: 10, Limit: 5})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestService_QueryMatchesLinks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	owned := mustCreate(t, svc, CreateInput{Type: "thread"})
	mustCreate(t, svc, CreateInput{Type: "thread"})
	jane := mustCreate(t, svc, CreateInput{Type: "user", Slug: "user-jane"})
	if _, err := svc.Link(ctx, owned.ID, "is owned by", jane.ID); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	f, err := filter.Synthesize(typeFilter("thread"), []filter.SubFilter{{
		Kind: filter.KindProperty,
		Schema: filter.Schema{
			filter.LinksKey: map[string]any{
				"is owned by": map[string]any{
					"type":       "object",
					"required":   []any{"slug"},
					"properties": map[string]any{"slug": map[string]any{"const": "user-jane"}},
				},
			},
		},
	}}, filter.Options{LinksSupported: true})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	got, err := svc.Query(ctx, f, query.Options{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if ids := cardIDs(got); !equal(ids, []string{owned.ID}) {
		t.Errorf("ids = %v, want [%s]", ids, owned.ID)
	}
}

func TestService_QueryInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Query(ctx, &filter.Filter{Blocks: []filter.Block{{Name: "x"}}}, query.Options{})
	if !errors.Is(err, filter.ErrInvalidFilter) {
		t.Errorf("error = %v, want ErrInvalidFilter", err)
	}

	_, err = svc.Query(ctx, filter.DefaultFilter(), query.Options{Skip: -1})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidQuery {
		t.Errorf("error = %v, want INVALID_QUERY", err)
	}
}

func TestService_PurgeInactivePublishesRemovals(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	card := mustCreate(t, svc, CreateInput{Type: "thread", Active: boolPtr(false)})
	mustCreate(t, svc, CreateInput{Type: "thread"})

	purged, err := svc.PurgeInactive(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("PurgeInactive() error = %v", err)
	}
	if len(purged) != 1 || purged[0].ID != card.ID {
		t.Fatalf("purged = %+v, want [%s]", purged, card.ID)
	}
	ev := pub.last()
	if ev.Before == nil || ev.Before.ID != card.ID || ev.After != nil {
		t.Errorf("event = %+v, want {%s, nil}", ev, card.ID)
	}
}

func boolPtr(b bool) *bool { return &b }

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
