package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/cardsync/internal/card"
	"github.com/hitoshi/cardsync/internal/database"
	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/handler"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/query"
	"github.com/hitoshi/cardsync/internal/repository"
	"github.com/hitoshi/cardsync/internal/security"
	"github.com/hitoshi/cardsync/internal/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// testStack はSQLite上に組み立てたサーバー一式。
type testStack struct {
	server *httptest.Server
	hub    *stream.Hub
	client *Client
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("SQLiteのオープンに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.RunMigrations(db, database.DriverSQLite); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	compiler := filter.NewSchemaCompiler(64)
	hub := stream.NewHub(compiler, discardLogger(), nil, 64)
	svc := card.NewService(repository.NewSQLiteCardRepo(db), compiler, security.NewMarkupSanitizer(), hub, discardLogger())

	srv := httptest.NewServer(handler.NewRouter(&handler.RouterDeps{
		Logger:        discardLogger(),
		HealthChecker: db,
		CardService:   svc,
		QuerySource:   svc,
		Streamer:      hub,
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	client, err := New(Config{BaseURL: srv.URL, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testStack{server: srv, hub: hub, client: client}
}

func typeFilter(cardType string) *filter.Filter {
	return &filter.Filter{
		Slug: cardType,
		Blocks: []filter.Block{{
			Name: "type",
			Schema: filter.Schema{
				"type": "object",
				"properties": map[string]any{
					"type": map[string]any{"const": cardType},
				},
			},
		}},
	}
}

func TestNew_InvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "://bad", "example.com"} {
		if _, err := New(Config{BaseURL: raw}); err == nil {
			t.Errorf("New(%q) error = nil, want error", raw)
		}
	}
}

func TestClient_CardLifecycle(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()

	created, err := st.client.CreateCard(ctx, card.CreateInput{
		Type: "message@1.0.0",
		Data: map[string]any{"message": "hi <script>alert(1)</script>"},
	})
	if err != nil {
		t.Fatalf("CreateCard() error = %v", err)
	}
	if created.ID == "" || !created.Active {
		t.Fatalf("created = %+v, want active card with id", created)
	}
	if msg, _ := created.Data["message"].(string); msg != "hi " {
		t.Errorf("data.message = %q, want sanitized %q", msg, "hi ")
	}

	got, err := st.client.GetCard(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetCard() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("GetCard().ID = %q, want %q", got.ID, created.ID)
	}

	slug := "greeting"
	updated, err := st.client.UpdateCard(ctx, created.ID, card.UpdateInput{Slug: &slug})
	if err != nil {
		t.Fatalf("UpdateCard() error = %v", err)
	}
	if updated.Slug != "greeting" {
		t.Errorf("slug = %q, want %q", updated.Slug, "greeting")
	}

	target, err := st.client.CreateCard(ctx, card.CreateInput{Type: "file@1.0.0"})
	if err != nil {
		t.Fatalf("CreateCard(target) error = %v", err)
	}
	linked, err := st.client.LinkCard(ctx, created.ID, "has attached element", target.ID)
	if err != nil {
		t.Fatalf("LinkCard() error = %v", err)
	}
	if n := len(linked.Links["has attached element"]); n != 1 {
		t.Errorf("links = %d, want 1", n)
	}

	deleted, err := st.client.DeleteCard(ctx, created.ID)
	if err != nil {
		t.Fatalf("DeleteCard() error = %v", err)
	}
	if deleted.Active {
		t.Error("expected deleted card to be inactive")
	}
}

func TestClient_NotFoundReturnsAPIError(t *testing.T) {
	st := newTestStack(t)

	_, err := st.client.GetCard(context.Background(), "missing")

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", httpErr.StatusCode, http.StatusNotFound)
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeCardNotFound {
		t.Errorf("api error = %+v, want %s", apiErr, model.ErrCodeCardNotFound)
	}
}

func TestClient_Query(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.client.CreateCard(ctx, card.CreateInput{Type: "message@1.0.0"}); err != nil {
			t.Fatalf("CreateCard() error = %v", err)
		}
	}
	if _, err := st.client.CreateCard(ctx, card.CreateInput{Type: "thread@1.0.0"}); err != nil {
		t.Fatalf("CreateCard() error = %v", err)
	}

	cards, err := st.client.Query(ctx, typeFilter("message@1.0.0"), query.Options{Limit: 2})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(cards) != 2 {
		t.Errorf("len(cards) = %d, want 2", len(cards))
	}

	rest, err := st.client.Query(ctx, typeFilter("message@1.0.0"), query.Options{Limit: 2, Skip: 2})
	if err != nil {
		t.Fatalf("Query(skip) error = %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("len(rest) = %d, want 1", len(rest))
	}
}

func TestClient_Query_InvalidFilterDoesNotTripBreaker(t *testing.T) {
	st := newTestStack(t)
	client, err := New(Config{
		BaseURL: st.server.URL,
		Logger:  discardLogger(),
		Breaker: BreakerConfig{MaxFailures: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	bad := &filter.Filter{Blocks: []filter.Block{{Name: "broken"}}}
	for i := 0; i < 3; i++ {
		_, err := client.Query(context.Background(), bad, query.Options{})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidFilter {
			t.Fatalf("error = %v, want %s", err, model.ErrCodeInvalidFilter)
		}
	}
	if got := client.BreakerState(); got != "closed" {
		t.Errorf("BreakerState() = %q, want %q", got, "closed")
	}
}

func TestClient_Query_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"code": "INTERNAL_ERROR", "message": "boom"})
	}))
	defer srv.Close()

	client, err := New(Config{
		BaseURL: srv.URL,
		Logger:  discardLogger(),
		Breaker: BreakerConfig{MaxFailures: 2, Timeout: time.Minute, HalfOpenMaxRequests: 1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := client.Query(context.Background(), filter.DefaultFilter(), query.Options{}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if got := client.BreakerState(); got != "open" {
		t.Fatalf("BreakerState() = %q, want %q", got, "open")
	}

	_, err = client.Query(context.Background(), filter.DefaultFilter(), query.Options{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
}
