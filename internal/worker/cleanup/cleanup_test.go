package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/cardsync/internal/model"
)

// mockPurger はPurgerのモック実装。
type mockPurger struct {
	mu     sync.Mutex
	calls  int
	before time.Time
	purged []*model.Card
	err    error
}

func (m *mockPurger) PurgeInactive(ctx context.Context, before time.Time) ([]*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.before = before
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.purged, m.err
}

func (m *mockPurger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// parseLogLines はJSONログを1行ずつパースする。
func parseLogLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("ログのパースに失敗: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewCleanupJob_SetsRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{}, newTestLogger(&buf))

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", job.RetentionDays)
	}
}

func TestCleanupJob_Run_UsesRetentionWindow(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{}
	job := NewCleanupJob(purger, newTestLogger(&buf))
	job.RetentionDays = 7
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := time.Date(2026, 5, 3, 12, 0, 0, 0, time.UTC)
	if !purger.before.Equal(want) {
		t.Errorf("before = %v, want %v", purger.before, want)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{purged: []*model.Card{{ID: "a"}, {ID: "b"}}}
	job := NewCleanupJob(purger, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	entries := parseLogLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0]["deleted_count"] != float64(2) {
		t.Errorf("deleted_count = %v, want 2", entries[0]["deleted_count"])
	}
	if entries[0]["retention_days"] != float64(30) {
		t.Errorf("retention_days = %v, want 30", entries[0]["retention_days"])
	}
	if _, ok := entries[0]["duration_ms"]; !ok {
		t.Error("duration_ms がログに含まれていない")
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{}, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
	}
}

func TestCleanupJob_Run_ReturnsErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	dbErr := errors.New("connection refused")
	job := NewCleanupJob(&mockPurger{err: dbErr}, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, dbErr) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, dbErr)
	}

	entries := parseLogLines(t, &buf)
	if len(entries) != 1 || entries[0]["level"] != "ERROR" {
		t.Errorf("log entries = %v, want one ERROR entry", entries)
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStops(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{}
	job := NewCleanupJob(purger, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for purger.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("起動直後の実行が行われませんでした")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start がキャンセル後に終了しませんでした")
	}
}
