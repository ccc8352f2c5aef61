package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newRequestFrom(method, path, remoteAddr string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware (API全般) のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		WriteRate:       1,
		WriteBurst:      10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newRequestFrom(http.MethodGet, "/api/cards/x", "10.0.0.1:1234"))

		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		WriteRate:       1,
		WriteBurst:      10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newRequestFrom(http.MethodGet, "/api/cards/x", "10.0.0.1:1234"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequestFrom(http.MethodGet, "/api/cards/x", "10.0.0.1:1234"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want positive integer", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want %q", body.Code, "RATE_LIMIT_EXCEEDED")
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		WriteRate:       1,
		WriteBurst:      1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, newRequestFrom(http.MethodGet, "/api/cards/x", "10.0.0.1:1234"))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, newRequestFrom(http.MethodGet, "/api/cards/x", "10.0.0.2:1234"))

	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Errorf("statuses = %d, %d, want both 200", w1.Code, w2.Code)
	}
	if got := rl.GeneralLimiterCount(); got != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", got)
	}
}

// --- WriteMiddleware のテスト ---

func TestWriteRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    10,
		WriteRate:       1,
		WriteBurst:      1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	write := rl.WriteMiddleware()(okHandler())

	w := httptest.NewRecorder()
	write.ServeHTTP(w, newRequestFrom(http.MethodPost, "/api/cards", "10.0.0.1:1234"))
	if w.Code != http.StatusOK {
		t.Fatalf("first write: status = %d, want %d", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	write.ServeHTTP(w, newRequestFrom(http.MethodPost, "/api/cards", "10.0.0.1:1234"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second write: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	// 書き込み制限に達しても読み取りは通る
	w = httptest.NewRecorder()
	general.ServeHTTP(w, newRequestFrom(http.MethodGet, "/api/cards/x", "10.0.0.1:1234"))
	if w.Code != http.StatusOK {
		t.Errorf("general: status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := rl.WriteLimiterCount(); got != 1 {
		t.Errorf("WriteLimiterCount() = %d, want 1", got)
	}
}

// --- クライアント識別のテスト ---

func TestClientKey(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{"リモートアドレス", "192.0.2.1:5000", "", false, "192.0.2.1"},
		{"ポートなし", "192.0.2.1", "", false, "192.0.2.1"},
		{"プロキシ非信頼", "192.0.2.1:5000", "203.0.113.9", false, "192.0.2.1"},
		{"プロキシ信頼", "192.0.2.1:5000", "203.0.113.9, 10.0.0.1", true, "203.0.113.9"},
		{"ヘッダーなし", "192.0.2.1:5000", "", true, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequestFrom(http.MethodGet, "/", tt.remoteAddr)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientKey(req, tt.trustProxy); got != tt.want {
				t.Errorf("ClientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		WriteRate:       1,
		WriteBurst:      10,
		CleanupInterval: 50 * time.Millisecond,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), newRequestFrom(http.MethodGet, "/api/cards/x", "10.0.0.3:1"))

	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// TTLは50ms * 2 = 100ms。200ms待てば削除される
	time.Sleep(200 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 10.0 {
		t.Errorf("GeneralRate = %f, want 10.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 600 {
		t.Errorf("GeneralBurst = %d, want 600", cfg.GeneralBurst)
	}
	if cfg.WriteRate != 2.0 {
		t.Errorf("WriteRate = %f, want 2.0", cfg.WriteRate)
	}
	if cfg.WriteBurst != 120 {
		t.Errorf("WriteBurst = %d, want 120", cfg.WriteBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}
