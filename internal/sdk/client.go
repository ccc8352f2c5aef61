// Package sdk はcardsyncサーバーのHTTP/WebSocketクライアントを提供する。
// Clientは query.Source と stream.Streamer を実装するため、
// リモートのサーバーをデータソースとしてCollectionを開くことができる。
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hitoshi/cardsync/internal/card"
	"github.com/hitoshi/cardsync/internal/filter"
	"github.com/hitoshi/cardsync/internal/model"
	"github.com/hitoshi/cardsync/internal/query"
)

// ErrCircuitOpen はサーキットブレーカーが開いているためリクエストを送らなかったことを示す。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig はクエリ用サーキットブレーカーの設定。
type BreakerConfig struct {
	MaxFailures         uint32        // 連続失敗がこの回数に達するとオープンする
	Timeout             time.Duration // オープンからハーフオープンに移るまでの時間
	HalfOpenMaxRequests uint32        // ハーフオープン中に許可するリクエスト数
}

// DefaultBreakerConfig はデフォルトのブレーカー設定を返す。
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Config はClientの設定。
type Config struct {
	BaseURL          string
	HTTPClient       *http.Client
	Breaker          BreakerConfig
	StreamBufferSize int
	Logger           *slog.Logger
}

// HTTPError はサーバーがエラーステータスを返した場合のエラー。
type HTTPError struct {
	StatusCode int
	API        *model.APIError
}

// Error はerrorインターフェースを実装する。
func (e *HTTPError) Error() string {
	if e.API != nil {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.API.Error())
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// Unwrap はAPIErrorを返す。errors.As(err, **model.APIError) で取り出せる。
func (e *HTTPError) Unwrap() error {
	if e.API == nil {
		return nil
	}
	return e.API
}

// Client はcardsyncサーバーのクライアント。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	bufferSize int
	logger     *slog.Logger
}

// New はClientを生成する。
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme: %q", u.Scheme)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}

	c := &Client{
		baseURL:    u,
		httpClient: cfg.HTTPClient,
		bufferSize: cfg.StreamBufferSize,
		logger:     cfg.Logger,
	}
	if c.bufferSize <= 0 {
		c.bufferSize = 256
	}

	maxFailures := cfg.Breaker.MaxFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cardsync-query",
		MaxRequests: cfg.Breaker.HalfOpenMaxRequests,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// 4xxは呼び出し側の誤りなので障害として数えない
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var httpErr *HTTPError
			return errors.As(err, &httpErr) && httpErr.StatusCode < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return c, nil
}

// BreakerState はクエリ用サーキットブレーカーの状態を返す（closed, half-open, open）。
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Query はフィルタに一致するカードを1ページ分取得する。query.Source を実装する。
func (c *Client) Query(ctx context.Context, f *filter.Filter, opts query.Options) ([]model.Card, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var resp query.Response
		if err := c.do(ctx, http.MethodPost, "/api/query", query.Request{Filter: f, Options: opts}, &resp); err != nil {
			return nil, err
		}
		return resp.Cards, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	cards, _ := result.([]model.Card)
	if cards == nil {
		cards = []model.Card{}
	}
	return cards, nil
}

// CreateCard はカードを作成する。
func (c *Client) CreateCard(ctx context.Context, in card.CreateInput) (*model.Card, error) {
	var out model.Card
	if err := c.do(ctx, http.MethodPost, "/api/cards", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCard はカードを取得する。
func (c *Client) GetCard(ctx context.Context, id string) (*model.Card, error) {
	var out model.Card
	if err := c.do(ctx, http.MethodGet, "/api/cards/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCard はカードを部分更新する。
func (c *Client) UpdateCard(ctx context.Context, id string, in card.UpdateInput) (*model.Card, error) {
	var out model.Card
	if err := c.do(ctx, http.MethodPatch, "/api/cards/"+url.PathEscape(id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCard はカードを論理削除する。
func (c *Client) DeleteCard(ctx context.Context, id string) (*model.Card, error) {
	var out model.Card
	if err := c.do(ctx, http.MethodDelete, "/api/cards/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LinkCard はfromIDからtoIDへのリンクを作成する。
func (c *Client) LinkCard(ctx context.Context, fromID, verb, toID string) (*model.Card, error) {
	body := map[string]string{"verb": verb, "to_id": toID}
	var out model.Card
	if err := c.do(ctx, http.MethodPost, "/api/cards/"+url.PathEscape(fromID)+"/links", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do はJSONリクエストを送り、2xxならoutにデコードする。
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		// APIErrorのフィールド名はJSONキーと大文字小文字を無視して一致する
		var apiErr model.APIError
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr); err == nil && apiErr.Code != "" {
			httpErr.API = &apiErr
		}
		return httpErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
