package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testRateLimiterConfig(generalRate float64, generalBurst int, writeRate float64, writeBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(generalRate),
		GeneralBurst:    generalBurst,
		WriteRate:       rate.Limit(writeRate),
		WriteBurst:      writeBurst,
		CleanupInterval: 1 * time.Minute,
	}
}

// accountRequest はアカウントIDをコンテキストに持つリクエストを生成する。
func accountRequest(method, path, accountID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(ContextWithAccountID(req.Context(), accountID))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(2, 5, 1, 10))
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, accountRequest(http.MethodGet, "/api/events", "acc-1"))

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterHeader(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1, 1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// 1回目は通る
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, accountRequest(http.MethodGet, "/api/events", "acc-retry-after"))
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	// 2回目は429になる
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, accountRequest(http.MethodGet, "/api/events", "acc-retry-after"))

	resp := w2.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	retrySeconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil {
		t.Errorf("Retry-After header should be a number, got %q", resp.Header.Get("Retry-After"))
	}
	if retrySeconds < 1 {
		t.Errorf("Retry-After = %d, should be at least 1", retrySeconds)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "RATE_LIMITED" || body.Category != "system" || body.Message == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestRateLimitMiddleware_IsolatesAccountRateLimits(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1, 1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	steps := []struct {
		accountID string
		want      int
	}{
		{"acc-A", http.StatusOK},
		{"acc-A", http.StatusTooManyRequests},
		{"acc-B", http.StatusOK}, // acc-Aのレートに影響されない
	}
	for i, s := range steps {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, accountRequest(http.MethodGet, "/api/events", s.accountID))
		if w.Result().StatusCode != s.want {
			t.Errorf("step %d (%s): status = %d, want %d", i, s.accountID, w.Result().StatusCode, s.want)
		}
	}
}

func TestRateLimitMiddleware_UnauthenticatedKeyedByIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1, 1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	send := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Result().StatusCode
	}

	if got := send("203.0.113.1:1111"); got != http.StatusOK {
		t.Errorf("first request: status = %d, want %d", got, http.StatusOK)
	}
	// 同じIPはポートが違っても同じキー
	if got := send("203.0.113.1:2222"); got != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want %d", got, http.StatusTooManyRequests)
	}
	if got := send("203.0.113.2:1111"); got != http.StatusOK {
		t.Errorf("other IP: status = %d, want %d", got, http.StatusOK)
	}
}

func TestLimiterKey(t *testing.T) {
	req := accountRequest(http.MethodGet, "/", "acc-1")
	if got := limiterKey(req); got != "account:acc-1" {
		t.Errorf("limiterKey = %q, want %q", got, "account:acc-1")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	if got := limiterKey(req); got != "ip:198.51.100.7" {
		t.Errorf("limiterKey = %q, want %q", got, "ip:198.51.100.7")
	}

	req.RemoteAddr = "not-a-hostport"
	if got := limiterKey(req); got != "ip:not-a-hostport" {
		t.Errorf("limiterKey = %q, want %q", got, "ip:not-a-hostport")
	}
}

// --- WriteMiddleware のテスト ---

func TestWriteRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(100, 200, 1, 3))
	defer rl.Stop()

	handler := rl.WriteMiddleware()(okHandler())

	// バースト内の3リクエストは通る
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, accountRequest(http.MethodPost, "/api/events", "acc-writer"))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	// 4回目は429
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, accountRequest(http.MethodPost, "/api/events", "acc-writer"))
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("request 4: status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
	if w.Result().Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header to be present")
	}
}

func TestWriteRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1, 1, 1))
	defer rl.Stop()

	// General のバーストを消費
	w1 := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(w1, accountRequest(http.MethodGet, "/api/events", "acc-indep"))

	// 書き込み系の制限はまだ使える
	w2 := httptest.NewRecorder()
	rl.WriteMiddleware()(okHandler()).ServeHTTP(w2, accountRequest(http.MethodPost, "/api/events", "acc-indep"))

	if w2.Result().StatusCode != http.StatusOK {
		t.Errorf("write should still be allowed: status = %d, want %d", w2.Result().StatusCode, http.StatusOK)
	}
	if rl.GeneralLimiterCount() != 1 || rl.WriteLimiterCount() != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", rl.GeneralLimiterCount(), rl.WriteLimiterCount())
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig(2, 5, 1, 10)
	cfg.CleanupInterval = 50 * time.Millisecond // テスト用に短く

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	w := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(w, accountRequest(http.MethodGet, "/api/events", "acc-cleanup"))

	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// エントリのTTLはcleanupIntervalの2倍（100ms）。200ms待てば削除されるはず
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

// --- ミドルウェアチェーンとの統合テスト ---

func TestRateLimitMiddleware_InChainWithTokenAndCORS(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 2, 1, 10))
	defer rl.Stop()

	tokenMW := NewTokenMiddleware(validTokenVerifier())
	corsMW := NewCORSMiddleware("http://localhost:3000")
	rateMW := rl.GeneralMiddleware()

	// CORS -> Token -> RateLimit -> Handler
	handler := corsMW(tokenMW(rateMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, _ := AccountIDFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"account_id": accountID})
	}))))

	send := func() *http.Response {
		req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Result()
	}

	for i := 0; i < 2; i++ {
		resp := send()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, resp.StatusCode, http.StatusOK)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
			t.Errorf("request %d: CORS header missing", i)
		}
	}

	if resp := send(); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("request 3: status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.WriteRate != 0.5 { // 30/60
		t.Errorf("WriteRate = %f, want 0.5", cfg.WriteRate)
	}
	if cfg.WriteBurst != 30 {
		t.Errorf("WriteBurst = %d, want 30", cfg.WriteBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want %v", cfg.CleanupInterval, 5*time.Minute)
	}
}
