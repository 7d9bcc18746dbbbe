package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FailureLimiterConfig はログイン失敗回数の制限設定を保持する。
type FailureLimiterConfig struct {
	MaxFailures     int           // Window内に許容する失敗回数
	Window          time.Duration // 失敗回数が全回復するまでの時間
	CleanupInterval time.Duration // 不要エントリのクリーンアップ間隔
}

// DefaultFailureLimiterConfig はデフォルトの設定を返す。
// 15分間に5回まで失敗を許容する。
func DefaultFailureLimiterConfig() FailureLimiterConfig {
	return FailureLimiterConfig{
		MaxFailures:     5,
		Window:          15 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// emailLimiter はメールアドレスごとのリミッターとアクセス時刻を保持する。
type emailLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// FailureLimiter はメールアドレスごとのログイン失敗回数を制限する。
// 失敗のたびにトークンを1つ消費し、トークンが尽きるとBlockedがtrueを返す。
// トークンはWindow/MaxFailuresごとに1つ回復する。
type FailureLimiter struct {
	config FailureLimiterConfig
	limit  rate.Limit

	mu       sync.Mutex
	limiters map[string]*emailLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewFailureLimiter はFailureLimiterを生成し、バックグラウンドのクリーンアップを開始する。
func NewFailureLimiter(config FailureLimiterConfig) *FailureLimiter {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultFailureLimiterConfig().MaxFailures
	}
	if config.Window <= 0 {
		config.Window = DefaultFailureLimiterConfig().Window
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultFailureLimiterConfig().CleanupInterval
	}

	fl := &FailureLimiter{
		config:   config,
		limit:    rate.Every(config.Window / time.Duration(config.MaxFailures)),
		limiters: make(map[string]*emailLimiter),
		stopCh:   make(chan struct{}),
	}

	go fl.cleanupLoop()

	return fl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (fl *FailureLimiter) Stop() {
	fl.stopOnce.Do(func() { close(fl.stopCh) })
}

// Blocked はキーの失敗回数が上限に達しているかを返す。
func (fl *FailureLimiter) Blocked(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	el, ok := fl.limiters[key]
	if !ok {
		return false
	}
	el.lastAccess = time.Now()
	return el.limiter.Tokens() < 1
}

// RecordFailure は失敗を1回記録する。
func (fl *FailureLimiter) RecordFailure(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	el, ok := fl.limiters[key]
	if !ok {
		el = &emailLimiter{limiter: rate.NewLimiter(fl.limit, fl.config.MaxFailures)}
		fl.limiters[key] = el
	}
	el.lastAccess = time.Now()
	el.limiter.Allow()
}

// Reset はキーの失敗記録を消去する。ログイン成功やパスワード再設定時に呼ぶ。
func (fl *FailureLimiter) Reset(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	delete(fl.limiters, key)
}

// Count は現在管理しているエントリ数を返す。テスト用。
func (fl *FailureLimiter) Count() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.limiters)
}

// cleanupLoop はバックグラウンドで不要エントリを定期的にクリーンアップする。
func (fl *FailureLimiter) cleanupLoop() {
	ticker := time.NewTicker(fl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fl.cleanup(time.Now())
		case <-fl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからWindow以上経過したエントリを削除する。
// その時点でトークンは全回復しているため、削除しても制限状態は変わらない。
func (fl *FailureLimiter) cleanup(now time.Time) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	for key, el := range fl.limiters {
		if now.Sub(el.lastAccess) > fl.config.Window {
			delete(fl.limiters, key)
		}
	}
}
