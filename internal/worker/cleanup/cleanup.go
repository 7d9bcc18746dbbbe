// Package cleanup は期限切れのパスワード再設定トークンの自動削除ジョブを提供する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/letsgo/internal/auth"
	"github.com/hitoshi/letsgo/internal/docstore"
)

// Store はクリーンアップに必要なドキュメントストア操作のインターフェース。
type Store interface {
	docstore.Scanner
	Delete(ctx context.Context, collection, id string) error
}

// CleanupJob は期限切れの再設定トークンを削除するジョブ。
// 冪等で、削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store Store, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Run は期限切れの再設定トークンを削除し、削除件数を返す。
// 読み取れないドキュメントも削除対象とする。
func (j *CleanupJob) Run(ctx context.Context) (int, error) {
	start := time.Now()

	snaps, err := j.store.All(ctx, auth.ResetCollection)
	if err != nil {
		j.logger.Error("クリーンアップ対象の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("再設定トークンの取得に失敗: %w", err)
	}

	now := j.now()
	deleted := 0
	for _, snap := range snaps {
		var reset auth.PasswordReset
		if err := snap.Decode(&reset); err == nil && !reset.Expired(now) {
			continue
		}
		if err := j.store.Delete(ctx, auth.ResetCollection, snap.ID); err != nil {
			j.logger.Error("再設定トークンの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			return deleted, fmt.Errorf("再設定トークンの削除に失敗: %w", err)
		}
		deleted++
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int("deleted_count", deleted),
		slog.Int("scanned_count", len(snaps)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。ctxのキャンセルで終了する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
