// Package audit はユーザー名予約とアカウント情報の不整合を検出するジョブを提供する。
// 検出した不整合はログとメトリクスに記録するだけで、修復は行わない。
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/letsgo/internal/account"
	"github.com/hitoshi/letsgo/internal/directory"
	"github.com/hitoshi/letsgo/internal/docstore"
	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/model"
)

// faultSource はメトリクスに記録する不整合の検出元。
const faultSource = "audit"

// 不整合の種類
const (
	// FaultMissingAccount は予約先のアカウント情報が存在しない状態。
	FaultMissingAccount = "missing_account"
	// FaultUsernameMismatch は予約先のアカウント情報のユーザー名が予約と異なる状態。
	FaultUsernameMismatch = "username_mismatch"
	// FaultUnreserved はアカウント情報のユーザー名が予約されていない、または他のアカウントに予約されている状態。
	FaultUnreserved = "unreserved_username"
)

// Fault は検出した不整合1件を表す。
type Fault struct {
	Kind      string
	Username  string
	AccountID string
}

// Report は監査結果を表す。
type Report struct {
	Reservations int
	Accounts     int
	Faults       []Fault
}

// Job はユーザー名予約とアカウント情報を突き合わせる監査ジョブ。
type Job struct {
	store   docstore.Scanner
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewJob はJobを生成する。
func NewJob(store docstore.Scanner, m metrics.MetricsCollector, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		store:   store,
		metrics: metrics.OrNop(m),
		logger:  logger,
	}
}

// Run は全件を走査して不整合を検出する。
func (j *Job) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	resSnaps, err := j.store.All(ctx, directory.Collection)
	if err != nil {
		return nil, fmt.Errorf("ユーザー名予約の取得に失敗: %w", err)
	}
	accSnaps, err := j.store.All(ctx, account.Collection)
	if err != nil {
		return nil, fmt.Errorf("アカウント情報の取得に失敗: %w", err)
	}

	// ユーザー名 -> アカウントID
	reserved := make(map[string]string, len(resSnaps))
	for _, snap := range resSnaps {
		var r model.UsernameReservation
		if err := snap.Decode(&r); err != nil {
			j.logger.Warn("skipping undecodable reservation",
				slog.String("username", snap.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		reserved[snap.ID] = r.AccountID
	}

	// アカウントID -> ユーザー名
	accounts := make(map[string]string, len(accSnaps))
	for _, snap := range accSnaps {
		var acc model.Account
		if err := snap.Decode(&acc); err != nil {
			j.logger.Warn("skipping undecodable account",
				slog.String("account_id", snap.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		accounts[snap.ID] = acc.Username
	}

	report := &Report{Reservations: len(reserved), Accounts: len(accounts)}

	for _, snap := range resSnaps {
		accountID, ok := reserved[snap.ID]
		if !ok {
			continue
		}
		username, exists := accounts[accountID]
		switch {
		case !exists:
			report.Faults = append(report.Faults, Fault{Kind: FaultMissingAccount, Username: snap.ID, AccountID: accountID})
		case username != snap.ID:
			report.Faults = append(report.Faults, Fault{Kind: FaultUsernameMismatch, Username: snap.ID, AccountID: accountID})
		}
	}

	for _, snap := range accSnaps {
		username, ok := accounts[snap.ID]
		if !ok || username == "" {
			continue
		}
		if reserved[username] != snap.ID {
			report.Faults = append(report.Faults, Fault{Kind: FaultUnreserved, Username: username, AccountID: snap.ID})
		}
	}

	for _, f := range report.Faults {
		j.metrics.RecordConsistencyFault(faultSource)
		j.logger.Error("consistency fault detected",
			slog.String("kind", f.Kind),
			slog.String("username", f.Username),
			slog.String("account_id", f.AccountID),
		)
	}

	j.logger.Info("監査ジョブが完了しました",
		slog.Int("reservations", report.Reservations),
		slog.Int("accounts", report.Accounts),
		slog.Int("faults", len(report.Faults)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return report, nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。ctxのキャンセルで終了する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("audit job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("audit job failed", slog.String("error", err.Error()))
			}
		}
	}
}
