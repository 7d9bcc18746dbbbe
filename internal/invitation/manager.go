// Package invitation はユーザー名を指定したイベントへの招待を扱う。
package invitation

import (
	"context"
	"log/slog"

	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/model"
)

// EventStore は招待に必要なイベント操作のインターフェース。
type EventStore interface {
	Get(ctx context.Context, eventID string) (*model.Event, error)
	AddMember(ctx context.Context, ev *model.Event, accountID, username string) (*model.Event, error)
}

// UsernameResolver はユーザー名からアカウントIDを解決するインターフェース。
type UsernameResolver interface {
	Resolve(ctx context.Context, username string) (string, error)
}

// AccountGetter は招待先アカウントの存在確認に使用するインターフェース。
type AccountGetter interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
}

// InviteGuard は招待権限の判定インターフェース。
type InviteGuard interface {
	CanInvite(accountID string, event *model.Event) bool
}

// Manager はイベントへの招待を行う。
type Manager struct {
	events    EventStore
	directory UsernameResolver
	accounts  AccountGetter
	guard     InviteGuard
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewManager はManagerを生成する。
func NewManager(events EventStore, directory UsernameResolver, accounts AccountGetter, guard InviteGuard, m metrics.MetricsCollector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		events:    events,
		directory: directory,
		accounts:  accounts,
		guard:     guard,
		metrics:   metrics.OrNop(m),
		logger:    logger,
	}
}

// Invite はusernameのアカウントをイベントのメンバーに追加し、更新後のイベントを返す。
//
// 処理順:
//  1. 依頼者の招待権限を確認する（NOT_A_MEMBER。ユーザー名の解決より先に判定する）
//  2. ユーザー名を解決する（USERNAME_NOT_FOUND）
//  3. 予約先のアカウントレコードを確認する（無ければACCOUNT_DATA_MISSING）
//  4. 既にメンバーなら何も変更せずALREADY_MEMBERを返す
//  5. メンバー集合へ不可分に追加する
//
// 失敗した場合、イベントは変更されない。
func (m *Manager) Invite(ctx context.Context, eventID, username, requesterID string) (*model.Event, error) {
	ev, err := m.invite(ctx, eventID, username, requesterID)
	if err != nil {
		outcome := metrics.OutcomeFailure
		if apiErr, ok := model.AsAPIError(err); ok {
			outcome = apiErr.Code
		}
		m.metrics.RecordInvite(outcome)
		return nil, err
	}

	m.metrics.RecordInvite(metrics.OutcomeSuccess)
	m.logger.Info("member invited",
		slog.String("event_id", eventID),
		slog.String("account_id", requesterID),
		slog.String("invited_username", username),
	)
	return ev, nil
}

func (m *Manager) invite(ctx context.Context, eventID, username, requesterID string) (*model.Event, error) {
	if username == "" {
		return nil, model.NewValidationError(map[string]string{"username": "Username is required"})
	}

	ev, err := m.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !m.guard.CanInvite(requesterID, ev) {
		return nil, model.NewNotAMemberError(eventID)
	}

	inviteeID, err := m.directory.Resolve(ctx, username)
	if err != nil {
		return nil, err
	}

	_, err = m.accounts.Get(ctx, inviteeID)
	if model.HasCode(err, model.ErrCodeAccountNotFound) {
		m.logger.Error("invited username resolved to missing account record",
			slog.String("event_id", eventID),
			slog.String("username", username),
			slog.String("account_id", inviteeID),
		)
		m.metrics.RecordConsistencyFault("invite")
		return nil, model.NewAccountDataMissingError(username, inviteeID)
	}
	if err != nil {
		return nil, err
	}

	if ev.HasMember(inviteeID) {
		return nil, model.NewAlreadyMemberError(username)
	}

	return m.events.AddMember(ctx, ev, inviteeID, username)
}
