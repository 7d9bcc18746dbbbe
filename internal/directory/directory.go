// Package directory はユーザー名とアカウントIDの対応（ユーザー名予約）を管理する。
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/letsgo/internal/docstore"
	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/model"
)

// Collection はユーザー名予約を格納するコレクション名。ドキュメントIDはユーザー名。
const Collection = "usernames"

// ReservationMode はユーザー名予約の書き込み方式。
type ReservationMode string

const (
	// ModeCheckThenWrite は存在確認の後に上書き書き込みを行う。
	// 確認と書き込みの間に同じユーザー名の予約が完了した場合は後勝ちになる。
	ModeCheckThenWrite ReservationMode = "check_then_write"

	// ModeTransactional はストアの作成専用書き込みで確認と書き込みを一体化する。
	// 競合した側はUSERNAME_TAKENになり、既存の予約は上書きされない。
	ModeTransactional ReservationMode = "transactional"
)

// ParseReservationMode は設定値をReservationModeに変換する。
func ParseReservationMode(s string) (ReservationMode, error) {
	switch ReservationMode(s) {
	case ModeCheckThenWrite, ModeTransactional:
		return ReservationMode(s), nil
	default:
		return "", fmt.Errorf("unknown username reservation mode: %q", s)
	}
}

// AccountGetter はアカウント情報の取得インターフェース。
// 予約先アカウントの存在確認と表示名の解決に使用する。
type AccountGetter interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
}

// Directory はユーザー名予約の読み書きを行う。
// 内部でリトライは行わない。
type Directory struct {
	store    docstore.Store
	accounts AccountGetter
	mode     ReservationMode
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// Option はDirectoryのオプション設定。
type Option func(*Directory)

// WithMode は予約方式を設定する。
func WithMode(mode ReservationMode) Option {
	return func(d *Directory) { d.mode = mode }
}

// WithMetrics はメトリクスコレクタを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(d *Directory) { d.metrics = metrics.OrNop(m) }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// New はDirectoryを生成する。accountsはResolveAccountとDisplayNameで使用する。
func New(store docstore.Store, accounts AccountGetter, opts ...Option) *Directory {
	d := &Directory{
		store:    store,
		accounts: accounts,
		mode:     ModeCheckThenWrite,
		metrics:  metrics.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Mode は現在の予約方式を返す。
func (d *Directory) Mode() ReservationMode {
	return d.mode
}

// Reserve はユーザー名をアカウントIDに予約する。
// 既に予約済みの場合はUSERNAME_TAKENを返す。
func (d *Directory) Reserve(ctx context.Context, username, accountID string) error {
	var err error
	if d.mode == ModeTransactional {
		err = d.reserveTransactional(ctx, username, accountID)
	} else {
		err = d.reserveCheckThenWrite(ctx, username, accountID)
	}

	if err != nil {
		outcome := metrics.OutcomeFailure
		if apiErr, ok := model.AsAPIError(err); ok {
			outcome = apiErr.Code
		}
		d.metrics.RecordReservation(outcome)
		return err
	}

	d.metrics.RecordReservation(metrics.OutcomeSuccess)
	return nil
}

func (d *Directory) reserveCheckThenWrite(ctx context.Context, username, accountID string) error {
	taken, err := d.IsTaken(ctx, username)
	if err != nil {
		return err
	}
	if taken {
		return model.NewUsernameTakenError(username)
	}

	reservation := model.UsernameReservation{Username: username, AccountID: accountID}
	if err := d.store.Set(ctx, Collection, username, reservation); err != nil {
		return model.NewStoreUnavailableError(err)
	}
	return nil
}

func (d *Directory) reserveTransactional(ctx context.Context, username, accountID string) error {
	reservation := model.UsernameReservation{Username: username, AccountID: accountID}
	err := d.store.Create(ctx, Collection, username, reservation)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return model.NewUsernameTakenError(username)
	}
	if err != nil {
		return model.NewStoreUnavailableError(err)
	}
	return nil
}

// IsTaken はユーザー名が予約済みかを返す。
func (d *Directory) IsTaken(ctx context.Context, username string) (bool, error) {
	_, err := d.store.Get(ctx, Collection, username)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, model.NewStoreUnavailableError(err)
	}
	return true, nil
}

// Resolve はユーザー名を予約しているアカウントIDを返す。
// 予約が存在しない場合はUSERNAME_NOT_FOUNDを返す。
func (d *Directory) Resolve(ctx context.Context, username string) (string, error) {
	snap, err := d.store.Get(ctx, Collection, username)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", model.NewUsernameNotFoundError(username)
	}
	if err != nil {
		return "", model.NewStoreUnavailableError(err)
	}

	var reservation model.UsernameReservation
	if err := snap.Decode(&reservation); err != nil {
		return "", model.NewStoreUnavailableError(fmt.Errorf("failed to decode reservation %q: %w", username, err))
	}
	return reservation.AccountID, nil
}

// ResolveAccount はResolveに加えて、予約先のアカウントレコードが存在することを確認する。
// レコードが無い場合は不整合としてACCOUNT_DATA_MISSINGを返す。
func (d *Directory) ResolveAccount(ctx context.Context, username string) (string, error) {
	accountID, err := d.Resolve(ctx, username)
	if err != nil {
		return "", err
	}

	_, err = d.accounts.Get(ctx, accountID)
	if model.HasCode(err, model.ErrCodeAccountNotFound) {
		d.logger.Error("username resolved to missing account record",
			slog.String("username", username),
			slog.String("account_id", accountID),
		)
		d.metrics.RecordConsistencyFault("resolve")
		return "", model.NewAccountDataMissingError(username, accountID)
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}

// DisplayName はメンバー一覧などの表示用にアカウントの表示情報を返す。
// アカウントレコードのユーザー名の予約が別のアカウントを指している場合は
// 不整合として記録するが、表示情報はレコードの内容をそのまま返す。
func (d *Directory) DisplayName(ctx context.Context, accountID string) (*model.DisplayIdentity, error) {
	acc, err := d.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if acc.Username != "" {
		owner, err := d.Resolve(ctx, acc.Username)
		switch {
		case model.HasCode(err, model.ErrCodeUsernameNotFound) || (err == nil && owner != accountID):
			d.logger.Warn("account username is not reserved for the account",
				slog.String("account_id", accountID),
				slog.String("username", acc.Username),
				slog.String("reserved_for", owner),
			)
			d.metrics.RecordConsistencyFault("display_name")
		case err != nil:
			return nil, err
		}
	}

	return &model.DisplayIdentity{
		AccountID: acc.ID,
		Username:  acc.Username,
		FirstName: acc.FirstName,
		LastName:  acc.LastName,
	}, nil
}
