// Package account はアカウント情報の保存とサインアップ処理を提供する。
package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/letsgo/internal/docstore"
	"github.com/hitoshi/letsgo/internal/model"
)

// Collection はアカウント情報を格納するコレクション名。ドキュメントIDはアカウントID。
const Collection = "accounts"

// Store はアカウント情報のドキュメントストア上の読み書きを行う。
type Store struct {
	store docstore.Store
}

// NewStore はStoreを生成する。
func NewStore(store docstore.Store) *Store {
	return &Store{store: store}
}

// Get は指定IDのアカウントを取得する。存在しない場合はACCOUNT_NOT_FOUNDを返す。
func (s *Store) Get(ctx context.Context, accountID string) (*model.Account, error) {
	snap, err := s.store.Get(ctx, Collection, accountID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, model.NewAccountNotFoundError(accountID)
	}
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}

	acc := &model.Account{}
	if err := snap.Decode(acc); err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("failed to decode account %q: %w", accountID, err))
	}
	acc.ID = snap.ID
	return acc, nil
}

// Put はアカウントを保存する。既存のアカウントは上書きされる。
func (s *Store) Put(ctx context.Context, acc *model.Account) error {
	if acc.ID == "" {
		return model.NewValidationError(map[string]string{"id": "Account ID is required"})
	}
	if err := s.store.Set(ctx, Collection, acc.ID, acc); err != nil {
		return model.NewStoreUnavailableError(err)
	}
	return nil
}
