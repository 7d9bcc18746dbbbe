package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/letsgo/internal/model"
)

// AccountGetter はアカウント情報の取得インターフェース。
type AccountGetter interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
}

// IdentityDirectory はユーザー名とアカウントIDの解決インターフェース。
type IdentityDirectory interface {
	ResolveAccount(ctx context.Context, username string) (string, error)
	DisplayName(ctx context.Context, accountID string) (*model.DisplayIdentity, error)
}

// AccountHandler はアカウント参照のHTTPハンドラー。
type AccountHandler struct {
	accounts  AccountGetter
	directory IdentityDirectory
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(accounts AccountGetter, directory IdentityDirectory) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		directory: directory,
	}
}

// accountResponse は自分自身のアカウント情報のAPIレスポンス。
type accountResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Birthday  string    `json:"birthday,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// usernameResponse はユーザー名解決のAPIレスポンス。
type usernameResponse struct {
	Username  string `json:"username"`
	AccountID string `json:"account_id"`
}

// Me は認証済みアカウントの情報を返す。
// GET /api/me
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	acc, err := h.accounts.Get(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

// GetAccount は表示用のアカウント情報を返す。
// GET /api/accounts/{id}
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	identity, err := h.directory.DisplayName(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, identity)
}

// ResolveUsername はユーザー名に対応するアカウントIDを返す。
// 予約先のアカウントレコードが無い場合はACCOUNT_DATA_MISSINGになる。
// GET /api/usernames/{username}
func (h *AccountHandler) ResolveUsername(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	accountID, err := h.directory.ResolveAccount(r.Context(), username)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, usernameResponse{Username: username, AccountID: accountID})
}

func toAccountResponse(acc *model.Account) accountResponse {
	resp := accountResponse{
		ID:        acc.ID,
		Email:     acc.Email,
		Username:  acc.Username,
		FirstName: acc.FirstName,
		LastName:  acc.LastName,
		CreatedAt: acc.CreatedAt,
	}
	if !acc.Birthday.IsZero() {
		resp.Birthday = acc.Birthday.Format(birthdayLayout)
	}
	return resp
}
