// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/letsgo/internal/account"
	"github.com/hitoshi/letsgo/internal/model"
)

// birthdayLayout はサインアップ時の生年月日の形式。
const birthdayLayout = "2006-01-02"

// SignupService はサインアップ処理のインターフェース。
type SignupService interface {
	Signup(ctx context.Context, in account.SignupInput) (*model.Account, error)
}

// LoginService はユーザー名またはメールアドレスによるログインのインターフェース。
type LoginService interface {
	Login(ctx context.Context, identifier, credential string) (string, error)
}

// PasswordResetService はパスワード再設定のインターフェース。
type PasswordResetService interface {
	SendPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
}

// TokenIssuer はログイン済みアカウントのトークンを発行するインターフェース。
type TokenIssuer interface {
	Issue(accountID string) (string, time.Time, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	signup SignupService
	login  LoginService
	reset  PasswordResetService
	tokens TokenIssuer
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(signup SignupService, login LoginService, reset PasswordResetService, tokens TokenIssuer) *AuthHandler {
	return &AuthHandler{
		signup: signup,
		login:  login,
		reset:  reset,
		tokens: tokens,
	}
}

// signupRequest はサインアップリクエストのボディ。
type signupRequest struct {
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	Birthday        string `json:"birthday"`
}

// loginRequest はログインリクエストのボディ。identifierはユーザー名またはメールアドレス。
type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// passwordResetRequest はパスワード再設定リクエストのボディ。
type passwordResetRequest struct {
	Email string `json:"email"`
}

// passwordResetConfirmRequest はパスワード再設定確定リクエストのボディ。
type passwordResetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// tokenResponse はログイン成功時のAPIレスポンス。
type tokenResponse struct {
	AccountID string    `json:"account_id"`
	Username  string    `json:"username,omitempty"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Signup はアカウントを作成し、トークンを返す。
// POST /auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var birthday time.Time
	if b := strings.TrimSpace(req.Birthday); b != "" {
		parsed, err := time.Parse(birthdayLayout, b)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(map[string]string{
				"birthday": "Birthday must be in YYYY-MM-DD format",
			}))
			return
		}
		birthday = parsed
	}

	acc, err := h.signup.Signup(r.Context(), account.SignupInput{
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Birthday:        birthday,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.writeToken(w, http.StatusCreated, acc.ID, acc.Username)
}

// Login はユーザー名またはメールアドレスとパスワードでログインし、トークンを返す。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	accountID, err := h.login.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.writeToken(w, http.StatusOK, accountID, "")
}

// RequestPasswordReset はパスワード再設定メールの送信を要求する。
// メールアドレスの登録有無にかかわらず202を返す。
// POST /auth/password-reset
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.reset.SendPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ConfirmPasswordReset は再設定トークンでパスワードを置き換える。
// POST /auth/password-reset/confirm
func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Token == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidResetTokenError())
		return
	}

	if err := h.reset.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) writeToken(w http.ResponseWriter, statusCode int, accountID, username string) {
	token, expiresAt, err := h.tokens.Issue(accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, statusCode, tokenResponse{
		AccountID: accountID,
		Username:  username,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
