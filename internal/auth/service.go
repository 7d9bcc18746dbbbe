// Package auth はパスワード認証基盤、ベアラートークン、ログイン失敗回数の制限を提供する。
//
// 認証基盤はメールアドレスでのみ認証を行い、メールアドレスの一意性を所有する。
// ユーザー名の扱いはdirectoryパッケージの責務であり、このパッケージは関知しない。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/letsgo/internal/docstore"
	"github.com/hitoshi/letsgo/internal/model"
)

const (
	// CredentialCollection は認証情報のコレクション名。ドキュメントIDは正規化したメールアドレス。
	CredentialCollection = "credentials"
	// ResetCollection はパスワード再設定トークンのコレクション名。ドキュメントIDはトークンのハッシュ。
	ResetCollection = "password_resets"

	minPasswordLength = 6
)

var emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)

// Authenticator は外部認証基盤のインターフェース。
type Authenticator interface {
	// CreateAccount は認証アカウントを作成し、アカウントIDを返す。
	// EMAIL_IN_USE / INVALID_EMAIL / WEAK_PASSWORD のいずれかで失敗する。
	CreateAccount(ctx context.Context, email, password string) (string, error)

	// Authenticate はメールアドレスとパスワードを検証し、アカウントIDを返す。
	// INVALID_CREDENTIAL / RATE_LIMITED のいずれか、またはその他のエラーで失敗する。
	Authenticate(ctx context.Context, email, password string) (string, error)

	// SendPasswordReset はパスワード再設定を要求する。ベストエフォートで、
	// 登録されていないメールアドレスでもエラーにしない。
	SendPasswordReset(ctx context.Context, email string) error
}

// credential はドキュメントストア上の認証情報。
type credential struct {
	AccountID    string    `json:"account_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PasswordReset はパスワード再設定トークンの記録。
type PasswordReset struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired は指定時刻に期限切れかを返す。
func (r PasswordReset) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ProviderConfig はPasswordProviderの設定。
type ProviderConfig struct {
	BcryptCost int           // bcryptのコスト（0の場合はbcrypt.DefaultCost）
	ResetTTL   time.Duration // パスワード再設定トークンの有効期間
}

// PasswordProvider はドキュメントストアに認証情報を保存するAuthenticator実装。
// パスワードはbcryptでハッシュ化する。
type PasswordProvider struct {
	store   docstore.Store
	limiter *FailureLimiter
	mailer  Mailer
	config  ProviderConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewPasswordProvider はPasswordProviderを生成する。
func NewPasswordProvider(store docstore.Store, limiter *FailureLimiter, mailer Mailer, config ProviderConfig, logger *slog.Logger) *PasswordProvider {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.ResetTTL <= 0 {
		config.ResetTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PasswordProvider{
		store:   store,
		limiter: limiter,
		mailer:  mailer,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateAccount は認証アカウントを作成する。
func (p *PasswordProvider) CreateAccount(ctx context.Context, email, password string) (string, error) {
	key := NormalizeEmail(email)
	if !emailPattern.MatchString(key) {
		return "", model.NewInvalidEmailError()
	}
	if len(password) < minPasswordLength {
		return "", model.NewWeakPasswordError()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.config.BcryptCost)
	if err != nil {
		// 72バイトを超えるパスワードはbcryptで扱えない
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", model.NewWeakPasswordError()
		}
		return "", model.NewAuthFailedError(fmt.Errorf("failed to hash password: %w", err))
	}

	cred := credential{
		AccountID:    uuid.NewString(),
		Email:        key,
		PasswordHash: string(hash),
		UpdatedAt:    p.now().UTC(),
	}

	err = p.store.Create(ctx, CredentialCollection, key, cred)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return "", model.NewEmailInUseError()
	}
	if err != nil {
		return "", model.NewStoreUnavailableError(err)
	}

	return cred.AccountID, nil
}

// Authenticate はメールアドレスとパスワードを検証する。
// 失敗が続いたメールアドレスは一定時間RATE_LIMITEDになる。
func (p *PasswordProvider) Authenticate(ctx context.Context, email, password string) (string, error) {
	key := NormalizeEmail(email)

	if p.limiter.Blocked(key) {
		return "", model.NewRateLimitedError()
	}

	cred, err := p.getCredential(ctx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		p.limiter.RecordFailure(key)
		return "", model.NewInvalidCredentialError()
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		p.limiter.RecordFailure(key)
		return "", model.NewInvalidCredentialError()
	}

	p.limiter.Reset(key)
	return cred.AccountID, nil
}

// SendPasswordReset は再設定トークンを発行してMailerに渡す。
// 未登録のメールアドレスや内部エラーでも呼び出し元にはエラーを返さない。
func (p *PasswordProvider) SendPasswordReset(ctx context.Context, email string) error {
	key := NormalizeEmail(email)
	if !emailPattern.MatchString(key) {
		return model.NewInvalidEmailError()
	}

	if _, err := p.getCredential(ctx, key); err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			p.logger.Warn("password reset lookup failed", slog.String("error", err.Error()))
		}
		return nil
	}

	token, err := generateToken()
	if err != nil {
		p.logger.Error("failed to generate reset token", slog.String("error", err.Error()))
		return nil
	}

	now := p.now().UTC()
	reset := PasswordReset{
		Email:     key,
		ExpiresAt: now.Add(p.config.ResetTTL),
		CreatedAt: now,
	}
	if err := p.store.Set(ctx, ResetCollection, hashToken(token), reset); err != nil {
		p.logger.Warn("failed to store reset token", slog.String("error", err.Error()))
		return nil
	}

	if err := p.mailer.SendPasswordReset(ctx, key, token); err != nil {
		p.logger.Warn("failed to send password reset", slog.String("error", err.Error()))
	}
	return nil
}

// ConfirmPasswordReset は再設定トークンを検証し、パスワードを置き換える。
// トークンは一度だけ使用できる。
func (p *PasswordProvider) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return model.NewWeakPasswordError()
	}

	id := hashToken(token)
	snap, err := p.store.Get(ctx, ResetCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.NewInvalidResetTokenError()
	}
	if err != nil {
		return model.NewStoreUnavailableError(err)
	}

	var reset PasswordReset
	if err := snap.Decode(&reset); err != nil {
		return model.NewStoreUnavailableError(fmt.Errorf("failed to decode reset token: %w", err))
	}

	if err := p.store.Delete(ctx, ResetCollection, id); err != nil {
		return model.NewStoreUnavailableError(err)
	}
	if reset.Expired(p.now()) {
		return model.NewInvalidResetTokenError()
	}

	cred, err := p.getCredential(ctx, reset.Email)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.NewInvalidResetTokenError()
	}
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), p.config.BcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return model.NewWeakPasswordError()
		}
		return model.NewAuthFailedError(fmt.Errorf("failed to hash password: %w", err))
	}
	cred.PasswordHash = string(hash)
	cred.UpdatedAt = p.now().UTC()

	if err := p.store.Set(ctx, CredentialCollection, reset.Email, cred); err != nil {
		return model.NewStoreUnavailableError(err)
	}

	p.limiter.Reset(reset.Email)
	p.logger.Info("password reset completed", slog.String("account_id", cred.AccountID))
	return nil
}

// getCredential は認証情報を取得する。存在しない場合はdocstore.ErrNotFoundを返す。
func (p *PasswordProvider) getCredential(ctx context.Context, key string) (*credential, error) {
	snap, err := p.store.Get(ctx, CredentialCollection, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}

	cred := &credential{}
	if err := snap.Decode(cred); err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("failed to decode credential: %w", err))
	}
	return cred, nil
}

// generateToken は暗号的に安全なランダムトークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashToken はトークンの保存用ハッシュを返す。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// compile-time interface check
var _ Authenticator = (*PasswordProvider)(nil)
