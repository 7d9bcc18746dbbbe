// Package session はログイン入力（ユーザー名またはメールアドレス）を検証済みのアカウントIDに解決する。
package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/model"
)

// UsernameResolver はユーザー名からアカウントIDを解決するインターフェース。
type UsernameResolver interface {
	Resolve(ctx context.Context, username string) (string, error)
}

// AccountGetter はアカウント情報の取得インターフェース。
type AccountGetter interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
}

// PasswordAuthenticator はメールアドレスとパスワードで認証するインターフェース。
type PasswordAuthenticator interface {
	Authenticate(ctx context.Context, email, password string) (string, error)
}

const (
	methodEmail    = "email"
	methodUsername = "username"
)

// Resolver はログイン処理を行う。
type Resolver struct {
	directory UsernameResolver
	accounts  AccountGetter
	auth      PasswordAuthenticator
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewResolver はResolverを生成する。
func NewResolver(directory UsernameResolver, accounts AccountGetter, auth PasswordAuthenticator, m metrics.MetricsCollector, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		directory: directory,
		accounts:  accounts,
		auth:      auth,
		metrics:   metrics.OrNop(m),
		logger:    logger,
	}
}

// Login は識別子と認証情報を検証し、アカウントIDを返す。
//
// identifierが"@"を含む場合はメールアドレスとしてそのまま認証基盤に渡す。
// それ以外はユーザー名として扱い、以下の順に解決する。
//  1. ユーザー名の予約を解決する（USERNAME_NOT_FOUND）
//  2. アカウント情報からメールアドレスを取得する（ACCOUNT_DATA_MISSING）
//  3. メールアドレスと認証情報を認証基盤に渡す
//
// 認証情報はユーザー名の解決が成功するまで認証基盤に送られない。
func (r *Resolver) Login(ctx context.Context, identifier, credential string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || credential == "" {
		fields := map[string]string{}
		if identifier == "" {
			fields["identifier"] = "Username or email is required"
		}
		if credential == "" {
			fields["password"] = "Password is required"
		}
		return "", model.NewValidationError(fields)
	}

	method := methodUsername
	if strings.Contains(identifier, "@") {
		method = methodEmail
	}

	accountID, err := r.login(ctx, method, identifier, credential)
	if err != nil {
		outcome := metrics.OutcomeFailure
		if apiErr, ok := model.AsAPIError(err); ok {
			outcome = apiErr.Code
		}
		r.metrics.RecordLogin(method, outcome)
		return "", err
	}

	r.metrics.RecordLogin(method, metrics.OutcomeSuccess)
	return accountID, nil
}

func (r *Resolver) login(ctx context.Context, method, identifier, credential string) (string, error) {
	email := identifier

	if method == methodUsername {
		accountID, err := r.directory.Resolve(ctx, identifier)
		if err != nil {
			return "", err
		}

		acc, err := r.accounts.Get(ctx, accountID)
		if model.HasCode(err, model.ErrCodeAccountNotFound) {
			fault := model.NewAccountDataMissingError(identifier, accountID)
			r.logger.Error("username resolved to missing account record",
				slog.String("username", identifier),
				slog.String("account_id", accountID),
			)
			r.metrics.RecordConsistencyFault("login")
			return "", fault
		}
		if err != nil {
			return "", err
		}
		email = acc.Email
	}

	accountID, err := r.auth.Authenticate(ctx, email, credential)
	if err != nil {
		return "", mapAuthError(err)
	}
	return accountID, nil
}

// mapAuthError は認証基盤のエラーを既知のコードに対応付ける。
// INVALID_CREDENTIAL と RATE_LIMITED 以外はAUTH_FAILEDとして扱う。
func mapAuthError(err error) error {
	if model.HasCode(err, model.ErrCodeInvalidCredential) || model.HasCode(err, model.ErrCodeRateLimited) {
		return err
	}
	return model.NewAuthFailedError(err)
}
