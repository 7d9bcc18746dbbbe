package account

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/letsgo/internal/model"
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.]{1,30}$`)
	emailPattern    = regexp.MustCompile(`\S+@\S+\.\S+`)
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 6

// UsernameReserver はユーザー名予約のインターフェース。
type UsernameReserver interface {
	IsTaken(ctx context.Context, username string) (bool, error)
	Reserve(ctx context.Context, username, accountID string) error
}

// AccountCreator は認証基盤へのアカウント作成インターフェース。
type AccountCreator interface {
	CreateAccount(ctx context.Context, email, password string) (string, error)
}

// SignupInput はサインアップの入力値を表す。
type SignupInput struct {
	FirstName       string
	LastName        string
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
	Birthday        time.Time
}

// Registrar はサインアップ処理を行う。
type Registrar struct {
	accounts  *Store
	directory UsernameReserver
	auth      AccountCreator
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistrar はRegistrarを生成する。
func NewRegistrar(accounts *Store, directory UsernameReserver, auth AccountCreator, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		accounts:  accounts,
		directory: directory,
		auth:      auth,
		logger:    logger,
		now:       time.Now,
	}
}

// Validate はサインアップの入力値を検証し、項目ごとのエラーを返す。
// エラーが無い場合は空のmapを返す。
func (r *Registrar) Validate(in SignupInput) map[string]string {
	errs := make(map[string]string)

	if strings.TrimSpace(in.FirstName) == "" {
		errs["first_name"] = "First name is required"
	}

	switch {
	case strings.TrimSpace(in.Username) == "":
		errs["username"] = "Username is required"
	case !usernamePattern.MatchString(in.Username):
		errs["username"] = "Username may contain only letters, digits, '_' and '.' (max 30)"
	}

	switch {
	case strings.TrimSpace(in.Email) == "":
		errs["email"] = "Email is required"
	case !emailPattern.MatchString(in.Email):
		errs["email"] = "Email is invalid"
	}

	if len(in.Password) < MinPasswordLength {
		errs["password"] = "Password must be at least 6 characters"
	}
	if in.Password != in.ConfirmPassword {
		errs["confirm_password"] = "Passwords do not match"
	}
	if in.Birthday.After(r.now()) {
		errs["birthday"] = "Birthday can't be in the future"
	}

	return errs
}

// Signup はアカウントを作成する。
//
// 処理順:
//  1. 入力検証（VALIDATION_ERROR）
//  2. ユーザー名の予約確認（USERNAME_TAKEN）
//  3. 認証基盤へのアカウント作成（EMAIL_IN_USE / INVALID_EMAIL / WEAK_PASSWORD）
//  4. アカウント情報の保存
//  5. ユーザー名の予約
//
// 3以降で失敗した場合、作成済みの認証アカウントは残る（メールアドレスでのみログイン可能）。
func (r *Registrar) Signup(ctx context.Context, in SignupInput) (*model.Account, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Username = strings.TrimSpace(in.Username)

	if errs := r.Validate(in); len(errs) > 0 {
		return nil, model.NewValidationError(errs)
	}

	taken, err := r.directory.IsTaken(ctx, in.Username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, model.NewUsernameTakenError(in.Username)
	}

	accountID, err := r.auth.CreateAccount(ctx, in.Email, in.Password)
	if err != nil {
		return nil, err
	}

	acc := &model.Account{
		ID:        accountID,
		Email:     in.Email,
		Username:  in.Username,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Birthday:  in.Birthday.UTC(),
		CreatedAt: r.now().UTC(),
	}
	if err := r.accounts.Put(ctx, acc); err != nil {
		r.logger.Error("account record write failed after auth account creation",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if err := r.directory.Reserve(ctx, in.Username, accountID); err != nil {
		r.logger.Error("username reservation failed after account creation",
			slog.String("account_id", accountID),
			slog.String("username", in.Username),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	r.logger.Info("account created",
		slog.String("account_id", accountID),
		slog.String("username", in.Username),
	)
	return acc, nil
}
