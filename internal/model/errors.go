// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string            // エラーコード
	Message  string            // エラーメッセージ
	Category string            // カテゴリ: validation, not_found, conflict, auth, consistency, system
	Action   string            // ユーザー向け対処方法
	Fields   map[string]string // 入力項目ごとのエラー（validationのみ）
	Err      error             // 原因となった内部エラー（レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// エラーカテゴリ
const (
	CategoryValidation  = "validation"
	CategoryNotFound    = "not_found"
	CategoryConflict    = "conflict"
	CategoryAuth        = "auth"
	CategoryConsistency = "consistency"
	CategorySystem      = "system"
)

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUsernameTaken      = "USERNAME_TAKEN"
	ErrCodeUsernameNotFound   = "USERNAME_NOT_FOUND"
	ErrCodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	ErrCodeAccountDataMissing = "ACCOUNT_DATA_MISSING"
	ErrCodeEventNotFound      = "EVENT_NOT_FOUND"
	ErrCodeNotAMember         = "NOT_A_MEMBER"
	ErrCodeAlreadyMember      = "ALREADY_MEMBER"
	ErrCodeEmailInUse         = "EMAIL_IN_USE"
	ErrCodeInvalidEmail       = "INVALID_EMAIL"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeInvalidCredential  = "INVALID_CREDENTIAL"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeAuthFailed         = "AUTH_FAILED"
	ErrCodeInvalidResetToken  = "INVALID_RESET_TOKEN"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// HasCode はerrのチェーンに指定コードのAPIErrorが含まれるかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// AsAPIError はerrのチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// NewValidationError は入力エラーを生成する。
// fieldsには項目名とその項目のエラーメッセージを渡す。
func NewValidationError(fields map[string]string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  "入力内容に誤りがあります。",
		Category: CategoryValidation,
		Action:   "各項目のエラーを確認して再度入力してください。",
		Fields:   fields,
	}
}

// NewUsernameTakenError はユーザー名重複エラーを生成する。
func NewUsernameTakenError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  fmt.Sprintf("ユーザー名は既に使用されています: %s", username),
		Category: CategoryConflict,
		Action:   "別のユーザー名を指定してください。",
		Fields:   map[string]string{"username": "Username already taken"},
	}
}

// NewUsernameNotFoundError はユーザー名未登録エラーを生成する。
func NewUsernameNotFoundError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUsernameNotFound,
		Message:  fmt.Sprintf("ユーザー名が見つかりません: %s", username),
		Category: CategoryNotFound,
		Action:   "ユーザー名を確認してください。",
	}
}

// NewAccountNotFoundError はアカウント未検出エラーを生成する。
func NewAccountNotFoundError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("アカウントが見つかりません: %s", accountID),
		Category: CategoryNotFound,
		Action:   "アカウントIDを確認してください。",
	}
}

// NewAccountDataMissingError はユーザー名の予約先アカウントが存在しない不整合エラーを生成する。
// ユーザーには一般的な失敗として表示し、詳細はログにのみ残す。
func NewAccountDataMissingError(username, accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountDataMissing,
		Message:  "アカウント情報の取得に失敗しました。",
		Category: CategoryConsistency,
		Action:   "しばらく待ってから再度お試しください。解決しない場合はメールアドレスでログインしてください。",
		Err:      fmt.Errorf("username %q reserved for %q but account record is missing", username, accountID),
	}
}

// NewEventNotFoundError はイベント未検出エラーを生成する。
func NewEventNotFoundError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeEventNotFound,
		Message:  fmt.Sprintf("イベントが見つかりません: %s", eventID),
		Category: CategoryNotFound,
		Action:   "イベントIDを確認してください。",
	}
}

// NewNotAMemberError はイベントのメンバーでないアカウントによる操作のエラーを生成する。
func NewNotAMemberError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotAMember,
		Message:  fmt.Sprintf("このイベントを操作する権限がありません: %s", eventID),
		Category: CategoryAuth,
		Action:   "イベントのメンバーに招待を依頼してください。",
	}
}

// NewAlreadyMemberError は既にメンバーであるユーザーを招待した場合のエラーを生成する。
func NewAlreadyMemberError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyMember,
		Message:  fmt.Sprintf("%s は既にイベントのメンバーです。", username),
		Category: CategoryConflict,
		Action:   "メンバー一覧を確認してください。",
	}
}

// NewEmailInUseError はメールアドレス重複エラーを生成する。
func NewEmailInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailInUse,
		Message:  "メールアドレスは既に使用されています。",
		Category: CategoryConflict,
		Action:   "ログインするか、別のメールアドレスを指定してください。",
		Fields:   map[string]string{"email": "Email already in use"},
	}
}

// NewInvalidEmailError は無効なメールアドレスのエラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "メールアドレスの形式が正しくありません。",
		Category: CategoryValidation,
		Action:   "正しいメールアドレスを入力してください。",
		Fields:   map[string]string{"email": "Email is invalid"},
	}
}

// NewWeakPasswordError は強度不足のパスワードのエラーを生成する。
func NewWeakPasswordError() *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  "パスワードが短すぎます。",
		Category: CategoryValidation,
		Action:   "6文字以上のパスワードを指定してください。",
		Fields:   map[string]string{"password": "Password is too weak"},
	}
}

// NewInvalidCredentialError は認証情報不一致のエラーを生成する。
func NewInvalidCredentialError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredential,
		Message:  "認証に失敗しました。認証情報が正しくありません。",
		Category: CategoryAuth,
		Action:   "ユーザー名またはメールアドレスとパスワードを確認してください。",
		Fields:   map[string]string{"password": "Authentication failed. Invalid credentials."},
	}
}

// NewRateLimitedError はログイン試行回数超過のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "ログインの失敗が続いたため、このアカウントは一時的に利用できません。",
		Category: CategoryAuth,
		Action:   "しばらく待ってから再度お試しいただくか、パスワードを再設定してください。",
	}
}

// NewAuthFailedError は認証基盤の未知のエラーを生成する。
func NewAuthFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "認証処理に失敗しました。",
		Category: CategoryAuth,
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewInvalidResetTokenError は無効または期限切れのパスワード再設定トークンのエラーを生成する。
func NewInvalidResetTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResetToken,
		Message:  "パスワード再設定リンクが無効か、有効期限が切れています。",
		Category: CategoryValidation,
		Action:   "もう一度パスワード再設定をリクエストしてください。",
	}
}

// NewUnauthorizedError は未認証リクエストのエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: CategoryAuth,
		Action:   "ログインしてください。",
	}
}

// NewStoreUnavailableError はドキュメントストアへのアクセス失敗を表すエラーを生成する。
// 自動リトライは行わず、呼び出し側（UI）での再試行に委ねる。
func NewStoreUnavailableError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データの読み書きに失敗しました。",
		Category: CategorySystem,
		Action:   "通信環境を確認し、再度お試しください。",
		Err:      err,
	}
}

// WrapStoreError はAPIError以外のエラーをSTORE_UNAVAILABLEに包む。
// APIErrorの場合はそのまま返す。
func WrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsAPIError(err); ok {
		return err
	}
	return NewStoreUnavailableError(err)
}
