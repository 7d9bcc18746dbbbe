package auth

import (
	"context"
	"log/slog"
)

// Mailer はパスワード再設定メールの送信インターフェース。
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string) error
}

// LogMailer は送信内容をログに出力するだけのMailer。
// 開発環境、およびメール配信を外部に委ねる構成で使用する。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// SendPasswordReset は再設定トークンをログに出力する。
func (m *LogMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	m.logger.InfoContext(ctx, "password reset requested",
		slog.String("email", email),
		slog.String("reset_token", token),
	)
	return nil
}
