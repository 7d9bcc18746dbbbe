// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はイベントのタイトル・説明・場所に含まれるマークアップを除去し、
// 保存されるテキストをプレーンテキストに限定する。
// bluemondayのStrictPolicyで全タグを除去した後、エスケープされた文字を元に戻す。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力テキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize はタグを除去し、前後の空白を取り除いたテキストを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(s string) string
	// SanitizeAll はスライスの各要素をサニタイズする。空になった要素は取り除く。
	SanitizeAll(values []string) []string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

var _ TextSanitizer = (*textSanitizer)(nil)

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(v string) string {
	if v == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(v)))
}

// SanitizeAll は各要素をサニタイズする。入力がnilでも空スライスを返す。
func (s *textSanitizer) SanitizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if clean := s.Sanitize(v); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}
