package model

import "time"

// Account はサービス利用者のプロフィールを表す。
// IDは認証基盤が払い出す不変の識別子で、ドキュメントストアのキーにもなる。
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Birthday  time.Time `json:"birthday"`
	CreatedAt time.Time `json:"created_at"`
}

// UsernameReservation はユーザー名とアカウントIDの対応を表す。
// ユーザー名の一意性の唯一の根拠であり、キーはユーザー名そのもの。
type UsernameReservation struct {
	Username  string `json:"username"`
	AccountID string `json:"account_id"`
}

// DisplayIdentity は画面表示用のアカウント情報を表す。
type DisplayIdentity struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}
