package model

import (
	"slices"
	"time"
)

// MemberIDsField はイベントのメンバー集合を保持するドキュメントフィールド名。
// 一覧取得の包含クエリで使用する。
const MemberIDsField = "member_ids"

// Event はイベントを表す。
// MemberIDsは常にCreatorIDを含む。
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Locations   []string  `json:"locations"`
	CreatorID   string    `json:"creator_id"`
	MemberIDs   []string  `json:"member_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasMember は指定アカウントがメンバーかどうかを返す。
func (e *Event) HasMember(accountID string) bool {
	return slices.Contains(e.MemberIDs, accountID)
}

// AddMember はメンバーを末尾に追加する。既にメンバーの場合はfalseを返し、何も変更しない。
func (e *Event) AddMember(accountID string) bool {
	if e.HasMember(accountID) {
		return false
	}
	e.MemberIDs = append(e.MemberIDs, accountID)
	return true
}

// Clone はスライスを含めたEventの複製を返す。
func (e Event) Clone() Event {
	e.Locations = slices.Clone(e.Locations)
	e.MemberIDs = slices.Clone(e.MemberIDs)
	return e
}

// EventPatch はイベント編集の差分を表す。
// nilのフィールドは変更しない。
type EventPatch struct {
	Title       *string
	Description *string
	Locations   []string
	// SetLocations がtrueの場合のみLocationsを反映する（空配列への更新を許可するため）。
	SetLocations bool
}

// IsEmpty は変更内容が無いかを返す。
func (p EventPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && !p.SetLocations
}

// Fields はパッチで変更するフィールドをドキュメントのフィールド名で返す。
func (p EventPatch) Fields() map[string]any {
	fields := make(map[string]any, 3)
	if p.Title != nil {
		fields["title"] = *p.Title
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if p.SetLocations {
		locations := slices.Clone(p.Locations)
		if locations == nil {
			locations = []string{}
		}
		fields["locations"] = locations
	}
	return fields
}

// Apply はパッチを適用したEventを返す。元のEventは変更しない。
func (p EventPatch) Apply(e Event) Event {
	out := e.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.SetLocations {
		out.Locations = slices.Clone(p.Locations)
		if out.Locations == nil {
			out.Locations = []string{}
		}
	}
	return out
}
