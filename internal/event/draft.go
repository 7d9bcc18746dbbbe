package event

import (
	"context"

	"github.com/hitoshi/letsgo/internal/model"
)

// Updater はイベント更新のインターフェース。
type Updater interface {
	Update(ctx context.Context, eventID string, patch model.EventPatch, requesterID string) (*model.Event, error)
}

// Draft は編集中のイベントを、サーバー側の状態と未保存の編集に分けて保持する。
// 両者はSaveでのみ突き合わせ、自動でマージしない。
type Draft struct {
	Server  model.Event
	Pending *model.EventPatch
}

// NewDraft はサーバー状態から未編集のDraftを生成する。
func NewDraft(server model.Event) Draft {
	return Draft{Server: server.Clone()}
}

// Edit は未保存の編集を置き換えたDraftを返す。
func (d Draft) Edit(p model.EventPatch) Draft {
	d.Pending = &p
	return d
}

// Discard は未保存の編集を破棄したDraftを返す。
func (d Draft) Discard() Draft {
	d.Pending = nil
	return d
}

// Rebase はサーバー状態だけを置き換えたDraftを返す。未保存の編集はそのまま残る。
func (d Draft) Rebase(server model.Event) Draft {
	d.Server = server.Clone()
	return d
}

// Dirty は未保存の編集があるかを返す。
func (d Draft) Dirty() bool {
	return d.Pending != nil && !d.Pending.IsEmpty()
}

// View は表示用に、サーバー状態へ未保存の編集を重ねたイベントを返す。
// Draft自体は変更しない。
func (d Draft) View() model.Event {
	if !d.Dirty() {
		return d.Server.Clone()
	}
	return d.Pending.Apply(d.Server)
}

// Save は未保存の編集を送信し、保存後のサーバー状態を持つDraftを返す。
// 失敗した場合は元のDraftとエラーを返す。
func (d Draft) Save(ctx context.Context, u Updater, requesterID string) (Draft, error) {
	if !d.Dirty() {
		return d.Discard(), nil
	}

	updated, err := u.Update(ctx, d.Server.ID, *d.Pending, requesterID)
	if err != nil {
		return d, err
	}
	return NewDraft(*updated), nil
}
